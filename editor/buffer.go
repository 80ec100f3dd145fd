// Package editor provides the in-process stand-in for a code-editor widget:
// a text buffer with a cursor and change events, plus the binding that keeps
// a buffer mirrored with a shared document.
package editor

import (
	"errors"
	"sync"
)

// ErrReadOnly is returned for local edits while the buffer is read-only.
var ErrReadOnly = errors.New("editor: buffer is read-only")

// ChangeSource identifies where a change originated.
type ChangeSource uint8

const (
	ChangeSourceLocal ChangeSource = iota
	ChangeSourceRemote
)

// ChangeEvent describes one effective buffer mutation, in rune offsets.
type ChangeEvent struct {
	Source  ChangeSource
	Index   int
	Insert  string
	Deleted int
	Version uint64
}

// Buffer is the editable document state: text, cursor, read-only flag.
// Safe for concurrent use; change callbacks run outside the buffer lock.
type Buffer struct {
	mu       sync.RWMutex
	runes    []rune
	cursor   int
	readOnly bool
	version  uint64

	subMu   sync.Mutex
	subs    map[int]func(ChangeEvent)
	nextSub int
}

// NewBuffer creates a buffer with initial text. Collaboration sessions start
// buffers read-only until the first sync.
func NewBuffer(text string) *Buffer {
	return &Buffer{
		runes: []rune(text),
		subs:  make(map[int]func(ChangeEvent)),
	}
}

// OnChange registers a change observer and returns its unsubscribe handle.
func (b *Buffer) OnChange(fn func(ChangeEvent)) func() {
	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

func (b *Buffer) notify(ev ChangeEvent) {
	b.subMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Text returns the buffer contents.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.runes)
}

// Len returns the buffer length in runes.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runes)
}

// Cursor returns the cursor offset in runes.
func (b *Buffer) Cursor() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursor
}

// SetCursor moves the cursor, clamped to the buffer bounds.
func (b *Buffer) SetCursor(at int) {
	b.mu.Lock()
	b.cursor = clamp(at, 0, len(b.runes))
	b.mu.Unlock()
}

// ReadOnly reports whether local edits are rejected.
func (b *Buffer) ReadOnly() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readOnly
}

// SetReadOnly toggles the local-edit gate. Remote applications bypass it.
func (b *Buffer) SetReadOnly(ro bool) {
	b.mu.Lock()
	b.readOnly = ro
	b.mu.Unlock()
}

// Version returns the mutation counter.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Insert performs a local insertion at the given rune offset.
func (b *Buffer) Insert(at int, text string) error {
	return b.apply(ChangeSourceLocal, at, text, 0)
}

// Delete performs a local deletion of n runes starting at the given offset.
func (b *Buffer) Delete(at, n int) error {
	return b.apply(ChangeSourceLocal, at, "", n)
}

// ApplyRemote applies an edit that originated in the shared document. It
// bypasses the read-only gate and adjusts the cursor to keep its logical
// place relative to the surrounding text.
func (b *Buffer) ApplyRemote(at int, insert string, deleted int) {
	_ = b.apply(ChangeSourceRemote, at, insert, deleted)
}

func (b *Buffer) apply(src ChangeSource, at int, insert string, deleted int) error {
	ins := []rune(insert)
	if len(ins) == 0 && deleted <= 0 {
		return nil
	}

	b.mu.Lock()
	if src == ChangeSourceLocal && b.readOnly {
		b.mu.Unlock()
		return ErrReadOnly
	}
	at = clamp(at, 0, len(b.runes))
	if deleted > len(b.runes)-at {
		deleted = len(b.runes) - at
	}

	if deleted > 0 {
		b.runes = append(b.runes[:at], b.runes[at+deleted:]...)
	}
	if len(ins) > 0 {
		b.runes = append(b.runes[:at], append(ins, b.runes[at:]...)...)
	}

	switch src {
	case ChangeSourceLocal:
		b.cursor = at + len(ins)
	case ChangeSourceRemote:
		// Keep the cursor anchored to the text around it.
		if b.cursor > at {
			b.cursor -= min(deleted, b.cursor-at)
			b.cursor += len(ins)
		}
	}
	b.cursor = clamp(b.cursor, 0, len(b.runes))

	b.version++
	ev := ChangeEvent{Source: src, Index: at, Insert: insert, Deleted: deleted, Version: b.version}
	b.mu.Unlock()

	b.notify(ev)
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
