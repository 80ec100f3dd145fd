// Package crdt implements the shared document: a convergent text sequence
// plus a small last-writer-wins register map for replicated metadata. All
// replicas that apply the same set of ops, in any order, end with the same
// text and the same registers.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Edit is a materialized change against the current text, in rune offsets.
// Either Insert is non-empty or Delete is positive, never both.
type Edit struct {
	Index  int
	Insert string
	Delete int
}

// Change describes one applied op batch. Remote distinguishes integration of
// peer ops from local edits so observers can avoid echoing.
type Change struct {
	Remote bool
	Ops    []Op
	Edits  []Edit
}

type flagRegister struct {
	Value string `json:"v"`
	Stamp ID     `json:"s"`
}

// Doc is a replicated document. Safe for concurrent use; change callbacks
// run outside the document lock.
type Doc struct {
	mu      sync.RWMutex
	peer    string
	clock   uint64
	chars   []Char
	present map[ID]bool
	flags   map[string]flagRegister

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// NewDoc creates an empty document replica owned by peer.
func NewDoc(peer string) *Doc {
	return &Doc{
		peer:    peer,
		present: make(map[ID]bool),
		flags:   make(map[string]flagRegister),
		subs:    make(map[int]func(Change)),
	}
}

// Peer returns the replica's peer id.
func (d *Doc) Peer() string { return d.peer }

// Subscribe registers a change observer and returns its unsubscribe handle.
// Observers see both local and remote changes.
func (d *Doc) Subscribe(fn func(Change)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()
	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Doc) notify(ch Change) {
	d.subMu.Lock()
	fns := make([]func(Change), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (d *Doc) tick() ID {
	d.clock++
	return ID{Clock: d.clock, Peer: d.peer}
}

func (d *Doc) observe(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

// String returns the current text.
func (d *Doc) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	runes := make([]rune, len(d.chars))
	for i, c := range d.chars {
		runes[i] = c.Rune
	}
	return string(runes)
}

// Len returns the text length in runes.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.chars)
}

// Insert inserts text at the given rune index (clamped to the document
// bounds) and returns the op to broadcast. An empty string is a no-op.
func (d *Doc) Insert(index int, text string) Op {
	runes := []rune(text)
	if len(runes) == 0 {
		return Op{}
	}

	d.mu.Lock()
	if index < 0 {
		index = 0
	}
	if index > len(d.chars) {
		index = len(d.chars)
	}

	var left, right []int
	if index > 0 {
		left = d.chars[index-1].Pos
	}
	if index < len(d.chars) {
		right = d.chars[index].Pos
	}

	chars := make([]Char, len(runes))
	for i, r := range runes {
		pos := posBetween(left, right)
		chars[i] = Char{ID: d.tick(), Rune: r, Pos: pos}
		left = pos
	}

	d.chars = append(d.chars[:index], append(chars, d.chars[index:]...)...)
	for _, c := range chars {
		d.present[c.ID] = true
	}
	d.mu.Unlock()

	op := Op{Type: OpInsert, Chars: chars}
	d.notify(Change{Ops: []Op{op}, Edits: []Edit{{Index: index, Insert: string(runes)}}})
	return op
}

// Delete removes n runes starting at index (clamped) and returns the op to
// broadcast.
func (d *Doc) Delete(index, n int) Op {
	d.mu.Lock()
	if index < 0 {
		index = 0
	}
	if index >= len(d.chars) || n <= 0 {
		d.mu.Unlock()
		return Op{}
	}
	if index+n > len(d.chars) {
		n = len(d.chars) - index
	}

	targets := make([]ID, n)
	for i := 0; i < n; i++ {
		c := d.chars[index+i]
		targets[i] = c.ID
		delete(d.present, c.ID)
	}
	d.chars = append(d.chars[:index], d.chars[index+n:]...)
	d.mu.Unlock()

	op := Op{Type: OpDelete, Targets: targets}
	d.notify(Change{Ops: []Op{op}, Edits: []Edit{{Index: index, Delete: n}}})
	return op
}

// SetFlag writes a replicated register and returns the op to broadcast.
func (d *Doc) SetFlag(key, value string) Op {
	d.mu.Lock()
	stamp := d.tick()
	d.flags[key] = flagRegister{Value: value, Stamp: stamp}
	d.mu.Unlock()

	op := Op{Type: OpFlag, Key: key, Value: value, Stamp: stamp}
	d.notify(Change{Ops: []Op{op}})
	return op
}

// Flag reads a replicated register.
func (d *Doc) Flag(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.flags[key]
	return reg.Value, ok
}

// ApplyRemote integrates an op from a peer. Application is idempotent:
// already-integrated inserts, unknown delete targets and stale register
// writes are skipped.
func (d *Doc) ApplyRemote(op Op) {
	if op.Empty() {
		return
	}

	d.mu.Lock()
	d.observe(op.maxClock())

	var edits []Edit
	switch op.Type {
	case OpInsert:
		for _, c := range op.Chars {
			if d.present[c.ID] {
				continue
			}
			idx := insertAt(d.chars, c)
			d.chars = append(d.chars[:idx], append([]Char{c}, d.chars[idx:]...)...)
			d.present[c.ID] = true
			if len(edits) > 0 {
				last := &edits[len(edits)-1]
				if last.Delete == 0 && last.Index+len([]rune(last.Insert)) == idx {
					last.Insert += string(c.Rune)
					continue
				}
			}
			edits = append(edits, Edit{Index: idx, Insert: string(c.Rune)})
		}
	case OpDelete:
		for _, target := range op.Targets {
			idx := -1
			for i, c := range d.chars {
				if c.ID == target {
					idx = i
					break
				}
			}
			if idx < 0 {
				continue
			}
			d.chars = append(d.chars[:idx], d.chars[idx+1:]...)
			delete(d.present, target)
			if len(edits) > 0 {
				last := &edits[len(edits)-1]
				if last.Delete > 0 && last.Index == idx {
					last.Delete++
					continue
				}
			}
			edits = append(edits, Edit{Index: idx, Delete: 1})
		}
	case OpFlag:
		reg, ok := d.flags[op.Key]
		if !ok || reg.Stamp.Less(op.Stamp) {
			d.flags[op.Key] = flagRegister{Value: op.Value, Stamp: op.Stamp}
		}
	}
	d.mu.Unlock()

	d.notify(Change{Remote: true, Ops: []Op{op}, Edits: edits})
}

// StateOps returns ops that reproduce the current replica state when applied
// to any other replica: one insert carrying the full text plus one write per
// register. Used by the relay to bring joiners up to date; deletions must be
// conveyed separately by the caller's tombstone record.
func (d *Doc) StateOps() []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ops []Op
	if len(d.chars) > 0 {
		chars := make([]Char, len(d.chars))
		copy(chars, d.chars)
		ops = append(ops, Op{Type: OpInsert, Chars: chars})
	}
	for key, reg := range d.flags {
		ops = append(ops, Op{Type: OpFlag, Key: key, Value: reg.Value, Stamp: reg.Stamp})
	}
	return ops
}

type snapshot struct {
	Clock uint64                  `json:"clock"`
	Chars []Char                  `json:"chars"`
	Flags map[string]flagRegister `json:"flags"`
}

// Snapshot serializes the full replica state, used by the relay for op-log
// compaction.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.RLock()
	snap := snapshot{Clock: d.clock, Chars: d.chars, Flags: d.flags}
	data, err := json.Marshal(snap)
	d.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("snapshot doc: %w", err)
	}
	return data, nil
}

// Restore replaces the replica state with a snapshot previously produced by
// Snapshot. Only valid on a fresh document.
func (d *Doc) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore doc: %w", err)
	}
	d.mu.Lock()
	d.clock = snap.Clock
	d.chars = snap.Chars
	d.present = make(map[ID]bool, len(snap.Chars))
	for _, c := range snap.Chars {
		d.present[c.ID] = true
	}
	d.flags = snap.Flags
	if d.flags == nil {
		d.flags = make(map[string]flagRegister)
	}
	d.mu.Unlock()
	return nil
}
