package editor

import (
	"sync"

	"collabpad/crdt"
)

// PresencePublisher receives local cursor movements for the awareness
// channel. Implemented by the collaboration session.
type PresencePublisher interface {
	PublishCursor(cursor int)
}

// Binding keeps one buffer and the shared document's text region mirrored in
// both directions. Remote document changes are applied to the buffer; local
// buffer edits become document ops. Scoped to exactly one buffer.
type Binding struct {
	doc *crdt.Doc
	buf *Buffer

	releaseOnce sync.Once
	unsubDoc    func()
	unsubBuf    func()
}

// Bind wires doc and buf together. presence may be nil when no awareness
// channel is attached.
func Bind(doc *crdt.Doc, buf *Buffer, presence PresencePublisher) *Binding {
	b := &Binding{doc: doc, buf: buf}

	b.unsubDoc = doc.Subscribe(func(ch crdt.Change) {
		if !ch.Remote {
			return
		}
		for _, edit := range ch.Edits {
			buf.ApplyRemote(edit.Index, edit.Insert, edit.Delete)
		}
	})

	b.unsubBuf = buf.OnChange(func(ev ChangeEvent) {
		if ev.Source == ChangeSourceLocal {
			if ev.Deleted > 0 {
				doc.Delete(ev.Index, ev.Deleted)
			}
			if ev.Insert != "" {
				doc.Insert(ev.Index, ev.Insert)
			}
		}
		if presence != nil {
			presence.PublishCursor(buf.Cursor())
		}
	})

	return b
}

// Release detaches both observers. Idempotent.
func (b *Binding) Release() {
	b.releaseOnce.Do(func() {
		b.unsubDoc()
		b.unsubBuf()
	})
}
