// Package collab assembles a live collaboration session over one document:
// a shared replica, a relay connection, an editor binding, presence styling
// and the one-time seeding of new documents.
package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabpad/crdt"
	"collabpad/editor"
	"collabpad/provider"
	"collabpad/wire"
)

// InitializedFlag marks a document whose starter content has been written.
// Replicated with the document, so late joiners skip the claim round-trip.
const InitializedFlag = "initialized"

// AnonymousUserID styles participants who joined without an identity.
const AnonymousUserID = "anonymous"

// DefaultEndpoint is dialed when Options.Endpoint is empty.
const DefaultEndpoint = "ws://localhost:1234"

const claimTimeout = 10 * time.Second

// starterFilenames are the scaffold names a fresh workspace opens with.
// Opening one of these flips the loading overlay on until first sync, since
// the document is likely about to be replaced by replicated content.
var starterFilenames = map[string]bool{
	"untitled":  true,
	"main.py":   true,
	"main.go":   true,
	"index.js":  true,
	"index.ts":  true,
	"index.md":  true,
	"README.md": true,
}

// Identity is who the local participant is.
type Identity struct {
	UserID string
	Name   string
}

// Options configures a Session. Buffer and Identity.UserID are the
// activation gates: with either missing, Start is a no-op.
type Options struct {
	DocumentID string
	Identity   Identity
	Buffer     *editor.Buffer

	// Endpoint is the relay base URL; DefaultEndpoint when empty.
	Endpoint string
	// Token is the shared relay token.
	Token string

	// DefaultContent seeds the document if this session wins the
	// initialization claim. Empty means never seed.
	DefaultContent string
	// Filename of the open buffer, used for the loading heuristic.
	Filename string
	// AltKeybindings is carried through to editor configuration.
	AltKeybindings bool
	// CachePath enables the provider's on-disk outbox.
	CachePath string

	// OnReady fires once the session is wired, before first sync.
	OnReady func(*editor.Buffer)
	// OnLoading reports the loading overlay state.
	OnLoading func(bool)
}

// Session is one active collaboration over one document. Create with Start,
// dispose with Close; reconfiguring means a new session.
type Session struct {
	opts   Options
	doc    *crdt.Doc
	prov   *provider.Provider
	bind   *editor.Binding
	styles *StyleRegistry

	mu     sync.Mutex
	status provider.Status
	synced bool
	closed bool

	seedOnce  sync.Once
	closeOnce sync.Once
	unsubs    []func()
}

// Start activates collaboration for opts. It returns (nil, nil) when the
// prerequisites are missing: no buffer or no authenticated user means the
// editor simply stays local.
func Start(opts Options) (*Session, error) {
	if opts.Buffer == nil || opts.Identity.UserID == "" {
		return nil, nil
	}
	if opts.DocumentID == "" {
		return nil, errors.New("collab: document id required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}

	if opts.OnLoading != nil && starterFilenames[opts.Filename] {
		opts.OnLoading(true)
	}

	// Peer ids must be unique per replica, not per user: the same user in
	// two windows is two peers.
	peer := opts.Identity.UserID + "/" + uuid.NewString()
	doc := crdt.NewDoc(peer)

	s := &Session{
		opts:   opts,
		doc:    doc,
		styles: NewStyleRegistry(),
		status: provider.StatusDisconnected,
	}
	s.styles.Ensure(opts.Identity.UserID, opts.Identity.Name)

	prov, err := provider.New(opts.Endpoint, opts.DocumentID, doc, provider.Options{
		Token:     opts.Token,
		CachePath: opts.CachePath,
		Presence: wire.PresenceState{
			UserID: opts.Identity.UserID,
			Name:   opts.Identity.Name,
			Color:  ColorFor(opts.Identity.UserID),
		},
	})
	if err != nil {
		return nil, err
	}
	s.prov = prov

	// The buffer stays read-only until the first sync so users cannot type
	// into state that is about to be replaced.
	opts.Buffer.SetReadOnly(true)
	s.bind = editor.Bind(doc, opts.Buffer, s)

	// A cache path can restore offline edits into the replica before the
	// binding exists; the buffer has to catch up to that text.
	if text := doc.String(); text != "" && opts.Buffer.Text() != text {
		opts.Buffer.ApplyRemote(0, text, opts.Buffer.Len())
	}

	s.unsubs = append(s.unsubs,
		prov.OnStatus(s.onStatus),
		prov.OnSynced(s.onSynced),
		prov.OnAwareness(s.onAwareness),
	)

	if err := prov.Connect(); err != nil {
		s.teardown()
		return nil, err
	}

	if opts.OnReady != nil {
		opts.OnReady(opts.Buffer)
	}
	return s, nil
}

// PublishCursor implements editor.PresencePublisher.
func (s *Session) PublishCursor(cursor int) {
	s.prov.UpdateCursor(cursor)
}

func (s *Session) onStatus(st provider.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// onSynced runs on its own goroutine per the provider contract, so it may
// block on the claim round-trip.
func (s *Session) onSynced() {
	s.seedOnce.Do(s.seedIfFirst)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.synced = true
	s.opts.Buffer.SetReadOnly(false)
	s.mu.Unlock()

	if s.opts.OnLoading != nil {
		s.opts.OnLoading(false)
	}
}

// seedIfFirst writes the starter content into a brand-new document. The
// relay arbitrates: exactly one session per document wins the claim, so
// concurrent first joiners cannot double-seed. Content that already exists
// always wins over the seed.
func (s *Session) seedIfFirst() {
	if s.opts.DefaultContent == "" {
		return
	}
	if _, ok := s.doc.Flag(InitializedFlag); ok {
		return
	}
	if s.doc.Len() > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()
	won, err := s.prov.ClaimInit(ctx)
	if err != nil {
		log.Printf("collab: init claim for %s failed: %v", s.opts.DocumentID, err)
		return
	}
	if !won {
		return
	}
	if s.doc.Len() == 0 {
		s.doc.Insert(0, s.opts.DefaultContent)
		// The binding only mirrors remote document changes, so the local
		// seed has to be placed into the buffer directly.
		s.opts.Buffer.ApplyRemote(0, s.opts.DefaultContent, 0)
	}
	s.doc.SetFlag(InitializedFlag, "1")
}

func (s *Session) onAwareness(ch provider.AwarenessChange) {
	for _, conn := range ch.Added {
		st := ch.States[conn]
		if st.UserID == "" {
			s.styles.Ensure(AnonymousUserID, "")
			continue
		}
		s.styles.Ensure(st.UserID, st.Name)
	}
}

// Doc returns the session's document replica.
func (s *Session) Doc() *crdt.Doc { return s.doc }

// Buffer returns the bound editor buffer.
func (s *Session) Buffer() *editor.Buffer { return s.opts.Buffer }

// Styles returns the presence style registry.
func (s *Session) Styles() *StyleRegistry { return s.styles }

// AltKeybindings reports the carried-through keybinding preference.
func (s *Session) AltKeybindings() bool { return s.opts.AltKeybindings }

// Status returns the connection status as last reported.
func (s *Session) Status() provider.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Synced reports whether the first sync has completed.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

func (s *Session) teardown() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.bind.Release()
	s.prov.Close()
}

// Close detaches the binding, disconnects the provider and returns the
// buffer to read-only local mode. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.synced = false
		s.status = provider.StatusDisconnected
		s.opts.Buffer.SetReadOnly(true)
		s.mu.Unlock()

		s.teardown()
	})
	return nil
}

// Manager holds at most one live session and serializes replacement: the
// old session is fully closed before its successor starts, so two sessions
// never write the same buffer.
type Manager struct {
	mu      sync.Mutex
	current *Session
}

// Swap closes the current session, if any, and starts a new one with opts.
// A (nil, nil) result means the prerequisites were missing and collaboration
// is now off.
func (m *Manager) Swap(opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
	s, err := Start(opts)
	if err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the live session, nil when collaboration is off.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close shuts down the live session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
