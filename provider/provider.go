// Package provider implements the network side of a collaboration session:
// it connects a shared document to a relay endpoint for a given document id,
// forwards local ops, integrates remote ops, surfaces connection status and
// sync transitions, and carries the awareness (presence) channel.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabpad/crdt"
	"collabpad/wire"
)

// Status is the connection state reported to the session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrClosed is returned for operations on a closed provider.
var ErrClosed = errors.New("provider: closed")

// AwarenessChange describes one presence-channel transition. States is a
// snapshot of all known remote presences after the change.
type AwarenessChange struct {
	Added   []int
	Updated []int
	Removed []int
	States  map[int]wire.PresenceState
}

// Options configures a Provider.
type Options struct {
	// Token is the shared relay token, appended to the dial URL.
	Token string
	// Presence is the initial local presence published on connect.
	Presence wire.PresenceState
	// CachePath enables the on-disk outbox for offline edits.
	CachePath string
	// HandshakeTimeout bounds the websocket dial. Defaults to 10s.
	HandshakeTimeout time.Duration
}

type pendingOp struct {
	op  crdt.Op
	seq uint64 // cache sequence, 0 when not persisted
}

// Provider connects one document replica to the relay.
type Provider struct {
	endpoint string
	docID    string
	doc      *crdt.Doc
	opts     Options

	mu            sync.Mutex
	status        Status
	synced        bool
	connID        int
	conn          *websocket.Conn
	outbox        []pendingOp
	localPresence wire.PresenceState
	presenceDirty bool
	claimPending  bool
	claimWanted   bool
	claimCh       chan bool
	states        map[int]wire.PresenceState
	started       bool
	closed        bool

	wake chan struct{}
	done chan struct{}

	subMu      sync.Mutex
	statusSubs map[int]func(Status)
	syncSubs   map[int]func()
	awareSubs  map[int]func(AwarenessChange)
	nextSub    int

	cache     *opCache
	unsubDoc  func()
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a provider for doc bound to endpoint and docID. The provider
// stays disconnected until Connect is called.
func New(endpoint, docID string, doc *crdt.Doc, opts Options) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("provider: endpoint required")
	}
	if docID == "" {
		return nil, errors.New("provider: document id required")
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	p := &Provider{
		endpoint:      strings.TrimRight(endpoint, "/"),
		docID:         docID,
		doc:           doc,
		opts:          opts,
		status:        StatusDisconnected,
		localPresence: opts.Presence,
		states:        make(map[int]wire.PresenceState),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		statusSubs:    make(map[int]func(Status)),
		syncSubs:      make(map[int]func()),
		awareSubs:     make(map[int]func(AwarenessChange)),
	}

	if opts.CachePath != "" {
		cache, err := openCache(opts.CachePath)
		if err != nil {
			return nil, err
		}
		p.cache = cache
		cached, err := cache.Load()
		if err != nil {
			cache.Close()
			return nil, err
		}
		for _, c := range cached {
			p.outbox = append(p.outbox, pendingOp{op: c.op, seq: c.seq})
			// After a restart the replica starts empty; replaying the
			// cached ops restores the offline edits locally. Idempotent
			// when the replica already carries them.
			doc.ApplyRemote(c.op)
		}
	}

	p.unsubDoc = doc.Subscribe(func(ch crdt.Change) {
		if ch.Remote {
			return
		}
		p.enqueue(ch.Ops)
	})

	return p, nil
}

func (p *Provider) enqueue(ops []crdt.Op) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for _, op := range ops {
		if op.Empty() {
			continue
		}
		pending := pendingOp{op: op}
		if p.cache != nil {
			seq, err := p.cache.Append(op)
			if err != nil {
				log.Printf("provider: op cache write failed: %v", err)
			} else {
				pending.seq = seq
			}
		}
		p.outbox = append(p.outbox, pending)
	}
	p.mu.Unlock()
	p.wakeWriter()
}

func (p *Provider) wakeWriter() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Connect starts the connection loop. It returns immediately; status events
// report progress. Calling Connect twice is an error.
func (p *Provider) Connect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("provider: already connected")
	}
	p.started = true
	p.mu.Unlock()

	p.setStatus(StatusConnecting)
	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *Provider) run() {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if p.isClosed() {
			return
		}

		conn, err := p.dial()
		if err != nil {
			select {
			case <-p.done:
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		p.setStatus(StatusConnected)

		stop := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			p.writeLoop(conn, stop)
		}()

		p.readLoop(conn)

		close(stop)
		conn.Close()
		<-writerDone

		p.mu.Lock()
		p.conn = nil
		p.synced = false
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		p.setStatus(StatusConnecting)
	}
}

// dial opens the websocket, performs the hello/welcome handshake and records
// the assigned connection id plus the room's current presence states.
func (p *Provider) dial() (*websocket.Conn, error) {
	u := fmt.Sprintf("%s/ws?doc=%s", p.endpoint, url.QueryEscape(p.docID))
	if p.opts.Token != "" {
		u += "&token=" + url.QueryEscape(p.opts.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: p.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	p.mu.Lock()
	presence := p.localPresence
	p.mu.Unlock()

	hello := wire.Frame{Type: wire.Hello, Doc: p.docID, Peer: p.doc.Peer(), Presence: &presence}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(p.opts.HandshakeTimeout))
	var welcome wire.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if welcome.Type != wire.Welcome {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", welcome.Type)
	}

	p.mu.Lock()
	p.conn = conn
	p.connID = welcome.Conn
	p.states = make(map[int]wire.PresenceState, len(welcome.States))
	var added []int
	for id, st := range welcome.States {
		p.states[id] = st
		added = append(added, id)
	}
	// Re-announce presence and any interrupted claim on every (re)connect.
	p.presenceDirty = true
	if p.claimPending {
		p.claimWanted = true
	}
	snapshot := p.statesLocked()
	p.mu.Unlock()
	p.wakeWriter()

	if len(added) > 0 {
		p.notifyAwareness(AwarenessChange{Added: added, States: snapshot})
	}
	return conn, nil
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			log.Printf("provider: dropping malformed frame: %v", err)
			continue
		}
		p.handleFrame(f)
	}
}

func (p *Provider) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.Op:
		if f.Op != nil {
			p.doc.ApplyRemote(*f.Op)
		}
	case wire.Synced:
		p.setSynced()
	case wire.Presence:
		if f.Presence == nil {
			return
		}
		p.mu.Lock()
		_, known := p.states[f.Conn]
		p.states[f.Conn] = *f.Presence
		snapshot := p.statesLocked()
		p.mu.Unlock()
		ch := AwarenessChange{States: snapshot}
		if known {
			ch.Updated = []int{f.Conn}
		} else {
			ch.Added = []int{f.Conn}
		}
		p.notifyAwareness(ch)
	case wire.PresenceGone:
		p.mu.Lock()
		_, known := p.states[f.Conn]
		delete(p.states, f.Conn)
		snapshot := p.statesLocked()
		p.mu.Unlock()
		if known {
			p.notifyAwareness(AwarenessChange{Removed: []int{f.Conn}, States: snapshot})
		}
	case wire.ClaimResult:
		p.mu.Lock()
		ch := p.claimCh
		p.claimPending = false
		p.claimWanted = false
		p.mu.Unlock()
		if ch != nil {
			select {
			case ch <- f.Won:
			default:
			}
		}
	}
}

// writeLoop drains the outbox, presence updates and claim requests onto the
// connection. Ops leave the outbox (and the on-disk cache) only after a
// successful write.
func (p *Provider) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-p.done:
			return
		case <-p.wake:
		}

		for {
			p.mu.Lock()
			if len(p.outbox) == 0 {
				p.mu.Unlock()
				break
			}
			next := p.outbox[0]
			p.mu.Unlock()

			frame := wire.Frame{Type: wire.Op, Doc: p.docID, Op: &next.op}
			if err := p.writeFrame(conn, frame); err != nil {
				return
			}

			p.mu.Lock()
			p.outbox = p.outbox[1:]
			p.mu.Unlock()
			if p.cache != nil && next.seq != 0 {
				if err := p.cache.Remove(next.seq); err != nil {
					log.Printf("provider: op cache cleanup failed: %v", err)
				}
			}
		}

		p.mu.Lock()
		sendPresence := p.presenceDirty
		presence := p.localPresence
		p.presenceDirty = false
		sendClaim := p.claimWanted
		p.claimWanted = false
		p.mu.Unlock()

		if sendPresence {
			frame := wire.Frame{Type: wire.Presence, Doc: p.docID, Presence: &presence}
			if err := p.writeFrame(conn, frame); err != nil {
				p.mu.Lock()
				p.presenceDirty = true
				p.claimWanted = p.claimWanted || sendClaim
				p.mu.Unlock()
				return
			}
		}
		if sendClaim {
			frame := wire.Frame{Type: wire.Claim, Doc: p.docID, Peer: p.doc.Peer()}
			if err := p.writeFrame(conn, frame); err != nil {
				p.mu.Lock()
				p.claimWanted = true
				p.mu.Unlock()
				return
			}
		}
	}
}

func (p *Provider) writeFrame(conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		log.Printf("provider: dropping unencodable frame: %v", err)
		return nil
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ClaimInit asks the relay to arbitrate the one-time document
// initialization. It returns true for exactly one caller per document;
// everyone else, now or later, gets false. Safe to call only once the
// provider has synced.
func (p *Provider) ClaimInit(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}
	if p.claimPending {
		p.mu.Unlock()
		return false, errors.New("provider: claim already in flight")
	}
	p.claimPending = true
	p.claimWanted = true
	p.claimCh = make(chan bool, 1)
	ch := p.claimCh
	p.mu.Unlock()
	p.wakeWriter()

	select {
	case won := <-ch:
		return won, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.claimPending = false
		p.claimWanted = false
		p.claimCh = nil
		p.mu.Unlock()
		return false, ctx.Err()
	case <-p.done:
		return false, ErrClosed
	}
}

// SetLocalPresence replaces the local presence state and schedules its
// broadcast.
func (p *Provider) SetLocalPresence(ps wire.PresenceState) {
	p.mu.Lock()
	p.localPresence = ps
	p.presenceDirty = true
	p.mu.Unlock()
	p.wakeWriter()
}

// UpdateCursor updates only the cursor portion of the local presence.
func (p *Provider) UpdateCursor(cursor int) {
	p.mu.Lock()
	p.localPresence.Cursor = cursor
	p.presenceDirty = true
	p.mu.Unlock()
	p.wakeWriter()
}

// OnStatus registers a status observer; it is not called with the current
// value. Returns the unsubscribe handle.
func (p *Provider) OnStatus(fn func(Status)) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.statusSubs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.statusSubs, id)
		p.subMu.Unlock()
	}
}

// OnSynced registers a sync observer, fired each time local and remote state
// converge (once per connection). Handlers run on their own goroutine and
// may block, e.g. on ClaimInit.
func (p *Provider) OnSynced(fn func()) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.syncSubs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.syncSubs, id)
		p.subMu.Unlock()
	}
}

// OnAwareness registers a presence observer. Returns the unsubscribe handle.
func (p *Provider) OnAwareness(fn func(AwarenessChange)) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.awareSubs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.awareSubs, id)
		p.subMu.Unlock()
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()

	p.subMu.Lock()
	fns := make([]func(Status), 0, len(p.statusSubs))
	for _, fn := range p.statusSubs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (p *Provider) setSynced() {
	p.mu.Lock()
	p.synced = true
	p.mu.Unlock()

	p.subMu.Lock()
	fns := make([]func(), 0, len(p.syncSubs))
	for _, fn := range p.syncSubs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

func (p *Provider) notifyAwareness(ch AwarenessChange) {
	p.subMu.Lock()
	fns := make([]func(AwarenessChange), 0, len(p.awareSubs))
	for _, fn := range p.awareSubs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (p *Provider) statesLocked() map[int]wire.PresenceState {
	out := make(map[int]wire.PresenceState, len(p.states))
	for id, st := range p.states {
		out[id] = st
	}
	return out
}

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced reports whether this replica has converged with the relay since the
// last (re)connect.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// ConnID returns the relay-assigned connection id, 0 before the first
// welcome.
func (p *Provider) ConnID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connID
}

// States returns a copy of the known remote presence states.
func (p *Provider) States() map[int]wire.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statesLocked()
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close releases the connection and all resources. Idempotent; status
// transitions to disconnected.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		conn := p.conn
		p.mu.Unlock()

		p.unsubDoc()
		close(p.done)
		if conn != nil {
			conn.Close()
		}
		p.wg.Wait()

		if p.cache != nil {
			if err := p.cache.Close(); err != nil {
				log.Printf("provider: op cache close failed: %v", err)
			}
		}

		p.mu.Lock()
		p.synced = false
		p.mu.Unlock()
		p.setStatus(StatusDisconnected)
	})
	return nil
}
