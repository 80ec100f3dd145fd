package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/gorilla/websocket"

	"collabpad/crdt"
	"collabpad/wire"
)

// Room is one live document: the server-side replica, the connected clients
// and their presence states.
type Room struct {
	ID  string
	hub *Hub

	mu           sync.Mutex
	doc          *crdt.Doc
	deleted      []crdt.ID
	deletedSet   map[crdt.ID]bool
	conns        map[int]*client
	presence     map[int]wire.PresenceState
	initClaimed  bool
	opsSinceSnap int
	lastSeq      int64
}

func newRoom(h *Hub, id string) *Room {
	return &Room{
		ID:         id,
		hub:        h,
		doc:        crdt.NewDoc("relay"),
		deletedSet: make(map[crdt.ID]bool),
		conns:      make(map[int]*client),
		presence:   make(map[int]wire.PresenceState),
	}
}

// roomSnapshot is the persisted compaction payload: replica state plus the
// tombstones joiner replay needs.
type roomSnapshot struct {
	Doc     json.RawMessage `json:"doc"`
	Deleted []crdt.ID       `json:"deleted"`
}

// bootstrap restores the replica from the store: latest snapshot, then the
// op tail appended after it.
func (r *Room) bootstrap(ctx context.Context, s Store) error {
	data, upTo, err := s.Snapshot(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if data != nil {
		var snap roomSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if err := r.doc.Restore(snap.Doc); err != nil {
			return err
		}
		for _, id := range snap.Deleted {
			r.deleted = append(r.deleted, id)
			r.deletedSet[id] = true
		}
	}

	ops, err := s.OpsSince(ctx, r.ID, upTo)
	if err != nil {
		return fmt.Errorf("load ops: %w", err)
	}
	for _, rec := range ops {
		op, err := crdt.DecodeOp(rec.Data)
		if err != nil {
			return err
		}
		r.doc.ApplyRemote(op)
		r.recordTombstonesLocked(op)
		r.lastSeq = rec.Seq
	}
	// Anything in the tail counts against the next compaction.
	r.opsSinceSnap = len(ops)
	return nil
}

// Text returns the replica's current text.
func (r *Room) Text() string {
	return r.doc.String()
}

// Len returns the replica's text length in runes.
func (r *Room) Len() int {
	return r.doc.Len()
}

func (r *Room) claimLocal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initClaimed {
		return false
	}
	r.initClaimed = true
	return true
}

// register adds a connection, queues its welcome, state replay and synced
// frames, and announces its presence to the rest of the room. The queue is
// built under the room lock so no broadcast can interleave before the
// replay.
func (r *Room) register(ws *websocket.Conn, peer string, presence wire.PresenceState) *client {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := 0
	for id == 0 || r.conns[id] != nil {
		id = int(rand.Int31())
	}

	c := &client{id: id, peer: peer, room: r, ws: ws, send: make(chan []byte, 256)}

	states := make(map[int]wire.PresenceState, len(r.presence))
	for cid, st := range r.presence {
		states[cid] = st
	}
	c.enqueue(wire.Frame{Type: wire.Welcome, Doc: r.ID, Conn: id, States: states})
	for _, op := range r.stateOpsLocked() {
		op := op
		c.enqueue(wire.Frame{Type: wire.Op, Doc: r.ID, Op: &op})
	}
	c.enqueue(wire.Frame{Type: wire.Synced, Doc: r.ID})

	r.conns[id] = c
	r.presence[id] = presence
	r.broadcastLocked(id, mustEncode(wire.Frame{Type: wire.Presence, Doc: r.ID, Conn: id, Presence: &presence}))

	return c
}

func (r *Room) unregister(c *client) {
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.id)
	delete(r.presence, c.id)
	c.shutdown()
	gone := mustEncode(wire.Frame{Type: wire.PresenceGone, Doc: r.ID, Conn: c.id})
	r.broadcastLocked(c.id, gone)
	r.mu.Unlock()

	if r.hub.fanout != nil {
		r.hub.fanout.Publish(r.ID, gone)
	}
}

// stateOpsLocked returns ops reproducing the replica state, tombstones
// included, for joiner replay.
func (r *Room) stateOpsLocked() []crdt.Op {
	ops := r.doc.StateOps()
	if len(r.deleted) > 0 {
		targets := make([]crdt.ID, len(r.deleted))
		copy(targets, r.deleted)
		ops = append(ops, crdt.Op{Type: crdt.OpDelete, Targets: targets})
	}
	return ops
}

func (r *Room) recordTombstonesLocked(op crdt.Op) {
	if op.Type != crdt.OpDelete {
		return
	}
	for _, id := range op.Targets {
		if !r.deletedSet[id] {
			r.deletedSet[id] = true
			r.deleted = append(r.deleted, id)
		}
	}
}

// handleOp integrates a client op, persists it, relays it to the rest of the
// room and to peer relay nodes.
func (r *Room) handleOp(ctx context.Context, from *client, op crdt.Op) {
	if op.Empty() {
		return
	}
	data, err := crdt.EncodeOp(op)
	if err != nil {
		log.Printf("hub: dropping unencodable op from %s: %v", from.peer, err)
		return
	}

	if r.hub.store != nil {
		seq, err := r.hub.store.AppendOp(ctx, r.ID, data)
		if err != nil {
			log.Printf("hub: persist op for %s failed: %v", r.ID, err)
		} else {
			r.mu.Lock()
			r.lastSeq = seq
			r.mu.Unlock()
		}
	}

	frame := mustEncode(wire.Frame{Type: wire.Op, Doc: r.ID, Op: &op})

	r.mu.Lock()
	r.doc.ApplyRemote(op)
	r.recordTombstonesLocked(op)
	r.opsSinceSnap++
	var snapData []byte
	var snapSeq int64
	if r.hub.store != nil && r.opsSinceSnap >= snapshotEvery {
		if data, err := r.snapshotLocked(); err != nil {
			log.Printf("hub: snapshot %s failed: %v", r.ID, err)
		} else {
			snapData = data
			snapSeq = r.lastSeq
			r.opsSinceSnap = 0
		}
	}
	r.broadcastLocked(from.id, frame)
	r.mu.Unlock()

	if snapData != nil {
		if err := r.hub.store.SaveSnapshot(ctx, r.ID, snapSeq, snapData); err != nil {
			log.Printf("hub: save snapshot %s failed: %v", r.ID, err)
		}
	}
	if r.hub.fanout != nil {
		r.hub.fanout.Publish(r.ID, frame)
	}
}

func (r *Room) snapshotLocked() ([]byte, error) {
	docData, err := r.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(roomSnapshot{Doc: docData, Deleted: r.deleted})
}

func (r *Room) setPresence(from *client, ps wire.PresenceState) {
	frame := mustEncode(wire.Frame{Type: wire.Presence, Doc: r.ID, Conn: from.id, Presence: &ps})

	r.mu.Lock()
	r.presence[from.id] = ps
	r.broadcastLocked(from.id, frame)
	r.mu.Unlock()

	if r.hub.fanout != nil {
		r.hub.fanout.Publish(r.ID, frame)
	}
}

func (r *Room) handleClaim(ctx context.Context, from *client, peer string) {
	won, err := r.hub.claim(ctx, r, peer)
	if err != nil {
		log.Printf("hub: claim for %s failed: %v", r.ID, err)
		won = false
	}
	from.enqueue(wire.Frame{Type: wire.ClaimResult, Doc: r.ID, Won: won})
}

// integrate applies a frame that arrived from another relay node.
func (r *Room) integrate(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		log.Printf("hub: dropping malformed fanout frame for %s: %v", r.ID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch f.Type {
	case wire.Op:
		if f.Op == nil {
			return
		}
		r.doc.ApplyRemote(*f.Op)
		r.recordTombstonesLocked(*f.Op)
		r.broadcastLocked(0, data)
	case wire.Presence:
		if f.Presence == nil {
			return
		}
		r.presence[f.Conn] = *f.Presence
		r.broadcastLocked(0, data)
	case wire.PresenceGone:
		delete(r.presence, f.Conn)
		r.broadcastLocked(0, data)
	}
}

// broadcastLocked sends to every connection except the one named. A client
// that cannot keep up is dropped, as in any fan-out hub.
func (r *Room) broadcastLocked(except int, data []byte) {
	for id, c := range r.conns {
		if id == except {
			continue
		}
		if !c.trySend(data) {
			delete(r.conns, id)
			delete(r.presence, id)
			c.shutdown()
		}
	}
}

func mustEncode(f wire.Frame) []byte {
	data, err := wire.Encode(f)
	if err != nil {
		// Frames are built from our own types; this cannot fail at runtime.
		panic(err)
	}
	return data
}

// client is one websocket connection in a room.
type client struct {
	id   int
	peer string
	room *Room
	ws   *websocket.Conn

	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

// trySend queues a frame without blocking. Returns false when the client is
// gone or its queue is full.
func (c *client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue exactly once; the write pump drains what is
// left and closes the socket.
func (c *client) shutdown() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

func (c *client) enqueue(f wire.Frame) {
	if !c.trySend(mustEncode(f)) {
		log.Printf("hub: dropping frame for slow client %d", c.id)
	}
}

func (c *client) readPump(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			log.Printf("hub: dropping malformed frame from %s: %v", c.peer, err)
			continue
		}
		switch f.Type {
		case wire.Op:
			if f.Op != nil {
				c.room.handleOp(ctx, c, *f.Op)
			}
		case wire.Presence:
			if f.Presence != nil {
				c.room.setPresence(c, *f.Presence)
			}
		case wire.Claim:
			c.room.handleClaim(ctx, c, f.Peer)
		}
	}
}

func (c *client) writePump() {
	defer c.ws.Close()
	for data := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.ws.WriteMessage(websocket.CloseMessage, []byte{})
}
