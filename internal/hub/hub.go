// Package hub maintains the relay's active collaboration rooms: it keeps a
// server-side replica per document, replays state to joiners, broadcasts ops
// and presence, arbitrates one-time initialization claims, and optionally
// persists through a store and fans out across relay nodes through redis.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabpad/internal/store"
	"collabpad/wire"
)

// snapshotEvery is the op interval between store snapshot compactions.
const snapshotEvery = 256

// Store persists room state between relay restarts. All methods must be safe
// for concurrent use. Implemented by store.PostgresStore; nil means a
// memory-only relay.
type Store interface {
	AppendOp(ctx context.Context, docID string, op []byte) (int64, error)
	OpsSince(ctx context.Context, docID string, after int64) ([]store.OpRecord, error)
	Snapshot(ctx context.Context, docID string) (data []byte, upTo int64, err error)
	SaveSnapshot(ctx context.Context, docID string, upTo int64, data []byte) error
	ClaimInit(ctx context.Context, docID, peer string) (bool, error)
	Ping(ctx context.Context) error
}

// Hub is the room registry.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	store  Store
	fanout *Fanout
}

// New creates a hub. store and fanout may be nil for a memory-only,
// single-node relay.
func New(store Store, fanout *Fanout) *Hub {
	return &Hub{
		rooms:  make(map[string]*Room),
		store:  store,
		fanout: fanout,
	}
}

// Room returns the room for a document id, creating and bootstrapping it on
// first use.
func (h *Hub) Room(ctx context.Context, docID string) (*Room, error) {
	h.mu.RLock()
	r, ok := h.rooms[docID]
	h.mu.RUnlock()
	if ok {
		return r, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[docID]; ok {
		return r, nil
	}

	r = newRoom(h, docID)
	if h.store != nil {
		if err := r.bootstrap(ctx, h.store); err != nil {
			return nil, fmt.Errorf("bootstrap room %s: %w", docID, err)
		}
	}
	if h.fanout != nil {
		if err := h.fanout.subscribe(r); err != nil {
			return nil, fmt.Errorf("subscribe room %s: %w", docID, err)
		}
	}
	h.rooms[docID] = r
	return r, nil
}

// DocText returns the current text of a document, bootstrapping its room if
// needed.
func (h *Hub) DocText(ctx context.Context, docID string) (string, error) {
	r, err := h.Room(ctx, docID)
	if err != nil {
		return "", err
	}
	return r.Text(), nil
}

// claim arbitrates the one-time initialization for a document. The decision
// must span every node that can serve the room: durable in the store when
// one is configured, else shared through redis when a fanout is, else
// process-local on a single-node relay.
func (h *Hub) claim(ctx context.Context, r *Room, peer string) (bool, error) {
	if h.store != nil {
		return h.store.ClaimInit(ctx, r.ID, peer)
	}
	if h.fanout != nil {
		return h.fanout.ClaimInit(ctx, r.ID, peer)
	}
	return r.claimLocal(), nil
}

// ServeWS runs the relay side of one websocket connection: handshake,
// welcome, state replay, then the read pump until the peer goes away.
func (h *Hub) ServeWS(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello wire.Frame
	if err := ws.ReadJSON(&hello); err != nil {
		log.Printf("hub: handshake read failed: %v", err)
		return
	}
	ws.SetReadDeadline(time.Time{})
	if hello.Type != wire.Hello || hello.Doc == "" {
		log.Printf("hub: rejected handshake frame %q", hello.Type)
		return
	}

	room, err := h.Room(ctx, hello.Doc)
	if err != nil {
		log.Printf("hub: room %s unavailable: %v", hello.Doc, err)
		return
	}

	var presence wire.PresenceState
	if hello.Presence != nil {
		presence = *hello.Presence
	}
	c := room.register(ws, hello.Peer, presence)

	go c.writePump()
	c.readPump(ctx)
	room.unregister(c)
}

// Ping reports backend health for the readiness probe.
func (h *Hub) Ping(ctx context.Context) error {
	var errs []error
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if h.fanout != nil {
		if err := h.fanout.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fanout: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down the fanout subscriptions.
func (h *Hub) Close() {
	if h.fanout != nil {
		h.fanout.Close()
	}
}
