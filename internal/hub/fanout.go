package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Fanout relays room frames between relay nodes over redis pub/sub, so two
// clients of the same document can sit on different nodes.
type Fanout struct {
	client *redis.Client
	node   string

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
}

type fanoutEnvelope struct {
	Node  string          `json:"node"`
	Frame json.RawMessage `json:"frame"`
}

// NewFanout connects to redis and verifies the connection.
func NewFanout(redisURL string) (*Fanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Fanout{
		client: client,
		node:   uuid.NewString(),
		subs:   make(map[string]*redis.PubSub),
	}, nil
}

// NewFanoutWithClient wraps an existing redis client, used by tests.
func NewFanoutWithClient(client *redis.Client) *Fanout {
	return &Fanout{
		client: client,
		node:   uuid.NewString(),
		subs:   make(map[string]*redis.PubSub),
	}
}

func (f *Fanout) channel(docID string) string {
	return "collabpad:doc:" + docID
}

// Publish sends a frame to the other nodes serving the document.
func (f *Fanout) Publish(docID string, frame []byte) {
	env, err := json.Marshal(fanoutEnvelope{Node: f.node, Frame: frame})
	if err != nil {
		log.Printf("fanout: encode envelope: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, f.channel(docID), env).Err(); err != nil {
		log.Printf("fanout: publish %s: %v", docID, err)
	}
}

// subscribe wires a room to its document channel. Frames published by this
// node are skipped; everything else is integrated into the room.
func (f *Fanout) subscribe(r *Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("fanout closed")
	}
	if _, ok := f.subs[r.ID]; ok {
		return nil
	}

	ps := f.client.Subscribe(context.Background(), f.channel(r.ID))
	f.subs[r.ID] = ps

	go func() {
		for msg := range ps.Channel() {
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("fanout: malformed envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.Node == f.node {
				continue
			}
			r.integrate(env.Frame)
		}
	}()
	return nil
}

// ClaimInit arbitrates the one-time document initialization across relay
// nodes. The first SETNX on the document's init key wins; every later
// caller, on any node, loses.
func (f *Fanout) ClaimInit(ctx context.Context, docID, peer string) (bool, error) {
	won, err := f.client.SetNX(ctx, "collabpad:init:"+docID, peer, 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim init %s: %w", docID, err)
	}
	return won, nil
}

// Ping reports redis health.
func (f *Fanout) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close tears down all subscriptions and the client.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = make(map[string]*redis.PubSub)
	f.mu.Unlock()

	for _, ps := range subs {
		ps.Close()
	}
	f.client.Close()
}
