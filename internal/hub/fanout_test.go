package hub_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"collabpad/crdt"
	"collabpad/internal/hub"
	"collabpad/wire"
)

// Two hubs sharing one redis must behave like one: an op accepted by either
// node reaches connections on the other.
func TestFanoutBridgesNodes(t *testing.T) {
	mr := miniredis.RunT(t)

	newNode := func() string {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		h := hub.New(nil, hub.NewFanoutWithClient(client))
		return startHub(t, h)
	}
	node1 := newNode()
	node2 := newNode()

	docA := crdt.NewDoc("peer-a")
	connA, _ := dialPeer(t, node1, "doc-1", docA)
	docB := crdt.NewDoc("peer-b")
	connB, _ := dialPeer(t, node2, "doc-1", docB)

	op := docA.Insert(0, "cross-node")
	if err := connA.WriteJSON(wire.Frame{Type: wire.Op, Doc: "doc-1", Op: &op}); err != nil {
		t.Fatalf("send op: %v", err)
	}

	f := readUntil(t, connB, func(f wire.Frame) bool { return f.Type == wire.Op })
	docB.ApplyRemote(*f.Op)
	if docB.String() != "cross-node" {
		t.Fatalf("replica on second node diverged: %q", docB.String())
	}

	// And the reverse direction.
	op2 := docB.Insert(0, "! ")
	if err := connB.WriteJSON(wire.Frame{Type: wire.Op, Doc: "doc-1", Op: &op2}); err != nil {
		t.Fatalf("send op: %v", err)
	}
	f2 := readUntil(t, connA, func(f wire.Frame) bool { return f.Type == wire.Op })
	docA.ApplyRemote(*f2.Op)
	if docA.String() != "! cross-node" {
		t.Fatalf("first node diverged: %q", docA.String())
	}
}

// With no store configured, claim arbitration must still span nodes: two
// clients of the same document on different relays get exactly one win.
func TestFanoutClaimSpansNodes(t *testing.T) {
	mr := miniredis.RunT(t)

	newNode := func() string {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		h := hub.New(nil, hub.NewFanoutWithClient(client))
		return startHub(t, h)
	}
	node1 := newNode()
	node2 := newNode()

	docA := crdt.NewDoc("peer-a")
	connA, _ := dialPeer(t, node1, "doc-claim", docA)
	docB := crdt.NewDoc("peer-b")
	connB, _ := dialPeer(t, node2, "doc-claim", docB)

	if err := connA.WriteJSON(wire.Frame{Type: wire.Claim, Doc: "doc-claim", Peer: docA.Peer()}); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if err := connB.WriteJSON(wire.Frame{Type: wire.Claim, Doc: "doc-claim", Peer: docB.Peer()}); err != nil {
		t.Fatalf("claim b: %v", err)
	}

	ra := readUntil(t, connA, func(f wire.Frame) bool { return f.Type == wire.ClaimResult })
	rb := readUntil(t, connB, func(f wire.Frame) bool { return f.Type == wire.ClaimResult })
	if ra.Won == rb.Won {
		t.Fatalf("cross-node claim arbitration broke: a=%v b=%v", ra.Won, rb.Won)
	}

	// A later claim on either node loses too.
	if err := connA.WriteJSON(wire.Frame{Type: wire.Claim, Doc: "doc-claim", Peer: docA.Peer()}); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	late := readUntil(t, connA, func(f wire.Frame) bool { return f.Type == wire.ClaimResult })
	if late.Won {
		t.Fatal("claim won twice")
	}
}

// An op must not echo back to the node it came from via redis; the sender's
// own connections already got it directly.
func TestFanoutSkipsOwnNode(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	endpoint := startHub(t, hub.New(nil, hub.NewFanoutWithClient(client)))

	docA := crdt.NewDoc("peer-a")
	connA, _ := dialPeer(t, endpoint, "doc-1", docA)
	docB := crdt.NewDoc("peer-b")
	connB, _ := dialPeer(t, endpoint, "doc-1", docB)

	op := docA.Insert(0, "x")
	if err := connA.WriteJSON(wire.Frame{Type: wire.Op, Doc: "doc-1", Op: &op}); err != nil {
		t.Fatalf("send op: %v", err)
	}

	f := readUntil(t, connB, func(f wire.Frame) bool { return f.Type == wire.Op })
	docB.ApplyRemote(*f.Op)

	// A second copy of the same frame would be idempotent for the replica
	// but means the node republished its own envelope.
	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var extra wire.Frame
	if err := connB.ReadJSON(&extra); err == nil && extra.Type == wire.Op {
		t.Fatal("op echoed back through the fan-out")
	}
}
