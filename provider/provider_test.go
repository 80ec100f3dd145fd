package provider

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"collabpad/crdt"
	"collabpad/internal/hub"
	"collabpad/internal/relay"
	"collabpad/wire"
)

func startRelay(t *testing.T, token string) string {
	t.Helper()
	h := hub.New(nil, nil)
	srv := httptest.NewServer(relay.NewHTTPServer(h, token, "*").Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectReportsSynced(t *testing.T) {
	endpoint := startRelay(t, "")
	doc := crdt.NewDoc("peer-1")

	p, err := New(endpoint, "doc-1", doc, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var mu sync.Mutex
	var statuses []Status
	p.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "synced", p.Synced)

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 || statuses[0] != StatusConnecting || statuses[1] != StatusConnected {
		t.Fatalf("unexpected status sequence: %v", statuses)
	}
	if p.ConnID() == 0 {
		t.Fatal("no connection id assigned")
	}
}

func TestConnectTwiceFails(t *testing.T) {
	endpoint := startRelay(t, "")
	doc := crdt.NewDoc("peer-1")
	p, err := New(endpoint, "doc-1", doc, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := p.Connect(); err == nil {
		t.Fatal("second Connect should fail")
	}
}

func TestTokenRequiredWhenRelayProtected(t *testing.T) {
	endpoint := startRelay(t, "secret")

	good := crdt.NewDoc("peer-good")
	p, err := New(endpoint, "doc-1", good, Options{Token: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "authorized provider synced", p.Synced)

	bad := crdt.NewDoc("peer-bad")
	q, err := New(endpoint, "doc-1", bad, Options{Token: "wrong"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()
	if err := q.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if q.Synced() {
		t.Fatal("provider with a bad token must not sync")
	}
}

func TestTwoProvidersConverge(t *testing.T) {
	endpoint := startRelay(t, "")

	docA := crdt.NewDoc("peer-a")
	docB := crdt.NewDoc("peer-b")

	pa, err := New(endpoint, "doc-conv", docA, Options{})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer pa.Close()
	pb, err := New(endpoint, "doc-conv", docB, Options{})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer pb.Close()

	if err := pa.Connect(); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	if err := pb.Connect(); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	waitFor(t, "a synced", pa.Synced)
	waitFor(t, "b synced", pb.Synced)

	docA.Insert(0, "shared")
	waitFor(t, "b receives insert", func() bool { return docB.String() == "shared" })

	docB.Delete(0, 1)
	waitFor(t, "a receives delete", func() bool { return docA.String() == "hared" })
}

func TestClaimInitWonByExactlyOne(t *testing.T) {
	endpoint := startRelay(t, "")

	const n = 5
	var provs [n]*Provider
	for i := 0; i < n; i++ {
		doc := crdt.NewDoc(fmt.Sprintf("peer-%d", i))
		p, err := New(endpoint, "doc-claim", doc, Options{})
		if err != nil {
			t.Fatalf("New %d: %v", i, err)
		}
		defer p.Close()
		if err := p.Connect(); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		provs[i] = p
	}
	for i := 0; i < n; i++ {
		waitFor(t, fmt.Sprintf("provider %d synced", i), provs[i].Synced)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			won, err := p.ClaimInit(ctx)
			if err != nil {
				t.Errorf("ClaimInit: %v", err)
				return
			}
			wins <- won
		}(provs[i])
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}

func TestOfflineEditsFlushFromCache(t *testing.T) {
	endpoint := startRelay(t, "")
	cachePath := filepath.Join(t.TempDir(), "outbox.db")

	// First run: edit while never connecting, so the op only lands in the
	// on-disk outbox.
	docOffline := crdt.NewDoc("peer-offline")
	offline, err := New(endpoint, "doc-cache", docOffline, Options{CachePath: cachePath})
	if err != nil {
		t.Fatalf("New offline: %v", err)
	}
	docOffline.Insert(0, "offline edit")
	if err := offline.Close(); err != nil {
		t.Fatalf("Close offline: %v", err)
	}

	// Second run: same cache path, fresh replica. The cached op restores
	// locally on open and flushes to the relay on connect.
	docRetry := crdt.NewDoc("peer-retry")
	retry, err := New(endpoint, "doc-cache", docRetry, Options{CachePath: cachePath})
	if err != nil {
		t.Fatalf("New retry: %v", err)
	}
	defer retry.Close()
	if docRetry.String() != "offline edit" {
		t.Fatalf("cache did not restore locally: %q", docRetry.String())
	}
	if err := retry.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// An independent replica sees the flushed edit once it syncs.
	docWitness := crdt.NewDoc("peer-witness")
	witness, err := New(endpoint, "doc-cache", docWitness, Options{})
	if err != nil {
		t.Fatalf("New witness: %v", err)
	}
	defer witness.Close()
	if err := witness.Connect(); err != nil {
		t.Fatalf("Connect witness: %v", err)
	}
	waitFor(t, "offline edit reaches the relay", func() bool {
		return docWitness.String() == "offline edit"
	})
}

func TestPresencePropagates(t *testing.T) {
	endpoint := startRelay(t, "")

	docA := crdt.NewDoc("peer-a")
	pa, err := New(endpoint, "doc-pres", docA, Options{
		Presence: wire.PresenceState{UserID: "ua", Name: "A", Color: "#30bced"},
	})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer pa.Close()
	if err := pa.Connect(); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	waitFor(t, "a synced", pa.Synced)

	docB := crdt.NewDoc("peer-b")
	pb, err := New(endpoint, "doc-pres", docB, Options{
		Presence: wire.PresenceState{UserID: "ub", Name: "B", Color: "#ee6352"},
	})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer pb.Close()

	var mu sync.Mutex
	removed := 0
	pb.OnAwareness(func(ch AwarenessChange) {
		mu.Lock()
		removed += len(ch.Removed)
		mu.Unlock()
	})

	if err := pb.Connect(); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	waitFor(t, "b synced", pb.Synced)

	waitFor(t, "b sees a's presence", func() bool {
		for _, st := range pb.States() {
			if st.UserID == "ua" {
				return true
			}
		}
		return false
	})
	waitFor(t, "a sees b's presence", func() bool {
		for _, st := range pa.States() {
			if st.UserID == "ub" {
				return true
			}
		}
		return false
	})

	pa.UpdateCursor(3)
	waitFor(t, "cursor propagates", func() bool {
		for _, st := range pb.States() {
			if st.UserID == "ua" && st.Cursor == 3 {
				return true
			}
		}
		return false
	})

	pa.Close()
	waitFor(t, "departure broadcast", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed > 0
	})
}

func TestCloseTransitionsToDisconnected(t *testing.T) {
	endpoint := startRelay(t, "")
	doc := crdt.NewDoc("peer-1")
	p, err := New(endpoint, "doc-close", doc, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "synced", p.Synced)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Status() != StatusDisconnected {
		t.Fatalf("status after close: %s", p.Status())
	}
	if p.Synced() {
		t.Fatal("synced should reset on close")
	}
	if _, err := p.ClaimInit(context.Background()); err != ErrClosed {
		t.Fatalf("ClaimInit after close: %v", err)
	}
}
