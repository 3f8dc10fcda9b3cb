package dht

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

// newTestNode starts a DHT bound to an OS-assigned loopback port with a
// store and quiet logger, short enough timeouts for in-process tests, and
// maintenance loops spaced far enough apart that they never interfere.
func newTestNode(t *testing.T, peers PeerStore) *DHT {
	t.Helper()
	cfg := WithDefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.QueryTimeout = 500 * time.Millisecond
	cfg.RefreshInterval = time.Hour
	cfg.BootstrapInterval = time.Hour
	cfg.QuestionableInterval = time.Hour

	d, err := NewDHT(cfg, peers)
	if err != nil {
		t.Fatalf("NewDHT: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDHT_BootstrapBasic(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	b.cfg.BootstrapNodes = []string{a.LocalAddr().String()}
	b.bootstrap(context.Background())

	if _, ok := b.table.Get(a.Self()); !ok {
		t.Fatalf("bootstrapping node did not learn the seed node")
	}
}

func TestDHT_PingIdentity(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	id, err := b.Ping(a.LocalAddr())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if id != a.Self() {
		t.Fatalf("got id %x, want %x", id, a.Self())
	}
	if _, ok := b.table.Get(a.Self()); !ok {
		t.Fatalf("a successful ping should insert the remote node")
	}
}

func TestDHT_FindNodeSuccess(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	c := newTestNode(t, nil)

	// a knows about c; b only knows about a.
	if _, err := a.Ping(c.LocalAddr()); err != nil {
		t.Fatalf("a.Ping(c): %v", err)
	}
	if _, err := b.Ping(a.LocalAddr()); err != nil {
		t.Fatalf("b.Ping(a): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := b.FindNode(ctx, c.Self())
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	var nodes []Node
	for n := range stream {
		nodes = append(nodes, n)
	}
	found := false
	for _, n := range nodes {
		if n.ID == c.Self() {
			found = true
		}
	}
	if !found {
		t.Fatalf("FindNode(c) = %+v, expected to surface c", nodes)
	}
}

func TestDHT_GetPeersHit(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	infoHash := RandomID()
	a.peers.InsertInfoHash(infoHash, Node{ID: RandomID(), Address: PeerAddress{IP: b.LocalAddr().AddrPort().Addr(), Port: 51413}})

	if _, err := b.Ping(a.LocalAddr()); err != nil {
		t.Fatalf("b.Ping(a): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := b.GetPeers(ctx, infoHash)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	var peerAddrs []PeerAddress
	for p := range stream {
		peerAddrs = append(peerAddrs, p)
	}
	if len(peerAddrs) != 1 || peerAddrs[0].Port != 51413 {
		t.Fatalf("got %+v, want a single peer on port 51413", peerAddrs)
	}
}

func TestDHT_AnnouncePeerRoundTrip(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	if _, err := b.Ping(a.LocalAddr()); err != nil {
		t.Fatalf("b.Ping(a): %v", err)
	}

	infoHash := RandomID()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// GetPeers against a (which has no peers for this hash yet) still
	// earns b a token from a, priming AnnouncePeer below.
	primeStream, err := b.GetPeers(ctx, infoHash)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	for range primeStream {
	}

	announceStream, err := b.AnnouncePeer(ctx, infoHash, 6881, true)
	if err != nil {
		t.Fatalf("AnnouncePeer: %v", err)
	}
	acked := 0
	for range announceStream {
		acked++
	}
	if acked != 1 {
		t.Fatalf("got %d announce acks, want 1", acked)
	}

	got := a.peers.GetPeerAddresses(infoHash, 0, nil)
	if len(got) != 1 {
		t.Fatalf("got %d peers registered on a, want 1", len(got))
	}
}

func TestDHT_AnnouncePeer_InvalidTokenRejected(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	if _, err := b.Ping(a.LocalAddr()); err != nil {
		t.Fatalf("b.Ping(a): %v", err)
	}

	infoHash := RandomID()
	q := announcePeerQuery("", b.Self(), infoHash, 6881, false, "not-a-real-token")
	_, err := b.krpc.SendQuery(q, a.LocalAddr(), 500*time.Millisecond)
	if err == nil {
		t.Fatalf("expected an error for an unsolicited announce_peer with a bogus token")
	}
	kerr, ok := err.(*KRPCError)
	if !ok {
		t.Fatalf("expected a *KRPCError, got %T (%v)", err, err)
	}
	if kerr.Code != KRPCErrProtocol {
		t.Fatalf("got error code %d, want %d", kerr.Code, KRPCErrProtocol)
	}

	if got := a.peers.GetPeerAddresses(infoHash, 0, nil); len(got) != 0 {
		t.Fatalf("peer store should be unmutated after a rejected announce, got %+v", got)
	}
}

func TestDHT_Iter(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)

	if _, err := b.Ping(a.LocalAddr()); err != nil {
		t.Fatalf("b.Ping(a): %v", err)
	}

	nodes := b.Iter()
	if len(nodes) != 1 || nodes[0].ID != a.Self() {
		t.Fatalf("got %+v, want a single entry for a", nodes)
	}
}
