package dht

import (
	"net/netip"
	"testing"
	"time"
)

func randomNode() Node {
	return Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 6881}}
}

func TestRoutingTable_RejectsSelf(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, goodnessWindow)
	if rt.Insert(Node{ID: self, Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 1}}) {
		t.Fatalf("Insert accepted the self id")
	}
	if rt.Size() != 0 {
		t.Fatalf("self id was stored despite rejection")
	}
}

func TestRoutingTable_BucketIndexInvariant(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, goodnessWindow)

	for i := 0; i < 50; i++ {
		n := randomNode()
		rt.Insert(n)
		wantIdx := BucketIndex(self, n.ID)
		found := false
		for _, c := range rt.buckets[wantIdx].all() {
			if c.ID() == n.ID {
				found = true
			}
		}
		if !found {
			// Node may have been dropped if its bucket was already full;
			// that's a valid outcome, not an invariant violation, unless
			// the bucket has room.
			if !rt.buckets[wantIdx].isFull() {
				t.Fatalf("node %x missing from its own bucket %d", n.ID, wantIdx)
			}
		}
	}
}

func TestRoutingTable_InsertIsIdempotentAndRefreshes(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, goodnessWindow)

	n := randomNode()
	rt.Insert(n)

	moved := n
	moved.Address = PeerAddress{IP: netip.MustParseAddr("10.0.0.9"), Port: 9999}
	rt.Insert(moved)

	if rt.Size() != 1 {
		t.Fatalf("size = %d, want 1 (idempotent insert)", rt.Size())
	}
	got, ok := rt.Get(n.ID)
	if !ok {
		t.Fatalf("node not found after refresh")
	}
	if got.Address != moved.Address {
		t.Fatalf("address not refreshed: got %+v, want %+v", got.Address, moved.Address)
	}
}

func TestRoutingTable_BucketFullDropsNewcomer(t *testing.T) {
	self := ID{}
	rt := NewRoutingTable(self, 2, goodnessWindow)

	// Three ids that land in the same bucket. Index 7 against an all-zero
	// self gives each id a first byte of 0x01 (seven zero bits, then a set
	// bit) and random later bytes, a deterministic shared index for all three.
	idx := 7
	a := randomIDInBucket(self, idx)
	b := randomIDInBucket(self, idx)
	c := randomIDInBucket(self, idx)

	addrFor := func(n byte) PeerAddress {
		return PeerAddress{IP: netip.AddrFrom4([4]byte{10, 0, 0, n}), Port: 6881}
	}

	if !rt.Insert(Node{ID: a, Address: addrFor(1)}) {
		t.Fatalf("first insert into an empty bucket should succeed")
	}
	if !rt.Insert(Node{ID: b, Address: addrFor(2)}) {
		t.Fatalf("second insert should still fit (capacity 2)")
	}
	if rt.Insert(Node{ID: c, Address: addrFor(3)}) {
		// Only true if none of a/b were "bad" yet, which is the case
		// immediately after insertion.
		t.Fatalf("third insert into a full, all-good bucket should be dropped")
	}
	if rt.Size() != 2 {
		t.Fatalf("size = %d, want 2", rt.Size())
	}
}

func TestRoutingTable_EvictsBadBeforeDroppingNewcomer(t *testing.T) {
	self := ID{}
	rt := NewRoutingTable(self, 1, goodnessWindow)
	idx := 3
	a := randomIDInBucket(self, idx)
	b := randomIDInBucket(self, idx)

	addr := func(n byte) PeerAddress { return PeerAddress{IP: netip.AddrFrom4([4]byte{10, 0, 0, n}), Port: 1} }

	rt.Insert(Node{ID: a, Address: addr(1)})
	for i := 0; i < maxFailedQuery+1; i++ {
		rt.MarkFailed(a)
	}

	if !rt.Insert(Node{ID: b, Address: addr(2)}) {
		t.Fatalf("insert should evict the bad entry and accept the newcomer")
	}
	if _, ok := rt.Get(a); ok {
		t.Fatalf("bad node should have been evicted")
	}
	if got, ok := rt.Get(b); !ok || got.ID != b {
		t.Fatalf("newcomer should be present after eviction")
	}
}

func TestRoutingTable_FindClosestK_SortedAndBounded(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, goodnessWindow)
	for i := 0; i < 40; i++ {
		rt.Insert(randomNode())
	}

	target := RandomID()
	const k = 5
	got := rt.FindClosestK(target, k, nil)
	if len(got) > k {
		t.Fatalf("got %d nodes, want at most %d", len(got), k)
	}
	for i := 1; i < len(got); i++ {
		if CompareDistance(target, got[i-1].ID, got[i].ID) > 0 {
			t.Fatalf("result not sorted by ascending distance at index %d", i)
		}
	}
}

func TestRoutingTable_FindClosestK_FilterExpandsPastClosestBucket(t *testing.T) {
	self := ID{}
	rt := NewRoutingTable(self, K, goodnessWindow)

	target := randomIDInBucket(self, 5)
	v6 := PeerAddress{IP: netip.MustParseAddr("::1"), Port: 1}
	v4 := func(n byte) PeerAddress { return PeerAddress{IP: netip.AddrFrom4([4]byte{10, 0, 0, n}), Port: 1} }

	// Fill target's own bucket with v6-only contacts, closer to target than
	// anything in a neighboring bucket.
	for i := 0; i < K; i++ {
		rt.Insert(Node{ID: randomIDInBucket(self, 5), Address: v6})
	}
	// A handful of v4 contacts live two buckets further out.
	for i := 0; i < 3; i++ {
		rt.Insert(Node{ID: randomIDInBucket(self, 7), Address: v4(byte(i))})
	}

	got := rt.FindClosestK(target, 3, func(n Node) bool { return n.Address.IP.Is4() })
	if len(got) != 3 {
		t.Fatalf("got %d v4 nodes, want 3 (search should expand past the full v6-only bucket)", len(got))
	}
	for _, n := range got {
		if !n.Address.IP.Is4() {
			t.Fatalf("filter leaked a non-v4 node: %+v", n)
		}
	}
}

func TestRoutingTable_QuestionableContacts(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, time.Millisecond)
	n := randomNode()
	rt.Insert(n)

	time.Sleep(5 * time.Millisecond)

	got := rt.QuestionableContacts()
	found := false
	for _, c := range got {
		if c.ID == n.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("a contact past its questionable window should be reported")
	}
}

func TestRoutingTable_MarkSeenInsertsUnknownNode(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, goodnessWindow)
	n := randomNode()
	rt.MarkSeen(n)
	if rt.Size() != 1 {
		t.Fatalf("MarkSeen on an unknown node should insert it")
	}
}

func TestRoutingTable_All_MatchesSize(t *testing.T) {
	self := RandomID()
	rt := NewRoutingTable(self, K, goodnessWindow)
	want := make(map[ID]bool)
	for i := 0; i < 20; i++ {
		n := randomNode()
		if rt.Insert(n) {
			want[n.ID] = true
		}
	}

	all := rt.All()
	if len(all) != rt.Size() {
		t.Fatalf("All() returned %d nodes, Size() = %d", len(all), rt.Size())
	}
	for _, n := range all {
		if !want[n.ID] {
			t.Fatalf("All() returned a node never inserted: %x", n.ID)
		}
	}
}
