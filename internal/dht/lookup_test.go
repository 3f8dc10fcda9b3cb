package dht

import (
	"net/netip"
	"testing"
)

func nodeFor(id ID) Node {
	return Node{ID: id, Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 6881}}
}

func TestTopK_SortsByDistanceAndBounds(t *testing.T) {
	target := ID{}
	a := mustID(0x01)
	b := mustID(0x02)
	c := mustID(0x04)

	got := topK(target, []Node{nodeFor(c), nodeFor(a), nodeFor(b)}, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != a || got[1].ID != b {
		t.Fatalf("got order %x, %x; want %x, %x", got[0].ID, got[1].ID, a, b)
	}
}

func TestMergeClosest_DeduplicatesById(t *testing.T) {
	target := ID{}
	a := nodeFor(mustID(0x01))
	aAgain := a
	aAgain.Address.Port = 9999 // same id, different address
	b := nodeFor(mustID(0x02))

	got := mergeClosest(target, []Node{a}, []Node{aAgain, b}, 10)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (deduplicated by id)", len(got))
	}
}

func TestMergeClosest_CapsToClosest(t *testing.T) {
	target := ID{}
	nodes := []Node{nodeFor(mustID(0x10)), nodeFor(mustID(0x01)), nodeFor(mustID(0x04))}
	got := mergeClosest(target, nodes, nil, 1)
	if len(got) != 1 || got[0].ID != mustID(0x01) {
		t.Fatalf("got %+v, want only the closest node", got)
	}
}

func TestPickUnvisited_SkipsVisitedAndRespectsLimit(t *testing.T) {
	target := ID{}
	a := nodeFor(mustID(0x01))
	b := nodeFor(mustID(0x02))
	c := nodeFor(mustID(0x04))
	visited := map[ID]bool{b.ID: true}

	got := pickUnvisited(target, []Node{a, b, c}, visited, 5)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (b excluded)", len(got))
	}
	for _, n := range got {
		if n.ID == b.ID {
			t.Fatalf("visited node %x should have been excluded", b.ID)
		}
	}
}

func TestPickUnvisited_ReturnsClosestFirst(t *testing.T) {
	target := ID{}
	far := nodeFor(mustID(0x10))
	near := nodeFor(mustID(0x01))

	got := pickUnvisited(target, []Node{far, near}, nil, 1)
	if len(got) != 1 || got[0].ID != near.ID {
		t.Fatalf("expected the single closest candidate, got %+v", got)
	}
}

func TestPickUnvisited_EmptyWhenAllVisited(t *testing.T) {
	target := ID{}
	a := nodeFor(mustID(0x01))
	visited := map[ID]bool{a.ID: true}
	got := pickUnvisited(target, []Node{a}, visited, 5)
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}
