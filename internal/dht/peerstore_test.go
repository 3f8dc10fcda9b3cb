package dht

import (
	"net/netip"
	"testing"
	"time"
)

func TestMemPeerStore_InsertAndGet(t *testing.T) {
	s := NewMemPeerStore()
	infoHash := RandomID()
	node := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 1}}

	s.InsertInfoHash(infoHash, node)
	got := s.GetPeerAddresses(infoHash, 0, nil)
	if len(got) != 1 || got[0] != node.Address {
		t.Fatalf("got %+v, want [%+v]", got, node.Address)
	}
}

func TestMemPeerStore_UnknownInfoHashIsEmpty(t *testing.T) {
	s := NewMemPeerStore()
	if got := s.GetPeerAddresses(RandomID(), 0, nil); got != nil {
		t.Fatalf("expected nil for an unknown info-hash, got %v", got)
	}
}

func TestMemPeerStore_Filter(t *testing.T) {
	s := NewMemPeerStore()
	infoHash := RandomID()
	v4 := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("1.2.3.4"), Port: 1}}
	v6 := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("::1"), Port: 2}}
	s.InsertInfoHash(infoHash, v4)
	s.InsertInfoHash(infoHash, v6)

	got := s.GetPeerAddresses(infoHash, 0, func(a PeerAddress) bool { return a.IP.Is4() })
	if len(got) != 1 || !got[0].IP.Is4() {
		t.Fatalf("filter did not restrict to v4: %+v", got)
	}
}

func TestMemPeerStore_MaxLimitsResults(t *testing.T) {
	s := NewMemPeerStore()
	infoHash := RandomID()
	for i := 0; i < 5; i++ {
		s.InsertInfoHash(infoHash, Node{
			ID:      RandomID(),
			Address: PeerAddress{IP: netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), Port: uint16(i)},
		})
	}
	got := s.GetPeerAddresses(infoHash, 2, nil)
	if len(got) != 2 {
		t.Fatalf("got %d addresses, want 2", len(got))
	}
}

func TestMemPeerStore_IdempotentInsertDoesNotGrow(t *testing.T) {
	s := NewMemPeerStore()
	infoHash := RandomID()
	node := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 1}}
	s.InsertInfoHash(infoHash, node)
	s.InsertInfoHash(infoHash, node)
	if s.Len(infoHash) != 1 {
		t.Fatalf("Len = %d, want 1", s.Len(infoHash))
	}
}

func TestMemPeerStore_Expire(t *testing.T) {
	s := NewMemPeerStore()
	infoHash := RandomID()
	node := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 1}}
	s.InsertInfoHash(infoHash, node)

	tp, _ := s.torrents.Get(infoHash)
	tp.mut.Lock()
	for _, e := range tp.peers {
		e.lastSeen = time.Now().Add(-peerExpiration - time.Second)
	}
	tp.mut.Unlock()

	s.expire()
	if s.Len(infoHash) != 0 {
		t.Fatalf("expired peer still present")
	}
}
