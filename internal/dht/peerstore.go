package dht

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	maxPeersPerTorrent = 2000
	maxTorrents        = 10000
	peerExpiration     = 2 * time.Hour
)

// PeerStore is the contract the DHT core relies on for announce_peer
// write-through and get_peers read-back (spec §6). NewDHT takes one of
// these rather than reaching for a package-level default, so a process can
// run more than one Node — each with its own swarm membership, or sharing
// one across nodes that serve the same swarms.
type PeerStore interface {
	// InsertInfoHash records that node is announcing infoHash.
	InsertInfoHash(infoHash ID, node Node)
	// GetPeerAddresses returns up to max addresses on file for infoHash
	// that pass filter (nil means unfiltered).
	GetPeerAddresses(infoHash ID, max int, filter func(PeerAddress) bool) []PeerAddress
}

// MemPeerStore is the default in-memory PeerStore: a mapping info-hash to
// announcing peers (spec §4.E). Torrent entries beyond maxTorrents are
// evicted least-recently-used rather than oldest-inserted, so a torrent
// under active lookup traffic is never the one dropped.
type MemPeerStore struct {
	torrents *lru.Cache[ID, *torrentPeers]
}

type torrentPeers struct {
	mut   sync.RWMutex
	peers map[string]*peerEntry // keyed by compact peer address
}

type peerEntry struct {
	addr     PeerAddress
	lastSeen time.Time
}

// NewMemPeerStore returns the default in-memory PeerStore.
func NewMemPeerStore() *MemPeerStore {
	c, err := lru.New[ID, *torrentPeers](maxTorrents)
	if err != nil {
		panic("dht: peer store: " + err.Error())
	}
	return &MemPeerStore{torrents: c}
}

// InsertInfoHash records that node is a peer for infoHash, as learned from
// an announce_peer query.
func (s *MemPeerStore) InsertInfoHash(infoHash ID, node Node) {
	tp, ok := s.torrents.Get(infoHash)
	if !ok {
		tp = &torrentPeers{peers: make(map[string]*peerEntry)}
		s.torrents.Add(infoHash, tp)
	}

	tp.mut.Lock()
	defer tp.mut.Unlock()

	addr := node.Address
	key := string(addr.Compact())
	if _, exists := tp.peers[key]; !exists && len(tp.peers) >= maxPeersPerTorrent {
		return
	}
	tp.peers[key] = &peerEntry{addr: addr, lastSeen: time.Now()}
}

// GetPeerAddresses returns up to max peers on file for infoHash that pass
// filter. max <= 0 means unbounded; filter == nil means unfiltered.
func (s *MemPeerStore) GetPeerAddresses(infoHash ID, max int, filter func(PeerAddress) bool) []PeerAddress {
	tp, ok := s.torrents.Get(infoHash)
	if !ok {
		return nil
	}

	tp.mut.RLock()
	defer tp.mut.RUnlock()

	out := make([]PeerAddress, 0, len(tp.peers))
	for _, e := range tp.peers {
		if filter != nil && !filter(e.addr) {
			continue
		}
		out = append(out, e.addr)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// Len reports how many distinct peers are on file for infoHash.
func (s *MemPeerStore) Len(infoHash ID) int {
	tp, ok := s.torrents.Get(infoHash)
	if !ok {
		return 0
	}
	tp.mut.RLock()
	defer tp.mut.RUnlock()
	return len(tp.peers)
}

// expire drops every peer entry older than peerExpiration, across every
// torrent currently in the store. Run periodically by the maintenance loop.
func (s *MemPeerStore) expire() {
	now := time.Now()
	for _, infoHash := range s.torrents.Keys() {
		tp, ok := s.torrents.Peek(infoHash)
		if !ok {
			continue
		}
		tp.mut.Lock()
		for key, e := range tp.peers {
			if now.Sub(e.lastSeen) > peerExpiration {
				delete(tp.peers, key)
			}
		}
		empty := len(tp.peers) == 0
		tp.mut.Unlock()

		if empty {
			s.torrents.Remove(infoHash)
		}
	}
}
