package dht

import (
	"sort"
	"sync"
	"time"
)

// RoutingTable is the local node's k-bucket set: NumBuckets buckets, each
// holding up to K contacts, indexed by the length of the shared high-order
// prefix between self and a remote id (spec §8).
type RoutingTable struct {
	self   ID
	window time.Duration // questionable_interval (spec §3)

	mut     sync.RWMutex
	buckets [NumBuckets]*bucket
}

// NewRoutingTable returns a table with all NumBuckets (161) of its buckets
// created eagerly (spec §3 "Buckets are created eagerly"), each capped at k entries
// and using window as the questionable_interval for liveness tracking.
func NewRoutingTable(self ID, k int, window time.Duration) *RoutingTable {
	if k <= 0 {
		k = K
	}
	if window <= 0 {
		window = goodnessWindow
	}
	rt := &RoutingTable{self: self, window: window}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(k, window)
	}
	return rt
}

func (rt *RoutingTable) Self() ID { return rt.self }

// Insert adds or refreshes a contact: a known id takes the new address, a
// fresh last-seen time and a cleared failure count. It reports false when
// the target bucket is full, the new node is not already present and no bad
// contact could be evicted to make room; the newcomer is then dropped.
func (rt *RoutingTable) Insert(node Node) bool {
	if node.ID == rt.self {
		return false
	}

	idx := BucketIndex(rt.self, node.ID)
	b := rt.buckets[idx]

	if existing := b.get(node.ID); existing != nil {
		existing.node = node
		existing.markSeen()
		b.insert(existing)
		return true
	}

	c := newContact(node)
	c.markSeen()
	if b.insert(c) {
		return true
	}
	return rt.evictBadAndInsert(b, c)
}

func (rt *RoutingTable) evictBadAndInsert(b *bucket, newContact *contact) bool {
	lru := b.lru()
	if lru == nil {
		return false
	}
	if lru.isBad() {
		b.remove(lru.ID())
		return b.insert(newContact)
	}
	return false
}

// LRU returns the bucket's least-recently-seen contact, the candidate a
// maintenance routine should ping before evicting it for a newcomer.
func (rt *RoutingTable) LRU(remote ID) *contact {
	return rt.buckets[BucketIndex(rt.self, remote)].lru()
}

func (rt *RoutingTable) Remove(id ID) bool {
	return rt.buckets[BucketIndex(rt.self, id)].remove(id)
}

// MarkFailed records a failed query against an existing contact, evicting
// it once it has accumulated enough strikes to be considered bad.
func (rt *RoutingTable) MarkFailed(id ID) {
	b := rt.buckets[BucketIndex(rt.self, id)]
	c := b.get(id)
	if c == nil {
		return
	}
	c.markFailed()
	if c.isBad() {
		b.remove(id)
	}
}

// MarkSeen records a successful reply from node, inserting it if new.
func (rt *RoutingTable) MarkSeen(node Node) {
	if node.ID == rt.self {
		return
	}
	b := rt.buckets[BucketIndex(rt.self, node.ID)]
	if c := b.get(node.ID); c != nil {
		c.node = node
		c.markSeen()
		return
	}
	rt.Insert(node)
	if c := b.get(node.ID); c != nil {
		c.markSeen()
	}
}

func (rt *RoutingTable) Get(id ID) (Node, bool) {
	c := rt.buckets[BucketIndex(rt.self, id)].get(id)
	if c == nil {
		return Node{}, false
	}
	return c.snapshot(), true
}

// FindClosestK returns up to k nodes closest to target by XOR distance that
// pass filter, searching outward from target's own bucket into neighboring
// buckets until enough matching candidates are gathered or every bucket has
// been visited (spec §4.C closest(target, max, filter), §8 "every returned
// node passes the filter"). filter may be nil, accepting every node.
func (rt *RoutingTable) FindClosestK(target ID, k int, filter func(Node) bool) []Node {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	matches := func(c *contact) bool {
		return filter == nil || filter(c.snapshot())
	}

	targetIdx := BucketIndex(rt.self, target)

	var contacts []*contact
	matched := 0
	add := func(cs []*contact) {
		for _, c := range cs {
			contacts = append(contacts, c)
			if matches(c) {
				matched++
			}
		}
	}

	add(rt.buckets[targetIdx].all())
	for i := 1; matched < k && (targetIdx-i >= 0 || targetIdx+i < NumBuckets); i++ {
		if targetIdx-i >= 0 {
			add(rt.buckets[targetIdx-i].all())
		}
		if targetIdx+i < NumBuckets {
			add(rt.buckets[targetIdx+i].all())
		}
	}

	filtered := contacts[:0]
	for _, c := range contacts {
		if matches(c) {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return CompareDistance(target, filtered[i].ID(), filtered[j].ID()) < 0
	})
	if len(filtered) > k {
		filtered = filtered[:k]
	}

	out := make([]Node, len(filtered))
	for i, c := range filtered {
		out[i] = c.snapshot()
	}
	return out
}

func (rt *RoutingTable) Size() int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.len()
	}
	return n
}

// All returns every contact in the table, unordered (spec §4.C iter(), §6
// iter() -> [Node]).
func (rt *RoutingTable) All() []Node {
	rt.mut.RLock()
	defer rt.mut.RUnlock()
	var out []Node
	for _, b := range rt.buckets {
		for _, c := range b.all() {
			out = append(out, c.snapshot())
		}
	}
	return out
}

// BucketsNeedingRefresh returns the index of every non-empty bucket that
// hasn't changed in bucketRefreshAt, for the periodic refresh loop (spec §8).
func (rt *RoutingTable) BucketsNeedingRefresh() []int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()
	var idxs []int
	for i, b := range rt.buckets {
		if b.len() > 0 && b.needsRefresh() {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// QuestionableContacts returns every contact due for a liveness ping.
func (rt *RoutingTable) QuestionableContacts() []Node {
	rt.mut.RLock()
	defer rt.mut.RUnlock()
	var out []Node
	for _, b := range rt.buckets {
		for _, c := range b.all() {
			if c.isQuestionable(rt.window) {
				out = append(out, c.snapshot())
			}
		}
	}
	return out
}

// Stats summarizes table occupancy and contact health, for diagnostics.
type Stats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
}

func (rt *RoutingTable) Stats() Stats {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var s Stats
	for _, b := range rt.buckets {
		contacts := b.all()
		if len(contacts) == 0 {
			s.EmptyBuckets++
			continue
		}
		s.FilledBuckets++
		s.TotalContacts += len(contacts)
		for _, c := range contacts {
			switch {
			case c.isGood(rt.window):
				s.GoodContacts++
			case c.isBad():
				s.BadContacts++
			default:
				s.QuestionableContacts++
			}
		}
	}
	return s
}
