package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"math/bits"
)

// IDLen is the width in bytes of a NodeId / info-hash (BEP 5: SHA-1, 160 bits).
const IDLen = sha1.Size

// ID is a 160-bit identifier: a NodeId when it names a DHT participant, or
// an info-hash when it names content. Both share the same representation
// and the same XOR metric, so a single type serves both roles.
type ID [IDLen]byte

// RandomID returns a uniformly random id, suitable as a node's self-id at
// first start.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	return id
}

// IDFromBytes copies b into an ID. It reports false if b is not IDLen bytes.
func IDFromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != IDLen {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the id as a newly allocated byte slice.
func (id ID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// Less reports whether id sorts before other, lexicographically over the
// raw bytes. Used to break ties when two ids are equidistant from a target.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Xor returns the XOR distance between id and other.
func (id ID) Xor(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// LeadingZeros returns the number of leading zero bits in id, i.e. the
// length of the run of 0 bits starting at the most significant bit. For a
// distance value (the result of Xor) this is the length of the shared
// high-order-bit prefix between the two ids that produced it.
func (id ID) LeadingZeros() int {
	for i, b := range id {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDLen * 8
}

// CompareDistance orders a and b by their XOR distance to target: negative
// if a is closer, positive if b is closer, zero if equidistant.
func CompareDistance(target, a, b ID) int {
	da := target.Xor(a)
	db := target.Xor(b)
	return bytes.Compare(da[:], db[:])
}

// BucketIndex returns which of the local routing table's NumBuckets (161)
// buckets a remote id belongs in, relative to self. The self id itself yields index
// 160 (distance zero, all 160 bits shared) and must never be inserted;
// callers enforce that separately rather than panicking here.
func BucketIndex(self, remote ID) int {
	return self.Xor(remote).LeadingZeros()
}

// NumBuckets is the number of buckets a routing table holds: one for every
// possible shared-prefix length from 0 through 160 inclusive.
const NumBuckets = IDLen*8 + 1
