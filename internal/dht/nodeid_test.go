package dht

import (
	"bytes"
	"testing"
)

func mustID(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestID_RoundTrip(t *testing.T) {
	want := RandomID()
	got, ok := IDFromBytes(want.Bytes())
	if !ok {
		t.Fatalf("IDFromBytes rejected a valid id")
	}
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestIDFromBytes_WrongLength(t *testing.T) {
	if _, ok := IDFromBytes(make([]byte, IDLen-1)); ok {
		t.Fatalf("accepted a short byte slice")
	}
	if _, ok := IDFromBytes(make([]byte, IDLen+1)); ok {
		t.Fatalf("accepted a long byte slice")
	}
}

func TestID_Xor(t *testing.T) {
	var a, b ID
	a[0] = 0b10101010
	b[0] = 0b01010101
	d := a.Xor(b)
	if d[0] != 0b11111111 {
		t.Fatalf("got %08b, want 11111111", d[0])
	}
	if a.Xor(a) != (ID{}) {
		t.Fatalf("a XOR a should be all zero")
	}
}

func TestID_LeadingZeros(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want int
	}{
		{"all-zero", ID{}, IDLen * 8},
		{"msb-set", mustID(0x80), 0},
		{"one-leading-zero", mustID(0x40), 1},
		{"second-byte", ID{0, 0x01}, 15},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.id.LeadingZeros(); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestBucketIndex_SelfIsMaximal(t *testing.T) {
	self := RandomID()
	if idx := BucketIndex(self, self); idx != NumBuckets-1 {
		t.Fatalf("BucketIndex(self, self) = %d, want %d", idx, NumBuckets-1)
	}
}

func TestBucketIndex_MatchesSharedPrefix(t *testing.T) {
	self := ID{}
	remote := ID{}
	remote[0] = 0b00100000 // shared prefix of 2 bits with an all-zero self
	if idx := BucketIndex(self, remote); idx != 2 {
		t.Fatalf("BucketIndex = %d, want 2", idx)
	}
}

func TestCompareDistance(t *testing.T) {
	target := ID{}
	near := ID{0x01}
	far := ID{0xFF}
	if CompareDistance(target, near, far) >= 0 {
		t.Fatalf("near should compare closer than far")
	}
	if CompareDistance(target, near, near) != 0 {
		t.Fatalf("a node is equidistant from itself")
	}
}

func TestID_Less(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("lexicographic order broken")
	}
}

func TestID_Bytes_IsACopy(t *testing.T) {
	id := RandomID()
	b := id.Bytes()
	b[0] ^= 0xFF
	if bytes.Equal(b, id[:]) {
		t.Fatalf("Bytes() aliased the underlying array")
	}
}
