package dht

import (
	"net"
	"net/netip"
	"testing"
)

func TestPeerAddress_CompactRoundTrip_V4(t *testing.T) {
	addr := PeerAddress{IP: netip.MustParseAddr("192.168.1.5"), Port: 6881}
	compact := addr.Compact()
	if len(compact) != compactPeerV4Len {
		t.Fatalf("len = %d, want %d", len(compact), compactPeerV4Len)
	}
	got, ok := DecodePeerAddress(compact)
	if !ok {
		t.Fatalf("DecodePeerAddress rejected a well-formed v4 address")
	}
	if got != addr {
		t.Fatalf("got %+v, want %+v", got, addr)
	}
}

func TestPeerAddress_CompactRoundTrip_V6(t *testing.T) {
	addr := PeerAddress{IP: netip.MustParseAddr("2001:db8::1"), Port: 51413}
	compact := addr.Compact()
	if len(compact) != compactPeerV6Len {
		t.Fatalf("len = %d, want %d", len(compact), compactPeerV6Len)
	}
	got, ok := DecodePeerAddress(compact)
	if !ok {
		t.Fatalf("DecodePeerAddress rejected a well-formed v6 address")
	}
	if got != addr {
		t.Fatalf("got %+v, want %+v", got, addr)
	}
}

func TestDecodePeerAddress_BadLength(t *testing.T) {
	if _, ok := DecodePeerAddress(make([]byte, 5)); ok {
		t.Fatalf("accepted a malformed-length address")
	}
}

func TestDecodePeerAddressList_DropsTrailingBytes(t *testing.T) {
	one := PeerAddress{IP: netip.MustParseAddr("10.0.0.1"), Port: 1}.Compact()
	two := PeerAddress{IP: netip.MustParseAddr("10.0.0.2"), Port: 2}.Compact()
	blob := append(append(append([]byte{}, one...), two...), 0x01, 0x02, 0x03)

	got := DecodePeerAddressList(blob, compactPeerV4Len)
	if len(got) != 2 {
		t.Fatalf("got %d addresses, want 2", len(got))
	}
}

func TestNode_CompactRoundTrip(t *testing.T) {
	node := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("127.0.0.1"), Port: 6881}}
	b := node.Compact()
	if len(b) != compactNodeV4Len {
		t.Fatalf("len = %d, want %d", len(b), compactNodeV4Len)
	}
	got, ok := DecodeNode(b)
	if !ok {
		t.Fatalf("DecodeNode rejected a well-formed v4 node record")
	}
	if got != node {
		t.Fatalf("got %+v, want %+v", got, node)
	}
}

func TestEncodeNodeList_SkipsWrongFamily(t *testing.T) {
	v4 := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("1.2.3.4"), Port: 1}}
	v6 := Node{ID: RandomID(), Address: PeerAddress{IP: netip.MustParseAddr("::1"), Port: 2}}

	out := EncodeNodeList([]Node{v4, v6}, false)
	if len(out) != compactNodeV4Len {
		t.Fatalf("got %d bytes, want one v4 record (%d)", len(out), compactNodeV4Len)
	}

	out6 := EncodeNodeList([]Node{v4, v6}, true)
	if len(out6) != compactNodeV6Len {
		t.Fatalf("got %d bytes, want one v6 record (%d)", len(out6), compactNodeV6Len)
	}
}

func TestPeerAddressFromUDP_UnmapsV4InV6(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
	addr := PeerAddressFromUDP(udp)
	if !addr.IP.Is4() {
		t.Fatalf("expected an unmapped v4 address, got %v", addr.IP)
	}
}
