package dht

import (
	"encoding/binary"
	"net"
	"net/netip"
)

const (
	compactPeerV4Len = 6  // 4-byte IPv4 + 2-byte port
	compactPeerV6Len = 18 // 16-byte IPv6 + 2-byte port
	compactNodeV4Len = IDLen + compactPeerV4Len
	compactNodeV6Len = IDLen + compactPeerV6Len
)

// PeerAddress is a transport address: an IP (v4 or v6) plus a UDP port.
type PeerAddress struct {
	IP   netip.Addr
	Port uint16
}

func PeerAddressFromUDP(addr *net.UDPAddr) PeerAddress {
	ip, _ := netip.AddrFromSlice(addr.IP)
	return PeerAddress{IP: ip.Unmap(), Port: uint16(addr.Port)}
}

func (a PeerAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP.AsSlice(), Port: int(a.Port)}
}

func (a PeerAddress) String() string {
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

// Compact encodes the address in its wire form: 6 bytes for v4, 18 for v6.
func (a PeerAddress) Compact() []byte {
	if a.IP.Is4() {
		b := make([]byte, compactPeerV4Len)
		raw := a.IP.As4()
		copy(b[:4], raw[:])
		binary.BigEndian.PutUint16(b[4:6], a.Port)
		return b
	}
	b := make([]byte, compactPeerV6Len)
	raw := a.IP.As16()
	copy(b[:16], raw[:])
	binary.BigEndian.PutUint16(b[16:18], a.Port)
	return b
}

// DecodePeerAddress parses a single compact peer address. Its length must be
// exactly compactPeerV4Len or compactPeerV6Len.
func DecodePeerAddress(b []byte) (PeerAddress, bool) {
	switch len(b) {
	case compactPeerV4Len:
		var raw [4]byte
		copy(raw[:], b[:4])
		return PeerAddress{IP: netip.AddrFrom4(raw), Port: binary.BigEndian.Uint16(b[4:6])}, true
	case compactPeerV6Len:
		var raw [16]byte
		copy(raw[:], b[:16])
		return PeerAddress{IP: netip.AddrFrom16(raw), Port: binary.BigEndian.Uint16(b[16:18])}, true
	default:
		return PeerAddress{}, false
	}
}

// DecodePeerAddressList splits a `values`-style compact blob into individual
// addresses, all of the same width (v4 or v6). Trailing bytes that don't
// make a whole record are dropped rather than erroring.
func DecodePeerAddressList(b []byte, width int) []PeerAddress {
	if width != compactPeerV4Len && width != compactPeerV6Len {
		return nil
	}
	n := len(b) / width
	out := make([]PeerAddress, 0, n)
	for i := 0; i < n; i++ {
		if addr, ok := DecodePeerAddress(b[i*width : (i+1)*width]); ok {
			out = append(out, addr)
		}
	}
	return out
}

// Node is a (NodeId, PeerAddress) pair: an identity plus where to reach it.
type Node struct {
	ID      ID
	Address PeerAddress
}

// Compact encodes the node in its wire form: NodeId followed by the
// address's compact form (26 bytes for v4, 38 for v6).
func (n Node) Compact() []byte {
	addr := n.Address.Compact()
	b := make([]byte, IDLen+len(addr))
	copy(b, n.ID[:])
	copy(b[IDLen:], addr)
	return b
}

func DecodeNode(b []byte) (Node, bool) {
	switch len(b) {
	case compactNodeV4Len, compactNodeV6Len:
	default:
		return Node{}, false
	}
	id, ok := IDFromBytes(b[:IDLen])
	if !ok {
		return Node{}, false
	}
	addr, ok := DecodePeerAddress(b[IDLen:])
	if !ok {
		return Node{}, false
	}
	return Node{ID: id, Address: addr}, true
}

// DecodeNodeList splits a `nodes`/`nodes6`-style compact blob, all records
// of the same width.
func DecodeNodeList(b []byte, width int) []Node {
	recLen := IDLen + width
	n := len(b) / recLen
	out := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		if node, ok := DecodeNode(b[i*recLen : (i+1)*recLen]); ok {
			out = append(out, node)
		}
	}
	return out
}

// EncodeNodeList concatenates the compact form of every node, using v4
// encoding if use6 is false and v6 encoding otherwise. Nodes whose address
// family doesn't match use6 are skipped.
func EncodeNodeList(nodes []Node, use6 bool) []byte {
	width := compactPeerV4Len
	if use6 {
		width = compactPeerV6Len
	}
	out := make([]byte, 0, len(nodes)*(IDLen+width))
	for _, n := range nodes {
		if n.Address.IP.Is6() != use6 {
			continue
		}
		out = append(out, n.Compact()...)
	}
	return out
}
