package dht

import "net"

// MaxMessageSize is the largest KRPC datagram this node will encode or
// accept (spec §4.B / §6). Longer datagrams are rejected without decoding.
const MaxMessageSize = 8192

type messageType string

const (
	typeQuery    messageType = "q"
	typeResponse messageType = "r"
	typeError    messageType = "e"
)

type queryMethod string

const (
	methodPing         queryMethod = "ping"
	methodFindNode     queryMethod = "find_node"
	methodGetPeers     queryMethod = "get_peers"
	methodAnnouncePeer queryMethod = "announce_peer"
)

// wantV4/wantV6 are the BEP 32 `want` tokens.
const (
	wantV4 = "n4"
	wantV6 = "n6"
)

// message is the decoded shape of one KRPC datagram. Only one of q/a,
// r, or e is populated, according to y.
type message struct {
	t string
	y messageType
	ro bool

	q queryMethod
	a queryArgs

	r responseFields

	errCode int
	errDesc string

	from *net.UDPAddr
}

type queryArgs struct {
	id          ID
	target      ID
	hasTarget   bool
	infoHash    ID
	hasInfoHash bool
	token       string
	hasToken    bool
	port        uint16
	hasPort     bool
	impliedPort bool
	want        []string
}

type responseFields struct {
	id       ID
	nodes    []byte
	nodes6   []byte
	values   []string
	token    string
	hasToken bool
}

func newQuery(txID string, method queryMethod, self ID) *message {
	return &message{t: txID, y: typeQuery, q: method, a: queryArgs{id: self}}
}

func newResponse(txID string, self ID) *message {
	return &message{t: txID, y: typeResponse, r: responseFields{id: self}}
}

func newErrorMessage(txID string, code int, desc string) *message {
	return &message{t: txID, y: typeError, errCode: code, errDesc: desc}
}

func pingQuery(txID string, self ID) *message {
	return newQuery(txID, methodPing, self)
}

func pingResponse(txID string, self ID) *message {
	return newResponse(txID, self)
}

func findNodeQuery(txID string, self, target ID, want []string) *message {
	m := newQuery(txID, methodFindNode, self)
	m.a.target, m.a.hasTarget = target, true
	m.a.want = want
	return m
}

func findNodeResponse(txID string, self ID, nodes, nodes6 []byte) *message {
	m := newResponse(txID, self)
	m.r.nodes = nodes
	m.r.nodes6 = nodes6
	return m
}

func getPeersQuery(txID string, self, infoHash ID, want []string) *message {
	m := newQuery(txID, methodGetPeers, self)
	m.a.infoHash, m.a.hasInfoHash = infoHash, true
	m.a.want = want
	return m
}

func getPeersResponse(txID string, self ID, token string, values []string, nodes, nodes6 []byte) *message {
	m := newResponse(txID, self)
	m.r.token, m.r.hasToken = token, true
	m.r.values = values
	m.r.nodes = nodes
	m.r.nodes6 = nodes6
	return m
}

func announcePeerQuery(txID string, self, infoHash ID, port uint16, impliedPort bool, token string) *message {
	m := newQuery(txID, methodAnnouncePeer, self)
	m.a.infoHash, m.a.hasInfoHash = infoHash, true
	m.a.port, m.a.hasPort = port, true
	m.a.impliedPort = impliedPort
	m.a.token, m.a.hasToken = token, true
	return m
}

func announcePeerResponse(txID string, self ID) *message {
	return newResponse(txID, self)
}

func (m *message) wantsV4() bool { return containsStr(m.a.want, wantV4) }
func (m *message) wantsV6() bool { return containsStr(m.a.want, wantV6) }

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// senderID returns the id field carried by either a.id (query) or r.id
// (response); error messages carry no id.
func (m *message) senderID() (ID, bool) {
	switch m.y {
	case typeQuery:
		return m.a.id, true
	case typeResponse:
		return m.r.id, true
	default:
		return ID{}, false
	}
}
