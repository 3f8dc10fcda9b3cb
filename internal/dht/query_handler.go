package dht

import "net"

// queryHandler answers inbound KRPC queries: ping, find_node, get_peers,
// announce_peer (spec §4.G / BEP 5 "Queries"). Every successful query also
// refreshes the sender's routing-table entry, unless the sender declared
// itself read-only via the `ro` flag.
type queryHandler struct {
	dht *DHT
}

func newQueryHandler(d *DHT) *queryHandler {
	return &queryHandler{dht: d}
}

func (h *queryHandler) handle(m *message) {
	senderID, ok := m.senderID()
	if !ok {
		h.sendError(m.t, KRPCErrProtocol, "missing sender id", m.from)
		return
	}

	if !m.ro {
		// An explicit port without implied_port replaces the UDP source
		// port, for every query type.
		from := PeerAddressFromUDP(m.from)
		if m.a.hasPort && !m.a.impliedPort {
			from.Port = m.a.port
		}
		h.dht.table.MarkSeen(Node{ID: senderID, Address: from})
	}

	switch m.q {
	case methodPing:
		h.handlePing(m, senderID)
	case methodFindNode:
		h.handleFindNode(m, senderID)
	case methodGetPeers:
		h.handleGetPeers(m, senderID)
	case methodAnnouncePeer:
		h.handleAnnouncePeer(m, senderID)
	default:
		h.sendError(m.t, KRPCErrMethodUnknown, "unknown method", m.from)
	}
}

func (h *queryHandler) handlePing(m *message, senderID ID) {
	h.respond(pingResponse(m.t, h.dht.self), m.from)
}

func (h *queryHandler) handleFindNode(m *message, senderID ID) {
	if !m.a.hasTarget {
		h.sendError(m.t, KRPCErrProtocol, "missing target", m.from)
		return
	}

	wantV4, wantV6 := resolveWant(m)
	closest := h.dht.table.FindClosestK(m.a.target, h.dht.cfg.K, familyFilter(wantV4, wantV6))
	h.respond(findNodeResponse(m.t, h.dht.self, encodeIf(wantV4, closest, false), encodeIf(wantV6, closest, true)), m.from)
}

func (h *queryHandler) handleGetPeers(m *message, senderID ID) {
	if !m.a.hasInfoHash {
		h.sendError(m.t, KRPCErrProtocol, "missing info_hash", m.from)
		return
	}

	addr := PeerAddressFromUDP(m.from)
	token := h.dht.tokens.Create(addr)

	if peers := h.dht.peers.GetPeerAddresses(m.a.infoHash, 0, nil); len(peers) > 0 {
		values := make([]string, len(peers))
		for i, p := range peers {
			values[i] = string(p.Compact())
		}
		h.respond(getPeersResponse(m.t, h.dht.self, token, values, nil, nil), m.from)
		return
	}

	wantV4, wantV6 := resolveWant(m)
	closest := h.dht.table.FindClosestK(m.a.infoHash, h.dht.cfg.K, familyFilter(wantV4, wantV6))
	h.respond(getPeersResponse(m.t, h.dht.self, token, nil, encodeIf(wantV4, closest, false), encodeIf(wantV6, closest, true)), m.from)
}

func (h *queryHandler) handleAnnouncePeer(m *message, senderID ID) {
	if !m.a.hasInfoHash {
		h.sendError(m.t, KRPCErrProtocol, "missing info_hash", m.from)
		return
	}
	if !m.a.hasToken {
		h.sendError(m.t, KRPCErrProtocol, "missing token", m.from)
		return
	}

	addr := PeerAddressFromUDP(m.from)
	if !h.dht.tokens.Valid(addr, m.a.token) {
		h.sendError(m.t, KRPCErrProtocol, "invalid token", m.from)
		return
	}

	port := addr.Port
	if m.a.hasPort && !m.a.impliedPort {
		port = m.a.port
	}

	h.dht.peers.InsertInfoHash(m.a.infoHash, Node{ID: senderID, Address: PeerAddress{IP: addr.IP, Port: port}})
	h.respond(announcePeerResponse(m.t, h.dht.self), m.from)
}

// resolveWant reports which address families to answer in, per BEP 32's
// `want`: if the querier specified neither n4 nor n6, respond in the family
// it queried us over.
func resolveWant(m *message) (wantV4, wantV6 bool) {
	wantV4, wantV6 = m.wantsV4(), m.wantsV6()
	if !wantV4 && !wantV6 {
		if m.from != nil && m.from.IP.To4() != nil {
			wantV4 = true
		} else {
			wantV6 = true
		}
	}
	return wantV4, wantV6
}

// familyFilter restricts routing-table selection to the address families the
// querier asked for, so a single-family want never loses candidates to a
// post-hoc encoding step discarding the wrong family after truncation to k
// (spec §4.C, §8 "every returned node passes the filter"). A querier wanting
// both families accepts any node.
func familyFilter(wantV4, wantV6 bool) func(Node) bool {
	switch {
	case wantV4 && !wantV6:
		return func(n Node) bool { return n.Address.IP.Is4() }
	case wantV6 && !wantV4:
		return func(n Node) bool { return n.Address.IP.Is6() }
	default:
		return nil
	}
}

func encodeIf(want bool, nodes []Node, use6 bool) []byte {
	if !want {
		return nil
	}
	return EncodeNodeList(nodes, use6)
}

func (h *queryHandler) respond(m *message, addr *net.UDPAddr) {
	if err := h.dht.krpc.SendResponse(m, addr); err != nil {
		h.dht.logger.Debug("failed to send response", "to", addr, "error", err)
	}
}

func (h *queryHandler) sendError(txID string, code int, desc string, addr *net.UDPAddr) {
	if err := h.dht.krpc.SendError(txID, code, desc, addr); err != nil {
		h.dht.logger.Debug("failed to send error", "to", addr, "error", err)
	}
}
