package dht

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// lookupKind selects which KRPC query an iterative lookup sends at each hop
// (spec §4.F).
type lookupKind int

const (
	lookupFindNode lookupKind = iota
	lookupGetPeers
)

// lookupResult accumulates everything an iterative lookup discovers: the
// closest nodes seen (whether or not they answered), any peer
// addresses surfaced by get_peers, the tokens those nodes issued, and — for
// find_node — the exact node if the target id itself answered.
type lookupResult struct {
	closest []Node
	peers   []PeerAddress
	tokens  map[ID]string
	exact   *Node
}

// hopResponse is the parsed outcome of querying a single node during a
// lookup hop.
type hopResponse struct {
	nodes []Node
	peers []PeerAddress
	token string
	exact *Node
}

// lookup drives the depth-bounded, alpha-concurrent iterative search
// described in spec §4.F. Each round queries up to Alpha of the closest
// not-yet-visited candidates in parallel, folds newly learned nodes into
// the frontier, and stops when the target is found exactly (find_node),
// the frontier is exhausted, or Depth further rounds have followed the
// first one.
//
// onPeer, if non-nil, is invoked as each hop's get_peers response is parsed,
// streaming addresses to the caller as they arrive rather than waiting for
// the whole lookup to finish (spec §4.F "forward each address to the reply
// channel"; §4.E "GetPeers ... zero or more messages delivered as responses
// arrive"). When onPeer is nil, peers are instead accumulated into the
// returned lookupResult.
func (d *DHT) lookup(ctx context.Context, kind lookupKind, target ID, want []string, onPeer func(PeerAddress)) lookupResult {
	visited := make(map[ID]bool)
	tokens := make(map[ID]string)
	var peers []PeerAddress
	var exact *Node

	frontier := d.table.FindClosestK(target, d.cfg.K, nil)

	for depth := d.cfg.Depth; ; depth-- {
		candidates := pickUnvisited(target, frontier, visited, d.cfg.Alpha)
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			visited[c.ID] = true
		}

		sem := semaphore.NewWeighted(int64(d.cfg.Alpha))
		g, gctx := errgroup.WithContext(ctx)

		var mu sync.Mutex
		var newNodes []Node

		for _, cand := range candidates {
			cand := cand
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)

				resp, err := d.queryHop(gctx, kind, cand, target, want)
				if err != nil {
					d.table.MarkFailed(cand.ID)
					return nil
				}
				d.table.MarkSeen(cand)

				mu.Lock()
				newNodes = append(newNodes, resp.nodes...)
				if onPeer == nil {
					peers = append(peers, resp.peers...)
				}
				if resp.token != "" {
					tokens[cand.ID] = resp.token
				}
				if resp.exact != nil {
					exact = resp.exact
				}
				mu.Unlock()

				if onPeer != nil {
					for _, p := range resp.peers {
						onPeer(p)
					}
				}
				return nil
			})
		}
		g.Wait()

		if exact != nil {
			break
		}
		if depth <= 0 {
			break
		}
		frontier = mergeClosest(target, frontier, newNodes, d.cfg.K*2)
	}

	closest := topK(target, frontier, d.cfg.K)
	return lookupResult{closest: closest, peers: peers, tokens: tokens, exact: exact}
}

// queryHop sends one find_node or get_peers query to node and parses its
// reply into a hopResponse.
func (d *DHT) queryHop(ctx context.Context, kind lookupKind, node Node, target ID, want []string) (hopResponse, error) {
	txID := ""
	var q *message
	switch kind {
	case lookupFindNode:
		q = findNodeQuery(txID, d.self, target, want)
	case lookupGetPeers:
		q = getPeersQuery(txID, d.self, target, want)
	}

	reply, err := d.krpc.SendQuery(q, node.Address.UDPAddr(), d.cfg.QueryTimeout)
	if err != nil {
		return hopResponse{}, err
	}

	senderID, ok := reply.senderID()
	if !ok || senderID != node.ID {
		return hopResponse{}, ErrProtocol
	}

	var resp hopResponse
	resp.nodes = append(resp.nodes, DecodeNodeList(reply.r.nodes, compactPeerV4Len)...)
	resp.nodes = append(resp.nodes, DecodeNodeList(reply.r.nodes6, compactPeerV6Len)...)

	if reply.r.hasToken {
		resp.token = reply.r.token
	}

	for _, v := range reply.r.values {
		width := compactPeerV4Len
		if len(v) == compactPeerV6Len {
			width = compactPeerV6Len
		}
		if addr, ok := DecodePeerAddress([]byte(v)); ok && len(v) == width {
			resp.peers = append(resp.peers, addr)
		}
	}

	if kind == lookupFindNode {
		for _, n := range resp.nodes {
			if n.ID == target {
				match := n
				resp.exact = &match
				break
			}
		}
		if senderID == target {
			match := node
			resp.exact = &match
		}
	}

	return resp, nil
}

// pickUnvisited returns up to n of frontier's not-yet-visited nodes, closest
// to target first.
func pickUnvisited(target ID, frontier []Node, visited map[ID]bool, n int) []Node {
	sorted := make([]Node, len(frontier))
	copy(sorted, frontier)
	sort.Slice(sorted, func(i, j int) bool {
		return CompareDistance(target, sorted[i].ID, sorted[j].ID) < 0
	})

	out := make([]Node, 0, n)
	for _, node := range sorted {
		if visited[node.ID] {
			continue
		}
		out = append(out, node)
		if len(out) == n {
			break
		}
	}
	return out
}

// mergeClosest combines the current frontier with newly discovered nodes,
// deduplicates by id, and keeps the cap closest to target.
func mergeClosest(target ID, frontier, fresh []Node, cap int) []Node {
	seen := make(map[ID]bool, len(frontier)+len(fresh))
	merged := make([]Node, 0, len(frontier)+len(fresh))
	for _, n := range append(append([]Node{}, frontier...), fresh...) {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		merged = append(merged, n)
	}
	return topK(target, merged, cap)
}

func topK(target ID, nodes []Node, k int) []Node {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		return CompareDistance(target, sorted[i].ID, sorted[j].ID) < 0
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
