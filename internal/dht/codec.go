package dht

import (
	"fmt"
	"net"

	"github.com/prxssh/kadnode/internal/bencode"
)

// encodeMessage renders a message into the bencoded dictionary form defined
// by BEP 5 §4.B.
func encodeMessage(m *message) ([]byte, error) {
	d := map[string]any{
		"t": m.t,
		"y": string(m.y),
	}
	if m.ro {
		d["ro"] = int64(1)
	}

	switch m.y {
	case typeQuery:
		d["q"] = string(m.q)
		d["a"] = encodeQueryArgs(m.a)
	case typeResponse:
		d["r"] = encodeResponseFields(m.r)
	case typeError:
		d["e"] = []any{int64(m.errCode), m.errDesc}
	}

	b, err := bencode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBencode, err)
	}
	return b, nil
}

func encodeQueryArgs(a queryArgs) map[string]any {
	d := map[string]any{"id": string(a.id[:])}
	if a.hasTarget {
		d["target"] = string(a.target[:])
	}
	if a.hasInfoHash {
		d["info_hash"] = string(a.infoHash[:])
	}
	if a.hasToken {
		d["token"] = a.token
	}
	if a.hasPort {
		d["port"] = int64(a.port)
	}
	if a.impliedPort {
		d["implied_port"] = int64(1)
	}
	if len(a.want) > 0 {
		want := make([]any, len(a.want))
		for i, w := range a.want {
			want[i] = w
		}
		d["want"] = want
	}
	return d
}

func encodeResponseFields(r responseFields) map[string]any {
	d := map[string]any{"id": string(r.id[:])}
	if len(r.nodes) > 0 {
		d["nodes"] = string(r.nodes)
	}
	if len(r.nodes6) > 0 {
		d["nodes6"] = string(r.nodes6)
	}
	if r.values != nil {
		values := make([]any, len(r.values))
		for i, v := range r.values {
			values[i] = v
		}
		d["values"] = values
	}
	if r.hasToken {
		d["token"] = r.token
	}
	return d
}

// decodeMessage parses a raw KRPC datagram received from addr. Malformed
// input (bad bencode, or a well-formed dictionary missing `t`/`y`) is
// reported as ErrBencode/ErrProtocol; field-level validation specific to a
// query/response kind happens later, in the dispatcher, so that one missing
// optional field doesn't reject the whole message.
func decodeMessage(raw []byte, addr *net.UDPAddr) (*message, error) {
	if len(raw) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrBencode, MaxMessageSize)
	}

	v, err := bencode.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBencode, err)
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrBencode)
	}

	m := &message{from: addr}

	t, ok := d["t"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing t", ErrProtocol)
	}
	m.t = t

	y, ok := d["y"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing y", ErrProtocol)
	}
	m.y = messageType(y)

	if ro, ok := d["ro"]; ok {
		m.ro = truthy(ro)
	}

	switch m.y {
	case typeQuery:
		q, _ := d["q"].(string)
		m.q = queryMethod(q)
		a, _ := d["a"].(map[string]any)
		m.a = decodeQueryArgs(a)
	case typeResponse:
		r, _ := d["r"].(map[string]any)
		m.r = decodeResponseFields(r)
	case typeError:
		e, _ := d["e"].([]any)
		if len(e) == 2 {
			m.errCode = int(toInt64(e[0]))
			m.errDesc, _ = e[1].(string)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, y)
	}

	return m, nil
}

func decodeQueryArgs(a map[string]any) queryArgs {
	var q queryArgs
	if idStr, ok := a["id"].(string); ok {
		q.id, _ = IDFromBytes([]byte(idStr))
	}
	if targetStr, ok := a["target"].(string); ok {
		if id, ok := IDFromBytes([]byte(targetStr)); ok {
			q.target, q.hasTarget = id, true
		}
	}
	if ihStr, ok := a["info_hash"].(string); ok {
		if id, ok := IDFromBytes([]byte(ihStr)); ok {
			q.infoHash, q.hasInfoHash = id, true
		}
	}
	if tok, ok := a["token"].(string); ok {
		q.token, q.hasToken = tok, true
	}
	if port, ok := a["port"]; ok {
		q.port, q.hasPort = uint16(toInt64(port)), true
	}
	if ip, ok := a["implied_port"]; ok {
		q.impliedPort = truthy(ip)
	}
	if want, ok := a["want"].([]any); ok {
		for _, w := range want {
			if s, ok := w.(string); ok {
				q.want = append(q.want, s)
			}
		}
	}
	return q
}

func decodeResponseFields(r map[string]any) responseFields {
	var f responseFields
	if idStr, ok := r["id"].(string); ok {
		f.id, _ = IDFromBytes([]byte(idStr))
	}
	if nodes, ok := r["nodes"].(string); ok {
		f.nodes = []byte(nodes)
	}
	if nodes6, ok := r["nodes6"].(string); ok {
		f.nodes6 = []byte(nodes6)
	}
	if values, ok := r["values"].([]any); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				f.values = append(f.values, s)
			}
		}
	}
	if tok, ok := r["token"].(string); ok {
		f.token, f.hasToken = tok, true
	}
	return f
}

func truthy(v any) bool {
	switch x := v.(type) {
	case int64:
		return x != 0
	case bool:
		return x
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	default:
		return 0
	}
}
