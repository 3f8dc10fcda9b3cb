package dht

import (
	"net"
	"reflect"
	"testing"
)

func testFrom() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
}

func TestCodec_RoundTrip_Ping(t *testing.T) {
	self := RandomID()
	q := pingQuery("aa", self)

	raw, err := encodeMessage(q)
	if err != nil {
		t.Fatalf("encodeMessage error: %v", err)
	}

	decoded, err := decodeMessage(raw, testFrom())
	if err != nil {
		t.Fatalf("decodeMessage error: %v", err)
	}
	if decoded.y != typeQuery || decoded.q != methodPing {
		t.Fatalf("decoded wrong shape: %+v", decoded)
	}
	if decoded.a.id != self {
		t.Fatalf("id mismatch: got %x, want %x", decoded.a.id, self)
	}
	if decoded.t != "aa" {
		t.Fatalf("t mismatch: got %q, want %q", decoded.t, "aa")
	}
}

func TestCodec_RoundTrip_FindNode(t *testing.T) {
	self, target := RandomID(), RandomID()
	q := findNodeQuery("bb", self, target, []string{"n4", "n6"})

	raw, err := encodeMessage(q)
	if err != nil {
		t.Fatalf("encodeMessage error: %v", err)
	}
	decoded, err := decodeMessage(raw, testFrom())
	if err != nil {
		t.Fatalf("decodeMessage error: %v", err)
	}
	if !decoded.a.hasTarget || decoded.a.target != target {
		t.Fatalf("target not round-tripped: %+v", decoded.a)
	}
	if !decoded.wantsV4() || !decoded.wantsV6() {
		t.Fatalf("want list not round-tripped: %+v", decoded.a.want)
	}
}

func TestCodec_RoundTrip_GetPeersResponse(t *testing.T) {
	self := RandomID()
	values := []string{"\x01\x02\x03\x04\x1a\xe1", "\x05\x06\x07\x08\x1a\xe2"}
	r := getPeersResponse("cc", self, "tok123", values, nil, nil)

	raw, err := encodeMessage(r)
	if err != nil {
		t.Fatalf("encodeMessage error: %v", err)
	}
	decoded, err := decodeMessage(raw, testFrom())
	if err != nil {
		t.Fatalf("decodeMessage error: %v", err)
	}
	if decoded.r.token != "tok123" || !decoded.r.hasToken {
		t.Fatalf("token not round-tripped")
	}
	if !reflect.DeepEqual(decoded.r.values, values) {
		t.Fatalf("values not round-tripped: got %q, want %q", decoded.r.values, values)
	}
}

func TestCodec_RoundTrip_ErrorMessage(t *testing.T) {
	e := newErrorMessage("dd", KRPCErrProtocol, "invalid token")

	raw, err := encodeMessage(e)
	if err != nil {
		t.Fatalf("encodeMessage error: %v", err)
	}
	decoded, err := decodeMessage(raw, testFrom())
	if err != nil {
		t.Fatalf("decodeMessage error: %v", err)
	}
	if decoded.y != typeError || decoded.errCode != KRPCErrProtocol || decoded.errDesc != "invalid token" {
		t.Fatalf("error message not round-tripped: %+v", decoded)
	}
}

func TestCodec_ReadOnlyFlag(t *testing.T) {
	self := RandomID()
	q := pingQuery("ee", self)
	q.ro = true

	raw, err := encodeMessage(q)
	if err != nil {
		t.Fatalf("encodeMessage error: %v", err)
	}
	decoded, err := decodeMessage(raw, testFrom())
	if err != nil {
		t.Fatalf("decodeMessage error: %v", err)
	}
	if !decoded.ro {
		t.Fatalf("ro flag not round-tripped")
	}
}

func TestDecodeMessage_RejectsOversized(t *testing.T) {
	raw := make([]byte, MaxMessageSize+1)
	if _, err := decodeMessage(raw, testFrom()); err == nil {
		t.Fatalf("expected an error for an oversized datagram")
	}
}

func TestDecodeMessage_RejectsMissingTransactionID(t *testing.T) {
	raw := []byte("d1:y1:qe")
	if _, err := decodeMessage(raw, testFrom()); err == nil {
		t.Fatalf("expected an error for a message missing t")
	}
}

func TestMessage_SenderID(t *testing.T) {
	self := RandomID()
	q := pingQuery("t", self)
	if id, ok := q.senderID(); !ok || id != self {
		t.Fatalf("query senderID mismatch")
	}

	r := pingResponse("t", self)
	if id, ok := r.senderID(); !ok || id != self {
		t.Fatalf("response senderID mismatch")
	}

	e := newErrorMessage("t", KRPCErrGeneric, "oops")
	if _, ok := e.senderID(); ok {
		t.Fatalf("error messages carry no sender id")
	}
}
