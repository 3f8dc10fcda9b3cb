package dht

import (
	"net/netip"
	"testing"
	"time"
)

func testAddr() PeerAddress {
	return PeerAddress{IP: netip.MustParseAddr("203.0.113.9"), Port: 6881}
}

func TestTokenManager_CreatedTokenIsImmediatelyValid(t *testing.T) {
	tm := NewTokenManagerWithConfig(30*time.Second, 2)
	addr := testAddr()
	tok := tm.Create(addr)
	if !tm.Valid(addr, tok) {
		t.Fatalf("a freshly created token should validate")
	}
}

func TestTokenManager_ValidWithinWindow_InvalidAfter(t *testing.T) {
	interval := 30 * time.Second
	maxWindow := 2
	tm := NewTokenManagerWithConfig(interval, maxWindow)
	addr := testAddr()

	base := time.Unix(1_700_000_000, 0)
	tok := tm.createAt(addr, base)

	if !tm.validAt(addr, tok, base.Add(time.Duration(maxWindow)*interval)) {
		t.Fatalf("token should still validate at now + max*interval")
	}
	if tm.validAt(addr, tok, base.Add(time.Duration(maxWindow+1)*interval)) {
		t.Fatalf("token should be invalid at now + (max+1)*interval")
	}
}

func TestTokenManager_BoundToAddress(t *testing.T) {
	tm := NewTokenManager()
	a := testAddr()
	b := PeerAddress{IP: netip.MustParseAddr("198.51.100.2"), Port: 6881}

	tok := tm.Create(a)
	if tm.Valid(b, tok) {
		t.Fatalf("a token minted for a should not validate for a different address")
	}
}

func TestTokenCache_InsertAndGet(t *testing.T) {
	tc := newTokenCache(16)
	id := RandomID()

	if _, ok := tc.get(id); ok {
		t.Fatalf("unexpected hit on an empty cache")
	}
	tc.insert(id, "abc")
	got, ok := tc.get(id)
	if !ok || got != "abc" {
		t.Fatalf("got (%q, %v), want (\"abc\", true)", got, ok)
	}
}
