package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	tokenSecretLen = 20

	// defaultTokenInterval and defaultMaxTokenIntervalCount give the
	// default token lifetime: a token accepted at counter c stays valid
	// through counter c+defaultMaxTokenIntervalCount (spec §4.D).
	defaultTokenInterval         = 30 * time.Second
	defaultMaxTokenIntervalCount = 2
)

// TokenManager issues and validates the short-lived announce_peer tokens
// defined in spec §4.D: a token is a SHA-1 digest over the requester's
// compact address, a time-bucket counter, and a local secret. Unlike a
// signature, a token is never decoded — it is only ever recomputed and
// compared, so no state is kept per issued token.
type TokenManager struct {
	interval  time.Duration
	maxWindow int

	mut    sync.RWMutex
	secret [tokenSecretLen]byte
}

// NewTokenManager returns a manager using spec §3's default token_interval
// and max_token_interval_count.
func NewTokenManager() *TokenManager {
	return NewTokenManagerWithConfig(defaultTokenInterval, defaultMaxTokenIntervalCount)
}

// NewTokenManagerWithConfig returns a manager using the given
// token_interval and max_token_interval_count (spec §3).
func NewTokenManagerWithConfig(interval time.Duration, maxWindow int) *TokenManager {
	if interval <= 0 {
		interval = defaultTokenInterval
	}
	if maxWindow <= 0 {
		maxWindow = defaultMaxTokenIntervalCount
	}
	tm := &TokenManager{interval: interval, maxWindow: maxWindow}
	if _, err := rand.Read(tm.secret[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	return tm
}

// Create returns the token a querier at addr should present with a later
// announce_peer, derived from the current interval counter.
func (tm *TokenManager) Create(addr PeerAddress) string {
	return tm.createAt(addr, time.Now())
}

func (tm *TokenManager) createAt(addr PeerAddress, at time.Time) string {
	tm.mut.RLock()
	secret := tm.secret
	tm.mut.RUnlock()
	return computeToken(addr, counterAt(at, tm.interval), secret)
}

// Valid reports whether token could have been produced by Create for addr
// at the current counter, or any of the maxWindow counters before it.
func (tm *TokenManager) Valid(addr PeerAddress, token string) bool {
	return tm.validAt(addr, token, time.Now())
}

func (tm *TokenManager) validAt(addr PeerAddress, token string, at time.Time) bool {
	tm.mut.RLock()
	secret := tm.secret
	tm.mut.RUnlock()

	counter := counterAt(at, tm.interval)
	for c := counter; c > counter-int64(tm.maxWindow)-1 && c >= 0; c-- {
		if computeToken(addr, c, secret) == token {
			return true
		}
	}
	return false
}

func counterAt(at time.Time, interval time.Duration) int64 {
	return at.Unix() / int64(interval/time.Second)
}

func computeToken(addr PeerAddress, counter int64, secret [tokenSecretLen]byte) string {
	var ctrBytes [8]byte
	binary.BigEndian.PutUint64(ctrBytes[:], uint64(counter))

	h := sha1.New()
	h.Write(addr.Compact())
	h.Write(ctrBytes[:])
	h.Write(secret[:])
	return string(h.Sum(nil))
}

// defaultTokenCacheSize bounds how many remote-issued tokens we remember at
// once (spec §4.D insert_token/get_token) — one per node with an
// outstanding get_peers result, evicted least-recently-used.
const defaultTokenCacheSize = 4096

// tokenCache remembers the most recent token a remote node has issued to
// us, so that a later announce_peer for the same info-hash can present it.
type tokenCache struct {
	cache *lru.Cache[ID, string]
}

func newTokenCache(capacity int) *tokenCache {
	c, err := lru.New[ID, string](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which never happens
		// with the constants this package passes in.
		panic("dht: token cache: " + err.Error())
	}
	return &tokenCache{cache: c}
}

func (tc *tokenCache) insert(node ID, token string) {
	tc.cache.Add(node, token)
}

func (tc *tokenCache) get(node ID) (string, bool) {
	return tc.cache.Get(node)
}
