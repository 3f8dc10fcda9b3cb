package dht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Config holds every tunable the spec enumerates under "Configuration"
// (spec §3), plus the transport/bootstrap settings a process needs to
// actually start a node.
type Config struct {
	Logger *slog.Logger

	// LocalID is this node's identity. Leave zero to have NewDHT assign a
	// random one.
	LocalID ID

	ListenAddr     string
	BootstrapNodes []string // "host:port", resolved at bootstrap time

	K                     int           // bucket size
	Alpha                 int           // lookup concurrency factor
	Depth                 int           // maximum recursion for iterative lookups
	TokenInterval         time.Duration // token-bucket duration
	MaxTokenIntervalCount int           // past intervals still accepting a token
	QuestionableInterval  time.Duration // idle time before a good node turns questionable
	RefreshInterval       time.Duration // how often the bucket-refresh loop runs
	BootstrapInterval     time.Duration // how often bootstrap nodes are re-pinged
	QueryTimeout          time.Duration // per-query wait before Timeout
}

func WithDefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":6881",
		K:                     K,
		Alpha:                 3,
		Depth:                 4,
		TokenInterval:         defaultTokenInterval,
		MaxTokenIntervalCount: defaultMaxTokenIntervalCount,
		QuestionableInterval:  goodnessWindow,
		RefreshInterval:       bucketRefreshAt,
		BootstrapInterval:     time.Hour,
		QueryTimeout:          defaultQueryTimeout,
	}
}

var (
	ErrNotStarted    = errors.New("dht: node not started")
	ErrAlreadyStared = errors.New("dht: node already started")
)

// DHT is one BitTorrent mainline DHT participant: a routing table, a KRPC
// transport, a token manager and peer store, and the maintenance loops that
// keep the routing table populated (spec §2, "DHT node core").
type DHT struct {
	cfg    *Config
	logger *slog.Logger

	self    ID
	table   *RoutingTable
	krpc    *KRPC
	peers   PeerStore
	tokens  *TokenManager
	remote  *tokenCache // tokens issued to us by remote nodes, cached from get_peers replies
	handler *queryHandler

	mut     sync.RWMutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDHT(cfg *Config, peers PeerStore) (*DHT, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalID == (ID{}) {
		cfg.LocalID = RandomID()
	}
	if cfg.K <= 0 {
		cfg.K = K
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 4
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.BootstrapInterval <= 0 {
		cfg.BootstrapInterval = time.Hour
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = bucketRefreshAt
	}

	krpc, err := NewKRPC(cfg.LocalID, cfg.ListenAddr, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("dht: %w", err)
	}
	if peers == nil {
		peers = NewMemPeerStore()
	}

	d := &DHT{
		cfg:    cfg,
		logger: cfg.Logger,
		self:   cfg.LocalID,
		table:  NewRoutingTable(cfg.LocalID, cfg.K, cfg.QuestionableInterval),
		krpc:   krpc,
		peers:  peers,
		tokens: NewTokenManagerWithConfig(cfg.TokenInterval, cfg.MaxTokenIntervalCount),
		remote: newTokenCache(defaultTokenCacheSize),
	}
	d.handler = newQueryHandler(d)
	krpc.SetQueryHandler(d.handler.handle)

	return d, nil
}

func (d *DHT) Start() error {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.started {
		return ErrAlreadyStared
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.krpc.Start()

	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.bootstrapLoop(ctx) }()
	go func() { defer d.wg.Done(); d.refreshLoop(ctx) }()
	go func() { defer d.wg.Done(); d.pingLoop(ctx) }()

	d.started = true
	return nil
}

func (d *DHT) Stop() {
	d.mut.Lock()
	if !d.started {
		d.mut.Unlock()
		return
	}
	d.started = false
	d.mut.Unlock()

	d.cancel()
	d.krpc.Close()
	d.wg.Wait()
}

func (d *DHT) isStarted() bool {
	d.mut.RLock()
	defer d.mut.RUnlock()
	return d.started
}

// Ping sends a single ping query to addr and, on success, inserts or
// refreshes its routing-table entry and returns its NodeId (spec §6).
func (d *DHT) Ping(addr *net.UDPAddr) (ID, error) {
	if !d.isStarted() {
		return ID{}, ErrNotStarted
	}

	reply, err := d.krpc.SendQuery(pingQuery("", d.self), addr, d.cfg.QueryTimeout)
	if err != nil {
		return ID{}, err
	}

	senderID, ok := reply.senderID()
	if !ok {
		return ID{}, ErrProtocol
	}
	d.table.MarkSeen(Node{ID: senderID, Address: PeerAddressFromUDP(addr)})
	return senderID, nil
}

// peerStreamBuffer bounds the GetPeers reply channel: once full, further
// fan-out hops that try to publish drop their values rather than block
// (spec §9 "Coroutine streams" backpressure note).
const peerStreamBuffer = 32

// FindNode performs the iterative find_node lookup of spec §4.F and streams
// at most one Node — the exact target, if the lookup reaches it — closing
// the channel once the lookup completes or ctx is canceled (spec §4.E "a
// FindNode transaction completes with at most one FindNode(Node) message").
func (d *DHT) FindNode(ctx context.Context, target ID) (<-chan Node, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}
	out := make(chan Node, 1)
	go func() {
		defer close(out)
		result := d.lookup(ctx, lookupFindNode, target, nil, nil)
		if result.exact == nil {
			return
		}
		select {
		case out <- *result.exact:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// GetPeers performs the iterative get_peers lookup and streams each peer
// address back as it is discovered (spec §6 get_peers(info_hash) -> stream
// of PeerAddress). Every token surfaced along the way is cached against its
// issuing node for a later AnnouncePeer (spec §4.D insert_token). The
// channel closes once the lookup is exhausted or ctx is canceled — the Go
// rendering of "closed ... when the caller drops the receiver" (spec §4.E).
func (d *DHT) GetPeers(ctx context.Context, infoHash ID) (<-chan PeerAddress, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}
	out := make(chan PeerAddress, peerStreamBuffer)
	go func() {
		defer close(out)
		result := d.lookup(ctx, lookupGetPeers, infoHash, nil, func(p PeerAddress) {
			select {
			case out <- p:
			case <-ctx.Done():
			default:
			}
		})
		for id, token := range result.tokens {
			d.remote.insert(id, token)
		}
	}()
	return out, nil
}

// AnnouncePeer finds the nodes closest to infoHash in the routing table
// (not a fresh get_peers) and sends announce_peer to each that has
// previously issued us a cached token, per spec §4.F: a token is only ever
// obtained by calling GetPeers first. It streams one value per successful
// announce (spec §6 announce_peer(info_hash) -> stream of unit), closing
// once every candidate has been attempted.
func (d *DHT) AnnouncePeer(ctx context.Context, infoHash ID, port int, impliedPort bool) (<-chan struct{}, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	candidates := d.table.FindClosestK(infoHash, d.cfg.K, nil)
	out := make(chan struct{}, len(candidates))

	var wg sync.WaitGroup
	for _, node := range candidates {
		token, ok := d.remote.get(node.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n Node, tok string) {
			defer wg.Done()
			q := announcePeerQuery("", d.self, infoHash, uint16(port), impliedPort, tok)
			if _, err := d.krpc.SendQuery(q, n.Address.UDPAddr(), d.cfg.QueryTimeout); err != nil {
				d.logger.Debug("announce_peer failed", "node", n.ID, "error", err)
				return
			}
			out <- struct{}{}
		}(node, token)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (d *DHT) bootstrapLoop(ctx context.Context) {
	d.bootstrap(ctx)

	ticker := time.NewTicker(d.cfg.BootstrapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.bootstrap(ctx)
		}
	}
}

func (d *DHT) bootstrap(ctx context.Context) {
	for _, addrStr := range d.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			d.logger.Warn("unresolvable bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		if _, err := d.Ping(addr); err != nil {
			d.logger.Debug("bootstrap ping failed", "addr", addrStr, "error", err)
		}
	}
	if err := d.drainFindNode(ctx, d.self); err != nil {
		d.logger.Debug("bootstrap self-lookup failed", "error", err)
	}
}

// drainFindNode runs a find_node lookup to completion, discarding any
// result. Maintenance loops only care about the lookup's side effect of
// populating the routing table, not the streamed node itself.
func (d *DHT) drainFindNode(ctx context.Context, target ID) error {
	ch, err := d.FindNode(ctx, target)
	if err != nil {
		return err
	}
	for range ch {
	}
	return nil
}

func (d *DHT) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *DHT) refresh(ctx context.Context) {
	for _, idx := range d.table.BucketsNeedingRefresh() {
		target := randomIDInBucket(d.self, idx)
		if err := d.drainFindNode(ctx, target); err != nil {
			d.logger.Debug("bucket refresh failed", "bucket", idx, "error", err)
		}
	}
	if mem, ok := d.peers.(*MemPeerStore); ok {
		mem.expire()
	}
}

func (d *DHT) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.QuestionableInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pingQuestionable()
		}
	}
}

func (d *DHT) pingQuestionable() {
	for _, node := range d.table.QuestionableContacts() {
		reply, err := d.krpc.SendQuery(pingQuery("", d.self), node.Address.UDPAddr(), d.cfg.QueryTimeout)
		if err != nil {
			d.table.MarkFailed(node.ID)
			continue
		}
		senderID, ok := reply.senderID()
		if !ok || senderID != node.ID {
			d.table.Remove(node.ID)
			continue
		}
		d.table.MarkSeen(node)
	}
}

// randomIDInBucket returns an id that would land in bucket idx of self's
// routing table: the first idx bits copied from self, bit idx flipped
// relative to self, the rest of that byte copied from self and every later
// byte random (so leading_zero_count(id XOR self) == idx exactly).
func randomIDInBucket(self ID, idx int) ID {
	id := RandomID()
	for i := 0; i < idx/8; i++ {
		id[i] = self[i]
	}
	if idx < IDLen*8 {
		bit := idx % 8
		mask := byte(0x80) >> bit
		id[idx/8] = (self[idx/8] &^ mask) | (^self[idx/8] & mask)
	}
	return id
}

func (d *DHT) LocalAddr() *net.UDPAddr { return d.krpc.LocalAddr() }

func (d *DHT) Self() ID { return d.self }

func (d *DHT) Stats() Stats { return d.table.Stats() }

// Iter returns every node currently held in the routing table, unordered
// (spec §6 iter() -> [Node]).
func (d *DHT) Iter() []Node { return d.table.All() }
