package dht

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/kadnode/internal/bencode"
)

// defaultQueryTimeout bounds how long SendQuery waits for a matching
// response before reporting ErrTimeout (spec §4.I "Timeout").
const defaultQueryTimeout = 15 * time.Second

// wireTransaction is the transaction-manager entry of spec §4.E, scoped to
// a single KRPC round trip: one outbound query, one inbound response/error,
// correlated by t. An iterative lookup's higher-level state (depth,
// visited set, target, streaming reply channel) lives one layer up in
// DHT.lookup, which issues one wireTransaction per hop.
type wireTransaction struct {
	query     *message
	replyCh   chan *message
	createdAt time.Time
	timeout   time.Duration
}

// KRPC is the UDP transport and wire codec: it turns outbound messages into
// datagrams, correlates inbound datagrams back to the transaction that
// requested them, and dispatches unsolicited queries to the node above it.
type KRPC struct {
	logger *slog.Logger
	conn   *net.UDPConn
	self   ID

	txSeq atomic.Uint64

	txMut sync.RWMutex
	txs   map[string]*wireTransaction

	onQuery  func(*message)
	onOrphan func(*message) // response/error with no matching transaction

	done chan struct{}
	wg   sync.WaitGroup
}

func NewKRPC(self ID, listenAddr string, logger *slog.Logger) (*KRPC, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressParse, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}

	k := &KRPC{
		logger: logger,
		conn:   conn,
		self:   self,
		txs:    make(map[string]*wireTransaction),
		done:   make(chan struct{}),
	}
	// Seed the transaction counter randomly so ids don't collide with a
	// prior process instance's still-in-flight transactions after a
	// quick restart (spec §4.E insert).
	var seed [8]byte
	rand.Read(seed[:])
	k.txSeq.Store(binary.BigEndian.Uint64(seed[:]))

	return k, nil
}

func (k *KRPC) LocalAddr() *net.UDPAddr {
	return k.conn.LocalAddr().(*net.UDPAddr)
}

func (k *KRPC) Start() {
	k.wg.Add(2)
	go func() { defer k.wg.Done(); k.readLoop() }()
	go func() { defer k.wg.Done(); k.sweepLoop() }()
}

// Close cancels both background loops and closes the socket. Transactions
// still pending get ErrClosed rather than ErrTimeout.
func (k *KRPC) Close() error {
	close(k.done)
	err := k.conn.Close()
	k.wg.Wait()

	k.txMut.Lock()
	for id, tx := range k.txs {
		close(tx.replyCh)
		delete(k.txs, id)
	}
	k.txMut.Unlock()

	return err
}

func (k *KRPC) SetQueryHandler(h func(*message))  { k.onQuery = h }
func (k *KRPC) SetOrphanHandler(h func(*message)) { k.onOrphan = h }

// SendQuery sends a query and blocks until a matching response/error
// arrives, timeout elapses, or the transport is closed.
func (k *KRPC) SendQuery(m *message, addr *net.UDPAddr, timeout time.Duration) (*message, error) {
	if m.t == "" {
		m.t = k.nextTransactionID()
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	tx := &wireTransaction{
		query:     m,
		replyCh:   make(chan *message, 1),
		createdAt: time.Now(),
		timeout:   timeout,
	}

	k.txMut.Lock()
	k.txs[m.t] = tx
	k.txMut.Unlock()

	if err := k.send(m, addr); err != nil {
		k.remove(m.t)
		return nil, err
	}

	select {
	case reply, ok := <-tx.replyCh:
		if !ok {
			// Closed by Close (done is closed first) or by sweep.
			select {
			case <-k.done:
				return nil, ErrClosed
			default:
				return nil, ErrTimeout
			}
		}
		k.remove(m.t)
		if reply.y == typeError {
			return nil, &KRPCError{Code: reply.errCode, Desc: reply.errDesc}
		}
		return reply, nil
	case <-time.After(timeout):
		k.remove(m.t)
		return nil, ErrTimeout
	case <-k.done:
		k.remove(m.t)
		return nil, ErrClosed
	}
}

func (k *KRPC) SendResponse(m *message, addr *net.UDPAddr) error {
	return k.send(m, addr)
}

func (k *KRPC) SendError(txID string, code int, desc string, addr *net.UDPAddr) error {
	return k.send(newErrorMessage(txID, code, desc), addr)
}

func (k *KRPC) send(m *message, addr *net.UDPAddr) error {
	encoded, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if len(encoded) > MaxMessageSize {
		return fmt.Errorf("%w: outgoing message is %d bytes", ErrBencode, len(encoded))
	}
	_, err = k.conn.WriteToUDP(encoded, addr)
	return err
}

func (k *KRPC) readLoop() {
	buf := make([]byte, MaxMessageSize)

	for {
		select {
		case <-k.done:
			return
		default:
		}

		k.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := k.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !isClosedConnError(err) {
				k.logger.Error("udp read failed", "error", err)
			}
			continue
		}

		m, err := decodeMessage(buf[:n], addr)
		if err != nil {
			k.logger.Debug("dropping malformed datagram", "from", addr, "error", err)
			continue
		}
		k.dispatch(m)
	}
}

func (k *KRPC) dispatch(m *message) {
	switch m.y {
	case typeQuery:
		if k.onQuery != nil {
			k.onQuery(m)
		}
	case typeResponse, typeError:
		k.deliver(m)
	}
}

func (k *KRPC) deliver(m *message) {
	k.txMut.RLock()
	tx, ok := k.txs[m.t]
	k.txMut.RUnlock()

	if !ok {
		k.logger.Debug("reply for unknown transaction", "from", m.from, "t", m.t)
		if k.onOrphan != nil {
			k.onOrphan(m)
		}
		return
	}

	select {
	case tx.replyCh <- m:
	default:
		// Already delivered (shouldn't happen: one query, one reply).
	}
}

func (k *KRPC) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			k.sweep(time.Now())
		}
	}
}

// sweep drops every transaction older than its own timeout and closes its
// reply channel, which SendQuery reports as ErrTimeout (spec §4.E sweep).
func (k *KRPC) sweep(now time.Time) {
	k.txMut.Lock()
	defer k.txMut.Unlock()
	for id, tx := range k.txs {
		if now.Sub(tx.createdAt) > tx.timeout {
			close(tx.replyCh)
			delete(k.txs, id)
		}
	}
}

func (k *KRPC) remove(txID string) {
	k.txMut.Lock()
	delete(k.txs, txID)
	k.txMut.Unlock()
}

func (k *KRPC) nextTransactionID() string {
	n := k.txSeq.Add(1)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return hex.EncodeToString(b[:])
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

