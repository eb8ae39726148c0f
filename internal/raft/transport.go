package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/artbin/dlog/internal/logging"
)

// maxFrameSize bounds a single RPC frame.
const maxFrameSize = 64 * 1024 * 1024

// maxIdleConns is the number of idle connections kept per peer.
const maxIdleConns = 4

// Transport defines the interface for Raft RPC communication.
type Transport interface {
	// Send sends an RPC to a peer and waits for response.
	Send(peerID uint64, msgType uint8, data []byte) ([]byte, error)

	// Listen starts listening for incoming RPCs.
	Listen(handler RPCHandler) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() string

	// AddPeer registers or updates a peer address.
	AddPeer(peerID uint64, addr string)

	// RemovePeer forgets a peer and drops its connections.
	RemovePeer(peerID uint64)
}

// RPCHandler handles incoming RPC messages.
// Returns the response data to send back.
type RPCHandler func(msgType uint8, data []byte) []byte

// TCPTransport implements Transport using TCP. Each request holds a
// connection exclusively until its response is read, so concurrent sends to
// one peer use separate connections. Idle connections are pooled per peer
// for at most one timeout; receivers close them after two.
type TCPTransport struct {
	addr     string
	listener net.Listener
	peers    map[uint64]string     // peerID -> address
	idle     map[uint64][]idleConn // peerID -> idle connections, oldest first
	inbound  map[net.Conn]struct{}
	handler  RPCHandler
	timeout  time.Duration
	logger   logging.Logger
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// idleConn is a pooled connection and the time it was returned.
type idleConn struct {
	conn  net.Conn
	since time.Time
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport(addr string, peers map[uint64]string) *TCPTransport {
	p := make(map[uint64]string, len(peers))
	for id, a := range peers {
		p[id] = a
	}
	return &TCPTransport{
		addr:    addr,
		peers:   p,
		idle:    make(map[uint64][]idleConn),
		inbound: make(map[net.Conn]struct{}),
		timeout: 5 * time.Second,
		logger:  logging.NewNop(),
	}
}

// SetTimeout sets the dial and I/O timeout.
func (t *TCPTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// SetLogger sets the transport logger.
func (t *TCPTransport) SetLogger(logger logging.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger = logger
}

// LocalAddr returns the listening address once Listen has succeeded, the
// configured address before that.
func (t *TCPTransport) LocalAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Send sends an RPC message to a peer and waits for response.
// Message format: [type:1][length:4][data:N]
// A request that fails on a pooled connection without timing out is sent
// once more on a fresh connection: the peer may have closed it while idle.
func (t *TCPTransport) Send(peerID uint64, msgType uint8, data []byte) ([]byte, error) {
	conn, timeout, pooled, err := t.getConn(peerID)
	if err != nil {
		return nil, err
	}

	resp, err := roundTrip(conn, timeout, msgType, data)
	if err != nil && pooled && !isTimeout(err) {
		conn.Close()
		t.logger.Debug("pooled connection failed, redialing", "peer", peerID, "error", err)
		if conn, timeout, err = t.dial(peerID); err != nil {
			return nil, err
		}
		resp, err = roundTrip(conn, timeout, msgType, data)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	t.putConn(peerID, conn)
	return resp, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// getConn returns a pooled connection to peerID or dials a new one. Pooled
// connections idle for longer than the timeout are closed instead of used.
func (t *TCPTransport) getConn(peerID uint64) (net.Conn, time.Duration, bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, 0, false, ErrTransportClosed
	}
	timeout := t.timeout
	if conns := t.idle[peerID]; len(conns) > 0 {
		ic := conns[len(conns)-1]
		if time.Since(ic.since) <= timeout {
			t.idle[peerID] = conns[:len(conns)-1]
			t.mu.Unlock()
			return ic.conn, timeout, true, nil
		}
		// The newest is stale, so are all older ones.
		t.dropIdleLocked(peerID)
	}
	t.mu.Unlock()

	conn, timeout, err := t.dial(peerID)
	return conn, timeout, false, err
}

// dial opens a new connection to peerID.
func (t *TCPTransport) dial(peerID uint64) (net.Conn, time.Duration, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, 0, ErrTransportClosed
	}
	timeout := t.timeout
	addr, exists := t.peers[peerID]
	t.mu.RUnlock()

	if !exists {
		return nil, 0, fmt.Errorf("%w: unknown peer %d", ErrConnectFailed, peerID)
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return conn, timeout, nil
}

// putConn returns a healthy connection to the idle pool.
func (t *TCPTransport) putConn(peerID uint64, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, known := t.peers[peerID]; t.closed || !known || len(t.idle[peerID]) >= maxIdleConns {
		conn.Close()
		return
	}
	t.idle[peerID] = append(t.idle[peerID], idleConn{conn: conn, since: time.Now()})
}

func roundTrip(conn net.Conn, timeout time.Duration, msgType uint8, data []byte) ([]byte, error) {
	// Set deadline for this operation
	conn.SetDeadline(time.Now().Add(timeout))

	if err := writeFrame(conn, msgType, data); err != nil {
		return nil, err
	}

	_, resp, err := readFrame(conn)
	return resp, err
}

// writeFrame writes [type:1][length:4][data:N] in a single write.
func writeFrame(w io.Writer, msgType uint8, data []byte) error {
	frame := make([]byte, 5+len(data))
	frame[0] = msgType
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(data)))
	copy(frame[5:], data)
	_, err := w.Write(frame)
	return err
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	dataLen := binary.LittleEndian.Uint32(header[1:5])
	// Sanity check: prevent allocation of unreasonably large buffers
	if dataLen > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedMessage, dataLen)
	}

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return 0, nil, err
		}
	}
	return header[0], data, nil
}

// Listen starts accepting connections and handling RPCs.
func (t *TCPTransport) Listen(handler RPCHandler) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ln.Close()
		return ErrTransportClosed
	}
	t.listener = ln
	t.handler = handler
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)

	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		t.mu.RLock()
		closed := t.closed
		handler := t.handler
		timeout := t.timeout
		t.mu.RUnlock()
		if closed {
			return
		}

		// Idle connections stay open for a while; the pool on the other
		// side reuses them.
		conn.SetReadDeadline(time.Now().Add(timeout * 2))

		msgType, data, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("inbound connection closed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		// Handle the message
		var resp []byte
		if handler != nil {
			resp = handler(msgType, data)
		}

		conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := writeFrame(conn, msgType, resp); err != nil {
			return
		}
	}
}

// Close shuts down the transport.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	// Close listener
	if t.listener != nil {
		t.listener.Close()
	}

	// Close pooled and inbound connections
	for _, conns := range t.idle {
		for _, ic := range conns {
			ic.conn.Close()
		}
	}
	t.idle = make(map[uint64][]idleConn)
	for conn := range t.inbound {
		conn.Close()
	}
	t.mu.Unlock()

	// Wait for goroutines
	t.wg.Wait()

	return nil
}

// AddPeer adds a new peer to the transport or updates its address.
func (t *TCPTransport) AddPeer(peerID uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.peers[peerID]; ok && old != addr {
		t.dropIdleLocked(peerID)
	}
	t.peers[peerID] = addr
}

// RemovePeer removes a peer from the transport.
func (t *TCPTransport) RemovePeer(peerID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.peers, peerID)
	t.dropIdleLocked(peerID)
}

func (t *TCPTransport) dropIdleLocked(peerID uint64) {
	for _, ic := range t.idle[peerID] {
		ic.conn.Close()
	}
	delete(t.idle, peerID)
}

// InMemoryTransport implements Transport for testing.
type InMemoryTransport struct {
	id      uint64
	addr    string
	network *InMemoryNetwork
	handler RPCHandler
	closed  bool
	mu      sync.RWMutex
}

// InMemoryNetwork simulates a network for testing. Besides routing it can
// partition nodes, drop or duplicate messages, and delay delivery.
type InMemoryNetwork struct {
	transports map[uint64]*InMemoryTransport
	groups     map[uint64]int // nodeID -> partition group, nil when healed
	dropRate   float64
	dupRate    float64
	maxDelay   time.Duration
	rng        *rand.Rand
	mu         sync.RWMutex
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[uint64]*InMemoryTransport),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewTransport creates a new in-memory transport for a node, replacing any
// previous transport registered for the same id.
func (n *InMemoryNetwork) NewTransport(nodeID uint64, addr string) *InMemoryTransport {
	t := &InMemoryTransport{
		id:      nodeID,
		addr:    addr,
		network: n,
	}

	n.mu.Lock()
	n.transports[nodeID] = t
	n.mu.Unlock()

	return t
}

// Partition splits the network into the given groups. Nodes in different
// groups cannot reach each other; nodes not listed form one more group.
func (n *InMemoryNetwork) Partition(groups ...[]uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups = make(map[uint64]int)
	for i, g := range groups {
		for _, id := range g {
			n.groups[id] = i + 1
		}
	}
}

// Isolate cuts a single node off from everyone else.
func (n *InMemoryNetwork) Isolate(nodeID uint64) {
	n.Partition([]uint64{nodeID})
}

// Heal removes all partitions.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = nil
}

// SetDropRate sets the probability that a request or its response is lost.
func (n *InMemoryNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDuplicateRate sets the probability that a request is delivered twice.
func (n *InMemoryNetwork) SetDuplicateRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dupRate = rate
}

// SetDelay sets the upper bound of a random per-message delay.
func (n *InMemoryNetwork) SetDelay(max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxDelay = max
}

// connected reports whether from can reach to. Caller holds n.mu.
func (n *InMemoryNetwork) connected(from, to uint64) bool {
	if n.groups == nil {
		return true
	}
	return n.groups[from] == n.groups[to]
}

// chance draws a random outcome with probability p.
func (n *InMemoryNetwork) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64() < p
}

func (n *InMemoryNetwork) delay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.maxDelay <= 0 {
		return 0
	}
	return time.Duration(n.rng.Int63n(int64(n.maxDelay)))
}

// route looks up the handler serving peerID as seen from from.
func (n *InMemoryNetwork) route(from, to uint64) (RPCHandler, float64, float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.connected(from, to) {
		return nil, 0, 0, fmt.Errorf("%w: %d unreachable from %d", ErrConnectFailed, to, from)
	}
	peer, ok := n.transports[to]
	if !ok {
		return nil, 0, 0, ErrConnectFailed
	}

	peer.mu.RLock()
	handler := peer.handler
	closed := peer.closed
	peer.mu.RUnlock()

	if closed || handler == nil {
		return nil, 0, 0, ErrConnectFailed
	}
	return handler, n.dropRate, n.dupRate, nil
}

// Send sends an RPC to a peer.
func (t *InMemoryTransport) Send(peerID uint64, msgType uint8, data []byte) ([]byte, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, ErrTransportClosed
	}
	t.mu.RUnlock()

	n := t.network
	if d := n.delay(); d > 0 {
		time.Sleep(d)
	}

	handler, dropRate, dupRate, err := n.route(t.id, peerID)
	if err != nil {
		return nil, err
	}
	if n.chance(dropRate) {
		return nil, fmt.Errorf("%w: request dropped", ErrConnectFailed)
	}

	// The handler may keep the buffer; each delivery gets its own copy.
	if n.chance(dupRate) {
		dup := append([]byte(nil), data...)
		go handler(msgType, dup)
	}
	resp := handler(msgType, append([]byte(nil), data...))

	// The partition may have formed while the request was being handled.
	if _, _, _, err := n.route(t.id, peerID); err != nil {
		return nil, err
	}
	if n.chance(dropRate) {
		return nil, fmt.Errorf("%w: response dropped", ErrConnectFailed)
	}
	return resp, nil
}

// Listen starts listening for RPCs.
func (t *InMemoryTransport) Listen(handler RPCHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.handler = handler
	return nil
}

// Close shuts down the transport.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}

// LocalAddr returns the local address.
func (t *InMemoryTransport) LocalAddr() string {
	return t.addr
}

// AddPeer is a no-op; the network routes by id.
func (t *InMemoryTransport) AddPeer(peerID uint64, addr string) {}

// RemovePeer is a no-op; the network routes by id.
func (t *InMemoryTransport) RemovePeer(peerID uint64) {}
