// Package mpipe implements a reliable, ordered, multi-pipe byte-stream
// multiplexer for one master node and N slave nodes communicating over a
// single UDP multicast or broadcast socket.
//
// A Multiplexer owns the socket, the packet arena, and the pipe table; a
// Pipe is a handle to one logical reliable byte stream obtained from
// OpenPipe. Connection, pipe creation, barriers, and gathers are
// collective operations: every node must call them in the same order.
package mpipe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clusterpipe/mpipe/internal/condvar"
	"github.com/clusterpipe/mpipe/internal/logging"
	"github.com/clusterpipe/mpipe/internal/pipetable"
	"github.com/clusterpipe/mpipe/internal/pool"
	"github.com/clusterpipe/mpipe/internal/transport"
	"golang.org/x/sys/unix"
)

// Transport is the socket surface a Multiplexer drives: one send path
// and one timed receive path, plus Close. *transport.Socket satisfies
// it directly; tests substitute an in-memory fake (see testing.go) to
// exercise packet loss, retransmission, and collective operations
// deterministically instead of racing real UDP loopback traffic.
type Transport interface {
	SendTo(buf []byte) error
	RecvFrom(buf []byte, timeout time.Duration) (n int, from unix.Sockaddr, ok bool, err error)
	Close() error
}

// Role identifies whether a Multiplexer is the cluster's single master or
// one of its N slaves.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// Config describes one node's cluster position, addressing, and
// dependencies. Timeouts and buffer sizes are not part of Config; they
// are adjusted after construction via the Multiplexer's setters, exactly
// as spec.md prescribes tunables as setters rather than constructor
// arguments.
type Config struct {
	Role Role

	// NodeIndex is this node's 1-based slave index. Ignored (and treated
	// as 0) for RoleMaster.
	NodeIndex uint32

	// NumSlaves is N, fixed for the lifetime of the cluster.
	NumSlaves uint32

	// MasterAddress is the local interface address the master uses for
	// IP_MULTICAST_IF. Slaves do not use it: they send to
	// SlaveGroupAddress on MasterPort.
	MasterAddress net.IP
	MasterPort    int

	// SlaveGroupAddress is the address the master sends to (and that
	// slaves bind/join as a multicast group, or treat as a broadcast
	// target).
	SlaveGroupAddress net.IP
	SlavePort         int

	Logger   *logging.Logger
	Observer Observer
}

// Multiplexer is one cluster node's endpoint: socket, pipe table, packet
// arena, and the background packet-handling goroutine.
type Multiplexer struct {
	role      Role
	nodeIndex uint32
	numSlaves uint32

	socket   Transport
	pipes    *pipetable.Table
	arena    *pool.Pool
	log      *logging.Logger
	observer Observer

	// sendMu serializes every datagram write; it is the innermost lock in
	// the hierarchy and is never held across a wait.
	sendMu sync.Mutex

	// fatal latches the first unrecoverable condition the packet-handling
	// goroutine observes. Receive failures and an exhausted ping budget
	// also end that goroutine; a FatalPacketLoss or a malformed data
	// header is latched while the goroutine keeps running. Inspect with
	// Err.
	fatal atomic.Pointer[Error]

	connMu    sync.Mutex
	connected bool
	connSig   *condvar.Cond

	stopping bool
	stopMu   sync.Mutex
	wg       sync.WaitGroup

	// Per-slave connection latch, master only. Guarded by connMu.
	slaveConnected []bool

	// Tunables, mirrored from internal/constants but mutable per-instance
	// via setters.
	connectionWaitTimeout  time.Duration
	pingTimeout            time.Duration
	maxPingRequests        int
	receiveWaitTimeout     time.Duration
	barrierWaitTimeout     time.Duration
	sendBufferSize         int
	masterMessageBurstSize int
	slaveMessageBurstSize  int
}

// New creates a node's Multiplexer, binds its socket, and starts the
// packet-handling goroutine. It does not block for connection; call
// WaitForConnection to synchronize with the rest of the cluster.
func New(cfg Config) (*Multiplexer, error) {
	if cfg.Role == RoleSlave && (cfg.NodeIndex < 1 || cfg.NodeIndex > cfg.NumSlaves) {
		return nil, NewError("New", KindInvalidRole, fmt.Sprintf("slave NodeIndex %d out of range [1,%d]", cfg.NodeIndex, cfg.NumSlaves))
	}

	var sock *transport.Socket
	var err error
	switch cfg.Role {
	case RoleMaster:
		sock, err = transport.New(transport.Config{
			LocalPort:        cfg.MasterPort,
			GroupAddress:     cfg.SlaveGroupAddress,
			PeerPort:         cfg.SlavePort,
			InterfaceAddress: cfg.MasterAddress,
		})
	case RoleSlave:
		sock, err = transport.New(transport.Config{
			LocalPort:    cfg.SlavePort,
			GroupAddress: cfg.SlaveGroupAddress,
			PeerPort:     cfg.MasterPort,
		})
	}
	if err != nil {
		return nil, WrapError("New", KindSocketSetupFailed, err)
	}

	return NewWithTransport(cfg, sock)
}

// NewWithTransport builds a Multiplexer around a caller-supplied
// Transport instead of a real socket, skipping New's own socket
// construction. It still validates cfg and starts the packet-handling
// goroutine. Production callers want New; this constructor exists for
// tests that substitute an in-memory fake.
func NewWithTransport(cfg Config, sock Transport) (*Multiplexer, error) {
	if cfg.Role == RoleSlave && (cfg.NodeIndex < 1 || cfg.NodeIndex > cfg.NumSlaves) {
		return nil, NewError("New", KindInvalidRole, fmt.Sprintf("slave NodeIndex %d out of range [1,%d]", cfg.NodeIndex, cfg.NumSlaves))
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	m := &Multiplexer{
		role:      cfg.Role,
		nodeIndex: cfg.NodeIndex,
		numSlaves: cfg.NumSlaves,
		socket:    sock,
		pipes:     pipetable.NewTable(),
		arena:     pool.New(),
		log:       log.With("role", cfg.Role.String()),
		observer:  obs,

		connectionWaitTimeout:  DefaultConnectionWaitTimeout,
		pingTimeout:            DefaultPingTimeout,
		maxPingRequests:        DefaultMaxPingRequests,
		receiveWaitTimeout:     DefaultReceiveWaitTimeout,
		barrierWaitTimeout:     DefaultBarrierWaitTimeout,
		sendBufferSize:         DefaultSendBufferSize,
		masterMessageBurstSize: DefaultMasterMessageBurstSize,
		slaveMessageBurstSize:  DefaultSlaveMessageBurstSize,
	}
	m.connSig = condvar.New(&m.connMu)
	if cfg.Role == RoleMaster {
		m.slaveConnected = make([]bool, cfg.NumSlaves)
	}

	m.wg.Add(1)
	switch cfg.Role {
	case RoleMaster:
		go m.runMasterLoop()
	case RoleSlave:
		go m.runSlaveLoop()
	}

	return m, nil
}

// Setters. Each mutates a tunable read only by the packet-handling
// goroutine and user-facing operations issued after this call returns;
// callers should configure a Multiplexer before its first pipe is
// opened.

func (m *Multiplexer) SetConnectionWaitTimeout(d time.Duration) { m.connectionWaitTimeout = d }
func (m *Multiplexer) SetPingTimeout(d time.Duration)           { m.pingTimeout = d }
func (m *Multiplexer) SetMaxPingRequests(n int)                 { m.maxPingRequests = n }
func (m *Multiplexer) SetReceiveWaitTimeout(d time.Duration)    { m.receiveWaitTimeout = d }
func (m *Multiplexer) SetBarrierWaitTimeout(d time.Duration)    { m.barrierWaitTimeout = d }
func (m *Multiplexer) SetSendBufferSize(n int)                  { m.sendBufferSize = n }
func (m *Multiplexer) SetMasterMessageBurstSize(n int)          { m.masterMessageBurstSize = n }
func (m *Multiplexer) SetSlaveMessageBurstSize(n int)           { m.slaveMessageBurstSize = n }

// WaitForConnection blocks until every node in the cluster has confirmed
// the connection handshake, or ctx is done.
func (m *Multiplexer) WaitForConnection(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	for !m.connected {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deadline := time.Now().Add(50 * time.Millisecond)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		m.connSig.WaitUntil(deadline)
	}
	return nil
}

func (m *Multiplexer) markConnected() {
	m.connMu.Lock()
	if !m.connected {
		m.connected = true
		m.log.Info("cluster connected")
	}
	m.connSig.Broadcast()
	m.connMu.Unlock()
}

func (m *Multiplexer) isConnected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connected
}

func (m *Multiplexer) isStopping() bool {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	return m.stopping
}

// Close stops the packet-handling goroutine and releases the socket.
// Pending user operations on any pipe are not unblocked automatically;
// callers must quiesce those before calling Close, exactly as spec.md's
// Concurrency & Resource Model requires.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.stopMu.Lock()
	m.stopping = true
	m.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.socket.Close()
}
