package mpipe

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FakeNetwork is an in-memory, lossy, ordered-per-sender broadcast
// medium shared by every FakeTransport attached to it. It stands in
// for the UDP multicast/broadcast group real nodes share, without
// opening real sockets, so tests can inject deterministic packet loss
// and run many times faster than a real-socket loopback test.
//
// Grounded on the teacher's own construction-time mock injection
// (testing.go's MockBackend, now adapted here into mpipe's domain):
// a small in-memory stand-in for the real I/O surface, swapped in via
// NewWithTransport instead of New.
type FakeNetwork struct {
	mu       sync.Mutex
	peers    []*FakeTransport
	dropFunc func(from int, datagram []byte) bool
}

// NewFakeNetwork returns an empty FakeNetwork. Every datagram a
// member FakeTransport sends is delivered to every other member,
// unless dropFunc returns true for it; dropFunc may be nil to drop
// nothing.
func NewFakeNetwork(dropFunc func(from int, datagram []byte) bool) *FakeNetwork {
	return &FakeNetwork{dropFunc: dropFunc}
}

// NewTransport attaches a new member to the network, identified by
// index for dropFunc's benefit (0 is conventionally the master).
func (n *FakeNetwork) NewTransport(index int) *FakeTransport {
	t := &FakeTransport{net: n, index: index, inbox: make(chan []byte, 4096)}
	n.mu.Lock()
	n.peers = append(n.peers, t)
	n.mu.Unlock()
	return t
}

func (n *FakeNetwork) broadcast(from int, datagram []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dropFunc != nil && n.dropFunc(from, datagram) {
		return
	}
	cp := append([]byte(nil), datagram...)
	for _, peer := range n.peers {
		if peer.index == from {
			continue
		}
		select {
		case peer.inbox <- cp:
		default:
			// Inbox full: treat like a dropped datagram rather than
			// blocking the sender, matching real UDP's behavior under
			// receiver backpressure.
		}
	}
}

// FakeTransport implements Transport against a FakeNetwork instead of
// a real socket.
type FakeTransport struct {
	net    *FakeNetwork
	index  int
	inbox  chan []byte
	closed bool
	mu     sync.Mutex
}

func (t *FakeTransport) SendTo(buf []byte) error {
	t.net.broadcast(t.index, buf)
	return nil
}

func (t *FakeTransport) RecvFrom(buf []byte, timeout time.Duration) (int, unix.Sockaddr, bool, error) {
	select {
	case datagram := <-t.inbox:
		n := copy(buf, datagram)
		return n, nil, true, nil
	case <-time.After(timeout):
		return 0, nil, false, nil
	}
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
