// Package transport owns the single raw UDP socket shared by data
// packets and control messages, including multicast/broadcast group
// setup and a select(2)-based timed receive.
//
// Mirrors the teacher's raw-fd syscall idiom (internal/queue/runner.go,
// internal/uring/minimal.go): a bare file descriptor, explicit errno
// checks, and golang.org/x/sys/unix rather than net.UDPConn, since the
// node needs IP_ADD_MEMBERSHIP/IP_MULTICAST_IF/SO_BROADCAST socket
// options net.ListenMulticastUDP does not expose uniformly.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Config describes the addresses a node's socket binds to.
type Config struct {
	// LocalPort is the UDP port this node listens on.
	LocalPort int

	// GroupAddress is the multicast or broadcast address traffic is sent
	// to and (for multicast) joined as a group member.
	GroupAddress net.IP

	// PeerPort is the UDP port component of the peer address used by
	// SendTo. It is independent of LocalPort: a master listens on its
	// own port but sends to the slaves' port, and vice versa.
	PeerPort int

	// InterfaceAddress is the local interface used for IP_MULTICAST_IF
	// when GroupAddress is multicast. Ignored for broadcast.
	InterfaceAddress net.IP
}

// IsMulticast reports whether ip falls in the class-D multicast range
// 224.0.0.0/4. The source computes this after converting the address to
// host byte order with ntohl and testing the resulting top byte; a Go
// net.IP is already stored address-octet-first regardless of host
// endianness, so testing ip[0] directly reproduces that same comparison
// without an explicit byte swap. See DESIGN.md for the full derivation.
func IsMulticast(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] >= 0xe0 && v4[0] < 0xf0
}

// Socket is a single UDP socket shared by one node for both sending and
// receiving data packets and control messages.
type Socket struct {
	fd       int
	peerAddr unix.SockaddrInet4
}

// New creates, binds, and configures a UDP socket per cfg. If
// cfg.GroupAddress is multicast, the socket joins the group and sets its
// outbound multicast interface; otherwise it enables SO_BROADCAST so
// sends to a broadcast address succeed.
func New(cfg Config) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: SO_REUSEADDR: %w", err)
	}

	bindAddr := &unix.SockaddrInet4{Port: cfg.LocalPort}
	if err := unix.Bind(fd, bindAddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind port %d: %w", cfg.LocalPort, err)
	}

	group := cfg.GroupAddress.To4()
	if group == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: group address %s is not IPv4", cfg.GroupAddress)
	}

	if IsMulticast(cfg.GroupAddress) {
		iface := cfg.InterfaceAddress.To4()
		if iface == nil {
			iface = net.IPv4zero.To4()
		}
		req := unix.IPMreq{}
		copy(req.Multiaddr[:], group)
		copy(req.Interface[:], iface)
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &req); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("transport: IP_ADD_MEMBERSHIP: %w", err)
		}
		if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, [4]byte(iface)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("transport: IP_MULTICAST_IF: %w", err)
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("transport: SO_BROADCAST: %w", err)
		}
	}

	peer := unix.SockaddrInet4{Port: cfg.PeerPort}
	copy(peer.Addr[:], group)

	return &Socket{fd: fd, peerAddr: peer}, nil
}

// SendTo writes buf as one datagram to the configured group/peer address.
func (s *Socket) SendTo(buf []byte) error {
	return unix.Sendto(s.fd, buf, 0, &s.peerAddr)
}

// RecvFrom blocks until a datagram is available or timeout elapses,
// whichever comes first, using select(2) to wait for readability without
// holding the socket across an unbounded blocking read. ok is false on
// timeout; err is non-nil only on a genuine I/O failure.
func (s *Socket) RecvFrom(buf []byte, timeout time.Duration) (n int, from unix.Sockaddr, ok bool, err error) {
	ready, err := s.waitReadable(timeout)
	if err != nil {
		return 0, nil, false, fmt.Errorf("transport: select: %w", err)
	}
	if !ready {
		return 0, nil, false, nil
	}

	n, from, err = unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, nil, false, fmt.Errorf("transport: recvfrom: %w", err)
	}
	return n, from, true, nil
}

func (s *Socket) waitReadable(timeout time.Duration) (bool, error) {
	var set unix.FdSet
	fdSet(&set, s.fd)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(s.fd+1, &set, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

// Close closes the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}
