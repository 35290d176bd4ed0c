// Package socket implements the file-descriptor-visible socket registry of a
// simulated node: dense fd allocation, bind conflict detection, and dispatch
// from fd to the transport object behind it (a stream connection or
// listener, a datagram mailbox, or a raw handler). It is the layer between
// the application-facing calls (socket/bind/listen/connect/close) and the
// per-protocol machinery in the tcp, udp and internet packages.
//
// Application-visible failures are errkind errors; the one-shot pending
// error slot each socket carries follows the same contract as a kernel's
// SO_ERROR: set once by the stack, cleared by TakeError.
package socket

import (
	"net/netip"

	"github.com/opennetlab/simnet/errkind"
)

// Domain is the socket address family.
type Domain uint8

const (
	DomainIPv4 Domain = iota + 1
	DomainIPv6
)

func (d Domain) String() string {
	switch d {
	case DomainIPv4:
		return "inet4"
	case DomainIPv6:
		return "inet6"
	}
	return "domain?"
}

// Type discriminates the three socket variants. Each variant has its own
// operation set; the fd-keyed API dispatches on this tag rather than on a
// type hierarchy.
type Type uint8

const (
	TypeStream Type = iota + 1
	TypeDatagram
	TypeRaw
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "stream"
	case TypeDatagram:
		return "datagram"
	case TypeRaw:
		return "raw"
	}
	return "type?"
}

// StreamOps is the capability set a stream transport must provide to be
// attached to a socket. *tcp.Endpoint and the internet package's
// connection/listener adapters satisfy it structurally; the socket table
// never imports them.
type StreamOps interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	BufferedInput() int
	BufferedUnsent() int
}

// DatagramOps is the capability set of a datagram mailbox.
type DatagramOps interface {
	// SendTo queues one datagram for dst.
	SendTo(dst netip.AddrPort, payload []byte) error
	// RecvFrom pops the oldest queued datagram, ok=false when empty.
	RecvFrom(b []byte) (n int, src netip.AddrPort, ok bool)
	Close() error
}

// RawOps is the capability set of a raw-IP handler.
type RawOps interface {
	// SendIP queues one IP payload for dst with the given protocol number.
	SendIP(dst netip.Addr, proto uint8, payload []byte) error
	// RecvIP pops the oldest captured IP payload, ok=false when empty.
	RecvIP(b []byte) (n int, src netip.Addr, ok bool)
	Close() error
}

// Socket is one fd's worth of state. All fields are managed through Table;
// the struct is exported for introspection only.
type Socket struct {
	fd     FD
	domain Domain
	typ    Type

	local netip.AddrPort // zero addr means bound to the wildcard address.
	peer  netip.AddrPort
	iface string // interface binding, empty for any.

	reuseAddr bool
	reusePort bool
	broadcast bool
	noDelay   bool
	ttl       uint8

	// pending is the one-shot error slot; an error is surfaced exactly once.
	pending *errkind.Error

	recvQ int
	sendQ int

	stream StreamOps
	dgram  DatagramOps
	raw    RawOps

	refs   int // open handles; the fd is not reusable while refs > 0.
	closed bool
}

// FD identifies an open socket within one node's Table. Valid fds are
// small non-negative integers; InvalidFD is returned on allocation failure.
type FD int

const InvalidFD FD = -1

func (s *Socket) FD() FD                    { return s.fd }
func (s *Socket) Domain() Domain            { return s.domain }
func (s *Socket) Type() Type                { return s.typ }
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }
func (s *Socket) PeerAddr() netip.AddrPort  { return s.peer }
func (s *Socket) Interface() string         { return s.iface }
func (s *Socket) TTL() uint8                { return s.ttl }
func (s *Socket) NoDelay() bool             { return s.noDelay }
func (s *Socket) Broadcast() bool           { return s.broadcast }

// RecvQ reports bytes queued for the application to read, for ss-style
// introspection. Stream sockets answer from their transport; others from
// the counter maintained by AddRecvQ.
func (s *Socket) RecvQ() int {
	if s.stream != nil {
		return s.stream.BufferedInput()
	}
	return s.recvQ
}

// SendQ reports bytes queued but not yet acknowledged/sent.
func (s *Socket) SendQ() int {
	if s.stream != nil {
		return s.stream.BufferedUnsent()
	}
	return s.sendQ
}
