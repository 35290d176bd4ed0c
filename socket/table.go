package socket

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/opennetlab/simnet/errkind"
)

// RouteFunc answers "which local address would this node use to reach dst".
// The table calls it during Connect when the socket has not been bound to a
// concrete local address yet. It is the same function-value seam the
// internet package uses for ARP resolution: the table never imports the
// routing package, the node wires the two together.
type RouteFunc func(dst netip.Addr) (src netip.Addr, err error)

// LocalAddrFunc reports whether addr is assigned to one of the node's
// interfaces. Binding to an address that is not local fails with
// AddrNotAvailable.
type LocalAddrFunc func(addr netip.Addr) bool

// Table is a node's fd-indexed socket registry. File descriptors are dense
// small integers allocated monotonically; a closed fd becomes reusable only
// once every handle to it has been released. The zero value must be Reset
// before use.
type Table struct {
	sockets []Socket
	free    []FD // released slots available for reallocation.
	maxFDs  int

	route      RouteFunc
	localAddr  LocalAddrFunc
	log        *slog.Logger
}

// TableConfig bounds a Table.
type TableConfig struct {
	// MaxSockets caps concurrently open fds. Zero means a default of 128.
	MaxSockets int
}

const defaultMaxSockets = 128

// Reset discards all sockets and reconfigures the table.
func (t *Table) Reset(cfg TableConfig) error {
	maxFDs := cfg.MaxSockets
	if maxFDs == 0 {
		maxFDs = defaultMaxSockets
	} else if maxFDs < 0 {
		return errkind.New("socket.Table.Reset", errkind.InvalidInput)
	}
	*t = Table{
		sockets:   t.sockets[:0],
		free:      t.free[:0],
		maxFDs:    maxFDs,
		route:     t.route,
		localAddr: t.localAddr,
		log:       t.log,
	}
	return nil
}

// SetLogger attaches a structured logger used for socket lifecycle tracing.
func (t *Table) SetLogger(log *slog.Logger) { t.log = log }

// SetRouter installs the local-source lookup used by Connect.
func (t *Table) SetRouter(route RouteFunc) { t.route = route }

// SetLocalAddrCheck installs the is-this-address-ours predicate used by Bind.
func (t *Table) SetLocalAddrCheck(f LocalAddrFunc) { t.localAddr = f }

// Open allocates a new socket of the given domain and type and returns its
// fd. The socket starts unbound with a TTL of 64.
func (t *Table) Open(domain Domain, typ Type) (FD, error) {
	if domain != DomainIPv4 && domain != DomainIPv6 {
		return InvalidFD, errkind.New("socket", errkind.InvalidInput)
	}
	switch typ {
	case TypeStream, TypeDatagram, TypeRaw:
	default:
		return InvalidFD, errkind.New("socket", errkind.InvalidInput)
	}
	fd := t.allocFD()
	if fd == InvalidFD {
		return InvalidFD, errkind.New("socket", errkind.BufferFull)
	}
	s := &t.sockets[fd]
	*s = Socket{fd: fd, domain: domain, typ: typ, ttl: 64, refs: 1}
	t.debug("socket:open", slog.Int("fd", int(fd)), slog.String("type", typ.String()))
	return fd, nil
}

func (t *Table) allocFD() FD {
	if len(t.free) > 0 {
		fd := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		return fd
	}
	if len(t.sockets) >= t.maxFDs {
		return InvalidFD
	}
	t.sockets = append(t.sockets, Socket{})
	return FD(len(t.sockets) - 1)
}

// Get returns the socket behind fd for introspection.
func (t *Table) Get(fd FD) (*Socket, error) {
	if int(fd) < 0 || int(fd) >= len(t.sockets) {
		return nil, errkind.New("socket", errkind.InvalidInput)
	}
	s := &t.sockets[fd]
	if s.closed || s.refs == 0 {
		return nil, errkind.New("socket", errkind.Closed)
	}
	return s, nil
}

// Bind assigns a local address to fd. An address of the zero (unspecified)
// value with a non-zero port binds the port on all local addresses. A
// concrete address must be assigned to one of the node's interfaces or Bind
// fails with AddrNotAvailable. Binding an endpoint another socket already
// holds fails with AddrInUse unless both sockets set reuseaddr (rebinding
// the exact endpoint) or reuseport (sharing it live).
func (t *Table) Bind(fd FD, addr netip.AddrPort) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	if s.local.Port() != 0 {
		return errkind.New("bind", errkind.InvalidInput) // already bound
	}
	if addr.Addr().IsValid() && !addr.Addr().IsUnspecified() {
		if t.localAddr != nil && !t.localAddr(addr.Addr()) {
			return errkind.New("bind", errkind.AddrNotAvailable)
		}
	}
	for i := range t.sockets {
		o := &t.sockets[i]
		if o.closed || o.refs == 0 || o.fd == fd || o.local.Port() != addr.Port() {
			continue
		}
		if !bindConflict(o.local.Addr(), addr.Addr()) {
			continue
		}
		if s.reusePort && o.reusePort {
			continue
		}
		if s.reuseAddr && o.reuseAddr {
			continue
		}
		return errkind.New("bind", errkind.AddrInUse)
	}
	s.local = addr
	t.debug("socket:bind", slog.Int("fd", int(fd)), slog.String("addr", addr.String()))
	return nil
}

// bindConflict reports whether two bound addresses on the same port collide:
// equal concrete addresses do, and the wildcard collides with everything.
func bindConflict(a, b netip.Addr) bool {
	aWild := !a.IsValid() || a.IsUnspecified()
	bWild := !b.IsValid() || b.IsUnspecified()
	if aWild || bWild {
		return true
	}
	return a == b
}

// Connect records the peer address on fd, choosing a local source address
// through the routing hook when the socket is not yet bound. The transport
// handshake itself is driven by the attached stream/datagram object; Connect
// only resolves addressing.
func (t *Table) Connect(fd FD, peer netip.AddrPort) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	if !peer.Addr().IsValid() || peer.Port() == 0 {
		return errkind.New("connect", errkind.InvalidInput)
	}
	if !s.local.Addr().IsValid() || s.local.Addr().IsUnspecified() {
		if t.route == nil {
			return errkind.New("connect", errkind.NoRoute)
		}
		src, err := t.route(peer.Addr())
		if err != nil {
			return err
		}
		s.local = netip.AddrPortFrom(src, s.local.Port())
	}
	s.peer = peer
	t.debug("socket:connect", slog.Int("fd", int(fd)), slog.String("peer", peer.String()))
	return nil
}

// AdoptBinding records the local and peer endpoints of a connection created
// by a listener's accept path. It bypasses bind conflict checks: the local
// binding is inherited from the listening socket, which legitimately shares
// it with every connection it accepts.
func (t *Table) AdoptBinding(fd FD, local, peer netip.AddrPort) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	s.local = local
	s.peer = peer
	return nil
}

// AttachStream binds a stream transport to fd. Fails on non-stream sockets.
func (t *Table) AttachStream(fd FD, ops StreamOps) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	if s.typ != TypeStream {
		return errkind.New("socket", errkind.InvalidInput)
	}
	s.stream = ops
	return nil
}

// AttachDatagram binds a datagram mailbox to fd.
func (t *Table) AttachDatagram(fd FD, ops DatagramOps) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	if s.typ != TypeDatagram {
		return errkind.New("socket", errkind.InvalidInput)
	}
	s.dgram = ops
	return nil
}

// AttachRaw binds a raw-IP handler to fd.
func (t *Table) AttachRaw(fd FD, ops RawOps) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	if s.typ != TypeRaw {
		return errkind.New("socket", errkind.InvalidInput)
	}
	s.raw = ops
	return nil
}

// Stream returns fd's stream operations, failing with NotConnected when no
// transport has been attached yet.
func (t *Table) Stream(fd FD) (StreamOps, error) {
	s, err := t.Get(fd)
	if err != nil {
		return nil, err
	}
	if s.typ != TypeStream {
		return nil, errkind.New("socket", errkind.InvalidInput)
	}
	if s.stream == nil {
		return nil, errkind.New("socket", errkind.NotConnected)
	}
	return s.stream, nil
}

// Datagram returns fd's datagram operations.
func (t *Table) Datagram(fd FD) (DatagramOps, error) {
	s, err := t.Get(fd)
	if err != nil {
		return nil, err
	}
	if s.typ != TypeDatagram {
		return nil, errkind.New("socket", errkind.InvalidInput)
	}
	if s.dgram == nil {
		return nil, errkind.New("socket", errkind.NotConnected)
	}
	return s.dgram, nil
}

// Raw returns fd's raw-IP operations.
func (t *Table) Raw(fd FD) (RawOps, error) {
	s, err := t.Get(fd)
	if err != nil {
		return nil, err
	}
	if s.typ != TypeRaw {
		return nil, errkind.New("socket", errkind.InvalidInput)
	}
	if s.raw == nil {
		return nil, errkind.New("socket", errkind.NotConnected)
	}
	return s.raw, nil
}

// Retain adds a handle reference to fd so that Close does not release the
// slot until every holder is done with it. Used by listeners handing a
// child connection's fd to the application while still tracking it.
func (t *Table) Retain(fd FD) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	s.refs++
	return nil
}

// Close drops one handle reference to fd, closing the underlying transport
// when the last one goes. The fd number only becomes reusable once fully
// released, so a stale handle can never alias a new socket.
func (t *Table) Close(fd FD) error {
	if int(fd) < 0 || int(fd) >= len(t.sockets) {
		return errkind.New("close", errkind.InvalidInput)
	}
	s := &t.sockets[fd]
	if s.refs == 0 {
		return errkind.New("close", errkind.Closed)
	}
	s.refs--
	if s.refs > 0 {
		s.closed = true // no new operations; slot lives until released.
		return nil
	}
	var err error
	switch {
	case s.stream != nil:
		err = s.stream.Close()
	case s.dgram != nil:
		err = s.dgram.Close()
	case s.raw != nil:
		err = s.raw.Close()
	}
	t.debug("socket:close", slog.Int("fd", int(fd)))
	*s = Socket{fd: fd}
	t.free = append(t.free, fd)
	return err
}

// SetPendingError stores a one-shot error on fd, overwriting nothing: the
// first error wins until the application consumes it.
func (t *Table) SetPendingError(fd FD, kind errkind.Kind) {
	s, err := t.Get(fd)
	if err != nil {
		return
	}
	if s.pending == nil {
		s.pending = errkind.New("async", kind)
	}
}

// TakeError returns and clears fd's pending error slot. A nil return means
// no error was pending.
func (t *Table) TakeError(fd FD) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	p := s.pending
	s.pending = nil
	if p == nil {
		return nil
	}
	return p
}

// Option setters mirror the usual setsockopt surface.

func (t *Table) SetReuseAddr(fd FD, on bool) error { return t.setOpt(fd, func(s *Socket) { s.reuseAddr = on }) }
func (t *Table) SetReusePort(fd FD, on bool) error { return t.setOpt(fd, func(s *Socket) { s.reusePort = on }) }
func (t *Table) SetBroadcast(fd FD, on bool) error { return t.setOpt(fd, func(s *Socket) { s.broadcast = on }) }
func (t *Table) SetNoDelay(fd FD, on bool) error   { return t.setOpt(fd, func(s *Socket) { s.noDelay = on }) }
func (t *Table) SetTTL(fd FD, ttl uint8) error     { return t.setOpt(fd, func(s *Socket) { s.ttl = ttl }) }

// BindInterface restricts fd's traffic to the named interface.
func (t *Table) BindInterface(fd FD, iface string) error {
	return t.setOpt(fd, func(s *Socket) { s.iface = iface })
}

func (t *Table) setOpt(fd FD, apply func(*Socket)) error {
	s, err := t.Get(fd)
	if err != nil {
		return err
	}
	apply(s)
	return nil
}

// AddRecvQ adjusts the introspection counter for non-stream sockets.
func (t *Table) AddRecvQ(fd FD, delta int) {
	if s, err := t.Get(fd); err == nil {
		s.recvQ += delta
	}
}

// AddSendQ adjusts the introspection counter for non-stream sockets.
func (t *Table) AddSendQ(fd FD, delta int) {
	if s, err := t.Get(fd); err == nil {
		s.sendQ += delta
	}
}

// OpenCount reports currently open (not fully released) sockets.
func (t *Table) OpenCount() int {
	n := 0
	for i := range t.sockets {
		if t.sockets[i].refs > 0 {
			n++
		}
	}
	return n
}

func (t *Table) debug(msg string, attrs ...slog.Attr) {
	if t.log != nil {
		t.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
