// Package ioctx assembles the per-node I/O context: the fd-indexed socket
// table wired to the TCP endpoints, listeners and datagram mailboxes
// behind each descriptor, plus the routing table, initial-sequence-number
// generator, stateless RST queue and simulated clock one host shares. It
// is the layer an application's socket/bind/listen/accept/connect/send/
// recv calls land on; the wire side is two cooperative hooks, PollEgress
// and Ingress, that the owning node's event loop connects to its IP and
// link layers (or, in tests, directly to a peer context).
//
// Each node has exactly one Context and nothing here is shared between
// nodes; all methods assume the single-threaded cooperative scheduling the
// rest of the stack is built around.
package ioctx

import (
	"bytes"
	"errors"
	"io"
	"math"
	"net"
	"net/netip"

	"github.com/opennetlab/simnet"
	"github.com/opennetlab/simnet/config"
	"github.com/opennetlab/simnet/errkind"
	"github.com/opennetlab/simnet/route"
	"github.com/opennetlab/simnet/simclock"
	"github.com/opennetlab/simnet/socket"
	"github.com/opennetlab/simnet/tcp"
	"github.com/opennetlab/simnet/udp"
)

// Config assembles a Context programmatically. NewFromConfig builds one
// from a YAML-loaded config.NodeConfig instead.
type Config struct {
	// LocalAddr is the node's interface address.
	LocalAddr netip.Addr
	// Prefix, when valid, installs a connected (on-link) route for the
	// interface's subnet.
	Prefix netip.Prefix
	// Routes are additional static routes beyond the connected one.
	Routes []route.Entry
	// Clock drives TCP retransmission and RTT sampling. Nil falls back to
	// the wall clock, which is adequate outside deterministic tests.
	Clock simclock.Clock
	// TCP supplies per-connection defaults; the zero value means
	// config.DefaultTCP.
	TCP config.TCPDefaults
	// MaxSockets caps concurrently open fds; zero uses the table default.
	MaxSockets int
	// Entropy seeds the ISS generator. Nil uses a fixed pattern, adequate
	// for simulations that do not model off-path attackers.
	Entropy io.Reader
}

// Context is one simulated host's socket layer.
type Context struct {
	cfg   config.TCPDefaults
	clock simclock.Clock
	local netip.Addr

	table  socket.Table
	routes route.Table
	iss    tcp.ISSGenerator
	rst    tcp.RSTQueue

	streams   map[socket.FD]*tcp.Endpoint
	listeners map[socket.FD]*listener
	mailboxes map[socket.FD]*mailbox
	// draining holds connections whose descriptor is already released but
	// whose FIN exchange is still in flight, so a reused fd can never
	// alias a half-dead connection.
	draining []*tcp.Endpoint

	nextEph uint16
}

// listener pairs a tcp.Listener with its owning context and doubles as the
// endpoint pool handshake children are allocated from.
type listener struct {
	ctx *Context
	ln  tcp.Listener
}

func (l *listener) GetTCP() (*tcp.Endpoint, tcp.Value) {
	ep, err := l.ctx.newEndpoint()
	if err != nil {
		return nil, 0
	}
	l.ctx.iss.Tick()
	return ep, l.ctx.iss.Generate(addrBytes(l.ctx.local), nil, l.ln.LocalPort(), 0)
}

func (l *listener) PutTCP(*tcp.Endpoint) {}

// fixedEntropy is the deterministic fallback seed source used when the
// caller supplies none.
type fixedEntropy struct{}

func (fixedEntropy) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x5A
	}
	return len(p), nil
}

// New returns a ready Context for a node at cfg.LocalAddr.
func New(cfg Config) (*Context, error) {
	if !cfg.LocalAddr.IsValid() {
		return nil, errkind.New("ioctx.New", errkind.AddrNotAvailable)
	}
	tcpd := cfg.TCP
	if tcpd == (config.TCPDefaults{}) {
		tcpd = config.DefaultTCP()
	}
	c := &Context{
		cfg:       tcpd,
		clock:     cfg.Clock,
		local:     cfg.LocalAddr,
		streams:   make(map[socket.FD]*tcp.Endpoint),
		listeners: make(map[socket.FD]*listener),
		mailboxes: make(map[socket.FD]*mailbox),
		nextEph:   49152,
	}
	if err := c.table.Reset(socket.TableConfig{MaxSockets: cfg.MaxSockets}); err != nil {
		return nil, err
	}
	c.table.SetLocalAddrCheck(func(a netip.Addr) bool { return a == c.local })
	c.table.SetRouter(func(dst netip.Addr) (netip.Addr, error) {
		_, _, src, err := c.routes.Lookup(dst)
		if err != nil {
			return netip.Addr{}, err
		}
		if src.IsValid() {
			return src, nil
		}
		return c.local, nil
	})
	if cfg.Prefix.IsValid() {
		c.routes.Add(route.Entry{Prefix: cfg.Prefix.Masked()})
	}
	for _, e := range cfg.Routes {
		c.routes.Add(e)
	}
	entropy := cfg.Entropy
	if entropy == nil {
		entropy = fixedEntropy{}
	}
	if err := c.iss.Reset(entropy); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromConfig assembles a Context from a YAML-loaded node description,
// the consuming end of config.LoadNode.
func NewFromConfig(nc config.NodeConfig, clk simclock.Clock) (*Context, error) {
	if err := nc.Validate(); err != nil {
		return nil, err
	}
	pfx, err := netip.ParsePrefix(nc.Interface.Address)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		LocalAddr: pfx.Addr(),
		Prefix:    pfx,
		Clock:     clk,
		TCP:       nc.TCP,
	}
	for _, rt := range nc.Routes {
		p, err := netip.ParsePrefix(rt.Destination)
		if err != nil {
			return nil, err
		}
		var nh netip.Addr
		if rt.NextHop != "" {
			if nh, err = netip.ParseAddr(rt.NextHop); err != nil {
				return nil, err
			}
		}
		cfg.Routes = append(cfg.Routes, route.Entry{Prefix: p, NextHop: nh, Interface: rt.Interface})
	}
	return New(cfg)
}

// LocalAddr returns the node's interface address.
func (c *Context) LocalAddr() netip.Addr { return c.local }

//
// Application surface.
//

// Socket allocates a descriptor of the given domain and type. Datagram
// sockets get their mailbox transport immediately; stream sockets get an
// endpoint at Connect, or per accepted connection via a Listener.
func (c *Context) Socket(domain socket.Domain, typ socket.Type) (socket.FD, error) {
	fd, err := c.table.Open(domain, typ)
	if err != nil {
		return socket.InvalidFD, err
	}
	if typ == socket.TypeDatagram {
		m := &mailbox{ctx: c, fd: fd}
		if err := c.table.AttachDatagram(fd, m); err != nil {
			c.table.Close(fd)
			return socket.InvalidFD, err
		}
		c.mailboxes[fd] = m
	}
	return fd, nil
}

// Bind assigns fd's local endpoint.
func (c *Context) Bind(fd socket.FD, addr netip.AddrPort) error {
	return c.table.Bind(fd, addr)
}

// Listen begins accepting connections on fd's bound port. backlog <= 0
// uses the configured default.
func (c *Context) Listen(fd socket.FD, backlog int) error {
	s, err := c.table.Get(fd)
	if err != nil {
		return err
	}
	if s.Type() != socket.TypeStream || c.listeners[fd] != nil || c.streams[fd] != nil {
		return errkind.New("listen", errkind.InvalidInput)
	}
	port := s.LocalAddr().Port()
	if port == 0 {
		return errkind.New("listen", errkind.InvalidInput)
	}
	if backlog <= 0 {
		backlog = c.cfg.ListenBacklog
	}
	l := &listener{ctx: c}
	if err := l.ln.Reset(port, backlog, l); err != nil {
		return err
	}
	c.listeners[fd] = l
	return nil
}

// Accept removes the oldest fully-established connection from fd's accept
// queue, returning its new descriptor and the peer address. When the queue
// is empty it fails with WouldBlock; cooperative callers retry after the
// next event-loop tick.
func (c *Context) Accept(fd socket.FD) (socket.FD, netip.AddrPort, error) {
	l := c.listeners[fd]
	if l == nil {
		return socket.InvalidFD, netip.AddrPort{}, errkind.New("accept", errkind.InvalidInput)
	}
	ep, err := l.ln.TryAccept()
	if err != nil {
		return socket.InvalidFD, netip.AddrPort{}, errkind.New("accept", errkind.WouldBlock)
	}
	s, err := c.table.Get(fd)
	if err != nil {
		return socket.InvalidFD, netip.AddrPort{}, err
	}
	newFD, err := c.table.Open(s.Domain(), socket.TypeStream)
	if err != nil {
		return socket.InvalidFD, netip.AddrPort{}, err
	}
	if err := c.table.AttachStream(newFD, ep); err != nil {
		c.table.Close(newFD)
		return socket.InvalidFD, netip.AddrPort{}, err
	}
	peer := netip.AddrPortFrom(addrFromBytes(ep.RemoteAddr()), ep.RemotePort())
	c.table.AdoptBinding(newFD, netip.AddrPortFrom(c.local, l.ln.LocalPort()), peer)
	l.ln.Detach(ep) // the context drives the connection from here on.
	c.streams[newFD] = ep
	return newFD, peer, nil
}

// Connect initiates fd's connection to peer. For stream sockets this
// resolves the local source through routing, binds an ephemeral port when
// none is bound yet, and starts the handshake; completion (or refusal) is
// observed through Send/Recv readiness and TakeError. For datagram sockets
// it only records the default peer.
func (c *Context) Connect(fd socket.FD, peer netip.AddrPort) error {
	s, err := c.table.Get(fd)
	if err != nil {
		return err
	}
	if s.Type() == socket.TypeStream && (c.streams[fd] != nil || c.listeners[fd] != nil) {
		return errkind.New("connect", errkind.InvalidInput)
	}
	if err := c.table.Connect(fd, peer); err != nil {
		return err
	}
	if s.Type() != socket.TypeStream {
		return nil
	}
	if err := c.ensureBound(fd); err != nil {
		return err
	}
	ep, err := c.newEndpoint()
	if err != nil {
		return err
	}
	lport := s.LocalAddr().Port()
	c.iss.Tick()
	iss := c.iss.Generate(addrBytes(s.LocalAddr().Addr()), addrBytes(peer.Addr()), lport, peer.Port())
	if err := ep.OpenActive(lport, peer.Port(), addrBytes(peer.Addr()), iss); err != nil {
		return err
	}
	if err := c.table.AttachStream(fd, ep); err != nil {
		return err
	}
	c.streams[fd] = ep
	return nil
}

// Send queues b on a connected stream socket. Like the rest of the
// cooperative surface it never blocks: a full send buffer accepts a prefix
// of b (possibly none) and the caller resumes after the next tick.
func (c *Context) Send(fd socket.FD, b []byte) (int, error) {
	ops, err := c.table.Stream(fd)
	if err != nil {
		return 0, err
	}
	n, err := ops.Write(b)
	if err != nil {
		return n, errkind.New("send", errkind.BrokenPipe)
	}
	return n, nil
}

// Recv copies buffered in-order data from a stream socket. A stream whose
// peer has closed reads as n==0 with a nil error once drained.
func (c *Context) Recv(fd socket.FD, b []byte) (int, error) {
	ops, err := c.table.Stream(fd)
	if err != nil {
		return 0, err
	}
	n, err := ops.Read(b)
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return n, nil // end of stream reads as zero bytes, not an error.
	}
	return n, err
}

// SendTo queues one datagram for dst on a datagram socket, binding an
// ephemeral local port first if none is bound.
func (c *Context) SendTo(fd socket.FD, dst netip.AddrPort, payload []byte) error {
	d, err := c.table.Datagram(fd)
	if err != nil {
		return err
	}
	return d.SendTo(dst, payload)
}

// RecvFrom pops the oldest queued datagram, failing with WouldBlock when
// none is queued.
func (c *Context) RecvFrom(fd socket.FD, b []byte) (int, netip.AddrPort, error) {
	d, err := c.table.Datagram(fd)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, src, ok := d.RecvFrom(b)
	if !ok {
		return 0, netip.AddrPort{}, errkind.New("recvfrom", errkind.WouldBlock)
	}
	return n, src, nil
}

// TakeError returns and clears fd's one-shot pending error.
func (c *Context) TakeError(fd socket.FD) error { return c.table.TakeError(fd) }

// Close releases fd. Stream connections begin their graceful FIN exchange;
// a closing listener aborts its not-yet-accepted connections with a RST to
// each known peer, while connections already accepted live on.
func (c *Context) Close(fd socket.FD) error {
	if l, ok := c.listeners[fd]; ok {
		l.ln.AbortPending(&c.rst)
		l.ln.Close()
		delete(c.listeners, fd)
	}
	if ep, ok := c.streams[fd]; ok {
		delete(c.streams, fd)
		c.draining = append(c.draining, ep)
	}
	err := c.table.Close(fd)
	if errors.Is(err, net.ErrClosed) {
		err = nil // transport already fully torn down; the fd still releases.
	}
	if m, ok := c.mailboxes[fd]; ok && m.closed {
		delete(c.mailboxes, fd)
	}
	return err
}

// Socket option and introspection delegates.

func (c *Context) SetTTL(fd socket.FD, ttl uint8) error { return c.table.SetTTL(fd, ttl) }
func (c *Context) SetReuseAddr(fd socket.FD, on bool) error { return c.table.SetReuseAddr(fd, on) }
func (c *Context) SetReusePort(fd socket.FD, on bool) error { return c.table.SetReusePort(fd, on) }
func (c *Context) SetBroadcast(fd socket.FD, on bool) error { return c.table.SetBroadcast(fd, on) }
func (c *Context) SetNoDelay(fd socket.FD, on bool) error { return c.table.SetNoDelay(fd, on) }

// SocketAddr reports fd's bound local and connected peer endpoints.
func (c *Context) SocketAddr(fd socket.FD) (local, peer netip.AddrPort, err error) {
	s, err := c.table.Get(fd)
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, err
	}
	return s.LocalAddr(), s.PeerAddr(), nil
}

//
// Wire surface, driven by the owning node's event loop.
//

// PollEgress writes the next pending outbound transport frame into b and
// reports its destination address and IP protocol. n==0 means the node has
// nothing to transmit right now.
func (c *Context) PollEgress(b []byte) (n int, dst netip.Addr, proto simnet.IPProto, err error) {
	for fd, ep := range c.streams {
		if ep.State().IsClosed() && len(ep.RemoteAddr()) == 0 {
			delete(c.streams, fd) // fully torn down; nothing left to pump.
			continue
		}
		n, err = ep.Encapsulate(b)
		if err == tcp.ErrConnectTimeout {
			c.table.SetPendingError(fd, errkind.TimedOut)
			continue
		}
		if err != nil && err != io.EOF {
			continue // a wedged endpoint must not stall the whole node.
		}
		if n > 0 {
			return n, addrFromBytes(ep.RemoteAddr()), simnet.IPProtoTCP, nil
		}
	}
	for i := 0; i < len(c.draining); i++ {
		ep := c.draining[i]
		if ep.State().IsClosed() && len(ep.RemoteAddr()) == 0 {
			c.draining = append(c.draining[:i], c.draining[i+1:]...)
			i--
			continue
		}
		n, err = ep.Encapsulate(b)
		if err != nil && err != io.EOF {
			continue
		}
		if n > 0 {
			return n, addrFromBytes(ep.RemoteAddr()), simnet.IPProtoTCP, nil
		}
	}
	for _, l := range c.listeners {
		n, err = l.ln.Encapsulate(b)
		if err != nil {
			continue
		}
		if n > 0 {
			return n, addrFromBytes(l.ln.LastRemoteAddr()), simnet.IPProtoTCP, nil
		}
	}
	if raddr, rport, lport, seg, ok := c.rst.Drain(); ok {
		frm, ferr := tcp.NewFrame(b)
		if ferr != nil {
			return 0, netip.Addr{}, 0, ferr
		}
		frm.SetSourcePort(lport)
		frm.SetDestinationPort(rport)
		frm.SetSegment(seg, 5)
		frm.SetUrgentPtr(0)
		return 20, addrFromBytes(raddr), simnet.IPProtoTCP, nil
	}
	for fd, m := range c.mailboxes {
		if len(m.out) == 0 {
			continue
		}
		d := m.out[0]
		m.out = m.out[1:]
		n, err = encodeDatagram(b, c.boundPort(fd), d)
		if err != nil {
			continue
		}
		c.table.AddSendQ(fd, -len(d.payload))
		return n, d.addr.Addr(), simnet.IPProtoUDP, nil
	}
	return 0, netip.Addr{}, 0, nil
}

// Ingress delivers one transport frame arriving from src. Protocol-level
// anomalies are handled here (dropped, answered with a RST where the
// closed-port policy calls for one) and never surface to the application
// except through a socket's pending-error slot.
func (c *Context) Ingress(src netip.Addr, proto simnet.IPProto, frame []byte) error {
	switch proto {
	case simnet.IPProtoTCP:
		return c.ingressTCP(src, frame)
	case simnet.IPProtoUDP:
		return c.ingressUDP(src, frame)
	}
	return errkind.New("ingress", errkind.InvalidInput)
}

func (c *Context) ingressTCP(src netip.Addr, frame []byte) error {
	frm, err := tcp.NewFrame(frame)
	if err != nil {
		return err
	}
	if err := frm.ValidateSize(); err != nil {
		return err
	}
	srcBytes := addrBytes(src)
	sp, dp := frm.SourcePort(), frm.DestinationPort()
	for fd, ep := range c.streams {
		if ep.LocalPort() != dp {
			continue
		}
		if ep.RemotePort() != 0 && ep.RemotePort() != sp {
			continue
		}
		if len(ep.RemoteAddr()) > 0 && !bytes.Equal(ep.RemoteAddr(), srcBytes) {
			continue
		}
		err := ep.Demux(srcBytes, frame)
		if errors.Is(err, tcp.ErrConnectionRefused) {
			c.table.SetPendingError(fd, errkind.ConnectionRefused)
			delete(c.streams, fd)
			return nil
		}
		if ep.State() == tcp.StateClosed {
			// Teardown complete (or reset): stop driving the endpoint so
			// its recycled state cannot emit anything spurious.
			if _, flags := frm.OffsetAndFlags(); flags.HasAny(tcp.FlagRST) {
				c.table.SetPendingError(fd, errkind.ConnectionReset)
			}
			delete(c.streams, fd)
		}
		return nil // anomalies beyond the above are dropped locally.
	}
	for i, ep := range c.draining {
		if ep.LocalPort() != dp || ep.RemotePort() != sp || !bytes.Equal(ep.RemoteAddr(), srcBytes) {
			continue
		}
		ep.Demux(srcBytes, frame)
		if ep.State() == tcp.StateClosed {
			c.draining = append(c.draining[:i], c.draining[i+1:]...)
		}
		return nil
	}
	for _, l := range c.listeners {
		if l.ln.LocalPort() != dp {
			continue
		}
		l.ln.Demux(srcBytes, frame) // backlog-full and stale segments drop locally.
		return nil
	}
	// No socket behind the port: the closed-port reset policy applies.
	_, flags := frm.OffsetAndFlags()
	switch {
	case flags.HasAny(tcp.FlagRST): // a RST is never answered.
	case flags == tcp.FlagSYN:
		c.rst.Queue(srcBytes, sp, dp, 0, frm.Seq()+1, tcp.FlagRST|tcp.FlagACK)
	case flags.HasAny(tcp.FlagACK):
		c.rst.Queue(srcBytes, sp, dp, frm.Ack(), 0, tcp.FlagRST)
	}
	return nil
}

func (c *Context) ingressUDP(src netip.Addr, frame []byte) error {
	ufrm, err := udp.NewFrame(frame)
	if err != nil {
		return err
	}
	var vld simnet.Validator
	ufrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	dp := ufrm.DestinationPort()
	for fd, m := range c.mailboxes {
		if m.closed || c.boundPort(fd) != dp {
			continue
		}
		payload := append([]byte(nil), ufrm.Payload()...)
		m.in = append(m.in, datagram{
			addr:    netip.AddrPortFrom(src, ufrm.SourcePort()),
			payload: payload,
		})
		c.table.AddRecvQ(fd, len(payload))
		return nil
	}
	return nil // no bound mailbox: dropped.
}

//
// Internals.
//

func (c *Context) newEndpoint() (*tcp.Endpoint, error) {
	rx := c.cfg.RecvBufferCap
	if rx > math.MaxUint16 {
		rx = math.MaxUint16 // the window field cannot advertise more.
	}
	ep := &tcp.Endpoint{}
	err := ep.Configure(tcp.EndpointConfig{
		TxBuf:                    make([]byte, c.cfg.SendBufferCap),
		RxBuf:                    make([]byte, rx),
		MSS:                      uint16(c.cfg.MSS),
		DisableCongestionControl: !c.cfg.EnableCC,
		SynRetries:               uint8(c.cfg.SynResendCount),
	})
	if err != nil {
		return nil, err
	}
	if c.clock != nil {
		ep.SetClock(c.clock)
	}
	return ep, nil
}

// ensureBound gives fd an ephemeral local port if it has none yet.
func (c *Context) ensureBound(fd socket.FD) error {
	s, err := c.table.Get(fd)
	if err != nil {
		return err
	}
	if s.LocalAddr().Port() != 0 {
		return nil
	}
	addr := s.LocalAddr().Addr()
	if !addr.IsValid() || addr.IsUnspecified() {
		addr = c.local
	}
	for tries := 0; tries < 128; tries++ {
		err = c.table.Bind(fd, netip.AddrPortFrom(addr, c.nextEphemeralPort()))
		if err == nil || !errors.Is(err, errkind.AddrInUse) {
			return err
		}
	}
	return errkind.New("bind", errkind.AddrInUse)
}

func (c *Context) nextEphemeralPort() uint16 {
	p := c.nextEph
	c.nextEph++
	if c.nextEph == 0 {
		c.nextEph = 49152
	}
	return p
}

func (c *Context) boundPort(fd socket.FD) uint16 {
	s, err := c.table.Get(fd)
	if err != nil {
		return 0
	}
	return s.LocalAddr().Port()
}

func addrBytes(a netip.Addr) []byte {
	if a.Is4() {
		b := a.As4()
		return b[:]
	}
	b := a.As16()
	return b[:]
}

func addrFromBytes(b []byte) netip.Addr {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b))
	case 16:
		return netip.AddrFrom16([16]byte(b))
	}
	return netip.Addr{}
}
