package tcp

import (
	"errors"
	"log/slog"
	"net"

	"github.com/opennetlab/simnet/async"
)

var errListenerClosed = errors.New("tcp: listener closed")
var errBacklogFull = errors.New("tcp: accept backlog full")

// EndpointPool is a sync.Pool-like allocator of Endpoints, used so a
// Listener does not need to know how connection memory is managed by the
// socket table that owns it.
type EndpointPool interface {
	GetTCP() (*Endpoint, Value)
	PutTCP(*Endpoint)
}

// Listener accepts incoming connections on a bound local port. Unlike
// net.Listener it is driven cooperatively: Demux/Encapsulate are called by
// the owning stack's event loop once per tick, and Accept never blocks —
// callers either poll TryAccept or wait on AcceptWaker.
//
// The backlog is bounded (unlike the unbounded incoming slice this is
// adapted from) so a SYN flood cannot grow a listener's memory use without
// limit; once full, new SYNs are simply dropped, matching a real kernel's
// behavior of dropping SYNs when the accept queue is full.
type Listener struct {
	connID uint64
	port   uint16

	incoming []*Endpoint // handshaking, not yet accepted.
	accepted []*Endpoint // established and handed off to a caller.
	backlog  int

	lastRemoteAddr []byte // remote address of the endpoint that produced the last Encapsulate output.

	pool EndpointPool

	acceptWaker async.Waker
	onBacklogDrop func()
	logger
}

// SetBacklogDropObserver installs a callback invoked every time a SYN is
// dropped because the accept backlog is full, so a caller can feed it into
// its own observability counters without this package depending on a
// metrics library.
func (l *Listener) SetBacklogDropObserver(fn func()) { l.onBacklogDrop = fn }

// Reset rebinds the listener to port with the given backlog size and
// endpoint pool, discarding any previous connections.
func (l *Listener) Reset(port uint16, backlog int, pool EndpointPool) error {
	if port == 0 {
		return errors.New("tcp: zero listen port")
	} else if pool == nil {
		return errors.New("tcp: nil endpoint pool")
	} else if backlog <= 0 {
		backlog = 1
	}
	l.connID++
	l.port = port
	l.backlog = backlog
	l.pool = pool
	l.incoming = l.incoming[:0]
	l.accepted = l.accepted[:0]
	l.acceptWaker.Clear()
	l.debug("tcp.Listener:reset", slog.Uint64("port", uint64(port)))
	return nil
}

// AbortPending aborts every connection still handshaking or waiting in the
// accept queue, optionally queueing a stateless RST to each known peer, and
// returns the endpoints to the pool. Connections already handed out by
// TryAccept are not touched; they belong to their accepting caller now.
// Used when the listener's owner drops it without accepting the backlog.
func (l *Listener) AbortPending(rst *RSTQueue) {
	for i, ep := range l.incoming {
		if ep == nil {
			continue
		}
		if rst != nil && ep.RemotePort() != 0 {
			rst.Queue(ep.RemoteAddr(), ep.RemotePort(), l.port, 0, 0, FlagRST)
		}
		ep.Abort()
		l.pool.PutTCP(ep)
		l.incoming[i] = nil
	}
	l.incoming = l.incoming[:0]
}

// Close stops listening. It does not abort in-flight handshakes or accepted
// connections, but after Close the listener's Demux, Encapsulate and
// TryAccept return net.ErrClosed, so connections still held by the listener
// are no longer driven through it; detached connections are unaffected.
func (l *Listener) Close() error {
	if l.isClosed() {
		return errors.New("tcp: already closed")
	}
	l.debug("tcp.Listener:close", slog.Uint64("port", uint64(l.port)))
	l.connID++
	l.port = 0
	return nil
}

func (l *Listener) isClosed() bool { return l.port == 0 }

// LocalPort returns the bound port, or 0 if closed.
func (l *Listener) LocalPort() uint16 { return l.port }

// ConnectionID increments each time the listener is reset or closed.
func (l *Listener) ConnectionID() *uint64 { return &l.connID }

// Protocol implements the stack node contract used for demultiplexing.
func (l *Listener) Protocol() uint64 { return 6 }

// AcceptWaker is asserted whenever a connection completes its handshake and
// becomes available to TryAccept.
func (l *Listener) AcceptWaker() *async.Waker { return &l.acceptWaker }

// NumberOfReadyToAccept reports how many handshaked connections are waiting
// to be accepted.
func (l *Listener) NumberOfReadyToAccept() (nready int) {
	if l.isClosed() {
		return 0
	}
	for _, ep := range l.incoming {
		if ep != nil && ep.State() == StateEstablished {
			nready++
		}
	}
	return nready
}

// TryAccept returns the next fully-established connection, if any.
func (l *Listener) TryAccept() (*Endpoint, error) {
	if l.isClosed() {
		return nil, net.ErrClosed
	}
	l.maintain()
	for i, ep := range l.incoming {
		if ep == nil || ep.State() != StateEstablished {
			continue
		}
		l.accepted = append(l.accepted, ep)
		l.incoming[i] = nil
		return ep, nil
	}
	return nil, errors.New("tcp: no connections available")
}

// Detach removes an accepted connection from the listener's bookkeeping,
// transferring responsibility for demuxing and driving it to the caller.
// Reports whether ep was found. An accepted connection left attached keeps
// being pumped by the listener's Demux/Encapsulate instead.
func (l *Listener) Detach(target *Endpoint) bool {
	for i, ep := range l.accepted {
		if ep == target {
			l.accepted = append(l.accepted[:i], l.accepted[i+1:]...)
			return true
		}
	}
	return false
}

// Encapsulate drives outgoing traffic for every connection this listener
// owns (handshake replies for incoming, and established data for accepted),
// stopping at the first one that has something to send.
func (l *Listener) Encapsulate(b []byte) (int, error) {
	if l.isClosed() {
		return 0, net.ErrClosed
	}
	for i, ep := range l.incoming {
		if ep == nil || ep.State() == StateEstablished {
			continue
		}
		n, err := ep.Encapsulate(b)
		if err != nil {
			err = l.maintainOne(l.incoming, i, err)
		}
		if n == 0 {
			continue
		}
		l.lastRemoteAddr = append(l.lastRemoteAddr[:0], ep.RemoteAddr()...)
		return n, err
	}
	for i, ep := range l.accepted {
		if ep == nil {
			continue
		}
		n, err := ep.Encapsulate(b)
		if err != nil {
			err = l.maintainOne(l.accepted, i, err)
		}
		if n == 0 {
			continue
		}
		l.lastRemoteAddr = append(l.lastRemoteAddr[:0], ep.RemoteAddr()...)
		return n, err
	}
	return 0, nil
}

// LastRemoteAddr returns the remote address of the endpoint whose segment was
// returned by the most recent successful Encapsulate call.
func (l *Listener) LastRemoteAddr() []byte { return l.lastRemoteAddr }

// Demux routes an incoming TCP segment addressed to this listener's port to
// whichever existing connection it belongs to, or spawns a new one from the
// pool if it is a fresh SYN and the backlog has room.
func (l *Listener) Demux(remoteAddr []byte, tcpData []byte) error {
	if l.isClosed() {
		return net.ErrClosed
	}
	frm, err := NewFrame(tcpData)
	if err != nil {
		return err
	}
	if frm.DestinationPort() != l.port {
		return errors.New("tcp: not our port")
	}
	srcPort := frm.SourcePort()

	if demuxed, err := l.tryDemux(l.accepted, srcPort, remoteAddr, tcpData); demuxed {
		return err
	}
	if demuxed, err := l.tryDemux(l.incoming, srcPort, remoteAddr, tcpData); demuxed {
		return err
	}

	_, flags := frm.OffsetAndFlags()
	if flags != FlagSYN {
		return errDropSegment
	}
	if len(l.incoming) >= l.backlog {
		l.debug("tcp.Listener:backlog-full", slog.Uint64("port", uint64(l.port)))
		if l.onBacklogDrop != nil {
			l.onBacklogDrop()
		}
		return errBacklogFull
	}
	ep, iss := l.pool.GetTCP()
	if ep == nil {
		return errors.New("tcp: no free endpoint")
	}
	if err := ep.OpenListen(l.port, iss); err != nil {
		l.pool.PutTCP(ep)
		return err
	}
	if err := ep.Demux(remoteAddr, tcpData); err != nil {
		l.pool.PutTCP(ep)
		return errDropSegment
	}
	l.incoming = append(l.incoming, ep)
	l.debug("tcp.Listener:new-incoming", slog.Uint64("port", uint64(l.port)), slog.Uint64("rport", uint64(srcPort)))
	return nil
}

func (l *Listener) tryDemux(conns []*Endpoint, remotePort uint16, remoteAddr []byte, tcpData []byte) (demuxed bool, err error) {
	idx := findConn(conns, remotePort, remoteAddr)
	if idx < 0 {
		return false, nil
	}
	err = conns[idx].Demux(remoteAddr, tcpData)
	if err != nil {
		err = l.maintainOne(conns, idx, err)
	}
	if conns[idx] != nil && conns[idx].State() == StateEstablished {
		l.acceptWaker.Assert()
	}
	return true, err
}

func findConn(conns []*Endpoint, remotePort uint16, remoteAddr []byte) int {
	for i, ep := range conns {
		if ep == nil {
			continue
		}
		if ep.RemotePort() == remotePort && bytesEqual(ep.RemoteAddr(), remoteAddr) {
			return i
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// maintain drops endpoints that have fully closed, returning them to the pool.
func (l *Listener) maintain() {
	l.accepted = compactEndpoints(l.accepted)
	for i, ep := range l.incoming {
		if ep == nil {
			continue
		}
		state := ep.State()
		if state > StateEstablished || state.IsClosed() {
			l.pool.PutTCP(ep)
			l.incoming[i] = nil
		}
	}
	l.incoming = compactEndpoints(l.incoming)
}

func compactEndpoints(s []*Endpoint) []*Endpoint {
	out := s[:0]
	for _, ep := range s {
		if ep != nil {
			out = append(out, ep)
		}
	}
	return out
}

func (l *Listener) maintainOne(conns []*Endpoint, idx int, err error) error {
	if err == net.ErrClosed {
		l.pool.PutTCP(conns[idx])
		conns[idx] = nil
		return nil
	}
	return err
}
