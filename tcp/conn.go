package tcp

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/opennetlab/simnet/internal"
)

var (
	errDeadlineExceeded = os.ErrDeadlineExceeded
	errInvalidIP        = errors.New("tcp: invalid remote address")
)

// Conn wraps an [Endpoint] with IP header knowledge, deadlines, and a
// blocking net.Conn-like Read/Write surface for callers that drive a whole
// stack from their own goroutine and just want to Read/Write from another
// one.
// Conn satisfies the StackNode contract directly so it can be registered on
// a StackPorts/StackIP the same as any other node.
type Conn struct {
	mu         sync.Mutex
	e          Endpoint
	remoteAddr []byte

	rdead    time.Time
	wdead    time.Time
	abortErr error
	ipID     uint16
	logger
}

// reset must be called while holding [Conn.mu].
func (conn *Conn) reset() {
	conn.remoteAddr = conn.remoteAddr[:0]
	conn.rdead = time.Time{}
	conn.wdead = time.Time{}
	conn.abortErr = nil
	conn.ipID = 0
}

// ConnConfig configures the buffers backing a Conn's underlying Endpoint.
type ConnConfig struct {
	RxBuf  []byte
	TxBuf  []byte
	Logger *slog.Logger
}

func (conn *Conn) Configure(cfg ConnConfig) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err = conn.e.Configure(EndpointConfig{TxBuf: cfg.TxBuf, RxBuf: cfg.RxBuf})
	if err != nil {
		return err
	}
	conn.e.SetLogger(cfg.Logger)
	conn.logger.log = cfg.Logger
	return nil
}

// LocalPort returns the local port on which the socket is listening or connected to.
func (conn *Conn) LocalPort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.LocalPort()
}

// RemotePort returns the port of the incoming remote connection. Is non-zero if connection is established.
func (conn *Conn) RemotePort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.RemotePort()
}

func (conn *Conn) RemoteAddr() []byte {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.remoteAddr
}

// State returns the TCP state of the socket.
func (conn *Conn) State() State {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.State()
}

// BufferedInput returns the number of bytes in the socket's receive(input) buffer
// and available to read via a [Conn.Read] call.
func (conn *Conn) BufferedInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.BufferedInput()
}

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (conn *Conn) BufferedUnsent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.BufferedUnsent()
}

// AvailableInput returns the remaining capacity in the receive buffer.
func (conn *Conn) AvailableInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.recvBuf.Free()
}

// AvailableOutput returns amount of bytes available to write to output
// before [Conn.Write] returns an error due to insufficient space to store outgoing data.
func (conn *Conn) AvailableOutput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.AvailableOutput()
}

// OpenActive opens a connection to a remote peer with a known IP address and port combination.
// iss is the initial send sequence number which is ideally a random number which is far away from the last sequence number used on a connection to the same host.
func (conn *Conn) OpenActive(localPort uint16, remote netip.AddrPort, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !remote.IsValid() {
		return errInvalidIP
	}
	raddr := remote.Addr()
	var rawAddr []byte
	if raddr.Is4() {
		addr4 := raddr.As4()
		rawAddr = addr4[:]
	} else if raddr.Is6() {
		addr6 := raddr.As16()
		rawAddr = addr6[:]
	} else {
		return errInvalidIP
	}
	err := conn.e.OpenActive(localPort, remote.Port(), rawAddr, iss)
	if err != nil {
		return err
	}
	conn.reset()
	conn.remoteAddr = append(conn.remoteAddr[:0], rawAddr...)
	conn.debug("conn:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(remote.Port())))
	return nil
}

// OpenListen opens a passive connection which listens for the first SYN packet to be received on a local port.
// iss is the initial send sequence number which is usually a randomly chosen number.
func (conn *Conn) OpenListen(localPort uint16, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.e.OpenListen(localPort, iss)
	if err != nil {
		return err
	}
	conn.reset()
	conn.debug("conn:listen", slog.Uint64("lport", uint64(localPort)))
	return nil
}

func (conn *Conn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("Conn.Close", slog.Uint64("lport", uint64(conn.e.LocalPort())), slog.Uint64("rport", uint64(conn.e.RemotePort())))
	return conn.e.Close()
}

// Abort terminates all state of the connection forcibly.
func (conn *Conn) Abort() {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("Conn.Abort", slog.Uint64("lport", uint64(conn.e.LocalPort())), slog.Uint64("rport", uint64(conn.e.RemotePort())))
	conn.e.Abort()
	conn.reset()
}

// InternalHandler returns the internal [Endpoint] instance. The Endpoint contains lower level implementation logic for a TCP connection.
// Typical users should not be using this method unless implementing a stack which manages several TCP connections and thus need
// access to low level internals for careful memory management.
func (conn *Conn) InternalHandler() *Endpoint {
	return &conn.e
}

// Write writes argument data to the Conn's output buffer which is queued to be sent.
func (conn *Conn) Write(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return 0, err
	}
	rport := conn.RemotePort()
	plen := len(b)
	lport := conn.LocalPort()
	conn.trace("Conn.Write:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	if conn.deadlineExceeded(&conn.wdead) {
		return 0, errDeadlineExceeded
	} else if plen == 0 {
		return 0, nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	n := 0
	for {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return n, err
		}
		conn.mu.Lock()
		ngot, _ := conn.e.Write(b)
		conn.mu.Unlock()
		n += ngot
		b = b[ngot:]
		if n == plen {
			break
		} else if ngot > 0 {
			backoff.Hit()
			runtime.Gosched() // Do a little yield since we won't have data for sure otherwise.
		} else {
			backoff.Miss()
		}
		conn.trace("Conn.Write:insuf-buf", slog.Int("missing", plen-n), slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
		if conn.deadlineExceeded(&conn.wdead) {
			return n, errDeadlineExceeded
		}
	}
	return n, nil
}

// Read reads data from the socket's input buffer. If the buffer is empty,
// Read will block until data is available or connection closes.
func (conn *Conn) Read(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		if conn.BufferedInput() > 0 {
			return conn.handlerRead(b) // Ensure remaining buffered data is read.
		}
		return 0, err
	}
	lport := conn.LocalPort()
	rport := conn.RemotePort()
	conn.trace("Conn.Read:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedInput() == 0 {
		state := conn.State()
		if state.IsClosed() || (!state.isOpen() || state.IsClosing()) {
			// No use waiting for data, jump to read and return corresponding error from there.
			break
		} else if err := conn.checkPipe(connid, &conn.rdead); err != nil {
			if conn.BufferedInput() > 0 {
				return conn.handlerRead(b) // Ensure remaining buffered data is read.
			}
			return 0, err
		}
		backoff.Miss()
	}
	return conn.handlerRead(b)
}

func (conn *Conn) handlerRead(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.e.Read(b)
}

func (conn *Conn) lockPipeConnID() (uint64, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.checkPipeOpen()
	if err != nil {
		return 0, err
	}
	return *conn.e.ConnectionID(), nil
}

func (conn *Conn) checkPipe(connID uint64, deadline *time.Time) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.abortErr != nil {
		err = conn.abortErr
	} else if connID != *conn.e.ConnectionID() {
		err = net.ErrClosed
	} else if !deadline.IsZero() && time.Since(*deadline) > 0 {
		err = errDeadlineExceeded
	}
	return err
}

func (conn *Conn) checkPipeOpen() error {
	if conn.abortErr != nil {
		return conn.abortErr
	}
	if conn.e.State().IsClosed() {
		return net.ErrClosed
	}
	return nil
}

// Demux implements StackNode: carrierData holds the IP frame ending at
// frameOffset, where the TCP segment begins.
func (conn *Conn) Demux(carrierData []byte, frameOffset int) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if frameOffset >= len(carrierData) {
		return errors.New("bad offset in Conn.Demux")
	}
	raddr, _, id, _, err := internal.GetIPAddr(carrierData[:frameOffset])
	if err != nil {
		return err
	}
	if conn.isRaddrSet() && !bytesEqual(conn.remoteAddr, raddr) {
		return errors.New("IP addr mismatch on Conn")
	}
	conn.trace("conn.Demux", slog.Uint64("lport", uint64(conn.e.LocalPort())), slog.Uint64("rport", uint64(conn.e.RemotePort())))
	err = conn.e.Demux(raddr, carrierData[frameOffset:])
	if err != nil {
		return err
	}
	if !conn.isRaddrSet() && conn.e.RemotePort() != 0 {
		conn.remoteAddr = append(conn.remoteAddr[:0], raddr...)
		conn.ipID = ^(id - 1)
	}
	return nil
}

// Encapsulate implements StackNode: writes the pending TCP segment into
// carrierData[offsetToFrame:] and stamps the IP header at offsetToIP with
// the connected peer's address.
func (conn *Conn) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (n int, err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.remoteAddr) == 0 {
		return 0, errNoRemoteAddr
	}
	if offsetToIP < 0 {
		return 0, errNoRemoteAddr // No IP layer present.
	}
	ipFrame := carrierData[offsetToIP:offsetToFrame]
	n, err = conn.e.Encapsulate(carrierData[offsetToFrame:])
	if err != nil || n == 0 {
		return 0, err
	}
	conn.trace("conn.Encapsulate", slog.Uint64("lport", uint64(conn.e.LocalPort())), slog.Uint64("rport", uint64(conn.e.RemotePort())))
	err = internal.SetIPAddrs(ipFrame, conn.ipID, nil, conn.remoteAddr)
	if err != nil {
		return 0, err
	}
	conn.ipID++
	return n, nil
}

func (conn *Conn) Protocol() uint64 { return conn.e.Protocol() }

func (conn *Conn) ConnectionID() *uint64 { return conn.e.ConnectionID() }

func (conn *Conn) isRaddrSet() bool { return len(conn.remoteAddr) != 0 }

// SetDeadline sets the read and write deadlines associated
// with the connection. It is equivalent to calling both
// SetReadDeadline and SetWriteDeadline. Implements [net.Conn].
func (conn *Conn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.setReadDeadline(t)
	if err != nil {
		return err
	}
	return conn.setWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls
// and any currently-blocked Read call. A zero value for t means Read will not time out.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setReadDeadline(t)
}

func (conn *Conn) setReadDeadline(t time.Time) error {
	conn.trace("Conn.setReadDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.rdead = t
	}
	return err
}

// SetWriteDeadline sets the deadline for future Write calls
// and any currently-blocked Write call.
// Even if write times out, it may return n > 0, indicating that
// some of the data was successfully written.
// A zero value for t means Write will not time out.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setWriteDeadline(t)
}

func (conn *Conn) setWriteDeadline(t time.Time) error {
	conn.trace("Conn.SetWriteDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.wdead = t
	}
	return err
}

func (conn *Conn) deadlineExceeded(deadline *time.Time) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return !deadline.IsZero() && time.Since(*deadline) > 0
}
