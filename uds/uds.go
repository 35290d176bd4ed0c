// Package uds defines the unix-domain socket surface a simulated node
// exposes to co-located processes (a control plane, a BGP daemon, a
// capture consumer). Paths are names in a per-node registry rather than
// filesystem entries; the byte-stream semantics match a connected
// SOCK_STREAM pair. Transport is in-memory: both ends live inside the same
// simulated node, so there is no framing, loss, or reordering to model.
package uds

import (
	"io"

	"github.com/opennetlab/simnet/errkind"
)

// Endpoint is one end of a connected unix-domain stream.
type Endpoint interface {
	io.ReadWriteCloser
	// Path returns the registry name this endpoint was dialed/accepted on.
	Path() string
}

// Pair returns two connected in-memory endpoints sharing path. Writes on
// one side become reads on the other, FIFO, with an unbounded buffer:
// backpressure between co-located processes is not modeled.
func Pair(path string) (a, b Endpoint) {
	x := &pipeEnd{path: path}
	y := &pipeEnd{path: path}
	x.peer, y.peer = y, x
	return x, y
}

type pipeEnd struct {
	path   string
	peer   *pipeEnd
	buf    []byte
	closed bool
}

func (p *pipeEnd) Path() string { return p.path }

func (p *pipeEnd) Read(b []byte) (int, error) {
	if len(p.buf) == 0 {
		if p.closed || p.peer.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(b, p.buf)
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
	return n, nil
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	if p.closed {
		return 0, errkind.New("uds.Write", errkind.Closed)
	}
	if p.peer.closed {
		return 0, errkind.New("uds.Write", errkind.BrokenPipe)
	}
	p.peer.buf = append(p.peer.buf, b...)
	return len(b), nil
}

func (p *pipeEnd) Close() error {
	p.closed = true
	return nil
}

// Registry maps paths to pending listeners so a dialer and listener can
// rendezvous by name within one node.
type Registry struct {
	listeners map[string][]chan Endpoint
}

// Listen registers interest in path and returns a channel yielding one
// endpoint per accepted connection.
func (r *Registry) Listen(path string) <-chan Endpoint {
	if r.listeners == nil {
		r.listeners = make(map[string][]chan Endpoint)
	}
	ch := make(chan Endpoint, 8)
	r.listeners[path] = append(r.listeners[path], ch)
	return ch
}

// Dial connects to a listener registered on path, failing with
// AddrNotAvailable when none exists.
func (r *Registry) Dial(path string) (Endpoint, error) {
	ls := r.listeners[path]
	if len(ls) == 0 {
		return nil, errkind.New("uds.Dial", errkind.AddrNotAvailable)
	}
	a, b := Pair(path)
	select {
	case ls[0] <- b:
	default:
		return nil, errkind.New("uds.Dial", errkind.BufferFull)
	}
	return a, nil
}
