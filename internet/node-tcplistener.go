package internet

import (
	"log/slog"
	"net"

	"github.com/opennetlab/simnet"
	"github.com/opennetlab/simnet/internal"
	"github.com/opennetlab/simnet/metrics"
	"github.com/opennetlab/simnet/tcp"
)

var _ StackNode = (*NodeTCPListener)(nil)

// NodeTCPListener adapts a [tcp.Listener] to the StackNode contract expected
// by StackIP/StackPorts: it translates between the IP-layer
// (carrierData, offset) convention and the Listener's own
// (remoteAddr, tcpData) convention, and stamps the resolved remote address
// back onto the outgoing IP header.
type NodeTCPListener struct {
	l tcp.Listener
}

// Reset rebinds the listener to port with the given backlog and endpoint pool.
func (listener *NodeTCPListener) Reset(port uint16, backlog int, pool tcp.EndpointPool) error {
	return listener.l.Reset(port, backlog, pool)
}

// Listener returns the underlying [tcp.Listener] for direct access to
// TryAccept/AcceptWaker/NumberOfReadyToAccept.
func (listener *NodeTCPListener) Listener() *tcp.Listener { return &listener.l }

// SetMetrics wires a collector so backlog-full SYN drops are counted under
// simnet_listener_backlog_drops_total.
func (listener *NodeTCPListener) SetMetrics(m *metrics.Collector) {
	if m == nil {
		listener.l.SetBacklogDropObserver(nil)
		return
	}
	listener.l.SetBacklogDropObserver(m.IncBacklogDrop)
}

func (listener *NodeTCPListener) Close() error { return listener.l.Close() }

func (listener *NodeTCPListener) LocalPort() uint16 { return listener.l.LocalPort() }

func (listener *NodeTCPListener) ConnectionID() *uint64 { return listener.l.ConnectionID() }

func (listener *NodeTCPListener) Protocol() uint64 { return uint64(simnet.IPProtoTCP) }

// Encapsulate drives outgoing TCP segments for the listener's connections,
// stamping the chosen endpoint's remote address onto the IP header when the
// carrier holds an IP frame (offsetToIP >= 0).
func (listener *NodeTCPListener) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	n, err := listener.l.Encapsulate(carrierData[offsetToFrame:])
	if n == 0 {
		return 0, err
	}
	if raddr := listener.l.LastRemoteAddr(); len(raddr) > 0 && offsetToIP >= 0 {
		if setErr := internal.SetIPAddrs(carrierData[offsetToIP:], 0, nil, raddr); setErr != nil {
			slog.Error("tcplistener:set-dst-addr", slog.String("err", setErr.Error()))
		}
	}
	return n, err
}

// Demux routes an incoming TCP segment to the connection it belongs to, or
// spawns a new one from the listener's pool if it is a fresh SYN.
func (listener *NodeTCPListener) Demux(carrierData []byte, frameOffset int) error {
	srcAddr, _, _, _, err := internal.GetIPAddr(carrierData)
	if err != nil {
		return err
	}
	err = listener.l.Demux(srcAddr, carrierData[frameOffset:])
	if err == net.ErrClosed {
		return err
	}
	return err
}
