package internet

import (
	"errors"
	"net/netip"

	"github.com/opennetlab/simnet/internal"
	"github.com/opennetlab/simnet/tcp"
)

var _ StackNode = (*NodeTCPEndpoint)(nil)

// NodeTCPEndpoint adapts a single [tcp.Endpoint] to the StackNode contract so
// it can be registered directly on a StackIP, bypassing StackPorts/Listener
// demultiplexing. Useful for a single outbound connection (an HTTP client,
// a DNS-over-TCP query) that does not need a listening socket.
type NodeTCPEndpoint struct {
	e tcp.Endpoint
}

func (n *NodeTCPEndpoint) Endpoint() *tcp.Endpoint { return &n.e }

func (n *NodeTCPEndpoint) Configure(cfg tcp.EndpointConfig) error { return n.e.Configure(cfg) }

// OpenActive begins an active connection to remote. The local address
// family is implied by remote's.
func (n *NodeTCPEndpoint) OpenActive(localPort uint16, remote netip.AddrPort, iss tcp.Value) error {
	raddr := remote.Addr()
	var rawAddr []byte
	if raddr.Is4() {
		a := raddr.As4()
		rawAddr = a[:]
	} else if raddr.Is6() {
		a := raddr.As16()
		rawAddr = a[:]
	} else {
		return errors.New("invalid remote address")
	}
	return n.e.OpenActive(localPort, remote.Port(), rawAddr, iss)
}

func (n *NodeTCPEndpoint) OpenListen(localPort uint16, iss tcp.Value) error {
	return n.e.OpenListen(localPort, iss)
}

func (n *NodeTCPEndpoint) LocalPort() uint16 { return n.e.LocalPort() }

func (n *NodeTCPEndpoint) Protocol() uint64 { return n.e.Protocol() }

func (n *NodeTCPEndpoint) ConnectionID() *uint64 { return n.e.ConnectionID() }

func (n *NodeTCPEndpoint) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	nb, err := n.e.Encapsulate(carrierData[offsetToFrame:])
	if nb == 0 {
		return 0, err
	}
	if raddr := n.e.RemoteAddr(); len(raddr) > 0 && offsetToIP >= 0 {
		if ierr := internal.SetIPAddrs(carrierData[offsetToIP:], 0, nil, raddr); ierr != nil {
			return nb, ierr
		}
	}
	return nb, err
}

func (n *NodeTCPEndpoint) Demux(carrierData []byte, frameOffset int) error {
	srcAddr, _, _, _, err := internal.GetIPAddr(carrierData)
	if err != nil {
		return err
	}
	return n.e.Demux(srcAddr, carrierData[frameOffset:])
}
