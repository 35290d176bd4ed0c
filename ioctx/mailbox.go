package ioctx

import (
	"net/netip"

	"github.com/opennetlab/simnet/errkind"
	"github.com/opennetlab/simnet/socket"
	"github.com/opennetlab/simnet/udp"
)

// datagram is one queued message and the far endpoint it came from or
// goes to.
type datagram struct {
	addr    netip.AddrPort
	payload []byte
}

// mailbox is the datagram transport behind a TypeDatagram descriptor.
// Outbound messages queue until the node's event loop drains them through
// PollEgress as UDP frames; inbound frames land here from Ingress.
type mailbox struct {
	ctx    *Context
	fd     socket.FD
	in     []datagram
	out    []datagram
	closed bool
}

func (m *mailbox) SendTo(dst netip.AddrPort, payload []byte) error {
	if m.closed {
		return errkind.New("sendto", errkind.Closed)
	}
	if !dst.Addr().IsValid() || dst.Port() == 0 {
		return errkind.New("sendto", errkind.InvalidInput)
	}
	if err := m.ctx.ensureBound(m.fd); err != nil {
		return err
	}
	m.out = append(m.out, datagram{addr: dst, payload: append([]byte(nil), payload...)})
	m.ctx.table.AddSendQ(m.fd, len(payload))
	return nil
}

func (m *mailbox) RecvFrom(b []byte) (n int, src netip.AddrPort, ok bool) {
	if len(m.in) == 0 {
		return 0, netip.AddrPort{}, false
	}
	d := m.in[0]
	m.in = m.in[1:]
	n = copy(b, d.payload)
	m.ctx.table.AddRecvQ(m.fd, -len(d.payload))
	return n, d.addr, true
}

func (m *mailbox) Close() error {
	m.closed = true
	m.in = nil
	m.out = nil
	return nil
}

const sizeHeaderUDP = 8

// encodeDatagram writes d as a UDP frame from srcPort into b. The checksum
// is left zero (legal for UDP over IPv4); an IP layer owning the
// pseudo-header fills it when one is attached.
func encodeDatagram(b []byte, srcPort uint16, d datagram) (int, error) {
	total := sizeHeaderUDP + len(d.payload)
	if len(b) < total {
		return 0, errkind.New("sendto", errkind.BufferFull)
	}
	ufrm, err := udp.NewFrame(b)
	if err != nil {
		return 0, err
	}
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(d.addr.Port())
	ufrm.SetLength(uint16(total))
	ufrm.SetCRC(0)
	copy(b[sizeHeaderUDP:], d.payload)
	return total, nil
}
