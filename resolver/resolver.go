// Package resolver provides asynchronous DNS name resolution for a
// simulated node, delegating wire (de)serialization to
// github.com/miekg/dns rather than hand-rolling a second codec. The
// low-level codec in this module's dns/ package remains for wire-exact
// parsing; Resolver is the path a live application's connect-by-name
// actually uses: start a query, ship the packed message, deliver the
// response when it arrives, poll or wait on a waker for the result.
package resolver

import (
	"errors"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/opennetlab/simnet/async"
)

// ErrNoAnswer is returned when a response carries no usable A/AAAA record
// (NXDOMAIN, SERVFAIL, or an empty answer section).
var ErrNoAnswer = errors.New("resolver: no answer")

type pending struct {
	id     uint16
	name   string
	waker  async.Waker
	result []netip.Addr
	err    error
	done   bool
}

// Resolver tracks outstanding queries by DNS transaction ID, mirroring the
// query/pending-response bookkeeping of arp.Handler but keyed by a 16-bit
// id instead of a protocol address.
type Resolver struct {
	nextID  uint16
	pending []*pending
}

// New returns a ready-to-use Resolver.
func New() *Resolver { return &Resolver{} }

// StartQuery builds an outgoing DNS query for name (an A record lookup
// unless qtype is given) and returns its wire payload ready to hand to a
// UDP socket bound to port 53. The returned id's completion is observed via
// Deliver and PollResult.
func (r *Resolver) StartQuery(name string, qtype uint16) (id uint16, payload []byte, err error) {
	if qtype == 0 {
		qtype = dns.TypeA
	}
	id = r.nextID
	r.nextID++

	m := new(dns.Msg)
	m.Id = id
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}}
	payload, err = m.Pack()
	if err != nil {
		return 0, nil, err
	}
	r.pending = append(r.pending, &pending{id: id, name: name})
	return id, payload, nil
}

// Waker returns the waker asserted once id's response (or failure) is
// delivered, for a caller suspending on resolution the way accept/connect
// suspend elsewhere in this module.
func (r *Resolver) Waker(id uint16) *async.Waker {
	if p := r.find(id); p != nil {
		return &p.waker
	}
	return nil
}

// Deliver parses an incoming DNS response payload and records its result
// against the matching pending query, asserting that query's waker. A
// response for an id we have no record of (late retry, spoofed packet) is
// silently ignored.
func (r *Resolver) Deliver(payload []byte) error {
	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		return err
	}
	p := r.find(m.Id)
	if p == nil {
		return nil
	}
	p.done = true
	if m.Rcode != dns.RcodeSuccess {
		p.err = errors.New("resolver: " + dns.RcodeToString[m.Rcode])
		p.waker.Assert()
		return nil
	}
	for _, rr := range m.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				p.result = append(p.result, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				p.result = append(p.result, a)
			}
		}
	}
	if len(p.result) == 0 {
		p.err = ErrNoAnswer
	}
	p.waker.Assert()
	return nil
}

// PollResult returns the resolved addresses for id once its waker has
// fired. ok is false until Deliver (or Abort) has completed the query.
func (r *Resolver) PollResult(id uint16) (addrs []netip.Addr, err error, ok bool) {
	p := r.find(id)
	if p == nil || !p.done {
		return nil, nil, false
	}
	r.remove(id)
	return p.result, p.err, true
}

// Abort completes id with err without a wire response, used for timeout or
// HostUnreachable failures surfaced by the routing/ARP layer.
func (r *Resolver) Abort(id uint16, err error) {
	if p := r.find(id); p != nil {
		p.done = true
		p.err = err
		p.waker.Assert()
	}
}

func (r *Resolver) find(id uint16) *pending {
	for _, p := range r.pending {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (r *Resolver) remove(id uint16) {
	for i, p := range r.pending {
		if p.id == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}
