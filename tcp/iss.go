package tcp

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
)

// ISSGenerator produces initial sequence numbers using the classic SYN
// cookie construction (RFC 4987 background, RFC 9293 ยง3.4.1): a counter
// that advances roughly once per connection-attempt epoch, mixed with a
// cryptographic hash of the connection's four-tuple and a per-stack secret.
// This keeps ISS values unpredictable to off-path attackers without
// requiring any allocated state until the handshake completes, which is
// exactly the property a simulated host needs to reproduce the effect of
// SYN flood resistance without actually modeling one.
type ISSGenerator struct {
	secret  [32]byte
	counter uint32
}

// Reset seeds secret material from rnd. Call once per host at
// startup; the counter is preserved across reseeding attempts so in-flight
// cookies don't all invalidate at once.
func (g *ISSGenerator) Reset(rnd io.Reader) error {
	if rnd == nil {
		return errors.New("tcp: nil entropy source")
	}
	_, err := io.ReadFull(rnd, g.secret[:])
	return err
}

// Tick advances the generator's internal counter. A stack should call this
// on a coarse clock tick (on the order of seconds) so ISS values drift over
// time even for a fixed four-tuple.
func (g *ISSGenerator) Tick() { g.counter++ }

// Generate derives an ISS for the connection identified by the given
// four-tuple. The low bits encode the current counter so a later call to
// Validate can recompute and compare the hash without storing per-connection
// state, mirroring SYN cookie validation.
func (g *ISSGenerator) Generate(srcAddr, dstAddr []byte, srcPort, dstPort uint16) Value {
	return g.generateWithCounter(srcAddr, dstAddr, srcPort, dstPort, g.counter)
}

// Validate reports whether iss is a value this generator could have
// produced for the given tuple within maxDelta counter ticks of the present.
func (g *ISSGenerator) Validate(srcAddr, dstAddr []byte, srcPort, dstPort uint16, iss Value, maxDelta uint32) bool {
	for delta := uint32(0); delta <= maxDelta; delta++ {
		if g.generateWithCounter(srcAddr, dstAddr, srcPort, dstPort, g.counter-delta) == iss {
			return true
		}
	}
	return false
}

const counterBits = 5
const counterMask = (1 << counterBits) - 1

func (g *ISSGenerator) generateWithCounter(srcAddr, dstAddr []byte, srcPort, dstPort uint16, counter uint32) Value {
	h, _ := blake2b.New(4, g.secret[:])
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(portBuf[2:4], dstPort)
	h.Write(portBuf[:])
	h.Write(srcAddr)
	h.Write(dstAddr)
	var counterBuf [4]byte
	binary.BigEndian.PutUint32(counterBuf[:], counter)
	h.Write(counterBuf[:])

	sum := h.Sum(nil)
	hash := binary.BigEndian.Uint32(sum)
	hash = (hash >> counterBits) << counterBits
	return Value(hash | (counter & counterMask))
}
