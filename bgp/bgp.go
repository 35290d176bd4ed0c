// Package bgp defines the contract between a node's stack and an external
// BGP speaker. The BGP state machine itself (sessions, FSM, UPDATE
// encoding) lives outside this module; what the stack needs from it is only
// a feed of reachable prefixes to install into the routing table, which is
// what RIBSource captures. StaticRIB is the degenerate implementation used
// in simulations that want BGP-shaped route injection without a daemon.
package bgp

import (
	"net/netip"

	"github.com/opennetlab/simnet/route"
)

// Announcement is one RIB entry as learned from a peer.
type Announcement struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	ASPath    []uint32
	LocalPref uint32
}

// RIBSource is the pull interface a BGP daemon exposes to the stack. The
// stack reads the currently advertised set after each session event; diffs
// and withdraw handling are the daemon's concern.
type RIBSource interface {
	// Advertised returns the current best-path announcements. The returned
	// slice must not be retained across calls.
	Advertised() []Announcement
}

// StaticRIB is a fixed announcement set satisfying RIBSource.
type StaticRIB struct {
	Announcements []Announcement
}

func (s *StaticRIB) Advertised() []Announcement { return s.Announcements }

// InstallInto writes src's current announcements into tbl as routes egressing
// iface. Entries with an invalid next hop are skipped. Returns the number
// of routes installed.
func InstallInto(tbl *route.Table, src RIBSource, iface string) int {
	n := 0
	for _, a := range src.Advertised() {
		if !a.NextHop.IsValid() || !a.Prefix.IsValid() {
			continue
		}
		tbl.Add(route.Entry{Prefix: a.Prefix, NextHop: a.NextHop, Interface: iface})
		n++
	}
	return n
}
