// Package route implements a longest-prefix-match routing table over both
// IPv4 and IPv6: Lookup(dst) answers synchronously with the next hop,
// egress interface and source address, or NoRoute on a miss. A routing
// lookup never waits on the wire; only ARP/NDP resolution of the chosen
// next hop is asynchronous.
package route

import (
	"net/netip"
	"sort"

	"github.com/opennetlab/simnet/errkind"
)

// Entry is one static routing table row.
type Entry struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr // zero Addr means the destination is on-link.
	Interface string
	Src       netip.Addr // source address to use when sending out Interface.
}

// Table is a longest-prefix-match routing table. The zero value is an
// empty table that answers every lookup with NoRoute.
type Table struct {
	entries []Entry
	sorted  bool
}

// Add inserts or replaces the routing entry for e.Prefix.
func (t *Table) Add(e Entry) {
	for i, existing := range t.entries {
		if existing.Prefix == e.Prefix {
			t.entries[i] = e
			t.sorted = false
			return
		}
	}
	t.entries = append(t.entries, e)
	t.sorted = false
}

// Remove deletes the entry for prefix, if any.
func (t *Table) Remove(prefix netip.Prefix) {
	for i, e := range t.entries {
		if e.Prefix == prefix {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the next hop, egress interface, and source address to use
// for reaching dst, choosing the entry with the longest matching prefix.
// It returns an *errkind.Error wrapping errkind.NoRoute on a miss.
func (t *Table) Lookup(dst netip.Addr) (nextHop netip.Addr, iface string, src netip.Addr, err error) {
	t.ensureSorted()
	for _, e := range t.entries {
		if e.Prefix.Contains(dst) {
			nh := e.NextHop
			if !nh.IsValid() {
				nh = dst // on-link: next hop is the destination itself.
			}
			return nh, e.Interface, e.Src, nil
		}
	}
	return netip.Addr{}, "", netip.Addr{}, errkind.New("route.Lookup", errkind.NoRoute)
}

// ensureSorted keeps entries ordered by descending prefix length so Lookup
// can return on the first match (longest prefix wins).
func (t *Table) ensureSorted() {
	if t.sorted {
		return
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Prefix.Bits() > t.entries[j].Prefix.Bits()
	})
	t.sorted = true
}

// Entries returns a snapshot of the table's current rows, longest prefix first.
func (t *Table) Entries() []Entry {
	t.ensureSorted()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
