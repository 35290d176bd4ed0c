package bgp

import (
	"net/netip"
	"testing"

	"github.com/opennetlab/simnet/route"
)

func TestInstallInto(t *testing.T) {
	rib := &StaticRIB{Announcements: []Announcement{
		{Prefix: netip.MustParsePrefix("203.0.113.0/24"), NextHop: netip.MustParseAddr("10.0.1.1"), ASPath: []uint32{65001}},
		{Prefix: netip.MustParsePrefix("198.51.100.0/24"), NextHop: netip.Addr{}}, // invalid next hop, skipped.
	}}
	var tbl route.Table
	n := InstallInto(&tbl, rib, "eth0")
	if n != 1 {
		t.Fatalf("want 1 route installed, got %d", n)
	}
	nh, iface, _, err := tbl.Lookup(netip.MustParseAddr("203.0.113.7"))
	if err != nil {
		t.Fatal(err)
	}
	if nh != netip.MustParseAddr("10.0.1.1") || iface != "eth0" {
		t.Fatalf("bad installed route: nh=%v iface=%s", nh, iface)
	}
}
