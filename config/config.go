// Package config loads a simulated node's wiring from YAML, in the spirit
// of tinyrange-cc's site-config.yml: a small typed struct with `yaml` tags,
// parsed with gopkg.in/yaml.v3, supplementing (not replacing) the
// programmatic XxxConfig structs individual subsystems already take.
package config

import (
	"errors"
	"io"
	"net/netip"
	"strconv"

	"gopkg.in/yaml.v3"
)

// NodeConfig describes one simulated node's interface, routing, and default
// per-connection TCP options. It is the
// YAML-loadable counterpart to the programmatic config structs
// (tcp.EndpointConfig, internet.StackEthernetConfig, ...) that a node
// assembles itself from when config.LoadNode is not used.
type NodeConfig struct {
	Hostname string `yaml:"hostname"`

	Interface InterfaceConfig `yaml:"interface"`
	TCP       TCPDefaults     `yaml:"tcp"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// InterfaceConfig describes the node's single configured NIC: its address,
// link bandwidth (consumed by internet.NewLink) and MAC.
type InterfaceConfig struct {
	Name           string `yaml:"name"`
	MAC            string `yaml:"mac"`
	Address        string `yaml:"address"`    // CIDR, e.g. "10.0.1.104/24"
	MTU            int    `yaml:"mtu"`
	BandwidthBytes int    `yaml:"bandwidth_bytes_per_sec"`
}

// TCPDefaults holds the per-connection TCP options a node applies unless
// an individual connect/listen call overrides them.
type TCPDefaults struct {
	SendBufferCap  int  `yaml:"send_buffer_cap"`
	RecvBufferCap  int  `yaml:"recv_buffer_cap"`
	MSS            int  `yaml:"mss"`
	TTL            int  `yaml:"ttl"`
	SynResendCount int  `yaml:"syn_resend_count"`
	EnableCC       bool `yaml:"enable_cc"`
	ReuseAddr      bool `yaml:"reuseaddr"`
	ReusePort      bool `yaml:"reuseport"`
	ListenBacklog  int  `yaml:"listen_backlog"`
}

// RouteConfig is one static routing entry: Destination is a CIDR prefix,
// NextHop the gateway address to hand packets matching it to.
type RouteConfig struct {
	Destination string `yaml:"destination"`
	NextHop     string `yaml:"next_hop"`
	Interface   string `yaml:"interface"`
}

// DefaultTCP returns the defaults (536-byte MSS, congestion control
// enabled, a modest backlog) applied when a NodeConfig omits the tcp
// section entirely.
func DefaultTCP() TCPDefaults {
	return TCPDefaults{
		SendBufferCap:  32 << 10,
		RecvBufferCap:  32 << 10, // stays under the 16-bit window a SYN can advertise.
		MSS:            536,
		TTL:            64,
		SynResendCount: 5,
		EnableCC:       true,
		ListenBacklog:  16,
	}
}

// LoadNode parses a NodeConfig from r and validates the fields a node
// cannot safely start without. Unset TCP fields are not defaulted here;
// call DefaultTCP and overlay explicitly set fields if that behavior is
// wanted, since a zero MSS is meaningfully different from "536 requested".
func LoadNode(r io.Reader) (NodeConfig, error) {
	var cfg NodeConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Validate checks that the fields a node cannot operate without are
// present and well-formed: a parsed interface address and syntactically
// valid routes. It does not validate cross-references (e.g. that a route's
// Interface name matches Interface.Name); a node wires that up at
// construction time.
func (c NodeConfig) Validate() error {
	if c.Interface.Address == "" {
		return errors.New("config: interface.address is required")
	}
	if _, err := netip.ParsePrefix(c.Interface.Address); err != nil {
		return errors.New("config: interface.address: " + err.Error())
	}
	for i, rt := range c.Routes {
		if _, err := netip.ParsePrefix(rt.Destination); err != nil {
			return errors.New("config: routes[" + strconv.Itoa(i) + "].destination: " + err.Error())
		}
		if rt.NextHop != "" {
			if _, err := netip.ParseAddr(rt.NextHop); err != nil {
				return errors.New("config: routes[" + strconv.Itoa(i) + "].next_hop: " + err.Error())
			}
		}
	}
	return nil
}
