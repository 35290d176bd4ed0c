// Package metrics exposes per-node TCP/IP stack counters and gauges as a
// [prometheus.Collector], in the style of the go-tcpinfo exporter: a single
// struct owns its metric descriptors and produces samples on demand from
// live state rather than registering package-global vectors, so a
// simulation with many independent node contexts can run one Collector per
// node without colliding on registration.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the stack's observability counters: segments
// dropped (by reason), retransmits, duplicate ACKs, RST sent/
// received, listener backlog drops, and a sampled per-connection cwnd/
// ssthresh gauge set. Create one with [New]; the zero value has nil maps
// and descriptors and is not ready to use.
type Collector struct {
	mu sync.Mutex

	dropped        map[string]float64
	retransmits    float64
	dupAcks        float64
	rstSent        float64
	rstRecv        float64
	backlogDrops   float64
	cwndByConn     map[string]float64
	ssthreshByConn map[string]float64

	descDropped      *prometheus.Desc
	descRetransmits  *prometheus.Desc
	descDupAcks      *prometheus.Desc
	descRST          *prometheus.Desc
	descBacklogDrops *prometheus.Desc
	descCwnd         *prometheus.Desc
	descSsthresh     *prometheus.Desc
}

// New returns a Collector whose samples carry a constant "node" label set
// to node, identifying which simulated node's I/O context they came from.
func New(node string) *Collector {
	constLabels := prometheus.Labels{"node": node}
	return &Collector{
		dropped:        make(map[string]float64),
		cwndByConn:     make(map[string]float64),
		ssthreshByConn: make(map[string]float64),
		descDropped: prometheus.NewDesc("simnet_segments_dropped_total",
			"TCP/IP segments dropped before reaching a connection.", []string{"reason"}, constLabels),
		descRetransmits: prometheus.NewDesc("simnet_retransmits_total",
			"Segments retransmitted after an RTO expiry.", nil, constLabels),
		descDupAcks: prometheus.NewDesc("simnet_duplicate_acks_total",
			"Duplicate ACKs observed across all connections.", nil, constLabels),
		descRST: prometheus.NewDesc("simnet_rst_total",
			"RST segments sent or received.", []string{"direction"}, constLabels),
		descBacklogDrops: prometheus.NewDesc("simnet_listener_backlog_drops_total",
			"SYNs dropped because a listener's accept queue was full.", nil, constLabels),
		descCwnd: prometheus.NewDesc("simnet_tcp_cwnd_bytes",
			"Current congestion window, sampled per tracked connection.", []string{"quad"}, constLabels),
		descSsthresh: prometheus.NewDesc("simnet_tcp_ssthresh_bytes",
			"Current slow-start threshold, sampled per tracked connection.", []string{"quad"}, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descDropped
	ch <- c.descRetransmits
	ch <- c.descDupAcks
	ch <- c.descRST
	ch <- c.descBacklogDrops
	ch <- c.descCwnd
	ch <- c.descSsthresh
}

// Collect implements prometheus.Collector, rendering the current counter
// and gauge state. It never errors: samples are produced from in-memory
// accounting, not from a syscall that could fail.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for reason, n := range c.dropped {
		ch <- prometheus.MustNewConstMetric(c.descDropped, prometheus.CounterValue, n, reason)
	}
	ch <- prometheus.MustNewConstMetric(c.descRetransmits, prometheus.CounterValue, c.retransmits)
	ch <- prometheus.MustNewConstMetric(c.descDupAcks, prometheus.CounterValue, c.dupAcks)
	ch <- prometheus.MustNewConstMetric(c.descRST, prometheus.CounterValue, c.rstSent, "sent")
	ch <- prometheus.MustNewConstMetric(c.descRST, prometheus.CounterValue, c.rstRecv, "received")
	ch <- prometheus.MustNewConstMetric(c.descBacklogDrops, prometheus.CounterValue, c.backlogDrops)
	for quad, n := range c.cwndByConn {
		ch <- prometheus.MustNewConstMetric(c.descCwnd, prometheus.GaugeValue, n, quad)
	}
	for quad, n := range c.ssthreshByConn {
		ch <- prometheus.MustNewConstMetric(c.descSsthresh, prometheus.GaugeValue, n, quad)
	}
}

// IncDropped records one segment dropped for the given reason (e.g.
// "bad-checksum", "malformed", "out-of-window").
func (c *Collector) IncDropped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped[reason]++
}

// IncRetransmit records one RTO-triggered retransmission.
func (c *Collector) IncRetransmit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retransmits++
}

// IncDupAck records one duplicate ACK observed on any connection.
func (c *Collector) IncDupAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dupAcks++
}

// IncRST records one RST sent (outbound=true) or received.
func (c *Collector) IncRST(outbound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if outbound {
		c.rstSent++
	} else {
		c.rstRecv++
	}
}

// IncBacklogDrop records one SYN dropped because a listener's accept queue
// was full.
func (c *Collector) IncBacklogDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlogDrops++
}

// SetCongestionState samples cwnd/ssthresh for the connection identified by
// quad (typically "local:port-peer:port"). Cardinality is bounded by the
// caller: sample on a timer tick, not on every segment, for any simulation
// tracking more than a handful of flows.
func (c *Collector) SetCongestionState(quad string, cwnd, ssthresh uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cwndByConn[quad] = float64(cwnd)
	c.ssthreshByConn[quad] = float64(ssthresh)
}

// DropConnection removes a connection's gauges once it reaches Closed, so
// Collect doesn't keep reporting stale samples for recycled quads.
func (c *Collector) DropConnection(quad string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cwndByConn, quad)
	delete(c.ssthreshByConn, quad)
}
