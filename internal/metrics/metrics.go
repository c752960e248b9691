// Package metrics holds the prometheus collectors of one metadata server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "nestfs"

// Metrics groups the collectors of one node. Each node owns its registry
// so several nodes can share a process.
type Metrics struct {
	Registry *prometheus.Registry

	State   prometheus.Gauge // State is the numeric lifecycle state
	Rank    prometheus.Gauge
	Epoch   prometheus.Gauge // Epoch is the cluster map epoch
	Ledger  prometheus.Gauge // Ledger counts beacons awaiting an ack
	AckLag  prometheus.Gauge // AckLag is the time since the last beacon ack, in seconds
	Beacons prometheus.Counter

	Requests       prometheus.Counter // Requests counts client requests received
	Replies        prometheus.Counter // Replies counts client replies sent
	Forwards       prometheus.Counter // Forwards counts requests sent to another rank
	ClientForwards prometheus.Counter // ClientForwards counts forward notices sent to clients

	Messages    *prometheus.CounterVec // Messages counts dispatched messages by port
	Dropped     *prometheus.CounterVec // Dropped counts discarded messages by reason
	Transitions *prometheus.CounterVec // Transitions counts state changes by new state
}

// New creates and registers a node's collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "mds", Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "mds", Name: name, Help: help})
	}
	vec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "mds", Name: name, Help: help}, []string{label})
	}

	m := &Metrics{
		Registry: reg,

		State:   gauge("state", "Lifecycle state of this node."),
		Rank:    gauge("rank", "Rank held by this node, -1 when none."),
		Epoch:   gauge("map_epoch", "Epoch of the cluster map held by this node."),
		Ledger:  gauge("beacon_ledger", "Beacons sent and not yet acknowledged."),
		AckLag:  gauge("beacon_ack_lag_seconds", "Seconds since the last acknowledged beacon was sent."),
		Beacons: counter("beacons_total", "Beacons sent to monitors."),

		Requests:       counter("requests_total", "Client requests received."),
		Replies:        counter("replies_total", "Client replies sent."),
		Forwards:       counter("forwards_total", "Client requests forwarded to another rank."),
		ClientForwards: counter("client_forwards_total", "Forward notices sent to clients."),

		Messages:    vec("messages_total", "Messages dispatched, by port.", "port"),
		Dropped:     vec("dropped_total", "Messages dropped, by reason.", "reason"),
		Transitions: vec("transitions_total", "State transitions, by new state.", "state"),
	}

	m.Rank.Set(-1)

	reg.MustRegister(
		m.State, m.Rank, m.Epoch, m.Ledger, m.AckLag, m.Beacons,
		m.Requests, m.Replies, m.Forwards, m.ClientForwards,
		m.Messages, m.Dropped, m.Transitions,
		collectors.NewGoCollector(),
	)

	return m
}
