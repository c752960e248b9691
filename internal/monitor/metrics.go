package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the monitor collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Epoch    prometheus.Gauge   // Epoch is the published map epoch
	Up       prometheus.Gauge   // Up counts ranks held by a live process
	Beacons  prometheus.Counter // Beacons counts beacons received
	Failures prometheus.Counter // Failures counts ranks marked failed
}

func newMetrics() *Metrics {
	opts := func(name, help string) (prometheus.GaugeOpts, prometheus.CounterOpts) {
		return prometheus.GaugeOpts{Namespace: "nestfs", Subsystem: "mon", Name: name, Help: help},
			prometheus.CounterOpts{Namespace: "nestfs", Subsystem: "mon", Name: name, Help: help}
	}

	epoch, _ := opts("map_epoch", "Epoch of the published cluster map.")
	up, _ := opts("ranks_up", "Ranks held by a live process.")
	_, beacons := opts("beacons_total", "Beacons received.")
	_, failures := opts("failures_total", "Ranks marked failed.")

	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Epoch:    prometheus.NewGauge(epoch),
		Up:       prometheus.NewGauge(up),
		Beacons:  prometheus.NewCounter(beacons),
		Failures: prometheus.NewCounter(failures),
	}
	m.Registry.MustRegister(m.Epoch, m.Up, m.Beacons, m.Failures)

	return m
}
