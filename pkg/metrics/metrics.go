// Package metrics provides Prometheus collectors for supervisor lifecycle
// observability. Collectors are registered on a caller-supplied registerer;
// exposing them over HTTP is out of scope for this module.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one supervisor instance. Scoping the
// collectors to the instance keeps independent supervisors in one process
// from clobbering each other's series.
type Metrics struct {
	Spawns           *prometheus.CounterVec
	SpawnFailures    *prometheus.CounterVec
	Restarts         *prometheus.CounterVec
	MemoryViolations *prometheus.CounterVec
	MemoryRSS        *prometheus.GaugeVec
	State            *prometheus.GaugeVec
}

// New creates and registers the supervisor collectors. A nil registerer
// creates unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_spawns_total",
				Help: "Total process spawn attempts that produced a live handle",
			},
			[]string{"name"},
		),
		SpawnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_spawn_failures_total",
				Help: "Total failed spawn attempts",
			},
			[]string{"name"},
		),
		Restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_restarts_total",
				Help: "Total restarts by trigger (crash, memory, watch, backoff)",
			},
			[]string{"name", "trigger"},
		),
		MemoryViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_memory_limit_violations_total",
				Help: "Total memory limit breaches that forced a restart",
			},
			[]string{"name"},
		),
		MemoryRSS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_memory_rss_bytes",
				Help: "Last sampled resident memory of the supervised process",
			},
			[]string{"name"},
		),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_process_state",
				Help: "Current lifecycle state of the supervised process (value 1 on the active state)",
			},
			[]string{"name", "state"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Spawns,
			m.SpawnFailures,
			m.Restarts,
			m.MemoryViolations,
			m.MemoryRSS,
			m.State,
		)
	}

	return m
}

// ObserveState marks the active state among the known states for a process.
func (m *Metrics) ObserveState(name, active string, knownStates []string) {
	for _, state := range knownStates {
		value := 0.0
		if state == active {
			value = 1.0
		}
		m.State.WithLabelValues(name, state).Set(value)
	}
}
