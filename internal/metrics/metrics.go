// ABOUTME: Prometheus collectors for the gateway's run and fan-out pipeline
// ABOUTME: Registered via promauto on the default registry, served at /metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsActive tracks runs currently executing.
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_runs_active",
		Help: "Number of runs currently in flight.",
	})

	// RunsTotal counts completed runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_runs_total",
		Help: "Completed runs by terminal status (ok, stopped, failed).",
	}, []string{"status"})

	// EventsPublished counts events fanned out, by feed kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_published_total",
		Help: "Events published to viewer feeds (transcript, sidebar).",
	}, []string{"feed"})

	// EventsDropped counts events discarded because a connection's
	// outbound buffer was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Events dropped due to slow viewer connections.",
	})

	// ConnectionsActive tracks open viewer connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Number of open viewer connections.",
	})
)
