// Package metrics exposes the broker's Prometheus collectors. Collectors are
// package-level and registered once; components hold labelled children.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Muxer metrics
	MuxerMemoryEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_memory_events",
			Help: "Events waiting in the muxer memory queue",
		},
		[]string{"muxer"},
	)

	MuxerFileEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_file_events",
			Help: "Events waiting in the muxer queue file",
		},
		[]string{"muxer"},
	)

	MuxerUnacknowledgedEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_unacknowledged_events",
			Help: "Events read from the muxer and not yet acknowledged",
		},
		[]string{"muxer"},
	)

	MuxerPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_muxer_published_total",
			Help: "Events accepted by the muxer",
		},
		[]string{"muxer"},
	)

	MuxerSpilledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_muxer_spilled_total",
			Help: "Events written to the queue file because memory was full",
		},
		[]string{"muxer"},
	)

	MuxerDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_muxer_dropped_total",
			Help: "Events lost because the queue file could not be written",
		},
		[]string{"muxer"},
	)

	// Engine metrics
	EngineDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_engine_dropped_total",
			Help: "Events published after the engine was stopped",
		},
	)

	// Failover metrics
	FailoverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_failover_state",
			Help: "Failover state (0 = not started, 1 = running, 2 = stopped)",
		},
		[]string{"failover"},
	)

	FailoverConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_failover_connected",
			Help: "Whether the failover has an open stream (1) or not (0)",
		},
		[]string{"failover"},
	)

	FailoverConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_failover_connect_attempts_total",
			Help: "Endpoint open attempts by outcome",
		},
		[]string{"failover", "outcome"},
	)

	FailoverEventsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_failover_events_written_total",
			Help: "Events written to the active stream",
		},
		[]string{"failover"},
	)

	FailoverEventsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_failover_events_skipped_total",
			Help: "Malformed events rejected by the stream and skipped",
		},
		[]string{"failover"},
	)

	// Acceptor metrics
	AcceptorFeeders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_acceptor_feeders",
			Help: "Active feeders per acceptor",
		},
		[]string{"acceptor"},
	)

	AcceptorInboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_acceptor_inbound_events_total",
			Help: "Events received by feeders and written to the bus",
		},
		[]string{"acceptor"},
	)
)

func init() {
	prometheus.MustRegister(MuxerMemoryEvents)
	prometheus.MustRegister(MuxerFileEvents)
	prometheus.MustRegister(MuxerUnacknowledgedEvents)
	prometheus.MustRegister(MuxerPublishedTotal)
	prometheus.MustRegister(MuxerSpilledTotal)
	prometheus.MustRegister(MuxerDroppedTotal)
	prometheus.MustRegister(EngineDroppedTotal)
	prometheus.MustRegister(FailoverState)
	prometheus.MustRegister(FailoverConnected)
	prometheus.MustRegister(FailoverConnectAttemptsTotal)
	prometheus.MustRegister(FailoverEventsWrittenTotal)
	prometheus.MustRegister(FailoverEventsSkippedTotal)
	prometheus.MustRegister(AcceptorFeeders)
	prometheus.MustRegister(AcceptorInboundEventsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
