// metrics.go
package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event pipeline counters
var (
	eventCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_events_total",
			Help: "Total number of ring records processed by kind",
		},
		[]string{"kind"},
	)

	eventErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_event_errors_total",
			Help: "Total number of ring records that failed to process",
		},
		[]string{"stage"},
	)

	droppedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerscope_dropped_records_total",
			Help: "Ring records the kernel probe had to drop",
		},
	)

	bytesCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_bytes_captured_total",
			Help: "Captured socket bytes by direction",
		},
		[]string{"direction"},
	)
)

// Connection and decoding state
var (
	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerscope_connections_open",
			Help: "Connections currently tracked",
		},
	)

	messagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_messages_total",
			Help: "Typed messages persisted by kind",
		},
		[]string{"kind"},
	)

	parseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_parse_errors_total",
			Help: "Frames that degraded to opaque records by stream kind",
		},
		[]string{"stream_kind"},
	)

	blocksObserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerscope_block_observations_total",
			Help: "Block gossip observations indexed",
		},
	)

	ipcFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_ipc_frames_total",
			Help: "Helper stdio frames decoded by kind",
		},
		[]string{"kind"},
	)
)

// Aggregator sink
var (
	aggregatorPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerscope_aggregator_pushes_total",
			Help: "Summary pushes to the aggregator by result",
		},
		[]string{"result"},
	)
)
