package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Room / subscriber metrics
var (
	// RoomsActive tracks the number of rooms currently in the registry.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Number of rooms currently registered",
		},
	)

	// Subscribers tracks currently connected downstream subscribers.
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscribers_current",
			Help: "Currently connected downstream subscribers",
		},
	)

	// RoomsReaped counts rooms torn down by the inactivity reaper.
	RoomsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rooms_reaped_total",
			Help: "Rooms torn down by the inactivity reaper",
		},
	)
)

// Upstream metrics
var (
	// FramesTotal counts push frames processed per terminal status.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_frames_total",
			Help: "Upstream push frames by processing status",
		},
		[]string{"status"},
	)

	// MessagesDecoded counts decoded sub-messages by method name.
	MessagesDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_decoded_total",
			Help: "Decoded upstream sub-messages by method",
		},
		[]string{"method"},
	)

	// UpstreamReconnects counts full connect-and-stream cycle retries.
	UpstreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upstream_reconnects_total",
			Help: "Upstream connect-and-stream cycle retries",
		},
	)
)

// Broadcast metrics
var (
	// BroadcastDeliveries counts per-subscriber delivery outcomes.
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_deliveries_total",
			Help: "Per-subscriber broadcast delivery outcomes",
		},
		[]string{"status"},
	)
)
