// Package metrics exposes relaycast-host's Prometheus collectors
// (ambient observability, not one of spec.md's Non-goals — see
// SPEC_FULL.md's AMBIENT STACK section), following the teacher
// corpus's promauto package-level-var convention
// (ManuGH-xg2g's internal/metrics/streaming.go).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"relaycast/internal/transport"
)

var (
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_frames_captured_total",
		Help: "Total frames produced by the capture backend, by backend name",
	}, []string{"backend"})

	FramesCapturedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_frames_capture_dropped_total",
		Help: "Total capture attempts that returned an error instead of a frame",
	}, []string{"backend"})

	FramesEncoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_frames_encoded_total",
		Help: "Total frames successfully encoded, by encoder name and key-frame flag",
	}, []string{"encoder", "key_frame"})

	FramesEncodeDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_frames_encode_dropped_total",
		Help: "Total encode attempts that returned an error",
	}, []string{"encoder"})

	CurrentBitrateBPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_current_bitrate_bps",
		Help: "Encoder target bitrate currently applied by the quality controller",
	})

	CurrentQP = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_current_qp",
		Help: "Encoder quantization parameter currently applied by the quality controller",
	})

	QualityStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_quality_state_transitions_total",
		Help: "Quality controller state transitions, by resulting state",
	}, []string{"state"})

	NetworkRTT = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_network_rtt_milliseconds",
		Help: "Smoothed round-trip time reported by the active transport",
	})

	NetworkLossRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_network_loss_rate",
		Help: "Fraction of packets lost over the transport's sliding loss window",
	})

	NetworkBandwidthBPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_network_bandwidth_bps",
		Help: "Transport's estimated available bandwidth (EMA of observed throughput)",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaycast_sessions_active",
		Help: "Number of currently connected streaming sessions",
	})
)

// ObserveNetworkStats copies a transport.NetworkStats snapshot onto
// the network gauges. Called from the same 2 Hz loop that feeds the
// quality controller, so the two stay in lockstep.
func ObserveNetworkStats(s transport.NetworkStats) {
	NetworkRTT.Set(s.RTTMillis)
	NetworkLossRate.Set(s.LossRate)
	NetworkBandwidthBPS.Set(float64(s.BandwidthBPS))
}

// Snapshot is a point-in-time view of a session's health for
// non-Prometheus observers. Grounded on
// LanternOps-breeze's StreamMetrics/MetricsSnapshot pattern: a plain
// struct assembled on demand rather than scraped from the registry.
type Snapshot struct {
	Timestamp    time.Time
	RTTMillis    float64
	LossRate     float64
	BandwidthBPS uint32
	BitrateBPS   uint32
	QP           int
	QualityState string
}
