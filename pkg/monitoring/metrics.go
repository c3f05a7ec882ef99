package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics is the engine metric set, labelled with the session id.
type SessionMetrics struct {
	Frames     prometheus.Counter
	Rollbacks  prometheus.Counter
	Stalls     prometheus.Counter
	SkipFrames prometheus.Counter

	ConfirmedFrame prometheus.Gauge
	PeerPing       *prometheus.GaugeVec
	PeerSendQueue  *prometheus.GaugeVec
}

// NewSessionMetrics registers the engine metrics with the given registerer
// (use prometheus.DefaultRegisterer outside of tests).
func NewSessionMetrics(reg prometheus.Registerer, sessionID string) *SessionMetrics {
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"session": sessionID}, reg)
	m := &SessionMetrics{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback", Name: "frames_total",
			Help: "Simulated frames, resimulated frames included.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback", Name: "rollbacks_total",
			Help: "Rollbacks triggered by mispredicted inputs.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback", Name: "stalls_total",
			Help: "Frames skipped because the prediction window was exhausted.",
		}),
		SkipFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollback", Name: "skip_frames_total",
			Help: "Frames skipped on pacing recommendations.",
		}),
		ConfirmedFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollback", Name: "confirmed_frame",
			Help: "Newest frame every connected player has an input for.",
		}),
		PeerPing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollback", Name: "peer_ping_ms",
			Help: "Smoothed round trip time per peer.",
		}, []string{"peer"}),
		PeerSendQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollback", Name: "peer_send_queue",
			Help: "Unacknowledged inputs per peer.",
		}, []string{"peer"}),
	}
	wrapped.MustRegister(
		m.Frames, m.Rollbacks, m.Stalls, m.SkipFrames,
		m.ConfirmedFrame, m.PeerPing, m.PeerSendQueue,
	)
	return m
}

// ObservePeer records one link quality sample.
func (m *SessionMetrics) ObservePeer(addr string, ping time.Duration, sendQueue int) {
	m.PeerPing.WithLabelValues(addr).Set(float64(ping.Milliseconds()))
	m.PeerSendQueue.WithLabelValues(addr).Set(float64(sendQueue))
}
