package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the server's counters and gauges. All methods are
// nil-safe so components can run without a registry in tests.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	bytesReceived  prometheus.Counter
	bytesSent      prometheus.Counter
	droppedFrames  *prometheus.CounterVec

	decryptFailures  prometheus.Counter
	replayRejections prometheus.Counter

	retransmissions prometheus.Counter
	deliveryDropped prometheus.Counter
	retryQueueDepth prometheus.Gauge

	sessionsActive        prometheus.Gauge
	sessionsAuthenticated prometheus.Gauge
	sessionsTotal         prometheus.Counter
	rooms                 prometheus.Gauge
	members               prometheus.Gauge

	logins     prometheus.Counter
	messages   prometheus.Counter
	aiRequests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udpchat_frames_received_total",
			Help: "Datagrams received, by outer frame kind.",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udpchat_frames_sent_total",
			Help: "Datagrams sent, by outer frame kind.",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_bytes_received_total",
			Help: "Total bytes received on the UDP socket.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_bytes_sent_total",
			Help: "Total bytes written to the UDP socket.",
		}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udpchat_dropped_frames_total",
			Help: "Inbound frames dropped before handling, by reason.",
		}, []string{"reason"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_decrypt_failures_total",
			Help: "Envelopes that failed authenticated decryption.",
		}),
		replayRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_replay_rejections_total",
			Help: "Envelopes rejected by the nonce replay window.",
		}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_retransmissions_total",
			Help: "Reliable frames retransmitted after an ACK timeout.",
		}),
		deliveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_delivery_dropped_total",
			Help: "Reliable frames dropped after exhausting attempts.",
		}),
		retryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpchat_retry_queue_depth",
			Help: "Frames currently awaiting acknowledgement.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpchat_sessions_active",
			Help: "Current number of live sessions.",
		}),
		sessionsAuthenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpchat_sessions_authenticated",
			Help: "Live sessions bound to a user.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_sessions_total",
			Help: "Total sessions handled since start.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpchat_rooms",
			Help: "Rooms currently persisted.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpchat_members",
			Help: "Memberships currently persisted.",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_logins_total",
			Help: "Completed logins.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpchat_messages_total",
			Help: "Messages appended to rooms.",
		}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udpchat_ai_requests_total",
			Help: "AI generation requests, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.framesSent,
		m.bytesReceived,
		m.bytesSent,
		m.droppedFrames,
		m.decryptFailures,
		m.replayRejections,
		m.retransmissions,
		m.deliveryDropped,
		m.retryQueueDepth,
		m.sessionsActive,
		m.sessionsAuthenticated,
		m.sessionsTotal,
		m.rooms,
		m.members,
		m.logins,
		m.messages,
		m.aiRequests,
	)
	return m
}

func (m *Metrics) FrameReceived(kind string, bytes int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) FrameSent(kind string, bytes int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecryptFailed() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) ReplayRejected() {
	if m == nil {
		return
	}
	m.replayRejections.Inc()
}

func (m *Metrics) Retransmitted() {
	if m == nil {
		return
	}
	m.retransmissions.Inc()
}

func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.deliveryDropped.Inc()
}

func (m *Metrics) SetRetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.retryQueueDepth.Set(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) SetAuthenticatedSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsAuthenticated.Set(float64(n))
}

func (m *Metrics) SetRooms(n int64) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) SetMembers(n int64) {
	if m == nil {
		return
	}
	m.members.Set(float64(n))
}

func (m *Metrics) LoginRecorded() {
	if m == nil {
		return
	}
	m.logins.Inc()
}

func (m *Metrics) MessageRecorded() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) AIRequest(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.aiRequests.WithLabelValues(result).Inc()
}
