// Package metrics exposes relay counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "audiorelay"

type Metrics struct {
	ConnectedClients    prometheus.Gauge
	FramesForwarded     prometheus.Counter
	FramesBuffered      prometheus.Counter
	FramesTrimmed       prometheus.Counter
	FramesDropped       prometheus.Counter
	SessionsCreated     prometheus.Counter
	SessionsFailed      prometheus.Counter
	Reconnects          *prometheus.CounterVec
	UpstreamDisconnects prometheus.Counter
	ThrottledWarnings   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected_clients",
			Help: "Client sockets currently registered.",
		}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_forwarded_total",
			Help: "Audio frames written to the provider, directly or by flush.",
		}),
		FramesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_buffered_total",
			Help: "Audio frames queued while the provider was not ready.",
		}),
		FramesTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_trimmed_total",
			Help: "Queued frames discarded by the sliding window.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Audio frames received with no session to deliver them to.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Provider sessions created.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_failed_total",
			Help: "Session creations that exhausted their retries.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Reconnect attempts by outcome.",
		}, []string{"result"}),
		UpstreamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_disconnects_total",
			Help: "Provider sockets closed while owned by a client.",
		}),
		ThrottledWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "throttled_warnings_total",
			Help: "Backpressure warnings suppressed by the error throttle.",
		}),
	}
	reg.MustRegister(
		m.ConnectedClients, m.FramesForwarded, m.FramesBuffered, m.FramesTrimmed,
		m.FramesDropped, m.SessionsCreated, m.SessionsFailed, m.Reconnects,
		m.UpstreamDisconnects, m.ThrottledWarnings,
	)
	return m
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.ConnectedClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.ConnectedClients.Dec()
	}
}

func (m *Metrics) Forwarded(n int) {
	if m != nil {
		m.FramesForwarded.Add(float64(n))
	}
}

// Buffered records one queued frame and any frames the window discarded.
func (m *Metrics) Buffered(trimmed int) {
	if m == nil {
		return
	}
	m.FramesBuffered.Inc()
	if trimmed > 0 {
		m.FramesTrimmed.Add(float64(trimmed))
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) SessionFailed() {
	if m != nil {
		m.SessionsFailed.Inc()
	}
}

// Reconnect records a reconnect attempt; ok reports its outcome.
func (m *Metrics) Reconnect(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) UpstreamDisconnected() {
	if m != nil {
		m.UpstreamDisconnects.Inc()
	}
}

func (m *Metrics) Throttled() {
	if m != nil {
		m.ThrottledWarnings.Inc()
	}
}
