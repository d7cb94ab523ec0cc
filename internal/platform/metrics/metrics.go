package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the client.
// All methods are safe on a nil *Metrics, which records nothing (e.g. in tests).
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	uploadsStarted    prometheus.Counter
	uploadOutcomes    *prometheus.CounterVec
	pollRequestsTotal *prometheus.CounterVec
	pushEventsTotal   *prometheus.CounterVec
	pushReconnects    prometheus.Counter
	qualitySwitches   prometheus.Counter
	playbackErrors    prometheus.Counter
	segmentBytes      prometheus.Counter
	activeSessions    prometheus.Gauge
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_status_requests_total",
			Help: "Total number of status API requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_status_errors_total",
			Help: "Total number of status API responses with error status (4xx or 5xx)",
		}),
		uploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_uploads_started_total",
			Help: "Total number of uploads started",
		}),
		uploadOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidclient_upload_outcomes_total",
			Help: "Uploads that reached a terminal phase, by phase",
		}, []string{"phase"}),
		pollRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidclient_job_poll_requests_total",
			Help: "Job status poll requests, by result",
		}, []string{"result"}),
		pushEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidclient_push_events_total",
			Help: "Push channel events received, by type",
		}, []string{"type"}),
		pushReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_push_reconnects_total",
			Help: "Total number of push channel reconnect attempts",
		}),
		qualitySwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_quality_switches_total",
			Help: "Total number of rendering level switches",
		}),
		playbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_playback_errors_total",
			Help: "Total number of adaptive session errors",
		}),
		segmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidclient_segment_bytes_total",
			Help: "Total media segment bytes downloaded",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidclient_active_sessions",
			Help: "Number of adaptive sessions currently attached",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.uploadsStarted,
		m.uploadOutcomes,
		m.pollRequestsTotal,
		m.pushEventsTotal,
		m.pushReconnects,
		m.qualitySwitches,
		m.playbackErrors,
		m.segmentBytes,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncUploadsStarted increments the uploads started counter.
func (m *Metrics) IncUploadsStarted() {
	if m != nil {
		m.uploadsStarted.Inc()
	}
}

// IncUploadOutcome records an upload reaching the terminal phase.
func (m *Metrics) IncUploadOutcome(phase string) {
	if m != nil {
		m.uploadOutcomes.WithLabelValues(phase).Inc()
	}
}

// IncPollRequests records one job status poll with its result ("ok", "not_found", "error").
func (m *Metrics) IncPollRequests(result string) {
	if m != nil {
		m.pollRequestsTotal.WithLabelValues(result).Inc()
	}
}

// IncPushEvents records one push channel event.
func (m *Metrics) IncPushEvents(eventType string) {
	if m != nil {
		m.pushEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// IncPushReconnects increments the push reconnect counter.
func (m *Metrics) IncPushReconnects() {
	if m != nil {
		m.pushReconnects.Inc()
	}
}

// IncQualitySwitches increments the quality switch counter.
func (m *Metrics) IncQualitySwitches() {
	if m != nil {
		m.qualitySwitches.Inc()
	}
}

// IncPlaybackErrors increments the playback error counter.
func (m *Metrics) IncPlaybackErrors() {
	if m != nil {
		m.playbackErrors.Inc()
	}
}

// AddSegmentBytes adds n to the downloaded segment bytes counter.
func (m *Metrics) AddSegmentBytes(n int) {
	if m != nil && n > 0 {
		m.segmentBytes.Add(float64(n))
	}
}

// AddActiveSessions moves the active sessions gauge by delta.
func (m *Metrics) AddActiveSessions(delta int) {
	if m != nil {
		m.activeSessions.Add(float64(delta))
	}
}

// Registry exposes the underlying registry (for tests and custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
