package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the RTSP launcher
type Metrics struct {
	// RTSP request metrics
	RTSPRequests        *prometheus.CounterVec
	RTSPRequestDuration *prometheus.HistogramVec
	ActiveConnections   prometheus.Gauge

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram
	CleanupRuns     prometheus.Counter

	// Pipeline metrics
	PipelineStarts   prometheus.Counter
	PipelineFailures prometheus.Counter
	ActiveClients    prometheus.Gauge

	// Relay metrics
	RelayedPackets  *prometheus.CounterVec
	Retransmissions prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RTSPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_launch_requests_total",
			Help: "Total number of RTSP requests handled",
		}, []string{"method", "status_code"}),
		RTSPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtsp_launch_request_duration_seconds",
			Help:    "Time spent handling RTSP requests",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"method"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_launch_active_connections",
			Help: "Current number of RTSP control connections",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_launch_active_sessions",
			Help: "Current number of RTSP sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_sessions_expired_total",
			Help: "Total number of sessions removed after their timeout",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_sessions_closed_total",
			Help: "Total number of sessions closed by TEARDOWN",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtsp_launch_session_duration_seconds",
			Help:    "Lifetime of RTSP sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		CleanupRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_session_cleanup_runs_total",
			Help: "Total number of session pool cleanup passes",
		}),

		PipelineStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_pipeline_starts_total",
			Help: "Total number of pipeline process starts",
		}),
		PipelineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_pipeline_failures_total",
			Help: "Total number of pipelines that failed to start or exited with an error",
		}),
		ActiveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_launch_active_clients",
			Help: "Current number of UDP destinations fed by pipelines",
		}),

		RelayedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_launch_relayed_packets_total",
			Help: "Total number of RTP packets sent to clients",
		}, []string{"transport"}),
		Retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_launch_retransmissions_total",
			Help: "Total number of packets resent in answer to NACKs",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_launch_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtsp_launch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_launch_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRTSPRequest records a handled RTSP request
func (m *Metrics) RecordRTSPRequest(method, statusCode string, durationSeconds float64) {
	m.RTSPRequests.WithLabelValues(method, statusCode).Inc()
	m.RTSPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// SetActiveConnections sets the current number of control connections
func (m *Metrics) SetActiveConnections(count int) {
	m.ActiveConnections.Set(float64(count))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionExpired counts a timed out session and records its lifetime
func (m *Metrics) RecordSessionExpired(durationSeconds float64) {
	m.SessionsExpired.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionClosed counts a torn down session and records its lifetime
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordCleanupRun increments the cleanup pass counter
func (m *Metrics) RecordCleanupRun() {
	m.CleanupRuns.Inc()
}

// RecordPipelineStart increments the pipeline start counter
func (m *Metrics) RecordPipelineStart() {
	m.PipelineStarts.Inc()
}

// RecordPipelineFailure increments the pipeline failure counter
func (m *Metrics) RecordPipelineFailure() {
	m.PipelineFailures.Inc()
}

// AddActiveClients adjusts the number of destinations fed by pipelines
func (m *Metrics) AddActiveClients(delta int) {
	m.ActiveClients.Add(float64(delta))
}

// RecordRelayedPacket counts a packet sent to one client over transport
// ("rtp" or "srtp")
func (m *Metrics) RecordRelayedPacket(transport string) {
	m.RelayedPackets.WithLabelValues(transport).Inc()
}

// RecordRetransmission counts a packet resent after a NACK
func (m *Metrics) RecordRetransmission() {
	m.Retransmissions.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
