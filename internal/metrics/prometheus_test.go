package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var total float64
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			t.Fatalf("Failed to read metric: %v", err)
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Histogram != nil:
			total += float64(m.Histogram.GetSampleCount())
		}
	}
	return total
}

func TestNewMetricsSeparateRegistries(t *testing.T) {
	// Each registry gets its own set; registering twice must not panic
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionExpired(12)
	m.RecordSessionClosed(3)
	m.SetActiveSessions(5)
	m.RecordCleanupRun()

	if v := counterValue(t, m.SessionsCreated); v != 2 {
		t.Errorf("Expected 2 sessions created, got %v", v)
	}
	if v := counterValue(t, m.SessionsExpired); v != 1 {
		t.Errorf("Expected 1 session expired, got %v", v)
	}
	if v := counterValue(t, m.SessionsClosed); v != 1 {
		t.Errorf("Expected 1 session closed, got %v", v)
	}
	if v := counterValue(t, m.SessionDuration); v != 2 {
		t.Errorf("Expected 2 duration samples, got %v", v)
	}
	if v := counterValue(t, m.ActiveSessions); v != 5 {
		t.Errorf("Expected 5 active sessions, got %v", v)
	}
	if v := counterValue(t, m.CleanupRuns); v != 1 {
		t.Errorf("Expected 1 cleanup run, got %v", v)
	}
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRTSPRequest("OPTIONS", "200", 0.001)
	m.RecordRTSPRequest("OPTIONS", "200", 0.002)
	m.RecordRTSPRequest("SETUP", "461", 0.001)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordHTTPError("GET", "/sessions/:id", "not_found")

	if v := counterValue(t, m.RTSPRequests.WithLabelValues("OPTIONS", "200")); v != 2 {
		t.Errorf("Expected 2 OPTIONS requests, got %v", v)
	}
	if v := counterValue(t, m.RTSPRequests.WithLabelValues("SETUP", "461")); v != 1 {
		t.Errorf("Expected 1 rejected SETUP, got %v", v)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"rtsp_launch_requests_total",
		"rtsp_launch_request_duration_seconds",
		"rtsp_launch_http_requests_total",
		"rtsp_launch_http_errors_total",
	} {
		if !names[name] {
			t.Errorf("Expected %s to be registered", name)
		}
	}
}

func TestPipelineMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPipelineStart()
	m.RecordPipelineFailure()
	m.AddActiveClients(4)
	m.AddActiveClients(-1)
	m.SetActiveConnections(2)

	if v := counterValue(t, m.PipelineStarts); v != 1 {
		t.Errorf("Expected 1 pipeline start, got %v", v)
	}
	if v := counterValue(t, m.PipelineFailures); v != 1 {
		t.Errorf("Expected 1 pipeline failure, got %v", v)
	}
	if v := counterValue(t, m.ActiveClients); v != 3 {
		t.Errorf("Expected 3 active clients, got %v", v)
	}
	if v := counterValue(t, m.ActiveConnections); v != 2 {
		t.Errorf("Expected 2 active connections, got %v", v)
	}
}

func TestRelayMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRelayedPacket("rtp")
	m.RecordRelayedPacket("rtp")
	m.RecordRelayedPacket("srtp")
	m.RecordRetransmission()

	if v := counterValue(t, m.RelayedPackets.WithLabelValues("rtp")); v != 2 {
		t.Errorf("Expected 2 plain packets, got %v", v)
	}
	if v := counterValue(t, m.RelayedPackets); v != 3 {
		t.Errorf("Expected 3 packets in total, got %v", v)
	}
	if v := counterValue(t, m.Retransmissions); v != 1 {
		t.Errorf("Expected 1 retransmission, got %v", v)
	}
}
