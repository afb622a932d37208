package observability

import "testing"

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	m.AlertsTotal.WithLabelValues("SSH_BRUTE_FORCE", "CRITICAL").Inc()
	m.PacketsDecodedTotal.WithLabelValues("TCP").Inc()
	m.SSHAttemptTrackedIPs.Set(3)

	if m.registry == nil {
		t.Fatal("expected a dedicated registry, got nil")
	}
}
