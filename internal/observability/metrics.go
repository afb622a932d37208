// Package observability — metrics.go
//
// Prometheus metrics for sentryd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: sentryd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for sentryd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Alerts ───────────────────────────────────────────────────────────────

	// AlertsTotal counts alerts emitted, by type and risk.
	AlertsTotal *prometheus.CounterVec

	// ─── Detector state ───────────────────────────────────────────────────────

	// SSHAttemptTrackedIPs is the current number of IPs with in-flight SSH
	// attempt tracking.
	SSHAttemptTrackedIPs prometheus.Gauge

	// WebRequestTrackedIPs is the current number of IPs with in-flight web
	// request tracking.
	WebRequestTrackedIPs prometheus.Gauge

	// PortScanTrackedIPs is the current number of IPs with an open port-scan
	// set.
	PortScanTrackedIPs prometheus.Gauge

	// SynConnectionTrackedIPs is the current number of IPs with in-flight
	// SYN tracking.
	SynConnectionTrackedIPs prometheus.Gauge

	// ─── Capture ──────────────────────────────────────────────────────────────

	// PacketsDecodedTotal counts decoded packets passed to the detector, by
	// protocol. Packets dropped by the self-IP filter are not included.
	PacketsDecodedTotal *prometheus.CounterVec

	// PacketsDroppedTotal counts packets dropped because they matched the
	// self-IP filter. Packets that fail to decode are discarded inside
	// internal/capture and are not counted here.
	PacketsDroppedTotal *prometheus.CounterVec

	// ─── Log tailing ──────────────────────────────────────────────────────────

	// LogBytesTailedTotal counts bytes consumed while tailing log files, by
	// source ("ssh" or "web").
	LogBytesTailedTotal *prometheus.CounterVec

	// LogTailErrorsTotal counts tail passes skipped due to an open/seek
	// failure, by source.
	LogTailErrorsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// LedgerWriteLatency records BoltDB ledger write transaction latency.
	LedgerWriteLatency prometheus.Histogram

	// LedgerEntries is the current number of audit ledger entries in BoltDB.
	LedgerEntries prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all sentryd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "alert",
			Name:      "emitted_total",
			Help:      "Total alerts emitted, by type and risk.",
		}, []string{"type", "risk"}),

		SSHAttemptTrackedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "detector",
			Name:      "ssh_attempt_tracked_ips",
			Help:      "Current number of source IPs with in-flight SSH attempt tracking.",
		}),

		WebRequestTrackedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "detector",
			Name:      "web_request_tracked_ips",
			Help:      "Current number of source IPs with in-flight web request tracking.",
		}),

		PortScanTrackedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "detector",
			Name:      "port_scan_tracked_ips",
			Help:      "Current number of source IPs with an open port-scan set.",
		}),

		SynConnectionTrackedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "detector",
			Name:      "syn_connection_tracked_ips",
			Help:      "Current number of source IPs with in-flight SYN tracking.",
		}),

		PacketsDecodedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "capture",
			Name:      "packets_decoded_total",
			Help:      "Total decoded packets passed to the detector, by protocol.",
		}, []string{"protocol"}),

		PacketsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "capture",
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped, by reason (self_ip).",
		}, []string{"reason"}),

		LogBytesTailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "tail",
			Name:      "bytes_total",
			Help:      "Total bytes consumed while tailing log files, by source.",
		}, []string{"source"}),

		LogTailErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "tail",
			Name:      "errors_total",
			Help:      "Total tail passes skipped due to an open/seek failure, by source.",
		}, []string{"source"}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentryd",
			Subsystem: "storage",
			Name:      "ledger_write_latency_seconds",
			Help:      "BoltDB ledger write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.SSHAttemptTrackedIPs,
		m.WebRequestTrackedIPs,
		m.PortScanTrackedIPs,
		m.SynConnectionTrackedIPs,
		m.PacketsDecodedTotal,
		m.PacketsDroppedTotal,
		m.LogBytesTailedTotal,
		m.LogTailErrorsTotal,
		m.LedgerWriteLatency,
		m.LedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
