// Package harness wires together log tailing, packet capture, and the
// detection engine under a single mutex.
//
// Detector itself holds no internal locking (see internal/detector) — this
// package is the single writer. Two background loops touch the Detector:
//
//	tick loop:    every 2 seconds, tail both log files and evict stale state
//	capture loop: one goroutine consuming decoded packets from internal/capture
//
// Both loops take the same mutex before calling into the Detector, so at
// most one of them is ever inside detector code at a time. The operator
// socket reads a Snapshot through the same mutex and never writes.
package harness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryd/sentryd/internal/capture"
	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/detector"
	"github.com/sentryd/sentryd/internal/observability"
	"github.com/sentryd/sentryd/internal/operator"
)

// tickInterval is how often log files are tailed and stale detector state
// is evicted.
const tickInterval = 2 * time.Second

// Harness owns one Detector behind one mutex and drives it from the log
// tailing tick and the packet capture loop.
type Harness struct {
	mu  sync.Mutex
	det *detector.Detector

	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics
	src     *capture.Source
}

// New creates a Harness around det. src may be nil, in which case Run skips
// the packet capture loop entirely (log-only operation).
func New(cfg *config.Config, log *zap.Logger, metrics *observability.Metrics, det *detector.Detector, src *capture.Source) *Harness {
	return &Harness{
		det:     det,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		src:     src,
	}
}

// Run starts the tick loop and, if a capture source was provided, the
// packet capture loop. Blocks until ctx is cancelled, then waits for both
// loops to exit before returning.
func (h *Harness) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runTickLoop(ctx)
	}()

	if h.src != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runCaptureLoop(ctx)
		}()
	}

	wg.Wait()
}

// runTickLoop tails both log files and evicts stale detector state every
// tickInterval, until ctx is cancelled.
func (h *Harness) runTickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			tailStats := h.det.MonitorLogs()
			h.det.CleanupStaleEntries()
			snap := h.det.Snapshot()
			h.mu.Unlock()

			if h.metrics != nil {
				for _, ts := range tailStats {
					h.metrics.LogBytesTailedTotal.WithLabelValues(ts.Source).Add(float64(ts.BytesRead))
					if ts.Errored {
						h.metrics.LogTailErrorsTotal.WithLabelValues(ts.Source).Inc()
					}
				}
				h.metrics.SSHAttemptTrackedIPs.Set(float64(snap.SSHAttemptIPs))
				h.metrics.WebRequestTrackedIPs.Set(float64(snap.WebRequestIPs))
				h.metrics.PortScanTrackedIPs.Set(float64(snap.PortScanIPs))
				h.metrics.SynConnectionTrackedIPs.Set(float64(snap.SynConnectionIPs))
			}
		}
	}
}

// runCaptureLoop consumes decoded packets from the capture source, applies
// the self-IP filter, and feeds surviving packets into the detector. This
// mirrors the reference implementation's placement of the self-IP check in
// its packet-parsing path, ahead of detector analysis rather than inside it.
func (h *Harness) runCaptureLoop(ctx context.Context) {
	queueSize := 1024
	packets := h.src.Run(ctx, queueSize)

	selfIP := h.cfg.Detection.SelfIPFilter

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if selfIP != "" && pkt.SourceIP == selfIP {
				if h.metrics != nil {
					h.metrics.PacketsDroppedTotal.WithLabelValues("self_ip").Inc()
				}
				continue
			}

			h.mu.Lock()
			h.det.AnalyzePacket(pkt.SourceIP, pkt.DestPort, pkt.Protocol, pkt.Flags)
			h.mu.Unlock()

			if h.metrics != nil {
				h.metrics.PacketsDecodedTotal.WithLabelValues(pkt.Protocol).Inc()
			}
		}
	}
}

// ApplyReload copies the non-destructive fields of next onto the live
// config under h.mu, the same lock runTickLoop and runCaptureLoop hold
// before touching the Detector. next's destructive fields (log paths,
// capture device, socket paths) are ignored; those require a restart.
// The log level is copied into the config only: the running logger keeps
// the level it was built with at startup.
func (h *Harness) ApplyReload(next *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg.Detection.SSHAttemptsThreshold = next.Detection.SSHAttemptsThreshold
	h.cfg.Detection.SSHWindow = next.Detection.SSHWindow
	h.cfg.Detection.WebWindow = next.Detection.WebWindow
	h.cfg.Detection.PortScanThreshold = next.Detection.PortScanThreshold
	h.cfg.Detection.SynFloodThreshold = next.Detection.SynFloodThreshold
	h.cfg.Detection.SynWindow = next.Detection.SynWindow
	h.cfg.Observability.LogLevel = next.Observability.LogLevel
}

// Status implements operator.StatusProvider by taking a mutex-guarded
// detector snapshot.
func (h *Harness) Status() operator.Status {
	h.mu.Lock()
	snap := h.det.Snapshot()
	h.mu.Unlock()

	return operator.Status{
		SSHAttemptIPs:    snap.SSHAttemptIPs,
		WebRequestIPs:    snap.WebRequestIPs,
		PortScanIPs:      snap.PortScanIPs,
		SynConnectionIPs: snap.SynConnectionIPs,
	}
}
