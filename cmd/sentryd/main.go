// Command sentryd is a host-resident intrusion detection daemon. It tails
// the SSH and web access logs for brute-force, port-scan, and enumeration
// signatures, captures live packets for port-scan and SYN-flood detection,
// and emits alerts to stdout, a log file, syslog, Prometheus, and a BoltDB
// audit ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentryd/sentryd/internal/alert"
	"github.com/sentryd/sentryd/internal/budget"
	"github.com/sentryd/sentryd/internal/capture"
	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/detector"
	"github.com/sentryd/sentryd/internal/harness"
	"github.com/sentryd/sentryd/internal/observability"
	"github.com/sentryd/sentryd/internal/operator"
	"github.com/sentryd/sentryd/internal/storage"
)

const defaultConfigPath = "/etc/sentryd/config.yaml"

// shutdownDrainTimeout bounds how long the daemon waits for in-flight work
// to finish after a shutdown signal before exiting unconditionally.
const shutdownDrainTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentryd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
		return
	}

	// 1. Load and validate configuration. Refuses to start on an invalid
	// config — there is no sensible fallback for a daemon that watches
	// security-relevant logs and traffic.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentryd: config error: %v\n", err)
		os.Exit(1)
	}

	// 2. Build the structured logger.
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentryd: logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting sentryd",
		zap.String("version", config.Version),
		zap.String("config_path", *configPath))

	// 3. Open the BoltDB audit ledger and prune anything past retention.
	ledger, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("failed to open audit ledger", zap.Error(err))
	}
	defer ledger.Close()

	if n, err := ledger.PruneOldLedgerEntries(); err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else if n > 0 {
		log.Info("pruned stale ledger entries", zap.Int("count", n))
	}

	// 4. Build the metrics registry.
	metrics := observability.NewMetrics()
	if n, err := ledger.CountLedgerEntries(); err == nil {
		metrics.LedgerEntries.Set(float64(n))
	}

	// 5. Build the alert emitter, wired to the metrics counter and the
	// ledger as best-effort side channels.
	em := alert.NewEmitter(cfg.Detection.AlertLogPath, log, alert.Sinks{
		Metrics: func(t alert.Type, risk alert.Risk) {
			metrics.AlertsTotal.WithLabelValues(string(t), string(risk)).Inc()
		},
		Ledger: func(a alert.Alert) error {
			start := time.Now()
			err := ledger.AppendLedger(storage.LedgerEntry{
				Timestamp: a.Timestamp,
				SourceIP:  a.SourceIP,
				Type:      string(a.Type),
				Risk:      string(a.Risk),
				Message:   a.Message,
				Count:     a.Count,
			})
			metrics.LedgerWriteLatency.Observe(time.Since(start).Seconds())
			if err == nil {
				metrics.LedgerEntries.Inc()
			}
			return err
		},
	})

	// 6. Build the detection engine.
	det := detector.New(cfg, log, em)

	// 7. Open the live packet capture source. Failing to find a device,
	// open the handle, or apply the filter is fatal.
	src, err := capture.OpenLive(cfg.Capture.Device, cfg.Capture.SnapLen, cfg.Capture.Promiscuous, cfg.Capture.Filter)
	if err != nil {
		log.Fatal("failed to open packet capture", zap.Error(err))
	}
	defer src.Close()

	h := harness.New(cfg, log, metrics, det, src)

	// 8. Wire up context cancellation on SIGINT/SIGTERM, and SIGHUP for
	// config hot-reload.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go watchReload(ctx, reload, configPath, h, log)

	var wg sync.WaitGroup

	// 9. Start the Prometheus metrics HTTP server.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()

	// 10. Start the read-only operator status socket, if enabled.
	var bucket *budget.Bucket
	if cfg.Operator.Enabled {
		bucket = budget.New(cfg.Budget.Capacity, cfg.Budget.RefillPeriod)
		defer bucket.Close()

		opServer := operator.NewServer(cfg.Operator.SocketPath, h, bucket, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator socket exited", zap.Error(err))
			}
		}()
	}

	// 11. Run the harness. Blocks until ctx is cancelled.
	h.Run(ctx)

	// 12. Drain background goroutines with a bounded timeout so a stuck
	// listener can never hang the shutdown indefinitely.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info("sentryd stopped cleanly")
	case <-time.After(shutdownDrainTimeout):
		log.Warn("shutdown drain timed out, exiting anyway")
	}
}

// watchReload re-reads and re-validates the config file on every SIGHUP.
// Only non-destructive fields (thresholds, windows, log level) are copied,
// via h.ApplyReload so the update is serialized behind the same mutex that
// guards every other access to the Detector. The log level is stored in the
// config only; the logger built at startup keeps its level. An invalid reload is logged
// and the previous config retained. Destructive changes (log paths, capture
// device, socket paths) require a restart and are intentionally not copied
// here.
func watchReload(ctx context.Context, sig <-chan os.Signal, path *string, h *harness.Harness, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			next, err := config.Load(*path)
			if err != nil {
				log.Error("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			h.ApplyReload(next)
			log.Info("config reloaded", zap.String("path", *path))
		}
	}
}

// buildLogger constructs a zap.Logger from the configured level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	switch format {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
