// Package config provides configuration loading, validation, and hot-reload
// for sentryd.
//
// Configuration file: /etc/sentryd/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (thresholds, windows, log level).
//     The log level is stored in the config; the running logger keeps the
//     level it was built with at startup.
//   - Destructive changes (log paths, capture device, socket paths) require
//     a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - Numeric ranges enforced (thresholds > 0, windows > 0, ports in range).
//   - The SSH log, web log and alert log paths must be absolute;
//     storage.db_path must be non-empty.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for sentryd.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Detection configures the detection engine's fixed thresholds.
	Detection DetectionConfig `yaml:"detection"`

	// Capture configures the packet capture source.
	Capture CaptureConfig `yaml:"capture"`

	// Storage configures the BoltDB-backed alert audit ledger.
	Storage StorageConfig `yaml:"storage"`

	// Budget configures the operator socket's token bucket rate limiter.
	Budget BudgetConfig `yaml:"budget"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the read-only status Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// DetectionConfig carries the detection engine's process-wide constants.
// Field names and defaults mirror the reference implementation's fixed
// Config struct; see Defaults() for the exact values.
type DetectionConfig struct {
	// SSHLogPath is the path to the SSH/auth log tailed for brute force and
	// port-scan signature detection. Default: /var/log/auth.log.
	SSHLogPath string `yaml:"ssh_log_path"`

	// WebLogPath is the path to the web server access log tailed for
	// enumeration detection. Default: /var/log/apache2/access.log.
	WebLogPath string `yaml:"web_log_path"`

	// AlertLogPath is the path alerts are appended to. The parent directory
	// is created on demand. Default: /opt/log/ids/ids_alert.log.
	AlertLogPath string `yaml:"alert_log_path"`

	// SSHPort is the port recorded against the port-scan tracker when an
	// SSH protocol-mismatch signature line is observed. Default: 22.
	SSHPort uint16 `yaml:"ssh_port"`

	// SSHAttemptsThreshold is the number of failed-auth lines within
	// SSHWindow that triggers an SSH_BRUTE_FORCE alert. Default: 5.
	SSHAttemptsThreshold int `yaml:"ssh_attempts_threshold"`

	// SSHWindow is the sliding window over which SSH attempts accumulate.
	// Default: 60s.
	SSHWindow time.Duration `yaml:"ssh_window"`

	// WebWindow is the sliding window over which web requests accumulate.
	// Web request rate alone never triggers an alert. Default: 5s.
	WebWindow time.Duration `yaml:"web_window"`

	// PortScanThreshold is the number of distinct destination ports from one
	// source IP that triggers a PORT_SCAN alert. Default: 100.
	PortScanThreshold int `yaml:"port_scan_threshold"`

	// SynFloodThreshold is the number of SYN packets within SynWindow from
	// one source IP that triggers a DDOS alert. Comparison is strict
	// greater-than. Default: 500.
	SynFloodThreshold int `yaml:"syn_flood_threshold"`

	// SynWindow is the sliding window over which SYN packets accumulate.
	// Default: 1s.
	SynWindow time.Duration `yaml:"syn_window"`

	// SelfIPFilter is the source IP excluded from packet analysis entirely.
	// Default: 192.168.56.101.
	SelfIPFilter string `yaml:"self_ip_filter"`
}

// CaptureConfig holds live packet capture parameters.
type CaptureConfig struct {
	// Device is the network interface to capture on. Empty means "use the
	// first device pcap enumerates", matching the reference behavior.
	Device string `yaml:"device"`

	// SnapLen is the maximum number of bytes captured per packet.
	// Default: 65535.
	SnapLen int32 `yaml:"snap_len"`

	// Promiscuous enables promiscuous mode on Device. Default: true.
	Promiscuous bool `yaml:"promiscuous"`

	// Filter is the BPF capture filter applied to the live handle.
	// Default: "tcp or udp".
	Filter string `yaml:"filter"`
}

// StorageConfig holds BoltDB alert-ledger parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB ledger file.
	// Default: /var/lib/sentryd/ledger.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// BudgetConfig holds the operator socket's token bucket parameters.
type BudgetConfig struct {
	// Capacity is the maximum number of operator commands buffered before
	// throttling kicks in. Default: 20.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 10s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the read-only operator socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the status CLI.
	// Permissions: 0600, owned by root. Default: /run/sentryd/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is started.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Detection: DetectionConfig{
			SSHLogPath:           "/var/log/auth.log",
			WebLogPath:           "/var/log/apache2/access.log",
			AlertLogPath:         "/opt/log/ids/ids_alert.log",
			SSHPort:              22,
			SSHAttemptsThreshold: 5,
			SSHWindow:            60 * time.Second,
			WebWindow:            5 * time.Second,
			PortScanThreshold:    100,
			SynFloodThreshold:    500,
			SynWindow:            time.Second,
			SelfIPFilter:         "192.168.56.101",
		},
		Capture: CaptureConfig{
			SnapLen:     65535,
			Promiscuous: true,
			Filter:      "tcp or udp",
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Budget: BudgetConfig{
			Capacity:     20,
			RefillPeriod: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/sentryd/operator.sock",
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/sentryd/ledger.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if !filepath.IsAbs(cfg.Detection.SSHLogPath) {
		errs = append(errs, fmt.Sprintf("detection.ssh_log_path must be absolute, got %q", cfg.Detection.SSHLogPath))
	}
	if !filepath.IsAbs(cfg.Detection.WebLogPath) {
		errs = append(errs, fmt.Sprintf("detection.web_log_path must be absolute, got %q", cfg.Detection.WebLogPath))
	}
	if !filepath.IsAbs(cfg.Detection.AlertLogPath) {
		errs = append(errs, fmt.Sprintf("detection.alert_log_path must be absolute, got %q", cfg.Detection.AlertLogPath))
	}
	if cfg.Detection.SSHAttemptsThreshold < 1 {
		errs = append(errs, fmt.Sprintf("detection.ssh_attempts_threshold must be >= 1, got %d", cfg.Detection.SSHAttemptsThreshold))
	}
	if cfg.Detection.SSHWindow <= 0 {
		errs = append(errs, fmt.Sprintf("detection.ssh_window must be > 0, got %s", cfg.Detection.SSHWindow))
	}
	if cfg.Detection.WebWindow <= 0 {
		errs = append(errs, fmt.Sprintf("detection.web_window must be > 0, got %s", cfg.Detection.WebWindow))
	}
	if cfg.Detection.PortScanThreshold < 1 {
		errs = append(errs, fmt.Sprintf("detection.port_scan_threshold must be >= 1, got %d", cfg.Detection.PortScanThreshold))
	}
	if cfg.Detection.SynFloodThreshold < 1 {
		errs = append(errs, fmt.Sprintf("detection.syn_flood_threshold must be >= 1, got %d", cfg.Detection.SynFloodThreshold))
	}
	if cfg.Detection.SynWindow <= 0 {
		errs = append(errs, fmt.Sprintf("detection.syn_window must be > 0, got %s", cfg.Detection.SynWindow))
	}
	if cfg.Detection.SelfIPFilter == "" {
		errs = append(errs, "detection.self_ip_filter must not be empty")
	}
	if cfg.Capture.SnapLen < 1 {
		errs = append(errs, fmt.Sprintf("capture.snap_len must be >= 1, got %d", cfg.Capture.SnapLen))
	}
	if cfg.Budget.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("budget.capacity must be >= 1, got %d", cfg.Budget.Capacity))
	}
	if cfg.Budget.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("budget.refill_period must be >= 1s, got %s", cfg.Budget.RefillPeriod))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
