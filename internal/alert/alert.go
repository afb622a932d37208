// Package alert implements the detection engine's single output channel.
//
// An Alert is raised once a detector crosses a threshold. Emit fans the
// alert out to five sinks — stdout, the alert log file, syslog, and (as
// best-effort side channels) a Prometheus counter and the BoltDB audit
// ledger — and never returns an error: a failing sink is logged to stderr
// and must never block or suppress any other sink.
package alert

import (
	"fmt"
	"log/syslog"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Type identifies the category of detection that raised the alert.
type Type string

const (
	TypeSSHBruteForce Type = "SSH_BRUTE_FORCE"
	TypeDDOS          Type = "DDOS"
	TypePortScan      Type = "PORT_SCAN"
	TypeWebEnum       Type = "WEB_ENUM"
)

// Risk is the severity label attached to an alert type.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Alert is the value object describing a single raised detection.
type Alert struct {
	Timestamp time.Time
	Type      Type
	Risk      Risk
	SourceIP  string
	Message   string
	Count     int
}

// New constructs an Alert stamped with the current time.
func New(t Type, risk Risk, sourceIP, message string, count int) Alert {
	return Alert{
		Timestamp: time.Now(),
		Type:      t,
		Risk:      risk,
		SourceIP:  sourceIP,
		Message:   message,
		Count:     count,
	}
}

// line formats the one-line alert record written to stdout and the alert
// log file.
func (a Alert) line() string {
	return fmt.Sprintf("[%s] - [%s] - Attempts: %d - Risk: %s - Source IP: %s - Message: %s",
		a.Timestamp.Format("2006-01-02 15:04:05"), a.Type, a.Count, a.Risk, a.SourceIP, a.Message)
}

// Sinks bundles the best-effort side channels an Emitter reports to beyond
// the three fixed channels (stdout, alert log file, syslog). Both fields
// may be nil.
type Sinks struct {
	// Metrics, when set, is called once per Emit with the alert's type and
	// risk so the caller can increment a counter.
	Metrics func(t Type, risk Risk)

	// Ledger, when set, is called once per Emit to persist the alert to the
	// audit ledger. A non-nil error is logged and otherwise ignored.
	Ledger func(a Alert) error
}

// Emitter writes alerts to stdout, the alert log file, and syslog, plus the
// optional Sinks. Every Emit opens its own syslog connection and reopens
// the alert log file, so no handle is held between calls; it is safe for
// concurrent use.
type Emitter struct {
	alertLogPath string
	log          *zap.Logger
	sinks        Sinks
}

// NewEmitter creates an Emitter writing to alertLogPath (its parent
// directory is created lazily on first Emit). log receives best-effort
// failure diagnostics; it must not be nil.
func NewEmitter(alertLogPath string, log *zap.Logger, sinks Sinks) *Emitter {
	return &Emitter{alertLogPath: alertLogPath, log: log, sinks: sinks}
}

// Emit writes the alert to every sink. Each sink's failure is independent:
// a failing sink is logged and the remaining sinks still run. Emit never
// returns an error and never panics.
func (e *Emitter) Emit(a Alert) {
	line := a.line()

	fmt.Println(line)

	if err := e.appendToFile(line); err != nil {
		e.log.Warn("alert log write failed", zap.Error(err), zap.String("path", e.alertLogPath))
	}

	if err := e.sendSyslog(a); err != nil {
		e.log.Warn("syslog dispatch failed", zap.Error(err))
	}

	if e.sinks.Metrics != nil {
		e.sinks.Metrics(a.Type, a.Risk)
	}
	if e.sinks.Ledger != nil {
		if err := e.sinks.Ledger(a); err != nil {
			e.log.Warn("alert ledger write failed", zap.Error(err))
		}
	}
}

func (e *Emitter) appendToFile(line string) error {
	dir := filepath.Dir(e.alertLogPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}

	f, err := os.OpenFile(e.alertLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %q: %w", e.alertLogPath, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write %q: %w", e.alertLogPath, err)
	}
	return nil
}

func (e *Emitter) sendSyslog(a Alert) error {
	w, err := syslog.New(syslog.LOG_AUTH|syslog.LOG_WARNING, "ids")
	if err != nil {
		return fmt.Errorf("syslog.New: %w", err)
	}
	defer w.Close()

	msg := fmt.Sprintf("%s: %s", a.Risk, a.Message)
	if err := w.Warning(msg); err != nil {
		return fmt.Errorf("syslog warning: %w", err)
	}
	return nil
}
