package alert

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestEmitWritesAlertLogFileCreatingDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ids_alert.log")

	e := NewEmitter(path, zap.NewNop(), Sinks{})
	a := New(TypeSSHBruteForce, RiskCritical, "10.0.0.5", "5 attempts in 60 seconds", 5)
	e.Emit(a)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("alert log not written: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "SSH_BRUTE_FORCE") {
		t.Errorf("alert line missing type: %q", got)
	}
	if !strings.Contains(got, "10.0.0.5") {
		t.Errorf("alert line missing source IP: %q", got)
	}
	if !strings.Contains(got, "CRITICAL") {
		t.Errorf("alert line missing risk: %q", got)
	}
}

func TestEmitAppendsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids_alert.log")
	e := NewEmitter(path, zap.NewNop(), Sinks{})

	e.Emit(New(TypePortScan, RiskHigh, "10.0.0.1", "first", 100))
	e.Emit(New(TypePortScan, RiskHigh, "10.0.0.2", "second", 100))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 appended lines, got %d: %v", len(lines), lines)
	}
}

func TestEmitCallsMetricsAndLedgerSinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids_alert.log")

	var gotType Type
	var gotRisk Risk
	var ledgerCalled bool

	sinks := Sinks{
		Metrics: func(t Type, r Risk) { gotType, gotRisk = t, r },
		Ledger: func(a Alert) error {
			ledgerCalled = true
			return nil
		},
	}
	e := NewEmitter(path, zap.NewNop(), sinks)
	e.Emit(New(TypeDDOS, RiskCritical, "1.2.3.4", "flood", 600))

	if gotType != TypeDDOS || gotRisk != RiskCritical {
		t.Errorf("metrics sink got (%v, %v)", gotType, gotRisk)
	}
	if !ledgerCalled {
		t.Error("ledger sink not called")
	}
}

func TestEmitSurvivesLedgerFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids_alert.log")

	sinks := Sinks{
		Ledger: func(a Alert) error { return os.ErrClosed },
	}
	e := NewEmitter(path, zap.NewNop(), sinks)

	// Must not panic even though the ledger sink always errors, and the
	// file sink must still succeed.
	e.Emit(New(TypeWebEnum, RiskMedium, "8.8.8.8", "enum", 1))

	if _, err := os.Stat(path); err != nil {
		t.Errorf("alert log should still be written despite ledger failure: %v", err)
	}
}
