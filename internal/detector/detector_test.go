package detector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentryd/sentryd/internal/alert"
	"github.com/sentryd/sentryd/internal/config"
)

func newTestDetector(t *testing.T) (*Detector, *[]alert.Alert) {
	t.Helper()
	cfg := config.Defaults()
	var captured []alert.Alert
	// The detector's only observable side effect is alert.Emitter.Emit, so
	// tests capture alerts via the Ledger sink rather than re-parsing
	// stdout or the alert log file.
	em := alert.NewEmitter(filepath.Join(t.TempDir(), "ids_alert.log"), zap.NewNop(), alert.Sinks{
		Ledger: func(a alert.Alert) error {
			captured = append(captured, a)
			return nil
		},
	})
	return New(&cfg, zap.NewNop(), em), &captured
}

func TestExtractIPLeftmostMatch(t *testing.T) {
	cases := map[string]string{
		"Failed password for root from 10.0.0.5 port 22":      "10.0.0.5",
		"no ip here":                                          "",
		"two ips 1.2.3.4 and 5.6.7.8 in one line":              "1.2.3.4",
		"IPv6 ::1 should never match":                         "",
		"trailing dot 192.168.1.1.":                           "192.168.1.1",
	}
	for line, want := range cases {
		if got := ExtractIP(line); got != want {
			t.Errorf("ExtractIP(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestSSHBruteForceFiresAtThresholdAndClears(t *testing.T) {
	d, captured := newTestDetector(t)
	line := "Failed password for root from 10.0.0.9 port 22 ssh2"

	for i := 0; i < 4; i++ {
		d.analyzeSSHLine(line)
	}
	if len(*captured) != 0 {
		t.Fatalf("expected no alert before threshold, got %d", len(*captured))
	}

	d.analyzeSSHLine(line)
	if len(*captured) != 1 {
		t.Fatalf("expected exactly 1 alert at threshold, got %d", len(*captured))
	}
	a := (*captured)[0]
	if a.Type != alert.TypeSSHBruteForce || a.Risk != alert.RiskCritical {
		t.Errorf("unexpected alert fields: %+v", a)
	}
	if _, tracked := d.sshAttempts["10.0.0.9"]; tracked {
		t.Error("ssh attempts tracker should be cleared after firing")
	}
}

func TestSSHAttemptsBelowThresholdNeverFires(t *testing.T) {
	d, captured := newTestDetector(t)
	line := "Invalid user bob from 10.0.0.1"
	for i := 0; i < 4; i++ {
		d.analyzeSSHLine(line)
	}
	if len(*captured) != 0 {
		t.Fatalf("expected 0 alerts, got %d", len(*captured))
	}
}

func TestSSHPortScanSignatureUsesConfiguredSSHPort(t *testing.T) {
	d, _ := newTestDetector(t)
	line := "10.0.0.3: Did not receive identification string from client"
	d.analyzeSSHLine(line)

	ports, ok := d.portScans["10.0.0.3"]
	if !ok {
		t.Fatal("expected port-scan entry for 10.0.0.3")
	}
	if _, has := ports[22]; !has {
		t.Errorf("expected port 22 recorded, got %v", ports)
	}
}

func TestWebEnumerationFirstMatchWinsOnePerLine(t *testing.T) {
	d, captured := newTestDetector(t)
	// Line matches both /admin and robots.txt — /admin comes first in the
	// ordered pattern list and must be the only alert raised.
	line := `10.0.0.7 - - "GET /admin/robots.txt HTTP/1.1" 200`
	d.analyzeWebLine(line)

	if len(*captured) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(*captured))
	}
	if (*captured)[0].Count != 1 {
		t.Errorf("web enum alert count = %d, want 1", (*captured)[0].Count)
	}
}

func TestWebEnumerationCaseInsensitive(t *testing.T) {
	d, captured := newTestDetector(t)
	d.analyzeWebLine(`10.0.0.7 - - "GET /WP-ADMIN/setup.php HTTP/1.1" 200`)
	if len(*captured) != 1 {
		t.Fatalf("expected case-insensitive match to fire, got %d alerts", len(*captured))
	}
}

func TestWebRequestRateAloneNeverAlerts(t *testing.T) {
	d, captured := newTestDetector(t)
	for i := 0; i < 50; i++ {
		d.analyzeWebLine("10.0.0.2 - - \"GET / HTTP/1.1\" 200")
	}
	if len(*captured) != 0 {
		t.Fatalf("plain GET / requests must never alert, got %d", len(*captured))
	}
}

func TestPortScanFiresAtThresholdAndClears(t *testing.T) {
	d, captured := newTestDetector(t)
	d.cfg.Detection.PortScanThreshold = 3

	d.AnalyzePacket("10.0.0.4", 80, "TCP", 0)
	d.AnalyzePacket("10.0.0.4", 443, "TCP", 0)
	if len(*captured) != 0 {
		t.Fatalf("expected no alert before threshold, got %d", len(*captured))
	}
	d.AnalyzePacket("10.0.0.4", 8080, "TCP", 0)
	if len(*captured) != 1 {
		t.Fatalf("expected exactly 1 alert at threshold, got %d", len(*captured))
	}
	if _, tracked := d.portScans["10.0.0.4"]; tracked {
		t.Error("port scan tracker should be cleared after firing")
	}
}

func TestSynFloodStrictlyGreaterThanThreshold(t *testing.T) {
	d, captured := newTestDetector(t)
	d.cfg.Detection.SynFloodThreshold = 3

	for i := 0; i < 3; i++ {
		d.AnalyzePacket("10.0.0.6", 80, "TCP", 0x02)
	}
	if len(*captured) != 0 {
		t.Fatalf("count == threshold must not fire (strict >), got %d alerts", len(*captured))
	}

	d.AnalyzePacket("10.0.0.6", 80, "TCP", 0x02)
	if len(*captured) != 1 {
		t.Fatalf("count > threshold must fire, got %d alerts", len(*captured))
	}
}

func TestSynFloodRequiresSYNFlagAndTCP(t *testing.T) {
	d, captured := newTestDetector(t)
	d.cfg.Detection.SynFloodThreshold = 1

	d.AnalyzePacket("10.0.0.8", 80, "TCP", 0x10) // ACK only, no SYN
	d.AnalyzePacket("10.0.0.8", 80, "UDP", 0x02) // SYN bit meaningless for UDP
	if len(*captured) != 0 {
		t.Fatalf("expected no SYN-flood alerts, got %d", len(*captured))
	}
}

func TestCleanupEvictsWindowStaleButKeepsShells(t *testing.T) {
	d, _ := newTestDetector(t)
	d.cfg.Detection.SSHWindow = 0 // force immediate eviction on cleanup

	d.sshAttempts["10.0.0.1"] = []time.Time{time.Now()}
	d.CleanupStaleEntries()

	attempts, ok := d.sshAttempts["10.0.0.1"]
	if !ok {
		t.Fatal("expected ssh_attempts map shell to be retained")
	}
	if len(attempts) != 0 {
		t.Errorf("expected stale attempts evicted, got %d remaining", len(attempts))
	}
}

func TestCleanupRemovesEmptyPortScanSets(t *testing.T) {
	d, _ := newTestDetector(t)
	d.portScans["10.0.0.1"] = map[uint16]struct{}{}
	d.CleanupStaleEntries()
	if _, ok := d.portScans["10.0.0.1"]; ok {
		t.Error("expected empty port scan set to be removed")
	}
}

func TestTailFromEndColdStartSkipsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(path, []byte("Failed password for root from 10.0.0.9 port 22 ssh2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, captured := newTestDetector(t)
	d.cfg.Detection.SSHLogPath = path

	d.MonitorLogs()
	if len(*captured) != 0 {
		t.Fatalf("cold start must not process pre-existing content, got %d alerts", len(*captured))
	}
	if _, ok := d.lastPositions[path]; !ok {
		t.Fatal("expected offset to be recorded on cold start")
	}
}

func TestTailFollowsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	d, captured := newTestDetector(t)
	d.cfg.Detection.SSHLogPath = path
	d.cfg.Detection.SSHAttemptsThreshold = 1

	d.MonitorLogs() // cold start, sets offset to EOF (0)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("Failed password for root from 10.0.0.9 port 22 ssh2\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d.MonitorLogs()
	if len(*captured) != 1 {
		t.Fatalf("expected 1 alert after appended line, got %d", len(*captured))
	}
}
