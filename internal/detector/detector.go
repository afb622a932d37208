// Package detector implements the stateful per-source-IP detection engine:
// SSH brute force, SSH-signature port scanning, web enumeration, TCP/UDP
// port scanning, and SYN flood tracking, plus tail-from-end log following.
//
// Detector holds no internal locking. Callers (internal/harness) must
// serialize all access to a single Detector behind one mutex — this
// package assumes exclusive access per call, matching the single-writer
// concurrency model the daemon is built around.
package detector

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentryd/sentryd/internal/alert"
	"github.com/sentryd/sentryd/internal/config"
)

// sshFailedAuthPatterns capture the source IP of a failed SSH authentication
// attempt. Order does not matter — each is tried independently per line.
var sshFailedAuthPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Failed password for .* from (\d+\.\d+\.\d+\.\d+)`),
	regexp.MustCompile(`Invalid user .* from (\d+\.\d+\.\d+\.\d+)`),
	regexp.MustCompile(`authentication failure.*rhost=(\d+\.\d+\.\d+\.\d+)`),
}

// ipPattern extracts the first dotted-quad substring in a line. No octet
// range validation is performed and IPv6 addresses are never matched.
var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// webEnumPattern pairs a case-insensitive regex with the description used in
// the resulting alert message. Order matters: the first match wins and at
// most one alert is raised per line.
type webEnumPattern struct {
	re   *regexp.Regexp
	desc string
}

var webEnumPatterns = []webEnumPattern{
	{regexp.MustCompile(`/admin`), "admin access"},
	{regexp.MustCompile(`/wp-admin`), "WordPress admin"},
	{regexp.MustCompile(`\.git/`), "git directory"},
	{regexp.MustCompile(`/backup`), "backup directory"},
	{regexp.MustCompile(`/phpmyadmin`), "phpMyAdmin"},
	{regexp.MustCompile(`/server-status`), "Apache status"},
	{regexp.MustCompile(`/cgi-bin/`), "CGI scripts"},
	{regexp.MustCompile(`robots\.txt`), "robots file"},
	{regexp.MustCompile(`union.*select`), "SQL injection"},
	{regexp.MustCompile(`<script>`), "XSS attempt"},
	{regexp.MustCompile(`\.\./`), "directory traversal"},
	{regexp.MustCompile(`\.env`), "environment file"},
	{regexp.MustCompile(`/wp-json`), "WordPress API"},
	{regexp.MustCompile(`xmlrpc\.php`), "XML-RPC"},
}

// Detector holds all per-source-IP state for one detection engine instance.
type Detector struct {
	cfg *config.Config
	log *zap.Logger
	em  *alert.Emitter

	sshAttempts    map[string][]time.Time
	webRequests    map[string][]time.Time
	portScans      map[string]map[uint16]struct{}
	synConnections map[string][]time.Time
	lastPositions  map[string]int64
}

// New creates an empty Detector. cfg and log must not be nil.
func New(cfg *config.Config, log *zap.Logger, em *alert.Emitter) *Detector {
	return &Detector{
		cfg:            cfg,
		log:            log,
		em:             em,
		sshAttempts:    make(map[string][]time.Time),
		webRequests:    make(map[string][]time.Time),
		portScans:      make(map[string]map[uint16]struct{}),
		synConnections: make(map[string][]time.Time),
		lastPositions:  make(map[string]int64),
	}
}

// TailStats reports the outcome of one tailFile pass, keyed by source
// ("ssh" or "web") so callers can feed it to per-source metrics.
type TailStats struct {
	Source    string
	BytesRead int64
	Errored   bool
}

// MonitorLogs tails both the SSH and web logs once, dispatching any new
// lines to their respective analyzers, and reports per-source tail stats
// for the caller to fold into metrics.
func (d *Detector) MonitorLogs() []TailStats {
	return []TailStats{
		d.tailFile("ssh", d.cfg.Detection.SSHLogPath, d.analyzeSSHLine),
		d.tailFile("web", d.cfg.Detection.WebLogPath, d.analyzeWebLine),
	}
}

// tailFile implements tail-from-end log following: on first observation of
// path (no recorded offset), the offset is set to the file's current end
// and the call returns without processing any existing content. On
// subsequent calls, the file is seeked to the last offset and every line
// up to EOF, including a final line with no trailing newline, is handed to
// analyze. A seek failure is logged and the pass for this file is skipped.
// Truncation or rotation is not detected: a file that shrank below the
// stored offset still seeks without error, nothing is read, and the offset
// is left unchanged.
func (d *Detector) tailFile(source, path string, analyze func(line string)) TailStats {
	f, err := os.Open(path)
	if err != nil {
		d.log.Debug("tail: open failed", zap.String("path", path), zap.Error(err))
		return TailStats{Source: source, Errored: true}
	}
	defer f.Close()

	offset, known := d.lastPositions[path]
	if !known {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			d.log.Warn("tail: seek to end failed", zap.String("path", path), zap.Error(err))
			return TailStats{Source: source, Errored: true}
		}
		d.lastPositions[path] = end
		return TailStats{Source: source}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		d.log.Warn("tail: seek to offset failed", zap.String("path", path), zap.Error(err))
		return TailStats{Source: source, Errored: true}
	}

	reader := bufio.NewReader(f)
	newOffset := offset
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			analyze(line)
			newOffset += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	bytesRead := newOffset - offset
	d.lastPositions[path] = newOffset
	return TailStats{Source: source, BytesRead: bytesRead}
}

// analyzeSSHLine checks one auth-log line for failed-authentication
// patterns and for the SSH port-scan signature lines.
func (d *Detector) analyzeSSHLine(line string) {
	for _, re := range sshFailedAuthPatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			d.trackSSHAttempt(m[1])
		}
	}

	if strings.Contains(line, "Did not receive identification string") ||
		strings.Contains(line, "Bad protocol version identification") {
		if ip := ExtractIP(line); ip != "" {
			d.detectPortScan(ip, d.cfg.Detection.SSHPort)
		}
	}
}

// trackSSHAttempt appends a failed-auth timestamp for ip, evicts entries
// outside the configured window, and raises SSH_BRUTE_FORCE once the
// threshold is met, clearing the tracker afterward.
func (d *Detector) trackSSHAttempt(ip string) {
	now := time.Now()
	window := d.cfg.Detection.SSHWindow

	attempts := evictWindow(d.sshAttempts[ip], now, window)
	attempts = append(attempts, now)
	d.sshAttempts[ip] = attempts

	if len(attempts) >= d.cfg.Detection.SSHAttemptsThreshold {
		d.em.Emit(alert.New(alert.TypeSSHBruteForce, alert.RiskCritical, ip,
			fmt.Sprintf("Brute force SSH detected: %d attempts in %.0f seconds",
				len(attempts), window.Seconds()),
			len(attempts)))
		delete(d.sshAttempts, ip)
	}
}

// analyzeWebLine extracts the source IP from a web access log line, tracks
// its request rate, and checks for enumeration signatures.
func (d *Detector) analyzeWebLine(line string) {
	ip := ExtractIP(line)
	if ip == "" {
		return
	}
	d.trackWebRequest(ip)
	d.detectWebEnumeration(ip, line)
}

// trackWebRequest appends a request timestamp for ip, evicting entries
// outside the configured window. Request rate alone never raises an alert.
func (d *Detector) trackWebRequest(ip string) {
	now := time.Now()
	d.webRequests[ip] = append(evictWindow(d.webRequests[ip], now, d.cfg.Detection.WebWindow), now)
}

// detectWebEnumeration matches line against the ordered enumeration
// patterns, case-insensitively. The first match raises one WEB_ENUM alert
// and stops; at most one alert is raised per line.
func (d *Detector) detectWebEnumeration(ip, line string) bool {
	lower := strings.ToLower(line)
	for _, p := range webEnumPatterns {
		if p.re.MatchString(lower) {
			d.em.Emit(alert.New(alert.TypeWebEnum, alert.RiskMedium, ip,
				fmt.Sprintf("web enumeration detected: %s", p.desc), 1))
			return true
		}
	}
	return false
}

// AnalyzePacket is the packet analysis entrypoint. Port-scan tracking
// always runs; SYN-flood tracking additionally runs when protocol is "TCP"
// and the SYN flag (0x02) is set in flags.
func (d *Detector) AnalyzePacket(sourceIP string, destPort uint16, protocol string, flags uint8) {
	d.detectPortScan(sourceIP, destPort)

	if protocol == "TCP" && flags&0x02 != 0 {
		d.detectSynFloodDDoS(sourceIP)
	}
}

// detectPortScan records destPort against sourceIP's port set. Port scans
// are never evicted by time. Once the set reaches the configured threshold
// a PORT_SCAN alert is raised and the set is cleared.
func (d *Detector) detectPortScan(sourceIP string, destPort uint16) {
	ports, ok := d.portScans[sourceIP]
	if !ok {
		ports = make(map[uint16]struct{})
		d.portScans[sourceIP] = ports
	}
	ports[destPort] = struct{}{}

	if len(ports) >= d.cfg.Detection.PortScanThreshold {
		d.em.Emit(alert.New(alert.TypePortScan, alert.RiskHigh, sourceIP,
			fmt.Sprintf("Port scan detected: %d distinct ports", len(ports)), len(ports)))
		delete(d.portScans, sourceIP)
	}
}

// detectSynFloodDDoS appends a SYN timestamp for sourceIP, evicts entries
// outside the configured SYN window (default 1s), and raises a DDOS alert once the count
// strictly exceeds the configured threshold, clearing the tracker after.
func (d *Detector) detectSynFloodDDoS(sourceIP string) {
	now := time.Now()
	window := d.cfg.Detection.SynWindow

	syns := evictWindow(d.synConnections[sourceIP], now, window)
	syns = append(syns, now)
	d.synConnections[sourceIP] = syns

	if len(syns) > d.cfg.Detection.SynFloodThreshold {
		d.em.Emit(alert.New(alert.TypeDDOS, alert.RiskCritical, sourceIP,
			fmt.Sprintf("SYN Flood DDOS detected: %d SYN/second", len(syns)), len(syns)))
		delete(d.synConnections, sourceIP)
	}
}

// CleanupStaleEntries evicts window-expired SSH attempt and web request
// timestamps, and drops port-scan entries whose set has emptied. Map
// shells for SSH attempts and web requests are retained even when empty.
func (d *Detector) CleanupStaleEntries() {
	now := time.Now()
	for ip, attempts := range d.sshAttempts {
		d.sshAttempts[ip] = evictWindow(attempts, now, d.cfg.Detection.SSHWindow)
	}
	for ip, requests := range d.webRequests {
		d.webRequests[ip] = evictWindow(requests, now, d.cfg.Detection.WebWindow)
	}
	for ip, ports := range d.portScans {
		if len(ports) == 0 {
			delete(d.portScans, ip)
		}
	}
}

// ExtractIP returns the first dotted-quad substring in line, or "" if none
// is present. No octet-range validation is performed and IPv6 addresses
// are never matched.
func ExtractIP(line string) string {
	return ipPattern.FindString(line)
}

// evictWindow returns the subset of times within window of now, preserving
// order. The input slice's backing array may be reused.
func evictWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}

// Snapshot is a read-only view of the detector's live per-IP state sizes,
// used by the operator status socket. Taking a snapshot does not mutate
// the detector.
type Snapshot struct {
	SSHAttemptIPs    int
	WebRequestIPs    int
	PortScanIPs      int
	SynConnectionIPs int
}

// Snapshot returns the current map sizes. Callers must hold whatever lock
// guards this Detector, the same as any other method.
func (d *Detector) Snapshot() Snapshot {
	return Snapshot{
		SSHAttemptIPs:    len(d.sshAttempts),
		WebRequestIPs:    len(d.webRequests),
		PortScanIPs:      len(d.portScans),
		SynConnectionIPs: len(d.synConnections),
	}
}
