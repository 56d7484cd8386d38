// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package threat scores finalised flows against a fixed ruleset. The
// engine is stateless across flows except for three short
// sliding-window counters per source (recent unanswered SYNs, recent
// RSTs and recent DNS failures).
package threat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/model"
)

const (
	slidingWindow     = 5 * time.Minute
	synScanThreshold  = 5
	rstBurstThreshold = 5
	dnsFailThreshold  = 10
	exfilBytesFloor   = 10 * 1024 * 1024
)

// finding is one rule's contribution to a flow's score.
type finding struct {
	rule     string
	kind     string
	score    int // 0-35
	detail   string
	evidence map[string]string
}

// Config carries the operator-tunable rule inputs.
type Config struct {
	SuspiciousPatterns []string // lowercase substrings matched against SNI and DNS names
	HighRiskCountries  []string // ISO country codes
}

// Engine evaluates the ruleset.
type Engine struct {
	cfg    Config
	logger *logging.Logger

	mu          sync.Mutex
	recentSYN   map[string][]time.Time
	recentRST   map[string][]time.Time
	recentDNSNX map[string][]time.Time
}

// NewEngine creates a threat engine. The pattern and country lists are
// copied; the caller's slices are never written to.
func NewEngine(cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.WithComponent("threat")
	}
	patterns := make([]string, len(cfg.SuspiciousPatterns))
	for i, p := range cfg.SuspiciousPatterns {
		patterns[i] = strings.ToLower(p)
	}
	countries := make([]string, len(cfg.HighRiskCountries))
	for i, c := range cfg.HighRiskCountries {
		countries[i] = strings.ToUpper(c)
	}
	cfg.SuspiciousPatterns = patterns
	cfg.HighRiskCountries = countries
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		recentSYN:   make(map[string][]time.Time),
		recentRST:   make(map[string][]time.Time),
		recentDNSNX: make(map[string][]time.Time),
	}
}

// Evaluate scores a finalised flow. It returns nil when the aggregate
// score stays below the reporting floor. A panicking rule is logged and
// skipped; the flow is still evaluated by the remaining rules.
func (e *Engine) Evaluate(f *model.Flow) *model.Threat {
	rules := []struct {
		name string
		eval func(*model.Flow) *finding
	}{
		{"tcp_anomaly", e.ruleTCPAnomaly},
		{"retransmission", e.ruleRetransmission},
		{"degraded_path", e.ruleDegradedPath},
		{"suspicious_name", e.ruleSuspiciousName},
		{"high_risk_geo", e.ruleHighRiskGeo},
		{"port_mismatch", e.rulePortMismatch},
		{"dns_failures", e.ruleDNSFailures},
		{"rst_burst", e.ruleRSTBurst},
	}

	var findings []finding
	for _, r := range rules {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Error("Rule panicked, skipping", "rule", r.name, "panic", rec)
				}
			}()
			if fd := r.eval(f); fd != nil {
				fd.rule = r.name
				findings = append(findings, *fd)
			}
		}()
	}

	if len(findings) == 0 {
		return nil
	}

	total := 0
	top := findings[0]
	var details []string
	evidence := make(map[string]string)
	for _, fd := range findings {
		total += fd.score
		details = append(details, fd.detail)
		if fd.score > top.score {
			top = fd
		}
		for k, v := range fd.evidence {
			evidence[k] = v
		}
		evidence["rule:"+fd.rule] = fmt.Sprintf("%d", fd.score)
	}
	if total > 100 {
		total = 100
	}

	severity := model.SeverityForScore(total)
	if severity == "" {
		return nil
	}

	now := model.UnixMilli(clock.Now())
	return &model.Threat{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Kind:        top.kind,
		Severity:    severity,
		Score:       total,
		DeviceID:    f.DeviceID,
		FlowID:      f.ID,
		Description: strings.Join(details, "; "),
		FirstSeen:   now,
		LastSeen:    now,
		Active:      true,
		Evidence:    evidence,
	}
}

func (e *Engine) ruleTCPAnomaly(f *model.Flow) *finding {
	if f.Protocol != "TCP" {
		return nil
	}
	hasSYN := strings.Contains(f.TCPFlags, "SYN")
	hasACK := strings.Contains(f.TCPFlags, "ACK")
	hasRST := strings.Contains(f.TCPFlags, "RST")

	switch {
	case hasRST && !hasSYN:
		return &finding{
			kind:   model.ThreatScan,
			score:  15,
			detail: fmt.Sprintf("RST without handshake from %s", f.SourceIP),
		}
	case hasSYN && !hasACK && f.ConnectionState == model.StateSynSent:
		// A lone unanswered SYN could be a flaky peer; a burst of
		// them from one source is a port scan.
		if n := e.bump(e.recentSYN, f.SourceIP); n >= synScanThreshold {
			return &finding{
				kind:     model.ThreatScan,
				score:    35,
				detail:   fmt.Sprintf("%d unanswered SYNs from %s in 5m", n, f.SourceIP),
				evidence: map[string]string{"synCount": fmt.Sprintf("%d", n)},
			}
		}
		return &finding{
			kind:   model.ThreatScan,
			score:  20,
			detail: fmt.Sprintf("unanswered SYN to %s:%d", f.DestIP, f.DestPort),
		}
	}
	return nil
}

func (e *Engine) ruleRetransmission(f *model.Flow) *finding {
	packets := f.PacketsIn + f.PacketsOut
	if packets < 10 || f.Retransmissions == 0 {
		return nil
	}
	ratio := float64(f.Retransmissions) / float64(packets)
	if ratio <= 0.10 {
		return nil
	}
	return &finding{
		kind:     model.ThreatDDoS,
		score:    15,
		detail:   fmt.Sprintf("retransmission ratio %.0f%%", ratio*100),
		evidence: map[string]string{"retransmissions": fmt.Sprintf("%d", f.Retransmissions)},
	}
}

func (e *Engine) ruleDegradedPath(f *model.Flow) *finding {
	if f.JitterMs > 50 && f.RTTMs > 300 {
		return &finding{
			kind:   model.ThreatDDoS,
			score:  10,
			detail: fmt.Sprintf("degraded path: rtt %.0fms jitter %.0fms", f.RTTMs, f.JitterMs),
		}
	}
	return nil
}

func (e *Engine) ruleSuspiciousName(f *model.Flow) *finding {
	for _, name := range []string{f.SNI, f.Domain} {
		if name == "" {
			continue
		}
		lower := strings.ToLower(name)
		for _, pat := range e.cfg.SuspiciousPatterns {
			if strings.Contains(lower, pat) {
				return &finding{
					kind:     model.ThreatPhishing,
					score:    25,
					detail:   fmt.Sprintf("name %q matches suspicious pattern %q", name, pat),
					evidence: map[string]string{"name": name, "pattern": pat},
				}
			}
		}
	}
	return nil
}

func (e *Engine) ruleHighRiskGeo(f *model.Flow) *finding {
	if f.Country == "" {
		return nil
	}
	risky := false
	for _, c := range e.cfg.HighRiskCountries {
		if f.Country == c {
			risky = true
			break
		}
	}
	if !risky {
		return nil
	}

	score := 15
	detail := fmt.Sprintf("traffic to high-risk country %s", f.Country)
	if f.BytesOut > exfilBytesFloor {
		score = 25
		detail = fmt.Sprintf("%d bytes sent to high-risk country %s", f.BytesOut, f.Country)
	}
	return &finding{
		kind:     model.ThreatExfiltration,
		score:    score,
		detail:   detail,
		evidence: map[string]string{"country": f.Country, "bytesOut": fmt.Sprintf("%d", f.BytesOut)},
	}
}

// Well-known ports whose traffic should classify to the matching
// application; anything else on them is suspicious.
var expectedApps = map[uint16]string{
	22:  "SSH",
	53:  "DNS",
	80:  "HTTP",
	443: "HTTPS",
}

func (e *Engine) rulePortMismatch(f *model.Flow) *finding {
	expected, ok := expectedApps[f.DestPort]
	if !ok || f.Application == "" || f.Application == expected {
		return nil
	}
	// HTTP upgrades on 443 and ALPN variants are fine.
	if f.DestPort == 443 && strings.HasPrefix(f.Application, "HTTP") {
		return nil
	}
	if f.DestPort == 53 && strings.HasPrefix(f.Application, "DNS") {
		return nil
	}
	return &finding{
		kind:     model.ThreatAnomaly,
		score:    10,
		detail:   fmt.Sprintf("%s traffic on port %d (expected %s)", f.Application, f.DestPort, expected),
		evidence: map[string]string{"application": f.Application},
	}
}

func (e *Engine) ruleDNSFailures(f *model.Flow) *finding {
	if f.DNSResponseCode == "" || f.DNSResponseCode == "NOERROR" {
		return nil
	}

	n := e.bump(e.recentDNSNX, f.SourceIP)
	if n < dnsFailThreshold {
		return nil
	}
	return &finding{
		kind:     model.ThreatAnomaly,
		score:    15,
		detail:   fmt.Sprintf("%d DNS failures from %s in 5m", n, f.SourceIP),
		evidence: map[string]string{"rcode": f.DNSResponseCode},
	}
}

func (e *Engine) ruleRSTBurst(f *model.Flow) *finding {
	if f.ConnectionState != model.StateReset {
		return nil
	}

	n := e.bump(e.recentRST, f.SourceIP)
	if n < rstBurstThreshold {
		return nil
	}
	return &finding{
		kind:   model.ThreatScan,
		score:  20,
		detail: fmt.Sprintf("%d reset connections from %s in 5m", n, f.SourceIP),
	}
}

// bump records an event for key and returns the count within the
// sliding window.
func (e *Engine) bump(m map[string][]time.Time, key string) int {
	now := clock.Now()
	cutoff := now.Add(-slidingWindow)

	e.mu.Lock()
	defer e.mu.Unlock()

	events := m[key]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m[key] = kept
	return len(kept)
}
