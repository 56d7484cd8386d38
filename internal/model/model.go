// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model defines the persisted entities shared across the
// pipeline: finalised flows, devices and threats. Timestamps are Unix
// milliseconds to match the on-disk schema and the wire format.
package model

import "time"

// Flow status values.
const (
	FlowStatusActive = "active"
	FlowStatusClosed = "closed"
)

// Connection states tracked for TCP flows.
const (
	StateInit        = "INIT"
	StateSynSent     = "SYN_SENT"
	StateEstablished = "ESTABLISHED"
	StateFinWait     = "FIN_WAIT"
	StateClosed      = "CLOSED"
	StateReset       = "RESET"
)

// Threat severities and kinds.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	ThreatScan         = "scan"
	ThreatExfiltration = "exfiltration"
	ThreatDDoS         = "ddos"
	ThreatPhishing     = "phishing"
	ThreatAnomaly      = "anomaly"
)

// Connection quality grades derived from RTT and retransmission rate.
const (
	QualityGood = "good"
	QualityFair = "fair"
	QualityPoor = "poor"
)

// Flow is a finalised bidirectional flow as persisted and published.
type Flow struct {
	ID         string `json:"id"`
	DeviceID   string `json:"deviceId"`
	SourceIP   string `json:"sourceIp"`
	SourcePort uint16 `json:"sourcePort"`
	DestIP     string `json:"destIp"`
	DestPort   uint16 `json:"destPort"`
	Protocol   string `json:"protocol"`

	BytesIn    int64 `json:"bytesIn"`
	BytesOut   int64 `json:"bytesOut"`
	PacketsIn  int64 `json:"packetsIn"`
	PacketsOut int64 `json:"packetsOut"`

	FirstSeen  int64 `json:"firstSeen"` // Unix ms
	LastSeen   int64 `json:"lastSeen"`  // Unix ms
	DurationMs int64 `json:"duration"`

	Status string `json:"status"`

	// Enrichment
	Domain          string  `json:"domain,omitempty"`
	SNI             string  `json:"sni,omitempty"`
	Application     string  `json:"application,omitempty"`
	HTTPMethod      string  `json:"httpMethod,omitempty"`
	URL             string  `json:"url,omitempty"`
	UserAgent       string  `json:"userAgent,omitempty"`
	DNSQueryType    string  `json:"dnsQueryType,omitempty"`
	DNSResponseCode string  `json:"dnsResponseCode,omitempty"`
	Country         string  `json:"country,omitempty"`
	City            string  `json:"city,omitempty"`
	ASN             uint    `json:"asn,omitempty"`
	TCPFlags        string  `json:"tcpFlags,omitempty"` // union over lifetime, e.g. "SYN,ACK,FIN"
	TTL             uint8   `json:"ttl,omitempty"`      // first observed
	ConnectionState string  `json:"connectionState,omitempty"`
	RTTMs           float64 `json:"rtt,omitempty"`
	JitterMs        float64 `json:"jitter,omitempty"`
	Retransmissions int64   `json:"retransmissions,omitempty"`
	JA3             string  `json:"ja3,omitempty"`

	ThreatLevel string `json:"threatLevel"`
}

// Device is a known endpoint on the monitored segment.
type Device struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Vendor          string            `json:"vendor"`
	IP              string            `json:"ip"`
	MAC             string            `json:"mac"`
	OS              string            `json:"os,omitempty"`
	FirstSeen       int64             `json:"firstSeen"`
	LastSeen        int64             `json:"lastSeen"`
	TotalBytes      int64             `json:"totalBytes"`
	ConnectionCount int64             `json:"connectionCount"`
	ThreatScore     float64           `json:"threatScore"`
	Notes           string            `json:"notes,omitempty"`
	Applications    []string          `json:"applications,omitempty"`
	IPv6Support     bool              `json:"ipv6Support"`
	AvgRTT          float64           `json:"avgRtt,omitempty"`
	Quality         string            `json:"connectionQuality,omitempty"`
	Behavioural     map[string]string `json:"behavioural,omitempty"`
}

// Threat is a scored finding raised against a finalised flow.
type Threat struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Severity    string            `json:"severity"`
	Score       int               `json:"score"` // 0-100
	DeviceID    string            `json:"deviceId"`
	FlowID      string            `json:"flowId"`
	Description string            `json:"description"`
	FirstSeen   int64             `json:"firstSeen"`
	LastSeen    int64             `json:"lastSeen"`
	Active      bool              `json:"active"`
	Evidence    map[string]string `json:"evidence,omitempty"`
}

// DevicePatch carries operator-supplied fields for UpdateDevice. Nil
// pointers leave the stored value untouched; patched fields are never
// overwritten by inference afterwards.
type DevicePatch struct {
	Name  *string `json:"name,omitempty"`
	Type  *string `json:"type,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

// FlowFilter narrows flow queries.
type FlowFilter struct {
	Limit       int
	Offset      int
	DeviceID    string
	Status      string
	Protocol    string
	StartTime   int64 // Unix ms, inclusive
	EndTime     int64 // Unix ms, inclusive
	SourceIP    string
	DestIP      string
	ThreatLevel string
	MinBytes    int64
}

// UnixMilli converts a time to the persisted millisecond representation.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

// SeverityForScore maps an aggregate rule score to a severity, or ""
// when the score is below the reporting floor.
func SeverityForScore(score int) string {
	switch {
	case score >= 70:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 30:
		return SeverityMedium
	case score >= 15:
		return SeverityLow
	default:
		return ""
	}
}
