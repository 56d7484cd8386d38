// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package identify

import (
	"bytes"
	"strings"
)

// Well-known port to application mapping, used when payload inspection
// yields nothing.
var portApplications = map[uint16]string{
	20:    "FTP",
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	123:   "NTP",
	143:   "IMAP",
	161:   "SNMP",
	443:   "HTTPS",
	465:   "SMTPS",
	587:   "SMTP",
	993:   "IMAPS",
	995:   "POP3S",
	1194:  "OpenVPN",
	1883:  "MQTT",
	3306:  "MySQL",
	3389:  "RDP",
	5060:  "SIP",
	5222:  "XMPP",
	5353:  "mDNS",
	5432:  "PostgreSQL",
	6379:  "Redis",
	8080:  "HTTP",
	8443:  "HTTPS",
	8883:  "MQTT",
	9090:  "HTTP",
	27017: "MongoDB",
	51820: "WireGuard",
}

// ALPN protocol identifiers to application names.
var alpnApplications = map[string]string{
	"h2":       "HTTP/2",
	"h3":       "HTTP/3",
	"http/1.1": "HTTPS",
	"dot":      "DNS-over-TLS",
	"doq":      "DNS-over-QUIC",
	"mqtt":     "MQTT",
}

// ClassifyApplication picks an application label. ALPN wins over the
// payload classifier, which wins over the well-known port table.
func (s *Service) ClassifyApplication(alpn string, payload []byte, srcPort, dstPort uint16) string {
	if alpn != "" {
		if app, ok := alpnApplications[alpn]; ok {
			return app
		}
	}
	if s.opts.DPI {
		if app := classifyPayload(payload); app != "" {
			return app
		}
	}
	if app, ok := portApplications[dstPort]; ok {
		return app
	}
	if app, ok := portApplications[srcPort]; ok {
		return app
	}
	return ""
}

// classifyPayload recognises a handful of protocols from their first
// payload bytes.
func classifyPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(payload, []byte("SSH-")):
		return "SSH"
	case payload[0] == recordTypeHandshake && len(payload) > 5 && payload[5] == handshakeClientHello:
		return "HTTPS"
	case bytes.HasPrefix(payload, []byte("HTTP/")):
		return "HTTP"
	case payload[0] == 0x10 && len(payload) > 8 && bytes.Contains(payload[:8], []byte("MQTT")):
		return "MQTT"
	case bytes.HasPrefix(payload, []byte("BitTorrent protocol")):
		return "BitTorrent"
	case bytes.HasPrefix(payload, []byte("RTSP/")):
		return "RTSP"
	case bytes.HasPrefix(payload, []byte("SIP/")) || bytes.HasPrefix(payload, []byte("INVITE ")):
		return "SIP"
	}

	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, []byte(m)) {
			return "HTTP"
		}
	}
	return ""
}

// FingerprintBanner extracts a service banner from the first server
// payload of a flow, used for OS and service hints on the device.
func (s *Service) FingerprintBanner(payload []byte, srcPort uint16) string {
	if !s.opts.Fingerprint || len(payload) == 0 {
		return ""
	}

	switch srcPort {
	case 22:
		if bytes.HasPrefix(payload, []byte("SSH-")) {
			return firstLine(payload)
		}
	case 21, 25, 110, 143, 587:
		// Text protocols announce themselves with a numeric status line.
		if len(payload) > 4 && payload[0] >= '1' && payload[0] <= '5' {
			return firstLine(payload)
		}
	case 80, 8080:
		if bytes.HasPrefix(payload, []byte("HTTP/")) {
			return serverHeader(payload)
		}
	}
	return ""
}

func firstLine(payload []byte) string {
	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		payload = payload[:idx]
	}
	line := strings.TrimRight(string(payload), "\r")
	if len(line) > 128 {
		line = line[:128]
	}
	return line
}

func serverHeader(payload []byte) string {
	for _, line := range strings.Split(string(payload), "\r\n") {
		if v, ok := strings.CutPrefix(line, "Server: "); ok {
			return v
		}
		if line == "" {
			break
		}
	}
	return ""
}
