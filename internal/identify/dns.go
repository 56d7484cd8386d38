// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package identify

import (
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"grimm.is/netinsight/internal/capture"
)

// DNSInfo summarises a single observed DNS message for flow enrichment.
type DNSInfo struct {
	QueryName    string
	QueryType    string
	ResponseCode string
	IsResponse   bool
	Failed       bool // response with a non-NOERROR rcode
}

// ObserveDNS inspects a packet for DNS payload on port 53. Answer
// records are tracked so later flows to the answered addresses can be
// named. Returns nil when the packet carries no parseable DNS message.
func (s *Service) ObserveDNS(p *capture.Packet) *DNSInfo {
	if !s.opts.DNSTracking {
		return nil
	}
	if p.SrcPort != 53 && p.DstPort != 53 {
		return nil
	}
	if len(p.Payload) == 0 {
		return nil
	}

	payload := p.Payload
	if p.Protocol == "TCP" {
		// DNS over TCP prefixes the message with a 2-byte length.
		if len(payload) < 2 {
			return nil
		}
		payload = payload[2:]
	}

	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil {
		return nil
	}

	info := &DNSInfo{IsResponse: msg.Response}
	if len(msg.Question) > 0 {
		q := msg.Question[0]
		info.QueryName = strings.TrimSuffix(q.Name, ".")
		info.QueryType = dns.TypeToString[q.Qtype]
	}

	if !msg.Response {
		return info
	}

	info.ResponseCode = dns.RcodeToString[msg.Rcode]
	info.Failed = msg.Rcode != dns.RcodeSuccess

	for _, rr := range msg.Answer {
		var addr netip.Addr
		switch a := rr.(type) {
		case *dns.A:
			addr, _ = netip.AddrFromSlice(a.A)
		case *dns.AAAA:
			addr, _ = netip.AddrFromSlice(a.AAAA)
		default:
			continue
		}
		if addr.IsValid() && info.QueryName != "" {
			s.track(addr.Unmap(), info.QueryName)
		}
	}

	return info
}
