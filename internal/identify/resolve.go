// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package identify

import (
	"context"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"grimm.is/netinsight/internal/clock"
)

// ptrResolver performs a single PTR lookup. Swapped out in tests.
type ptrResolver interface {
	lookupPTR(ctx context.Context, addr netip.Addr) (string, error)
}

type systemResolver struct {
	client  *dns.Client
	servers []string
}

func newSystemResolver() *systemResolver {
	r := &systemResolver{client: new(dns.Client)}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, srv := range conf.Servers {
			r.servers = append(r.servers, srv+":"+conf.Port)
		}
	}
	if len(r.servers) == 0 {
		r.servers = []string{"127.0.0.1:53"}
	}
	return r
}

func (r *systemResolver) lookupPTR(ctx context.Context, addr netip.Addr) (string, error) {
	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", err
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		return "", nil
	}
	return "", lastErr
}

// Resolve returns the reverse-DNS name for addr, or "" when no PTR
// record exists or every attempt failed. Positive and negative results
// are cached so a chatty peer costs at most one lookup per hour.
func (s *Service) Resolve(ctx context.Context, addr netip.Addr) string {
	if !s.opts.ReverseDNS || !addr.IsValid() {
		return ""
	}

	s.rdnsMu.Lock()
	if entry, ok := s.rdns[addr]; ok && clock.Since(entry.seen) < rdnsCacheTTL {
		s.rdnsMu.Unlock()
		return entry.name
	}
	s.rdnsMu.Unlock()

	name := s.lookupWithRetry(ctx, addr)

	s.rdnsMu.Lock()
	s.rdns[addr] = rdnsEntry{name: name, seen: clock.Now()}
	if len(s.rdns) > s.opts.MaxDNSEntries {
		s.pruneRDNSLocked()
	}
	s.rdnsMu.Unlock()

	return name
}

func (s *Service) lookupWithRetry(ctx context.Context, addr netip.Addr) string {
	attempts := s.opts.ReverseRetries + 1
	for i := 0; i < attempts; i++ {
		lookupCtx, cancel := context.WithTimeout(ctx, s.opts.ReverseTimeout)
		name, err := s.resolver.lookupPTR(lookupCtx, addr)
		cancel()
		if err == nil {
			return name
		}
		if ctx.Err() != nil {
			return ""
		}
	}
	return ""
}

// pruneRDNSLocked drops expired entries, then the oldest if still over
// capacity. Caller holds rdnsMu.
func (s *Service) pruneRDNSLocked() {
	now := clock.Now()
	for a, e := range s.rdns {
		if now.Sub(e.seen) > rdnsCacheTTL {
			delete(s.rdns, a)
		}
	}
	for len(s.rdns) > s.opts.MaxDNSEntries {
		var oldestAddr netip.Addr
		first := true
		for a, e := range s.rdns {
			if first || e.seen.Before(s.rdns[oldestAddr].seen) {
				oldestAddr = a
				first = false
			}
		}
		delete(s.rdns, oldestAddr)
	}
}
