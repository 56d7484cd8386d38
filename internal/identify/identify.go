// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package identify maximises the chance of naming the remote peer of a
// flow. It tracks observed DNS answers, performs bounded reverse-DNS
// lookups, parses TLS ClientHellos for SNI/ALPN/JA3, extracts HTTP
// request metadata, and fingerprints services from first-payload bytes.
package identify

import (
	"net/netip"
	"sync"
	"time"

	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/logging"
)

// Options enables or disables the individual extractors. Zero value
// disables everything; use DefaultOptions for the production set.
type Options struct {
	DNSTracking    bool
	ReverseDNS     bool
	DPI            bool
	Fingerprint    bool
	SNI            bool
	ALPN           bool
	ReverseTimeout time.Duration
	ReverseRetries int
	MaxDNSEntries  int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DNSTracking:    true,
		ReverseDNS:     true,
		DPI:            true,
		Fingerprint:    true,
		SNI:            true,
		ALPN:           true,
		ReverseTimeout: 2 * time.Second,
		ReverseRetries: 2,
		MaxDNSEntries:  1000,
	}
}

type dnsEntry struct {
	name string
	seen time.Time
}

type rdnsEntry struct {
	name string // empty for cached negative results
	seen time.Time
}

// Service is the identifier. All methods are safe for concurrent use;
// only Resolve performs I/O and it is called at finalisation, never on
// the ingest path.
type Service struct {
	opts   Options
	logger *logging.Logger

	dnsMu     sync.Mutex
	dnsByAddr map[netip.Addr]dnsEntry

	rdnsMu sync.Mutex
	rdns   map[netip.Addr]rdnsEntry

	resolver ptrResolver
}

const (
	dnsTrackTTL  = time.Hour
	rdnsCacheTTL = time.Hour
)

// New creates an identifier service.
func New(opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("identify")
	}
	if opts.MaxDNSEntries <= 0 {
		opts.MaxDNSEntries = 1000
	}
	if opts.ReverseTimeout <= 0 {
		opts.ReverseTimeout = 2 * time.Second
	}
	return &Service{
		opts:      opts,
		logger:    logger,
		dnsByAddr: make(map[netip.Addr]dnsEntry),
		rdns:      make(map[netip.Addr]rdnsEntry),
		resolver:  newSystemResolver(),
	}
}

// DomainFor returns the most recently observed DNS name answering with
// addr, or "" if none is tracked.
func (s *Service) DomainFor(addr netip.Addr) string {
	if !s.opts.DNSTracking {
		return ""
	}

	s.dnsMu.Lock()
	defer s.dnsMu.Unlock()

	entry, ok := s.dnsByAddr[addr]
	if !ok {
		return ""
	}
	if clock.Since(entry.seen) > dnsTrackTTL {
		delete(s.dnsByAddr, addr)
		return ""
	}
	return entry.name
}

// track records an answer-address to query-name mapping, evicting the
// oldest entry when the cache is at capacity.
func (s *Service) track(addr netip.Addr, name string) {
	s.dnsMu.Lock()
	defer s.dnsMu.Unlock()

	if _, exists := s.dnsByAddr[addr]; !exists && len(s.dnsByAddr) >= s.opts.MaxDNSEntries {
		var oldestAddr netip.Addr
		var oldest time.Time
		for a, e := range s.dnsByAddr {
			if oldest.IsZero() || e.seen.Before(oldest) {
				oldestAddr, oldest = a, e.seen
			}
		}
		delete(s.dnsByAddr, oldestAddr)
	}
	s.dnsByAddr[addr] = dnsEntry{name: name, seen: clock.Now()}
}

// BestName picks the display name for a flow using the configured
// priority: observed DNS answer > HTTP Host > TLS SNI > reverse DNS.
func BestName(dnsName, httpHost, sni, reverse string) string {
	switch {
	case dnsName != "":
		return dnsName
	case httpHost != "":
		return httpHost
	case sni != "":
		return sni
	default:
		return reverse
	}
}
