// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package geo annotates public addresses with country, city and ASN
// from local MaxMind databases. A missing database is not an error; the
// sensor runs without geolocation and reports it in health.
package geo

import (
	"net"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/netutil"
)

// Info is the geolocation result for one address. Zero value for
// private, link-local and multicast addresses.
type Info struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	ASNOrg  string `json:"asnOrg,omitempty"`
}

// Service wraps the MaxMind readers with a per-address cache. Lookups
// happen at flow finalisation only, so the cache is sized generously
// and never expires entries before the cap.
type Service struct {
	logger *logging.Logger

	city *geoip2.Reader
	asn  *geoip2.Reader

	mu    sync.RWMutex
	cache map[netip.Addr]Info
}

const cacheCap = 10000

// New opens the city database at path and, when present, a
// GeoLite2-ASN.mmdb next to it. Any open failure is logged and the
// service degrades to empty results.
func New(path string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("geo")
	}
	s := &Service{
		logger: logger,
		cache:  make(map[netip.Addr]Info),
	}

	if path == "" {
		logger.Info("Geolocation disabled, no database configured")
		return s
	}

	city, err := geoip2.Open(path)
	if err != nil {
		logger.WithError(err).Warn("Geolocation database unavailable", "path", path)
	} else {
		s.city = city
	}

	asnPath := filepath.Join(filepath.Dir(path), "GeoLite2-ASN.mmdb")
	if asn, err := geoip2.Open(asnPath); err == nil {
		s.asn = asn
	}

	return s
}

// Available reports whether a city database is loaded.
func (s *Service) Available() bool {
	return s.city != nil
}

// Lookup returns geolocation for addr. Non-public addresses and lookup
// failures yield the zero Info.
func (s *Service) Lookup(addr netip.Addr) Info {
	if s.city == nil || !addr.IsValid() || !netutil.IsPublic(addr) {
		return Info{}
	}

	s.mu.RLock()
	if info, ok := s.cache[addr]; ok {
		s.mu.RUnlock()
		return info
	}
	s.mu.RUnlock()

	info := s.query(addr)

	s.mu.Lock()
	if len(s.cache) >= cacheCap {
		// Full reset is cheaper than LRU bookkeeping at this size.
		s.cache = make(map[netip.Addr]Info)
	}
	s.cache[addr] = info
	s.mu.Unlock()

	return info
}

func (s *Service) query(addr netip.Addr) Info {
	var info Info
	ip := net.IP(addr.AsSlice())

	if rec, err := s.city.City(ip); err == nil {
		info.Country = rec.Country.IsoCode
		info.City = rec.City.Names["en"]
	}
	if s.asn != nil {
		if rec, err := s.asn.ASN(ip); err == nil {
			info.ASN = rec.AutonomousSystemNumber
			info.ASNOrg = rec.AutonomousSystemOrganization
		}
	}
	return info
}

// Close releases the database readers.
func (s *Service) Close() {
	if s.city != nil {
		s.city.Close()
		s.city = nil
	}
	if s.asn != nil {
		s.asn.Close()
		s.asn = nil
	}
}
