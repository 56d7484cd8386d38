// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package analytics answers the aggregate queries over persisted flows,
// devices and threats. All queries are read-only and bounded; results
// are cached in Redis when a cache is configured.
package analytics

import (
	"context"
	"fmt"
	"time"

	"grimm.is/netinsight/internal/cache"
	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/store"
)

const (
	hourMs   = int64(3600 * 1000)
	cacheTTL = 30 * time.Second
)

// Service runs the analytics queries.
type Service struct {
	store  *store.Store
	cache  *cache.Cache
	logger *logging.Logger
}

// New creates the analytics service. cache may be nil.
func New(st *store.Store, c *cache.Cache, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("analytics")
	}
	return &Service{store: st, cache: c, logger: logger}
}

// Summary is the landing-page overview.
type Summary struct {
	TotalFlows    int64 `json:"totalFlows"`
	TotalBytes    int64 `json:"totalBytes"`
	TotalDevices  int64 `json:"totalDevices"`
	ActiveThreats int64 `json:"activeThreats"`
	FlowsLastHour int64 `json:"flowsLastHour"`
}

// ProtocolStat is one row of the protocol breakdown.
type ProtocolStat struct {
	Protocol string `json:"protocol"`
	Flows    int64  `json:"flows"`
	Bytes    int64  `json:"bytes"`
}

// CountryStat is one row of the geographic breakdown.
type CountryStat struct {
	Country string `json:"country"`
	Flows   int64  `json:"flows"`
	Bytes   int64  `json:"bytes"`
}

// NameStat is a generic name/volume row (domains, applications).
type NameStat struct {
	Name  string `json:"name"`
	Flows int64  `json:"flows"`
	Bytes int64  `json:"bytes"`
}

// DeviceStat is one row of the top-devices breakdown.
type DeviceStat struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	Flows    int64  `json:"flows"`
	Bytes    int64  `json:"bytes"`
}

// TrendPoint is one time bucket of a metric trend.
type TrendPoint struct {
	Bucket int64   `json:"bucket"` // Unix ms, hour-aligned
	Value  float64 `json:"value"`
}

// BandwidthPoint is one time bucket of the bandwidth series.
type BandwidthPoint struct {
	Bucket   int64 `json:"bucket"`
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

// QualityBreakdown counts devices per connection-quality grade.
type QualityBreakdown struct {
	Good int64 `json:"good"`
	Fair int64 `json:"fair"`
	Poor int64 `json:"poor"`
}

// AppTrendPoint is one bucket of per-application flow counts.
type AppTrendPoint struct {
	Bucket      int64  `json:"bucket"`
	Application string `json:"application"`
	Flows       int64  `json:"flows"`
}

// DeviceAnalytics is the per-device drill-down.
type DeviceAnalytics struct {
	DeviceID   string         `json:"deviceId"`
	Flows      int64          `json:"flows"`
	BytesIn    int64          `json:"bytesIn"`
	BytesOut   int64          `json:"bytesOut"`
	AvgRTT     float64        `json:"avgRtt"`
	TopDomains []NameStat     `json:"topDomains"`
	Protocols  []ProtocolStat `json:"protocols"`
}

func (s *Service) since(hours int) int64 {
	if hours <= 0 {
		hours = 24
	}
	return clock.Now().UnixMilli() - int64(hours)*hourMs
}

// cached wraps a query with the Redis read-through.
func cached[T any](s *Service, ctx context.Context, key string, fetch func() (T, error)) (T, error) {
	var out T
	if s.cache.Get(ctx, key, &out) {
		return out, nil
	}
	out, err := fetch()
	if err != nil {
		return out, err
	}
	s.cache.Set(ctx, key, out, cacheTTL)
	return out, nil
}

// Summary returns the overview counters.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	return cached(s, ctx, "analytics:summary", func() (Summary, error) {
		var out Summary
		db := s.store.DB()

		row := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0) FROM flows`)
		if err := row.Scan(&out.TotalFlows, &out.TotalBytes); err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "summary query failed")
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&out.TotalDevices); err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "summary query failed")
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM threats WHERE active = 1`).Scan(&out.ActiveThreats); err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "summary query failed")
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM flows WHERE last_seen >= ?`,
			s.since(1)).Scan(&out.FlowsLastHour); err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "summary query failed")
		}
		return out, nil
	})
}

// Protocols breaks traffic down by protocol over the window.
func (s *Service) Protocols(ctx context.Context, hours int) ([]ProtocolStat, error) {
	key := fmt.Sprintf("analytics:protocols:%d", hours)
	return cached(s, ctx, key, func() ([]ProtocolStat, error) {
		rows, err := s.store.DB().Query(`SELECT protocol, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE last_seen >= ? GROUP BY protocol ORDER BY 3 DESC`, s.since(hours))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "protocol query failed")
		}
		defer rows.Close()

		var out []ProtocolStat
		for rows.Next() {
			var p ProtocolStat
			if err := rows.Scan(&p.Protocol, &p.Flows, &p.Bytes); err != nil {
				return nil, errors.Wrap(err, errors.KindTransientStorage, "protocol scan failed")
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// Geographic breaks traffic down by destination country.
func (s *Service) Geographic(ctx context.Context, hours int) ([]CountryStat, error) {
	key := fmt.Sprintf("analytics:geo:%d", hours)
	return cached(s, ctx, key, func() ([]CountryStat, error) {
		rows, err := s.store.DB().Query(`SELECT country, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE last_seen >= ? AND country != ''
			GROUP BY country ORDER BY 3 DESC LIMIT 50`, s.since(hours))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "geographic query failed")
		}
		defer rows.Close()

		var out []CountryStat
		for rows.Next() {
			var c CountryStat
			if err := rows.Scan(&c.Country, &c.Flows, &c.Bytes); err != nil {
				return nil, errors.Wrap(err, errors.KindTransientStorage, "geographic scan failed")
			}
			out = append(out, c)
		}
		return out, rows.Err()
	})
}

// TopDomains returns the busiest destination names.
func (s *Service) TopDomains(ctx context.Context, hours, limit int) ([]NameStat, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	key := fmt.Sprintf("analytics:domains:%d:%d", hours, limit)
	return cached(s, ctx, key, func() ([]NameStat, error) {
		return s.nameStats(`SELECT domain, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE last_seen >= ? AND domain != ''
			GROUP BY domain ORDER BY 3 DESC LIMIT ?`, s.since(hours), limit)
	})
}

// Applications returns the traffic breakdown by application.
func (s *Service) Applications(ctx context.Context, hours int) ([]NameStat, error) {
	key := fmt.Sprintf("analytics:apps:%d", hours)
	return cached(s, ctx, key, func() ([]NameStat, error) {
		return s.nameStats(`SELECT application, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE last_seen >= ? AND application != ''
			GROUP BY application ORDER BY 3 DESC LIMIT 50`, s.since(hours))
	})
}

func (s *Service) nameStats(query string, args ...any) ([]NameStat, error) {
	rows, err := s.store.DB().Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransientStorage, "name stats query failed")
	}
	defer rows.Close()

	var out []NameStat
	for rows.Next() {
		var n NameStat
		if err := rows.Scan(&n.Name, &n.Flows, &n.Bytes); err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "name stats scan failed")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// TopDevices returns the chattiest devices over the window.
func (s *Service) TopDevices(ctx context.Context, hours, limit int) ([]DeviceStat, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	key := fmt.Sprintf("analytics:devices:%d:%d", hours, limit)
	return cached(s, ctx, key, func() ([]DeviceStat, error) {
		rows, err := s.store.DB().Query(`SELECT f.device_id, COALESCE(d.name, ''), COUNT(*),
				COALESCE(SUM(f.bytes_in + f.bytes_out), 0)
			FROM flows f LEFT JOIN devices d ON d.id = f.device_id
			WHERE f.last_seen >= ? AND f.device_id != ''
			GROUP BY f.device_id ORDER BY 4 DESC LIMIT ?`, s.since(hours), limit)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "top devices query failed")
		}
		defer rows.Close()

		var out []DeviceStat
		for rows.Next() {
			var d DeviceStat
			if err := rows.Scan(&d.DeviceID, &d.Name, &d.Flows, &d.Bytes); err != nil {
				return nil, errors.Wrap(err, errors.KindTransientStorage, "top devices scan failed")
			}
			out = append(out, d)
		}
		return out, rows.Err()
	})
}

// Bandwidth returns the hourly in/out byte series.
func (s *Service) Bandwidth(ctx context.Context, hours int) ([]BandwidthPoint, error) {
	key := fmt.Sprintf("analytics:bandwidth:%d", hours)
	return cached(s, ctx, key, func() ([]BandwidthPoint, error) {
		rows, err := s.store.DB().Query(`SELECT (last_seen / ?) * ?,
				COALESCE(SUM(bytes_in), 0), COALESCE(SUM(bytes_out), 0)
			FROM flows WHERE last_seen >= ?
			GROUP BY 1 ORDER BY 1`, hourMs, hourMs, s.since(hours))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "bandwidth query failed")
		}
		defer rows.Close()

		var out []BandwidthPoint
		for rows.Next() {
			var b BandwidthPoint
			if err := rows.Scan(&b.Bucket, &b.BytesIn, &b.BytesOut); err != nil {
				return nil, errors.Wrap(err, errors.KindTransientStorage, "bandwidth scan failed")
			}
			out = append(out, b)
		}
		return out, rows.Err()
	})
}

// RTTTrends returns the hourly mean RTT over flows that carried a
// sample.
func (s *Service) RTTTrends(ctx context.Context, hours int) ([]TrendPoint, error) {
	return s.trend(ctx, fmt.Sprintf("analytics:rtt:%d", hours),
		`SELECT (last_seen / ?) * ?, AVG(rtt) FROM flows
		 WHERE last_seen >= ? AND rtt > 0 GROUP BY 1 ORDER BY 1`, hours)
}

// Jitter returns the hourly mean jitter.
func (s *Service) Jitter(ctx context.Context, hours int) ([]TrendPoint, error) {
	return s.trend(ctx, fmt.Sprintf("analytics:jitter:%d", hours),
		`SELECT (last_seen / ?) * ?, AVG(jitter) FROM flows
		 WHERE last_seen >= ? AND jitter > 0 GROUP BY 1 ORDER BY 1`, hours)
}

// Retransmissions returns the hourly retransmission totals.
func (s *Service) Retransmissions(ctx context.Context, hours int) ([]TrendPoint, error) {
	return s.trend(ctx, fmt.Sprintf("analytics:retrans:%d", hours),
		`SELECT (last_seen / ?) * ?, CAST(SUM(retransmissions) AS REAL) FROM flows
		 WHERE last_seen >= ? GROUP BY 1 ORDER BY 1`, hours)
}

func (s *Service) trend(ctx context.Context, key, query string, hours int) ([]TrendPoint, error) {
	return cached(s, ctx, key, func() ([]TrendPoint, error) {
		rows, err := s.store.DB().Query(query, hourMs, hourMs, s.since(hours))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "trend query failed")
		}
		defer rows.Close()

		var out []TrendPoint
		for rows.Next() {
			var p TrendPoint
			if err := rows.Scan(&p.Bucket, &p.Value); err != nil {
				return nil, errors.Wrap(err, errors.KindTransientStorage, "trend scan failed")
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// ConnectionQuality counts devices per quality grade.
func (s *Service) ConnectionQuality(ctx context.Context) (QualityBreakdown, error) {
	return cached(s, ctx, "analytics:quality", func() (QualityBreakdown, error) {
		var out QualityBreakdown
		rows, err := s.store.DB().Query(`SELECT connection_quality, COUNT(*) FROM devices
			WHERE connection_quality != '' GROUP BY connection_quality`)
		if err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "quality query failed")
		}
		defer rows.Close()

		for rows.Next() {
			var grade string
			var n int64
			if err := rows.Scan(&grade, &n); err != nil {
				return out, errors.Wrap(err, errors.KindTransientStorage, "quality scan failed")
			}
			switch grade {
			case "good":
				out.Good = n
			case "fair":
				out.Fair = n
			case "poor":
				out.Poor = n
			}
		}
		return out, rows.Err()
	})
}

// ApplicationTrends returns hourly flow counts per application.
func (s *Service) ApplicationTrends(ctx context.Context, hours int) ([]AppTrendPoint, error) {
	key := fmt.Sprintf("analytics:apptrends:%d", hours)
	return cached(s, ctx, key, func() ([]AppTrendPoint, error) {
		rows, err := s.store.DB().Query(`SELECT (last_seen / ?) * ?, application, COUNT(*)
			FROM flows WHERE last_seen >= ? AND application != ''
			GROUP BY 1, 2 ORDER BY 1`, hourMs, hourMs, s.since(hours))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "application trend query failed")
		}
		defer rows.Close()

		var out []AppTrendPoint
		for rows.Next() {
			var p AppTrendPoint
			if err := rows.Scan(&p.Bucket, &p.Application, &p.Flows); err != nil {
				return nil, errors.Wrap(err, errors.KindTransientStorage, "application trend scan failed")
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// DeviceApplicationProfile returns the application mix of one device.
func (s *Service) DeviceApplicationProfile(ctx context.Context, deviceID string) ([]NameStat, error) {
	key := "analytics:devapps:" + deviceID
	return cached(s, ctx, key, func() ([]NameStat, error) {
		return s.nameStats(`SELECT application, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE device_id = ? AND application != ''
			GROUP BY application ORDER BY 3 DESC LIMIT 50`, deviceID)
	})
}

// DeviceAnalytics is the per-device drill-down over the window.
func (s *Service) DeviceAnalytics(ctx context.Context, deviceID string, hours int) (DeviceAnalytics, error) {
	key := fmt.Sprintf("analytics:device:%s:%d", deviceID, hours)
	return cached(s, ctx, key, func() (DeviceAnalytics, error) {
		out := DeviceAnalytics{DeviceID: deviceID}
		db := s.store.DB()
		since := s.since(hours)

		row := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(bytes_in), 0), COALESCE(SUM(bytes_out), 0),
				COALESCE(AVG(CASE WHEN rtt > 0 THEN rtt END), 0)
			FROM flows WHERE device_id = ? AND last_seen >= ?`, deviceID, since)
		if err := row.Scan(&out.Flows, &out.BytesIn, &out.BytesOut, &out.AvgRTT); err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "device analytics query failed")
		}

		domains, err := s.nameStats(`SELECT domain, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE device_id = ? AND last_seen >= ? AND domain != ''
			GROUP BY domain ORDER BY 3 DESC LIMIT 10`, deviceID, since)
		if err != nil {
			return out, err
		}
		out.TopDomains = domains

		rows, err := db.Query(`SELECT protocol, COUNT(*), COALESCE(SUM(bytes_in + bytes_out), 0)
			FROM flows WHERE device_id = ? AND last_seen >= ? GROUP BY protocol`, deviceID, since)
		if err != nil {
			return out, errors.Wrap(err, errors.KindTransientStorage, "device protocol query failed")
		}
		defer rows.Close()
		for rows.Next() {
			var p ProtocolStat
			if err := rows.Scan(&p.Protocol, &p.Flows, &p.Bytes); err != nil {
				return out, errors.Wrap(err, errors.KindTransientStorage, "device protocol scan failed")
			}
			out.Protocols = append(out.Protocols, p)
		}
		return out, rows.Err()
	})
}
