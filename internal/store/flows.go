// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"fmt"
	"strings"

	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/model"
)

const flowColumns = `id, device_id, source_ip, source_port, dest_ip, dest_port, protocol,
	bytes_in, bytes_out, packets_in, packets_out, first_seen, last_seen, duration_ms,
	status, domain, sni, application, http_method, url, user_agent,
	dns_query_type, dns_response_code, country, city, asn, tcp_flags, ttl,
	connection_state, rtt, jitter, retransmissions, ja3, threat_level`

// InsertFlows writes a batch in a single transaction. INSERT OR REPLACE
// on the primary key makes a replayed batch idempotent.
func (s *Store) InsertFlows(flows []model.Flow) error {
	if len(flows) == 0 {
		return nil
	}

	return s.withWrite(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO flows (` + flowColumns + `)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range flows {
			if _, err := stmt.Exec(
				f.ID, f.DeviceID, f.SourceIP, f.SourcePort, f.DestIP, f.DestPort, f.Protocol,
				f.BytesIn, f.BytesOut, f.PacketsIn, f.PacketsOut, f.FirstSeen, f.LastSeen, f.DurationMs,
				f.Status, f.Domain, f.SNI, f.Application, f.HTTPMethod, f.URL, f.UserAgent,
				f.DNSQueryType, f.DNSResponseCode, f.Country, f.City, f.ASN, f.TCPFlags, f.TTL,
				f.ConnectionState, f.RTTMs, f.JitterMs, f.Retransmissions, f.JA3, f.ThreatLevel,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// QueryFlows returns flows matching the filter, newest first.
func (s *Store) QueryFlows(filter model.FlowFilter) ([]model.Flow, error) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if filter.DeviceID != "" {
		add("device_id = ?", filter.DeviceID)
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if filter.Protocol != "" {
		add("protocol = ?", filter.Protocol)
	}
	if filter.StartTime > 0 {
		add("last_seen >= ?", filter.StartTime)
	}
	if filter.EndTime > 0 {
		add("last_seen <= ?", filter.EndTime)
	}
	if filter.SourceIP != "" {
		add("source_ip = ?", filter.SourceIP)
	}
	if filter.DestIP != "" {
		add("dest_ip = ?", filter.DestIP)
	}
	if filter.ThreatLevel != "" {
		add("threat_level = ?", filter.ThreatLevel)
	}
	if filter.MinBytes > 0 {
		add("bytes_in + bytes_out >= ?", filter.MinBytes)
	}

	query := "SELECT " + flowColumns + " FROM flows"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(filter.Offset, 0))

	rows, err := s.handle().Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransientStorage, "flow query failed")
	}
	defer rows.Close()

	var out []model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFlow fetches a single flow by id.
func (s *Store) GetFlow(id string) (model.Flow, error) {
	row := s.handle().QueryRow("SELECT "+flowColumns+" FROM flows WHERE id = ?", id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return model.Flow{}, errors.Errorf(errors.KindNotFound, "flow %s not found", id)
	}
	return f, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(r rowScanner) (model.Flow, error) {
	var f model.Flow
	err := r.Scan(
		&f.ID, &f.DeviceID, &f.SourceIP, &f.SourcePort, &f.DestIP, &f.DestPort, &f.Protocol,
		&f.BytesIn, &f.BytesOut, &f.PacketsIn, &f.PacketsOut, &f.FirstSeen, &f.LastSeen, &f.DurationMs,
		&f.Status, &f.Domain, &f.SNI, &f.Application, &f.HTTPMethod, &f.URL, &f.UserAgent,
		&f.DNSQueryType, &f.DNSResponseCode, &f.Country, &f.City, &f.ASN, &f.TCPFlags, &f.TTL,
		&f.ConnectionState, &f.RTTMs, &f.JitterMs, &f.Retransmissions, &f.JA3, &f.ThreatLevel,
	)
	if err != nil && err != sql.ErrNoRows {
		return f, errors.Wrap(err, errors.KindTransientStorage, "flow scan failed")
	}
	return f, err
}
