// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"encoding/json"

	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/model"
)

const deviceColumns = `id, name, type, vendor, ip, mac, os, first_seen, last_seen,
	total_bytes, connection_count, threat_score, notes, ipv6_support, avg_rtt,
	connection_quality, applications_json, behavioural_json`

// UpsertDevice writes the registry's current view of a device.
func (s *Store) UpsertDevice(d model.Device) error {
	apps, err := json.Marshal(d.Applications)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode applications")
	}
	behavioural, err := json.Marshal(d.Behavioural)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode behavioural map")
	}
	if d.Applications == nil {
		apps = []byte("[]")
	}
	if d.Behavioural == nil {
		behavioural = []byte("{}")
	}

	return s.withWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO devices (`+deviceColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				vendor = excluded.vendor,
				ip = excluded.ip,
				mac = excluded.mac,
				os = excluded.os,
				last_seen = excluded.last_seen,
				total_bytes = excluded.total_bytes,
				connection_count = excluded.connection_count,
				threat_score = excluded.threat_score,
				notes = excluded.notes,
				ipv6_support = excluded.ipv6_support,
				avg_rtt = excluded.avg_rtt,
				connection_quality = excluded.connection_quality,
				applications_json = excluded.applications_json,
				behavioural_json = excluded.behavioural_json`,
			d.ID, d.Name, d.Type, d.Vendor, d.IP, d.MAC, d.OS, d.FirstSeen, d.LastSeen,
			d.TotalBytes, d.ConnectionCount, d.ThreatScore, d.Notes, d.IPv6Support, d.AvgRTT,
			d.Quality, string(apps), string(behavioural))
		return err
	})
}

// ListDevices returns every persisted device, newest activity first.
func (s *Store) ListDevices() ([]model.Device, error) {
	rows, err := s.handle().Query("SELECT " + deviceColumns + " FROM devices ORDER BY last_seen DESC")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransientStorage, "device query failed")
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDevice fetches a single device by id.
func (s *Store) GetDevice(id string) (model.Device, error) {
	row := s.handle().QueryRow("SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return model.Device{}, errors.Errorf(errors.KindNotFound, "device %s not found", id)
	}
	return d, err
}

func scanDevice(r rowScanner) (model.Device, error) {
	var d model.Device
	var apps, behavioural string
	err := r.Scan(
		&d.ID, &d.Name, &d.Type, &d.Vendor, &d.IP, &d.MAC, &d.OS, &d.FirstSeen, &d.LastSeen,
		&d.TotalBytes, &d.ConnectionCount, &d.ThreatScore, &d.Notes, &d.IPv6Support, &d.AvgRTT,
		&d.Quality, &apps, &behavioural,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return d, err
		}
		return d, errors.Wrap(err, errors.KindTransientStorage, "device scan failed")
	}
	if apps != "" {
		json.Unmarshal([]byte(apps), &d.Applications)
	}
	if behavioural != "" && behavioural != "{}" {
		json.Unmarshal([]byte(behavioural), &d.Behavioural)
	}
	return d, nil
}
