// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"

	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/errors"
)

const currentSchemaVersion = 2

// migrations[n] carries the statements that move the schema from
// version n to n+1. Each migration runs inside its own transaction.
var migrations = [][]string{
	// v1: initial schema.
	{
		`CREATE TABLE IF NOT EXISTS devices (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			type               TEXT NOT NULL DEFAULT 'unknown',
			vendor             TEXT NOT NULL DEFAULT '',
			ip                 TEXT NOT NULL,
			mac                TEXT NOT NULL DEFAULT '',
			os                 TEXT NOT NULL DEFAULT '',
			first_seen         INTEGER NOT NULL,
			last_seen          INTEGER NOT NULL,
			total_bytes        INTEGER NOT NULL DEFAULT 0,
			connection_count   INTEGER NOT NULL DEFAULT 0,
			threat_score       REAL NOT NULL DEFAULT 0,
			ipv6_support       INTEGER NOT NULL DEFAULT 0,
			avg_rtt            REAL NOT NULL DEFAULT 0,
			connection_quality TEXT NOT NULL DEFAULT '',
			applications_json  TEXT NOT NULL DEFAULT '[]',
			behavioural_json   TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id                TEXT PRIMARY KEY,
			device_id         TEXT NOT NULL DEFAULT '',
			source_ip         TEXT NOT NULL,
			source_port       INTEGER NOT NULL DEFAULT 0,
			dest_ip           TEXT NOT NULL,
			dest_port         INTEGER NOT NULL DEFAULT 0,
			protocol          TEXT NOT NULL,
			bytes_in          INTEGER NOT NULL DEFAULT 0,
			bytes_out         INTEGER NOT NULL DEFAULT 0,
			packets_in        INTEGER NOT NULL DEFAULT 0,
			packets_out       INTEGER NOT NULL DEFAULT 0,
			first_seen        INTEGER NOT NULL,
			last_seen         INTEGER NOT NULL,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL DEFAULT 'closed',
			domain            TEXT NOT NULL DEFAULT '',
			sni               TEXT NOT NULL DEFAULT '',
			application       TEXT NOT NULL DEFAULT '',
			http_method       TEXT NOT NULL DEFAULT '',
			url               TEXT NOT NULL DEFAULT '',
			user_agent        TEXT NOT NULL DEFAULT '',
			dns_query_type    TEXT NOT NULL DEFAULT '',
			dns_response_code TEXT NOT NULL DEFAULT '',
			country           TEXT NOT NULL DEFAULT '',
			city              TEXT NOT NULL DEFAULT '',
			asn               INTEGER NOT NULL DEFAULT 0,
			tcp_flags         TEXT NOT NULL DEFAULT '',
			ttl               INTEGER NOT NULL DEFAULT 0,
			connection_state  TEXT NOT NULL DEFAULT '',
			rtt               REAL NOT NULL DEFAULT 0,
			jitter            REAL NOT NULL DEFAULT 0,
			retransmissions   INTEGER NOT NULL DEFAULT 0,
			ja3               TEXT NOT NULL DEFAULT '',
			threat_level      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS threats (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			severity      TEXT NOT NULL,
			score         INTEGER NOT NULL DEFAULT 0,
			device_id     TEXT NOT NULL DEFAULT '',
			flow_id       TEXT NOT NULL DEFAULT '',
			description   TEXT NOT NULL DEFAULT '',
			first_seen    INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			evidence_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_device_seen ON flows(device_id, last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_last_seen ON flows(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_source_ip ON flows(source_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_dest_ip ON flows(dest_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_threat_level ON flows(threat_level)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_active_device ON threats(active, device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen)`,
	},
	// v2: operator notes on devices.
	{
		`ALTER TABLE devices ADD COLUMN notes TEXT NOT NULL DEFAULT ''`,
	},
}

// Migrate walks the persisted schema version up to the current one,
// applying each pending migration in its own transaction.
func (s *Store) Migrate() error {
	if _, err := s.handle().Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return errors.Wrap(err, errors.KindPermanentStorage, "failed to create schema_version")
	}

	var version int
	if err := s.handle().QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return errors.Wrap(err, errors.KindPermanentStorage, "failed to read schema version")
	}

	if version > currentSchemaVersion {
		return errors.Errorf(errors.KindPermanentStorage,
			"database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		if err := s.applyMigration(v); err != nil {
			return err
		}
		s.logger.Info("Applied migration", "from", v, "to", v+1)
	}
	return nil
}

func (s *Store) applyMigration(from int) error {
	tx, err := s.handle().Begin()
	if err != nil {
		return errors.Wrap(err, errors.KindPermanentStorage, "failed to begin migration")
	}
	defer tx.Rollback()

	for _, stmt := range migrations[from] {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrapf(err, errors.KindPermanentStorage, "migration to v%d failed", from+1)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_version(version, applied_at) VALUES(?, ?)`,
		from+1, clock.Now().UnixMilli()); err != nil {
		return errors.Wrapf(err, errors.KindPermanentStorage, "failed to record migration v%d", from+1)
	}
	return tx.Commit()
}

// SchemaVersion reports the persisted schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.handle().QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}
