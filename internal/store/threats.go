// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"encoding/json"

	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/model"
)

const threatColumns = `id, kind, severity, score, device_id, flow_id, description,
	first_seen, last_seen, active, evidence_json`

// UpsertThreat writes a threat. A re-raised threat keeps its dismissed
// state only through DismissThreat; the engine always raises active.
func (s *Store) UpsertThreat(t model.Threat) error {
	evidence, err := json.Marshal(t.Evidence)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode evidence")
	}
	if t.Evidence == nil {
		evidence = []byte("{}")
	}

	return s.withWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO threats (`+threatColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				severity = excluded.severity,
				score = excluded.score,
				description = excluded.description,
				last_seen = excluded.last_seen,
				evidence_json = excluded.evidence_json`,
			t.ID, t.Kind, t.Severity, t.Score, t.DeviceID, t.FlowID, t.Description,
			t.FirstSeen, t.LastSeen, t.Active, string(evidence))
		return err
	})
}

// DismissThreat flips the active flag off. Dismissing an already
// dismissed threat is a no-op; an unknown id is NotFound. The record is
// preserved either way.
func (s *Store) DismissThreat(id string) error {
	var found bool
	err := s.withWrite(func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE threats SET active = 0 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var one int
			if err := db.QueryRow(`SELECT 1 FROM threats WHERE id = ?`, id).Scan(&one); err == sql.ErrNoRows {
				found = false
				return nil
			} else if err != nil {
				return err
			}
		}
		found = true
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf(errors.KindNotFound, "threat %s not found", id)
	}
	return nil
}

// ListThreats returns threats, optionally only active ones, newest
// first.
func (s *Store) ListThreats(activeOnly bool, limit int) ([]model.Threat, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + threatColumns + " FROM threats"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY last_seen DESC LIMIT ?"

	rows, err := s.handle().Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransientStorage, "threat query failed")
	}
	defer rows.Close()
	return collectThreats(rows)
}

// SearchThreats matches a term against description, kind and the owning
// device's name. Parameterised LIKE keeps the planner on the indexes
// and the result bounded.
func (s *Store) SearchThreats(q string, limit int) ([]model.Threat, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + q + "%"

	rows, err := s.handle().Query(`SELECT t.id, t.kind, t.severity, t.score, t.device_id, t.flow_id,
			t.description, t.first_seen, t.last_seen, t.active, t.evidence_json
		FROM threats t
		LEFT JOIN devices d ON d.id = t.device_id
		WHERE t.description LIKE ? OR t.kind LIKE ? OR d.name LIKE ?
		ORDER BY t.last_seen DESC LIMIT ?`,
		pattern, pattern, pattern, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransientStorage, "threat search failed")
	}
	defer rows.Close()
	return collectThreats(rows)
}

func collectThreats(rows *sql.Rows) ([]model.Threat, error) {
	var out []model.Threat
	for rows.Next() {
		var t model.Threat
		var evidence string
		if err := rows.Scan(
			&t.ID, &t.Kind, &t.Severity, &t.Score, &t.DeviceID, &t.FlowID, &t.Description,
			&t.FirstSeen, &t.LastSeen, &t.Active, &evidence,
		); err != nil {
			return nil, errors.Wrap(err, errors.KindTransientStorage, "threat scan failed")
		}
		if evidence != "" && evidence != "{}" {
			json.Unmarshal([]byte(evidence), &t.Evidence)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Cleanup deletes flows and threats older than the cutoff, in batches
// inside a transaction each so the write lock is never held long.
func (s *Store) Cleanup(olderThanMs int64) (flows, threats int64, err error) {
	const batch = 1000

	del := func(table string) (int64, error) {
		var total int64
		for {
			var n int64
			err := s.withWrite(func(db *sql.DB) error {
				res, err := db.Exec(`DELETE FROM `+table+` WHERE id IN
					(SELECT id FROM `+table+` WHERE last_seen < ? LIMIT ?)`, olderThanMs, batch)
				if err != nil {
					return err
				}
				n, err = res.RowsAffected()
				return err
			})
			if err != nil {
				return total, err
			}
			total += n
			if n < batch {
				return total, nil
			}
		}
	}

	if flows, err = del("flows"); err != nil {
		return flows, 0, err
	}
	threats, err = del("threats")
	return flows, threats, err
}
