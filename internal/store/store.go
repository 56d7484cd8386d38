// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists devices, flows and threats in an embedded
// SQLite database tuned for one writer and many readers. All writes are
// serialised through the store; readers run concurrently thanks to WAL.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/logging"
)

// Options tunes the store.
type Options struct {
	Path         string
	CacheSizeKB  int
	WriteRetries int
}

// Health is the store's contribution to the health snapshot.
type Health struct {
	Path           string  `json:"path"`
	WriteLatencyMs float64 `json:"write_latency_ms"`
	PingLatencyMs  float64 `json:"ping_latency_ms"`
	WriteErrors    uint64  `json:"write_errors"`
}

// Store wraps the database handle with retry and reopen logic.
type Store struct {
	opts   Options
	logger *logging.Logger

	mu sync.Mutex // serialises writes and reopen
	db atomic.Pointer[sql.DB]

	writeErrors  atomic.Uint64
	writeLatency atomic.Int64 // microseconds, last write
}

// Open opens (or creates) the database, applies the required tunings
// and runs pending migrations.
func Open(opts Options, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.WithComponent("store")
	}
	if opts.CacheSizeKB <= 0 {
		opts.CacheSizeKB = 20000
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = 3
	}

	s := &Store{opts: opts, logger: logger}
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.handle().Close()
		return nil, err
	}

	logger.Info("Store opened", "path", opts.Path, "schema_version", currentSchemaVersion)
	return s, nil
}

func (s *Store) open() error {
	db, err := sql.Open("sqlite", s.opts.Path+"?_busy_timeout=5000")
	if err != nil {
		return errors.Wrap(err, errors.KindPermanentStorage, "failed to open database")
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA cache_size=-%d", s.opts.CacheSizeKB),
		"PRAGMA mmap_size=268435456",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA optimize",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return errors.Wrapf(err, errors.KindPermanentStorage, "pragma failed: %s", p)
		}
	}

	s.db.Store(db)
	return nil
}

// reopen closes and reopens the handle after a write failure. Caller
// holds s.mu; the swap itself is atomic so in-flight readers keep the
// old handle until their queries finish.
func (s *Store) reopenLocked() error {
	if old := s.db.Load(); old != nil {
		old.Close()
	}
	return s.open()
}

// withWrite runs op under the write lock, retrying with bounded
// exponential backoff and a reopen attempt between failures.
func (s *Store) withWrite(op func(db *sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	backoff := 100 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= s.opts.WriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			if backoff < 2*time.Second {
				backoff *= 2
			}
			if err := s.reopenLocked(); err != nil {
				lastErr = err
				continue
			}
			s.logger.Warn("Retrying write after reopen", "attempt", attempt)
		}

		if err := op(s.handle()); err != nil {
			s.writeErrors.Add(1)
			lastErr = err
			continue
		}

		s.writeLatency.Store(time.Since(start).Microseconds())
		return nil
	}

	return errors.Wrapf(lastErr, errors.KindTransientStorage,
		"write failed after %d attempts", s.opts.WriteRetries+1)
}

// Ping measures read latency and reports accumulated write errors.
func (s *Store) Ping() (Health, error) {
	h := Health{
		Path:           s.opts.Path,
		WriteLatencyMs: float64(s.writeLatency.Load()) / 1000.0,
		WriteErrors:    s.writeErrors.Load(),
	}
	db := s.handle()
	if db == nil {
		return h, errors.New(errors.KindTransientStorage, "store is closed")
	}
	start := time.Now()
	var one int
	err := db.QueryRow("SELECT 1").Scan(&one)
	h.PingLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return h, errors.Wrap(err, errors.KindTransientStorage, "ping failed")
	}
	return h, nil
}

// Close flushes WAL state and closes the handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.db.Swap(nil)
	if db == nil {
		return nil
	}
	db.Exec("PRAGMA optimize")
	return db.Close()
}

// handle returns the current connection. It is nil once the store has
// been closed.
func (s *Store) handle() *sql.DB {
	return s.db.Load()
}

// DB exposes the handle for read-only analytics queries.
func (s *Store) DB() *sql.DB {
	return s.handle()
}
