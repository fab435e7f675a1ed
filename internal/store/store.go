// Package store persists the ring registry and telemetry samples in a
// single SQLite database. Registry writes are synchronous: a successful
// return means the row is on disk.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"zeddring/internal/domain"
)

// Store implements domain.RingStore and domain.TelemetryStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %v", domain.ErrStorage, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrStorage, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrStorage, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStorage, err)
	}

	return &Store{db: db, logger: logger, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rings (
			id           TEXT PRIMARY KEY,
			address      TEXT UNIQUE NOT NULL,
			name         TEXT NOT NULL,
			state        TEXT NOT NULL,
			failures     INTEGER NOT NULL DEFAULT 0,
			hold_until   INTEGER NOT NULL DEFAULT 0,
			last_attempt INTEGER NOT NULL DEFAULT 0,
			last_success INTEGER NOT NULL DEFAULT 0,
			last_seen    INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS samples (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ring_id TEXT NOT NULL,
			metric  TEXT NOT NULL,
			ts      INTEGER NOT NULL,
			value   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_samples_series
			ON samples (ring_id, metric, ts);
	`)
	return err
}

// nano converts a time to the integer representation used in the schema.
// Zero times map to 0 so "never" survives a round trip.
func nano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SaveRing inserts or updates a ring row. The write is durable before
// SaveRing returns.
func (s *Store) SaveRing(ctx context.Context, r domain.Ring) error {
	const upsert = `
		INSERT INTO rings (id, address, name, state, failures, hold_until,
			last_attempt, last_success, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name         = excluded.name,
			state        = excluded.state,
			failures     = excluded.failures,
			hold_until   = excluded.hold_until,
			last_attempt = excluded.last_attempt,
			last_success = excluded.last_success,
			last_seen    = excluded.last_seen
	`
	_, err := s.db.ExecContext(ctx, upsert,
		r.ID, r.Address, r.Name, string(r.State), r.Failures,
		nano(r.HoldUntil), nano(r.LastAttempt), nano(r.LastSuccess),
		nano(r.LastSeen), nano(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: save ring: %v", domain.ErrStorage, err)
	}
	return nil
}

// DeleteRing removes a ring row. Telemetry samples are kept; they are
// immutable facts and historical queries may still want them.
func (s *Store) DeleteRing(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete ring: %v", domain.ErrStorage, err)
	}
	return nil
}

// LoadRings returns all persisted rings in registration order.
func (s *Store) LoadRings(ctx context.Context) ([]domain.Ring, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, name, state, failures, hold_until,
			last_attempt, last_success, last_seen, created_at
		FROM rings ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: load rings: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var rings []domain.Ring
	for rows.Next() {
		var (
			r                                                 domain.Ring
			state                                             string
			holdUntil, lastAttempt, lastSuccess, seen, create int64
		)
		if err := rows.Scan(&r.ID, &r.Address, &r.Name, &state, &r.Failures,
			&holdUntil, &lastAttempt, &lastSuccess, &seen, &create); err != nil {
			return nil, fmt.Errorf("%w: scan ring: %v", domain.ErrStorage, err)
		}
		r.State = domain.ConnState(state)
		r.HoldUntil = fromNano(holdUntil)
		r.LastAttempt = fromNano(lastAttempt)
		r.LastSuccess = fromNano(lastSuccess)
		r.LastSeen = fromNano(seen)
		r.CreatedAt = fromNano(create)
		rings = append(rings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load rings: %v", domain.ErrStorage, err)
	}
	return rings, nil
}

// Append writes one telemetry sample.
func (s *Store) Append(ctx context.Context, sample domain.Sample) error {
	if !sample.Metric.Valid() {
		return domain.NewDomainError("Store.Append", domain.ErrInvalidInput, string(sample.Metric))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (ring_id, metric, ts, value) VALUES (?, ?, ?, ?)`,
		sample.RingID, string(sample.Metric), sample.Timestamp.UnixNano(), sample.Value,
	)
	if err != nil {
		return fmt.Errorf("%w: append sample: %v", domain.ErrStorage, err)
	}
	return nil
}

// AppendBatch writes samples in a single transaction. Used by history sync
// so a partially-written batch never becomes visible.
func (s *Store) AppendBatch(ctx context.Context, samples []domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", domain.ErrStorage, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (ring_id, metric, ts, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: prepare batch: %v", domain.ErrStorage, err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		if !sample.Metric.Valid() {
			tx.Rollback()
			return domain.NewDomainError("Store.AppendBatch", domain.ErrInvalidInput, string(sample.Metric))
		}
		if _, err := stmt.ExecContext(ctx,
			sample.RingID, string(sample.Metric), sample.Timestamp.UnixNano(), sample.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: append batch: %v", domain.ErrStorage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", domain.ErrStorage, err)
	}
	return nil
}
