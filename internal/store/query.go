package store

import (
	"context"
	"fmt"
	"time"

	"zeddring/internal/domain"
)

// SampleCursor iterates one range query. The rows are read in full before
// the cursor is handed out, so the database connection is released up front
// and any number of cursors can be open at once.
type SampleCursor struct {
	samples []domain.Sample
	pos     int
}

// Next advances the cursor. It returns false on exhaustion.
func (c *SampleCursor) Next() bool {
	if c.pos >= len(c.samples) {
		return false
	}
	c.pos++
	return true
}

// Sample returns the row the last Next call advanced to.
func (c *SampleCursor) Sample() domain.Sample { return c.samples[c.pos-1] }

// Err reports iteration errors. Always nil: any query or scan failure is
// returned by Range before a cursor exists.
func (c *SampleCursor) Err() error { return nil }

// Close releases the cursor. Safe to call more than once.
func (c *SampleCursor) Close() error { return nil }

// Range returns samples for (ringID, metric) with since <= ts < until,
// ordered by timestamp ascending, ties broken by insertion order. Every
// call produces an independent cursor over its own snapshot.
func (s *Store) Range(ctx context.Context, ringID string, metric domain.Metric, since, until time.Time) (domain.SampleCursor, error) {
	if !metric.Valid() {
		return nil, domain.NewDomainError("Store.Range", domain.ErrInvalidInput, string(metric))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ring_id, metric, ts, value FROM samples
		WHERE ring_id = ? AND metric = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC, id ASC
	`, ringID, string(metric), since.UnixNano(), until.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: range query: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var samples []domain.Sample
	for rows.Next() {
		var (
			sample domain.Sample
			metric string
			ts     int64
		)
		if err := rows.Scan(&sample.RingID, &metric, &ts, &sample.Value); err != nil {
			return nil, fmt.Errorf("%w: scan sample: %v", domain.ErrStorage, err)
		}
		sample.Metric = domain.Metric(metric)
		sample.Timestamp = time.Unix(0, ts)
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: range query: %v", domain.ErrStorage, err)
	}
	return &SampleCursor{samples: samples}, nil
}

// AggregateByDay returns per-day min/max/avg/count rows for the window,
// oldest day first. Days are derived from the sample timestamp in UTC.
func (s *Store) AggregateByDay(ctx context.Context, ringID string, metric domain.Metric, since, until time.Time) ([]domain.DailyStat, error) {
	if !metric.Valid() {
		return nil, domain.NewDomainError("Store.AggregateByDay", domain.ErrInvalidInput, string(metric))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(ts / 1000000000, 'unixepoch') AS day,
			MIN(value), MAX(value), AVG(value), COUNT(*)
		FROM samples
		WHERE ring_id = ? AND metric = ? AND ts >= ? AND ts < ?
		GROUP BY day
		ORDER BY day ASC
	`, ringID, string(metric), since.UnixNano(), until.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate query: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var stats []domain.DailyStat
	for rows.Next() {
		var st domain.DailyStat
		if err := rows.Scan(&st.Day, &st.Min, &st.Max, &st.Avg, &st.Count); err != nil {
			return nil, fmt.Errorf("%w: scan aggregate: %v", domain.ErrStorage, err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: aggregate query: %v", domain.ErrStorage, err)
	}
	return stats, nil
}

// CountSamples reports the total number of stored samples. Used by the
// status endpoint.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count samples: %v", domain.ErrStorage, err)
	}
	return n, nil
}
