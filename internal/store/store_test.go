package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zeddring/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.sqlite"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hr(ringID string, ts time.Time, value int) domain.Sample {
	return domain.Sample{RingID: ringID, Metric: domain.MetricHeartRate, Timestamp: ts, Value: value}
}

func collect(t *testing.T, c domain.SampleCursor) []domain.Sample {
	t.Helper()
	defer c.Close()
	var out []domain.Sample
	for c.Next() {
		out = append(out, c.Sample())
	}
	require.NoError(t, c.Err())
	return out
}

func TestRingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	ring := domain.Ring{
		ID:          "01HZX",
		Address:     "AA:BB:CC:DD:EE:FF",
		Name:        "Colmi R02",
		State:       domain.StateBackoff,
		Failures:    3,
		HoldUntil:   now.Add(5 * time.Minute),
		LastAttempt: now,
		CreatedAt:   now,
	}
	require.NoError(t, s.SaveRing(ctx, ring))

	rings, err := s.LoadRings(ctx)
	require.NoError(t, err)
	require.Len(t, rings, 1)

	got := rings[0]
	assert.Equal(t, ring.ID, got.ID)
	assert.Equal(t, ring.Address, got.Address)
	assert.Equal(t, domain.StateBackoff, got.State)
	assert.Equal(t, 3, got.Failures)
	assert.True(t, got.HoldUntil.Equal(ring.HoldUntil))
	assert.True(t, got.LastSuccess.IsZero(), "never-succeeded ring should load with zero LastSuccess")
}

func TestLoadRingsRegistrationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SaveRing(ctx, domain.Ring{
			ID: id, Address: id + ":00", Name: id,
			State: domain.StateDisconnected, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rings, err := s.LoadRings(ctx)
	require.NoError(t, err)
	require.Len(t, rings, 3)
	assert.Equal(t, "c", rings[0].ID)
	assert.Equal(t, "a", rings[1].ID)
	assert.Equal(t, "b", rings[2].ID)
}

func TestDeleteRingKeepsSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveRing(ctx, domain.Ring{
		ID: "r1", Address: "A:1", Name: "r", State: domain.StateDisconnected, CreatedAt: now,
	}))
	require.NoError(t, s.Append(ctx, hr("r1", now, 72)))
	require.NoError(t, s.DeleteRing(ctx, "r1"))

	rings, err := s.LoadRings(ctx)
	require.NoError(t, err)
	assert.Empty(t, rings)

	c, err := s.Range(ctx, "r1", domain.MetricHeartRate, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, collect(t, c), 1)
}

func TestRangeOrderedByTimestampNotInsertion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Insert at t=3, 1, 2; expect read order 1, 2, 3.
	require.NoError(t, s.Append(ctx, hr("r1", base.Add(3*time.Second), 103)))
	require.NoError(t, s.Append(ctx, hr("r1", base.Add(1*time.Second), 101)))
	require.NoError(t, s.Append(ctx, hr("r1", base.Add(2*time.Second), 102)))

	c, err := s.Range(ctx, "r1", domain.MetricHeartRate, base, base.Add(time.Minute))
	require.NoError(t, err)
	got := collect(t, c)
	require.Len(t, got, 3)
	assert.Equal(t, []int{101, 102, 103}, []int{got[0].Value, got[1].Value, got[2].Value})
}

func TestRangeTiesBrokenByInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, hr("r1", ts, 1)))
	require.NoError(t, s.Append(ctx, hr("r1", ts, 2)))
	require.NoError(t, s.Append(ctx, hr("r1", ts, 3)))

	c, err := s.Range(ctx, "r1", domain.MetricHeartRate, ts, ts.Add(time.Second))
	require.NoError(t, err)
	got := collect(t, c)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Value, got[1].Value, got[2].Value})
}

func TestSamplesImmutableUnderUnrelatedWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 2, 8, 30, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, hr("r1", ts, 64)))

	// Unrelated writes must not disturb the stored sample.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, domain.Sample{
			RingID: "r2", Metric: domain.MetricSteps, Timestamp: ts.Add(time.Duration(i) * time.Minute), Value: i,
		}))
	}

	c, err := s.Range(ctx, "r1", domain.MetricHeartRate, ts, ts.Add(time.Second))
	require.NoError(t, err)
	got := collect(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, 64, got[0].Value)
	assert.True(t, got[0].Timestamp.Equal(ts))
	assert.Equal(t, domain.MetricHeartRate, got[0].Metric)
}

func TestRangeCursorsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, hr("r1", base.Add(time.Duration(i)*time.Second), i)))
	}

	c1, err := s.Range(ctx, "r1", domain.MetricHeartRate, base, base.Add(time.Minute))
	require.NoError(t, err)
	c2, err := s.Range(ctx, "r1", domain.MetricHeartRate, base, base.Add(time.Minute))
	require.NoError(t, err)

	// Advance c1 partway; c2 must still see everything from the start,
	// and a write must go through while both cursors are open.
	require.True(t, c1.Next())
	require.True(t, c1.Next())
	require.NoError(t, s.Append(ctx, hr("r1", base.Add(time.Minute), 99)))

	assert.Len(t, collect(t, c2), 5)
	require.NoError(t, c1.Close())
}

func TestAggregateByDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)

	for _, v := range []int{60, 80, 100} {
		require.NoError(t, s.Append(ctx, hr("r1", day1.Add(time.Duration(v)*time.Second), v)))
	}
	require.NoError(t, s.Append(ctx, hr("r1", day2, 70)))

	stats, err := s.AggregateByDay(ctx, "r1", domain.MetricHeartRate, day1.Add(-time.Hour), day2.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "2026-08-01", stats[0].Day)
	assert.Equal(t, 60, stats[0].Min)
	assert.Equal(t, 100, stats[0].Max)
	assert.InDelta(t, 80.0, stats[0].Avg, 0.001)
	assert.Equal(t, 3, stats[0].Count)

	assert.Equal(t, "2026-08-02", stats[1].Day)
	assert.Equal(t, 1, stats[1].Count)
}

func TestDuplicateSyncLeavesAggregatesStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)

	batch := []domain.Sample{
		hr("r1", day.Add(1*time.Hour), 55),
		hr("r1", day.Add(2*time.Hour), 90),
		hr("r1", day.Add(3*time.Hour), 120),
	}
	require.NoError(t, s.AppendBatch(ctx, batch))
	// Re-sync the same window: duplicates are appended, that is accepted.
	require.NoError(t, s.AppendBatch(ctx, batch))

	c, err := s.Range(ctx, "r1", domain.MetricHeartRate, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, collect(t, c), 6)

	stats, err := s.AggregateByDay(ctx, "r1", domain.MetricHeartRate, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 55, stats[0].Min, "duplication must not change min")
	assert.Equal(t, 120, stats[0].Max, "duplication must not change max")
}

func TestAppendRejectsUnknownMetric(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), domain.Sample{
		RingID: "r1", Metric: "nonsense", Timestamp: time.Now(), Value: 1,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCountSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	n, err := s.CountSamples(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	require.NoError(t, s.Append(ctx, hr("r1", now, 1)))
	require.NoError(t, s.Append(ctx, hr("r2", now, 2)))

	n, err = s.CountSamples(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
