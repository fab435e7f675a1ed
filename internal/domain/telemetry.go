package domain

import (
	"context"
	"time"
)

// Metric identifies the kind of reading a telemetry sample carries.
type Metric string

const (
	MetricBattery   Metric = "battery"
	MetricSteps     Metric = "steps"
	MetricHeartRate Metric = "heart_rate"
	MetricSpO2      Metric = "spo2"
)

// Valid reports whether m is a known metric kind.
func (m Metric) Valid() bool {
	switch m {
	case MetricBattery, MetricSteps, MetricHeartRate, MetricSpO2:
		return true
	}
	return false
}

// Sample is one timestamped metric reading. Samples are immutable facts:
// they are appended once and never updated or deleted.
type Sample struct {
	RingID    string    `json:"ring_id"`
	Metric    Metric    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     int       `json:"value"`
}

// DailyStat is one row of a per-day aggregate query.
type DailyStat struct {
	Day   string  `json:"day"` // YYYY-MM-DD
	Min   int     `json:"min"`
	Max   int     `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// SampleCursor iterates a range query result. Each Range call produces an
// independent cursor; callers must Close it.
type SampleCursor interface {
	Next() bool
	Sample() Sample
	Err() error
	Close() error
}

// TelemetryStore is the append-only time-series store for ring readings.
// Append is safe for concurrent writers; ordering within a (ring, metric)
// series is by timestamp, ties broken by insertion order.
type TelemetryStore interface {
	Append(ctx context.Context, s Sample) error
	AppendBatch(ctx context.Context, samples []Sample) error
	// Range returns samples for (ringID, metric) with since <= ts < until,
	// ordered by timestamp ascending.
	Range(ctx context.Context, ringID string, metric Metric, since, until time.Time) (SampleCursor, error)
	AggregateByDay(ctx context.Context, ringID string, metric Metric, since, until time.Time) ([]DailyStat, error)
}

// RingStore is the durable side of the ring registry. Writes must hit disk
// before returning so a crash after a successful call loses nothing.
type RingStore interface {
	SaveRing(ctx context.Context, r Ring) error
	DeleteRing(ctx context.Context, id string) error
	// LoadRings returns all persisted rings in registration order.
	LoadRings(ctx context.Context) ([]Ring, error)
}
