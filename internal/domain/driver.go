package domain

import (
	"context"
	"time"
)

// Advertisement is one device sighting during a scan.
type Advertisement struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi,omitempty"`
}

// HistoryPoint is one entry of a bulk history read. Unlike live poll
// samples, history points carry the device's own timestamps.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int       `json:"value"`
}

// History is the payload of a bulk history read from a ring.
type History struct {
	Steps     []HistoryPoint `json:"steps,omitempty"`
	HeartRate []HistoryPoint `json:"heart_rate,omitempty"`
	SpO2      []HistoryPoint `json:"spo2,omitempty"`
}

// Driver is the fixed capability interface over the BLE transport. Every
// method targets one physical address and may fail with ErrTransportTimeout
// or ErrTransportFailure; callers never see transport library errors
// directly. All blocking calls honor ctx cancellation.
type Driver interface {
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error
	ReadBattery(ctx context.Context, address string) (int, error)
	ReadSteps(ctx context.Context, address string) (int, error)
	ReadHeartRate(ctx context.Context, address string) (int, error)
	ReadHistory(ctx context.Context, address string) (History, error)
	SetTime(ctx context.Context, address string, t time.Time) error
	Reboot(ctx context.Context, address string) error
	// Scan discovers advertising devices for the given duration, invoking
	// fn for each sighting. fn must not block.
	Scan(ctx context.Context, d time.Duration, fn func(Advertisement)) error
}
