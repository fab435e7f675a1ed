package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Register", ErrDuplicateAddress, "AA:BB:CC:DD:EE:FF")
	want := "Registry.Register: AA:BB:CC:DD:EE:FF: address already registered"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Fleet.Sync", ErrDeviceUnavailable, "")
	want := "Fleet.Sync: ring is not connected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Fleet.Connect", ErrTransportTimeout, "poll")
	if !errors.Is(err, ErrTransportTimeout) {
		t.Error("errors.Is should match ErrTransportTimeout")
	}
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
}

func TestWrapOpNil(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should return nil")
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{ErrNotFound, "not_found"},
		{ErrDuplicateAddress, "duplicate_address"},
		{ErrDeviceUnavailable, "device_unavailable"},
		{ErrTransportTimeout, "transport_timeout"},
		{ErrTransportFailure, "transport_failure"},
		{ErrCancelled, "cancelled"},
		{fmt.Errorf("wrapped: %w", ErrTransportFailure), "transport_failure"},
		{errors.New("who knows"), "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, ErrorKind(tc.err), "kind of %v", tc.err)
	}
}

func TestIsTransport(t *testing.T) {
	assert.True(t, IsTransport(ErrTransportTimeout))
	assert.True(t, IsTransport(fmt.Errorf("connect: %w", ErrTransportFailure)))
	assert.False(t, IsTransport(ErrNotFound))
}

func TestConnStateValid(t *testing.T) {
	for _, s := range []ConnState{StateDisconnected, StateConnecting, StateConnected, StateBackoff} {
		assert.True(t, s.Valid(), "state %s", s)
	}
	assert.False(t, ConnState("rebooting").Valid())
}

func TestMetricValid(t *testing.T) {
	for _, m := range []Metric{MetricBattery, MetricSteps, MetricHeartRate, MetricSpO2} {
		assert.True(t, m.Valid(), "metric %s", m)
	}
	assert.False(t, Metric("temperature").Valid())
}
