package domain

import "time"

// ConnState is the connection lifecycle state of a ring. Transitions between
// states happen only through the fleet manager's state machine.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateBackoff      ConnState = "backoff"
)

// Valid reports whether s is one of the defined connection states.
func (s ConnState) Valid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateBackoff:
		return true
	}
	return false
}

// Ring is a logical wearable device tracked by the daemon. The registry is
// the sole owner of Ring records; everything else works on copies.
type Ring struct {
	ID      string    `json:"id"`
	Address string    `json:"address"` // immutable once registered
	Name    string    `json:"name"`
	State   ConnState `json:"state"`

	// Retry ledger. Failures counts consecutive connect failures since the
	// last success; HoldUntil is the earliest next permitted attempt while
	// in the backoff state.
	Failures  int       `json:"failures"`
	HoldUntil time.Time `json:"hold_until,omitempty"`

	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"` // last advertisement during a scan

	// Cached most recent readings for the dashboard list view.
	LastBattery   *int `json:"last_battery,omitempty"`
	LastHeartRate *int `json:"last_heart_rate,omitempty"`
	LastSteps     *int `json:"last_steps,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// PendingDelete marks a ring removed while a device operation was in
	// flight; the registry entry is purged once the operation's lock is
	// released.
	PendingDelete bool `json:"-"`
}

// Connected reports whether the ring currently holds a live link.
func (r *Ring) Connected() bool { return r.State == StateConnected }
