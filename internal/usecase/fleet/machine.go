package fleet

import (
	"time"

	"zeddring/internal/domain"
)

// Policy holds the retry ledger rules applied by the connection state
// machine. All transition helpers mutate a Ring copy; the caller commits
// the result through the registry so readers never see partial updates.
type Policy struct {
	// MaxAttempts is the consecutive failure count at which the backoff
	// hold switches from RetryDelay to ExtendedHold.
	MaxAttempts  int
	RetryDelay   time.Duration
	ExtendedHold time.Duration
	// Persistent prioritizes reconnecting rings that have connected
	// successfully before over never-yet-seen ones.
	Persistent bool
}

// DueForConnect reports whether the scheduler should attempt a connection
// to r at the given instant. Connected and connecting rings are never due;
// a ring in backoff becomes due once its hold expires.
func (p Policy) DueForConnect(r domain.Ring, now time.Time) bool {
	switch r.State {
	case domain.StateDisconnected:
		return true
	case domain.StateBackoff:
		return !now.Before(r.HoldUntil)
	default:
		return false
	}
}

// BeginAttempt transitions r into connecting and stamps the attempt time.
func (p Policy) BeginAttempt(r *domain.Ring, now time.Time) {
	r.State = domain.StateConnecting
	r.LastAttempt = now
}

// RecordSuccess commits a successful connection. The retry ledger resets
// completely; past failures are irrelevant once a link is up.
func (p Policy) RecordSuccess(r *domain.Ring, now time.Time) {
	r.State = domain.StateConnected
	r.Failures = 0
	r.HoldUntil = time.Time{}
	r.LastSuccess = now
}

// RecordFailure commits a failed connection attempt. The ring enters
// backoff with a fixed hold, switching to the extended hold once the
// consecutive failure count reaches MaxAttempts.
func (p Policy) RecordFailure(r *domain.Ring, now time.Time) {
	r.Failures++
	delay := p.RetryDelay
	if p.MaxAttempts > 0 && r.Failures >= p.MaxAttempts {
		delay = p.ExtendedHold
	}
	r.State = domain.StateBackoff
	r.HoldUntil = now.Add(delay)
}

// RecordLinkLoss commits a mid-session transport drop. Unlike a connect
// failure this does not penalize the ring: the link was working, so the
// next poll tick may retry immediately.
func (p Policy) RecordLinkLoss(r *domain.Ring) {
	r.State = domain.StateDisconnected
	r.HoldUntil = time.Time{}
}

// RecordUserDisconnect commits an operator-requested disconnect. It wins
// from any state and bypasses backoff bookkeeping, but the ledger is left
// intact: the failure history still describes the link's health.
func (p Policy) RecordUserDisconnect(r *domain.Ring) {
	r.State = domain.StateDisconnected
}

// ConnectOrder returns the indexes of rings in the order connection
// attempts should be made. With Persistent set, rings that have connected
// before sort ahead of never-connected ones; within each group the
// original registration order is kept.
func (p Policy) ConnectOrder(rings []domain.Ring) []int {
	order := make([]int, 0, len(rings))
	if p.Persistent {
		for i, r := range rings {
			if !r.LastSuccess.IsZero() {
				order = append(order, i)
			}
		}
		for i, r := range rings {
			if r.LastSuccess.IsZero() {
				order = append(order, i)
			}
		}
		return order
	}
	for i := range rings {
		order = append(order, i)
	}
	return order
}
