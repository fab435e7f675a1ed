package fleet

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zeddring/internal/domain"
	"zeddring/internal/infra/config"
	"zeddring/internal/usecase/eventbus"
	"zeddring/internal/usecase/registry"
)

// Manager owns the per-ring connection lifecycle. It is the only component
// that calls the driver: every device operation runs under the ring's
// operation lock, so at most one BLE exchange targets a ring at a time.
type Manager struct {
	policy   Policy
	registry *registry.Registry
	drv      domain.Driver
	tele     domain.TelemetryStore
	bus      *eventbus.Bus
	locks    *lockTable
	logger   *slog.Logger

	scanTimeout  time.Duration
	namePrefix   string
	autoRegister bool

	// pending maps a ring id to its address while the ring is marked for
	// deferred removal; the address is needed for the final disconnect
	// after the registry entry is already hidden.
	pendMu  sync.Mutex
	pending map[string]string

	now func() time.Time // stubbed in tests
}

// NewManager wires a fleet manager from its collaborators.
func NewManager(cfg *config.Config, reg *registry.Registry, drv domain.Driver, tele domain.TelemetryStore, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		policy: Policy{
			MaxAttempts:  cfg.Scheduler.MaxRetryAttempts,
			RetryDelay:   cfg.Scheduler.RetryDelay,
			ExtendedHold: cfg.Scheduler.ExtendedHold,
			Persistent:   cfg.Scheduler.PersistentConnection,
		},
		registry:     reg,
		drv:          drv,
		tele:         tele,
		bus:          bus,
		locks:        newLockTable(),
		logger:       logger,
		scanTimeout:  cfg.Bluetooth.ScanTimeout,
		namePrefix:   cfg.Bluetooth.NamePrefix,
		autoRegister: cfg.Bluetooth.AutoRegister,
		pending:      make(map[string]string),
		now:          time.Now,
	}
}

// PollTick runs one scheduler pass over the fleet. Each ring is handled in
// its own goroutine under the ring's operation lock; rings whose lock is
// already held (a user command in flight) are skipped, not queued. The
// call returns once every ring handled by this tick has finished.
func (m *Manager) PollTick(ctx context.Context) error {
	rings := m.registry.List()
	var wg sync.WaitGroup
	for _, i := range m.policy.ConnectOrder(rings) {
		ring := rings[i]
		if !m.locks.TryAcquire(ring.ID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.release(ring.ID)
			m.pollRing(ctx, ring.ID)
		}()
	}
	wg.Wait()
	return nil
}

// pollRing services one ring for one tick. Caller holds the ring's lock.
func (m *Manager) pollRing(ctx context.Context, id string) {
	ring, err := m.registry.Get(id)
	if err != nil {
		return // removed since the tick snapshot
	}
	if ring.Connected() {
		m.pollCycle(ctx, ring)
		return
	}
	if !m.policy.DueForConnect(ring, m.now()) {
		return
	}
	if err := m.connect(ctx, &ring); err != nil {
		return
	}
	// A fresh link is polled in the same tick so a newly reachable ring
	// produces readings immediately.
	m.pollCycle(ctx, ring)
}

// connect attempts to establish a link to *ring, committing every state
// transition through the registry. On success the device clock is synced
// best effort and *ring reflects the connected record.
func (m *Manager) connect(ctx context.Context, ring *domain.Ring) error {
	now := m.now()
	m.commit(ctx, ring.ID, func(r *domain.Ring) { m.policy.BeginAttempt(r, now) })

	if err := m.drv.Connect(ctx, ring.Address); err != nil {
		now = m.now()
		m.commit(ctx, ring.ID, func(r *domain.Ring) { m.policy.RecordFailure(r, now) })
		m.logger.Warn("connect failed", "ring_id", ring.ID, "address", ring.Address, "error", err)
		return err
	}

	now = m.now()
	m.commit(ctx, ring.ID, func(r *domain.Ring) { m.policy.RecordSuccess(r, now) })
	m.logger.Info("ring connected", "ring_id", ring.ID, "address", ring.Address)

	// Ring clocks drift; sync on every fresh link. Failure here does not
	// tear the link down.
	if err := m.drv.SetTime(ctx, ring.Address, m.now()); err != nil {
		m.logger.Warn("time sync failed", "ring_id", ring.ID, "error", err)
	}

	updated, err := m.registry.Get(ring.ID)
	if err != nil {
		return err
	}
	*ring = updated
	return nil
}

// pollCycle reads the live metrics from a connected ring in a fixed order
// and appends one sample per successful read. A transport error mid-cycle
// is a link loss: the ring drops straight to disconnected without a
// backoff penalty.
func (m *Manager) pollCycle(ctx context.Context, ring domain.Ring) {
	now := m.now()

	battery, err := m.drv.ReadBattery(ctx, ring.Address)
	if err != nil {
		m.handleReadError(ctx, ring, err)
		return
	}
	m.record(ctx, ring.ID, domain.MetricBattery, battery, now)

	steps, err := m.drv.ReadSteps(ctx, ring.Address)
	if err != nil {
		m.handleReadError(ctx, ring, err)
		return
	}
	m.record(ctx, ring.ID, domain.MetricSteps, steps, now)

	heartRate, err := m.drv.ReadHeartRate(ctx, ring.Address)
	if err != nil {
		m.handleReadError(ctx, ring, err)
		return
	}
	m.record(ctx, ring.ID, domain.MetricHeartRate, heartRate, now)

	if err := m.registry.Update(ctx, ring.ID, func(r *domain.Ring) {
		r.LastBattery = &battery
		r.LastSteps = &steps
		r.LastHeartRate = &heartRate
		r.LastSeen = now
	}); err != nil {
		m.logger.Error("poll commit failed", "ring_id", ring.ID, "error", err)
	}
}

func (m *Manager) handleReadError(ctx context.Context, ring domain.Ring, err error) {
	if !domain.IsTransport(err) {
		m.logger.Debug("poll aborted", "ring_id", ring.ID, "error", err)
		return
	}
	m.logger.Warn("link lost", "ring_id", ring.ID, "address", ring.Address, "error", err)
	_ = m.drv.Disconnect(ctx, ring.Address)
	m.commit(ctx, ring.ID, func(r *domain.Ring) { m.policy.RecordLinkLoss(r) })
}

// record appends one telemetry sample and announces it on the bus.
func (m *Manager) record(ctx context.Context, ringID string, metric domain.Metric, value int, ts time.Time) {
	s := domain.Sample{RingID: ringID, Metric: metric, Timestamp: ts, Value: value}
	if err := m.tele.Append(ctx, s); err != nil {
		m.logger.Error("sample append failed", "ring_id", ringID, "metric", metric, "error", err)
		return
	}
	m.bus.RingEvent(ctx, domain.EventSampleRecorded, ringID, s)
}

// commit applies a state machine transition through the registry and
// publishes the resulting state.
func (m *Manager) commit(ctx context.Context, id string, fn func(*domain.Ring)) {
	if err := m.registry.Update(ctx, id, fn); err != nil {
		m.logger.Error("state commit failed", "ring_id", id, "error", err)
		return
	}
	ring, err := m.registry.Get(id)
	if err != nil {
		return
	}
	payload := map[string]any{"state": ring.State, "failures": ring.Failures}
	if !ring.HoldUntil.IsZero() {
		payload["hold_until"] = ring.HoldUntil
	}
	m.bus.RingEvent(ctx, domain.EventRingState, id, payload)
}

// Connect establishes a link on user request. Unlike the scheduler path it
// ignores any backoff hold: an explicit command always wins over the retry
// ledger. The call blocks until the ring's operation lock is free.
func (m *Manager) Connect(ctx context.Context, id string) error {
	if err := m.locks.Acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	ring, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if ring.Connected() {
		return nil
	}
	return m.connect(ctx, &ring)
}

// Disconnect tears the link down on user request. The ring lands in
// disconnected no matter what state the lock holder left it in.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	if err := m.locks.Acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	ring, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if ring.Connected() {
		if err := m.drv.Disconnect(ctx, ring.Address); err != nil {
			m.logger.Warn("disconnect failed", "ring_id", id, "error", err)
		}
	}
	m.commit(ctx, id, func(r *domain.Ring) { m.policy.RecordUserDisconnect(r) })
	return nil
}

// SetTime syncs the ring's clock to the host on user request. The ring
// must be connected.
func (m *Manager) SetTime(ctx context.Context, id string) error {
	if err := m.locks.Acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	ring, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if !ring.Connected() {
		return domain.NewDomainError("fleet.SetTime", domain.ErrDeviceUnavailable, id)
	}
	return m.drv.SetTime(ctx, ring.Address, m.now())
}

// Reboot restarts the ring's firmware. The device drops the link as part
// of the restart, so the ring lands in disconnected and the next poll
// tick reconnects it.
func (m *Manager) Reboot(ctx context.Context, id string) error {
	if err := m.locks.Acquire(ctx, id); err != nil {
		return err
	}
	defer m.release(id)

	ring, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if !ring.Connected() {
		return domain.NewDomainError("fleet.Reboot", domain.ErrDeviceUnavailable, id)
	}
	if err := m.drv.Reboot(ctx, ring.Address); err != nil {
		return err
	}
	m.commit(ctx, id, func(r *domain.Ring) { m.policy.RecordUserDisconnect(r) })
	return nil
}

// RemoveRing unregisters a ring. If a device operation is in flight the
// removal is deferred: the ring disappears from readers immediately and
// the registry entry is purged once the operation's lock drops.
func (m *Manager) RemoveRing(ctx context.Context, id string) error {
	ring, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	// Record the removal before trying for the lock. If the in-flight
	// operation drops the lock between a failed TryAcquire and this
	// bookkeeping, its release path would find nothing pending and the
	// hidden ring would never be purged.
	m.pendMu.Lock()
	m.pending[id] = ring.Address
	m.pendMu.Unlock()
	if err := m.registry.MarkPendingDelete(id); err != nil {
		m.pendMu.Lock()
		delete(m.pending, id)
		m.pendMu.Unlock()
		return err
	}

	if !m.locks.TryAcquire(id) {
		// An operation is in flight; its release purges the ring.
		return nil
	}
	m.pendMu.Lock()
	delete(m.pending, id)
	m.pendMu.Unlock()
	if ring.Connected() {
		_ = m.drv.Disconnect(ctx, ring.Address)
	}
	err = m.registry.Purge(ctx, id)
	m.locks.Release(id)
	m.locks.Forget(id)
	return err
}

// release frees the ring's lock and completes a removal that was deferred
// while this operation was in flight.
func (m *Manager) release(id string) {
	m.locks.Release(id)
	m.finishPendingDelete(id)
}

func (m *Manager) finishPendingDelete(id string) {
	m.pendMu.Lock()
	address, ok := m.pending[id]
	m.pendMu.Unlock()
	if !ok {
		return
	}
	// A queued command may have grabbed the lock first; it will fail on
	// the hidden registry entry and retry the purge on its own release.
	if !m.locks.TryAcquire(id) {
		return
	}
	// Re-check under the lock: a racing RemoveRing may have won the lock
	// and purged already.
	m.pendMu.Lock()
	address, ok = m.pending[id]
	delete(m.pending, id)
	m.pendMu.Unlock()
	if !ok {
		m.locks.Release(id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.drv.Disconnect(ctx, address)
	if err := m.registry.Purge(ctx, id); err != nil {
		m.logger.Error("deferred purge failed", "ring_id", id, "error", err)
	}
	m.locks.Release(id)
	m.locks.Forget(id)
}

// ScanTick discovers advertising rings. Known rings get their last-seen
// stamp refreshed; unknown devices whose advertised name matches the
// configured prefix are registered automatically when enabled.
func (m *Manager) ScanTick(ctx context.Context) error {
	var (
		mu   sync.Mutex
		advs []domain.Advertisement
		seen = make(map[string]bool)
	)
	err := m.drv.Scan(ctx, m.scanTimeout, func(a domain.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		if !seen[a.Address] {
			seen[a.Address] = true
			advs = append(advs, a)
		}
	})
	if err != nil {
		return err
	}

	now := m.now()
	for _, a := range advs {
		if m.namePrefix != "" && !strings.HasPrefix(a.Name, m.namePrefix) {
			continue
		}
		ring, err := m.registry.GetByAddress(a.Address)
		if err == nil {
			if uerr := m.registry.Update(ctx, ring.ID, func(r *domain.Ring) { r.LastSeen = now }); uerr != nil {
				m.logger.Error("scan commit failed", "ring_id", ring.ID, "error", uerr)
				continue
			}
			m.bus.RingEvent(ctx, domain.EventRingSeen, ring.ID, a)
			continue
		}
		if !m.autoRegister {
			continue
		}
		reg, rerr := m.registry.Register(ctx, a.Address, a.Name)
		if rerr != nil {
			m.logger.Warn("auto-register failed", "address", a.Address, "error", rerr)
			continue
		}
		m.logger.Info("ring discovered", "ring_id", reg.ID, "address", a.Address, "name", a.Name)
	}
	return nil
}

// TimeSyncTick re-syncs the clock of every connected ring. Busy rings are
// skipped; they get a fresh sync on their next reconnect anyway.
func (m *Manager) TimeSyncTick(ctx context.Context) error {
	for _, ring := range m.registry.List() {
		if !ring.Connected() {
			continue
		}
		if !m.locks.TryAcquire(ring.ID) {
			continue
		}
		if err := m.drv.SetTime(ctx, ring.Address, m.now()); err != nil {
			m.logger.Warn("time sync failed", "ring_id", ring.ID, "error", err)
		}
		m.release(ring.ID)
	}
	return nil
}

// DisconnectAll tears down every live link. Called on daemon shutdown.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, ring := range m.registry.List() {
		if !ring.Connected() {
			continue
		}
		if err := m.locks.Acquire(ctx, ring.ID); err != nil {
			return
		}
		if err := m.drv.Disconnect(ctx, ring.Address); err != nil {
			m.logger.Warn("shutdown disconnect failed", "ring_id", ring.ID, "error", err)
		}
		m.commit(ctx, ring.ID, func(r *domain.Ring) { m.policy.RecordUserDisconnect(r) })
		m.release(ring.ID)
	}
}
