// Package registry owns the authoritative mapping of ring identity to
// physical address and connection state. All mutations go through it and
// are durable before they return.
package registry

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"zeddring/internal/domain"
	"zeddring/internal/usecase/eventbus"
)

// Registry is the in-memory view of all registered rings, backed by the
// durable RingStore. Readers always get copies; the internal records are
// never handed out.
type Registry struct {
	mu      sync.RWMutex
	rings   map[string]*domain.Ring
	byAddr  map[string]string // address -> id
	order   []string          // ids in registration order
	store   domain.RingStore
	bus     *eventbus.Bus
	logger  *slog.Logger
	entropy *ulid.MonotonicEntropy
}

// New creates a Registry and loads persisted rings from the store.
func New(ctx context.Context, store domain.RingStore, bus *eventbus.Bus, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		rings:   make(map[string]*domain.Ring),
		byAddr:  make(map[string]string),
		store:   store,
		bus:     bus,
		logger:  logger,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	rings, err := store.LoadRings(ctx)
	if err != nil {
		return nil, domain.WrapOp("Registry.New", err)
	}
	for i := range rings {
		ring := rings[i]
		// Links do not survive a restart.
		ring.State = domain.StateDisconnected
		r.rings[ring.ID] = &ring
		r.byAddr[ring.Address] = ring.ID
		r.order = append(r.order, ring.ID)
	}
	logger.Info("registry loaded", "rings", len(rings))
	return r, nil
}

func (r *Registry) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

// normalizeAddress canonicalizes a physical address for lookups.
func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Register adds a new ring for a physical address. The record is on disk
// before Register returns.
func (r *Registry) Register(ctx context.Context, address, name string) (domain.Ring, error) {
	address = normalizeAddress(address)
	if address == "" {
		return domain.Ring{}, domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "empty address")
	}
	if name == "" {
		name = address
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAddr[address]; exists {
		return domain.Ring{}, domain.NewDomainError("Registry.Register", domain.ErrDuplicateAddress, address)
	}

	ring := domain.Ring{
		ID:        r.newID(),
		Address:   address,
		Name:      name,
		State:     domain.StateDisconnected,
		CreatedAt: time.Now(),
	}
	if err := r.store.SaveRing(ctx, ring); err != nil {
		return domain.Ring{}, domain.WrapOp("Registry.Register", err)
	}

	rec := ring
	r.rings[ring.ID] = &rec
	r.byAddr[address] = ring.ID
	r.order = append(r.order, ring.ID)

	r.logger.Info("ring registered", "ring_id", ring.ID, "address", address, "name", name)
	r.bus.RingEvent(ctx, domain.EventRingRegistered, ring.ID, ring)
	return ring, nil
}

// Rename changes a ring's display name.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return domain.NewDomainError("Registry.Rename", domain.ErrInvalidInput, "empty name")
	}
	err := r.Update(ctx, id, func(ring *domain.Ring) {
		ring.Name = name
	})
	if err != nil {
		return domain.WrapOp("Registry.Rename", err)
	}
	r.logger.Info("ring renamed", "ring_id", id, "name", name)
	r.bus.RingEvent(ctx, domain.EventRingRenamed, id, map[string]string{"name": name})
	return nil
}

// Get returns a copy of the ring.
func (r *Registry) Get(id string) (domain.Ring, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.rings[id]
	if !ok || ring.PendingDelete {
		return domain.Ring{}, domain.NewDomainError("Registry.Get", domain.ErrNotFound, id)
	}
	return *ring, nil
}

// GetByAddress returns a copy of the ring registered at address.
func (r *Registry) GetByAddress(address string) (domain.Ring, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[normalizeAddress(address)]
	if !ok {
		return domain.Ring{}, domain.NewDomainError("Registry.GetByAddress", domain.ErrNotFound, address)
	}
	ring := r.rings[id]
	if ring.PendingDelete {
		return domain.Ring{}, domain.NewDomainError("Registry.GetByAddress", domain.ErrNotFound, address)
	}
	return *ring, nil
}

// List returns a snapshot of all rings in registration order.
func (r *Registry) List() []domain.Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Ring, 0, len(r.order))
	for _, id := range r.order {
		if ring, ok := r.rings[id]; ok && !ring.PendingDelete {
			out = append(out, *ring)
		}
	}
	return out
}

// Update applies fn to the ring under the registry lock and persists the
// result synchronously. Readers never observe a half-applied mutation.
func (r *Registry) Update(ctx context.Context, id string, fn func(*domain.Ring)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.rings[id]
	if !ok {
		return domain.NewDomainError("Registry.Update", domain.ErrNotFound, id)
	}

	updated := *ring
	fn(&updated)
	// The physical address is immutable once set.
	updated.ID = ring.ID
	updated.Address = ring.Address
	updated.CreatedAt = ring.CreatedAt

	if err := r.store.SaveRing(ctx, updated); err != nil {
		return domain.WrapOp("Registry.Update", err)
	}
	*ring = updated
	return nil
}

// MarkPendingDelete hides the ring from readers while a device operation
// is still in flight. The caller purges once the operation's lock drops.
func (r *Registry) MarkPendingDelete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.rings[id]
	if !ok {
		return domain.NewDomainError("Registry.MarkPendingDelete", domain.ErrNotFound, id)
	}
	ring.PendingDelete = true
	return nil
}

// IsPendingDelete reports whether id is marked for deferred removal.
func (r *Registry) IsPendingDelete(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.rings[id]
	return ok && ring.PendingDelete
}

// Purge removes the ring from memory and durable storage.
func (r *Registry) Purge(ctx context.Context, id string) error {
	r.mu.Lock()
	ring, ok := r.rings[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Purge", domain.ErrNotFound, id)
	}
	address := ring.Address
	delete(r.rings, id)
	delete(r.byAddr, address)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := r.store.DeleteRing(ctx, id); err != nil {
		return domain.WrapOp("Registry.Purge", err)
	}
	r.logger.Info("ring removed", "ring_id", id, "address", address)
	r.bus.RingEvent(ctx, domain.EventRingRemoved, id, nil)
	return nil
}
