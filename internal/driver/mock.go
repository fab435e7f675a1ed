package driver

import (
	"context"
	"sync"
	"time"

	"zeddring/internal/domain"
)

// MockDevice is the scripted state of one simulated ring.
type MockDevice struct {
	Battery   int
	Steps     int
	HeartRate int
	History   domain.History

	// FailConnects makes the next N Connect calls fail.
	FailConnects int
	// FailReads makes every read fail while set.
	FailReads bool
	// OpDelay is applied inside every operation, useful for widening
	// race windows in concurrency tests.
	OpDelay time.Duration

	connected bool
	lastTime  time.Time
	reboots   int
}

// Mock is an in-memory Driver used in tests and as the fallback backend
// when the daemon is built without real Bluetooth support. Every operation
// tracks per-address concurrency so tests can assert the serialization
// invariant.
type Mock struct {
	mu          sync.Mutex
	devices     map[string]*MockDevice
	scan        []domain.Advertisement
	inflight    map[string]int
	maxInflight map[string]int
	calls       map[string]int
}

var _ domain.Driver = (*Mock)(nil)

// NewMock creates an empty mock driver.
func NewMock() *Mock {
	return &Mock{
		devices:     make(map[string]*MockDevice),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		calls:       make(map[string]int),
	}
}

// SetDevice installs or replaces the scripted device at address.
func (m *Mock) SetDevice(address string, dev MockDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := dev
	m.devices[address] = &d
}

// UpdateDevice mutates a scripted device under the mock's lock.
func (m *Mock) UpdateDevice(address string, fn func(*MockDevice)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[address]; ok {
		fn(d)
	}
}

// SetScanResults scripts what the next Scan calls report.
func (m *Mock) SetScanResults(advs []domain.Advertisement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scan = append([]domain.Advertisement(nil), advs...)
}

// MaxConcurrent reports the highest number of operations ever in flight
// at once against address.
func (m *Mock) MaxConcurrent(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight[address]
}

// Calls reports the total operation count against address.
func (m *Mock) Calls(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[address]
}

// Connected reports the scripted link state of address.
func (m *Mock) Connected(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	return ok && d.connected
}

// Reboots reports how many Reboot calls address has served.
func (m *Mock) Reboots(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return 0
	}
	return d.reboots
}

// LastSetTime reports the last value pushed by SetTime.
func (m *Mock) LastSetTime(address string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return time.Time{}
	}
	return d.lastTime
}

// enter begins an instrumented operation and returns its completion func.
func (m *Mock) enter(address string) func() {
	m.mu.Lock()
	m.calls[address]++
	m.inflight[address]++
	if m.inflight[address] > m.maxInflight[address] {
		m.maxInflight[address] = m.inflight[address]
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.inflight[address]--
		m.mu.Unlock()
	}
}

// op runs fn against the scripted device under the lock, after applying
// the device's OpDelay outside it.
func (m *Mock) op(ctx context.Context, address string, fn func(*MockDevice) error) error {
	done := m.enter(address)
	defer done()

	m.mu.Lock()
	dev, ok := m.devices[address]
	var delay time.Duration
	if ok {
		delay = dev.OpDelay
	}
	m.mu.Unlock()

	if !ok {
		return domain.NewDomainError("Mock", domain.ErrTransportFailure, "unknown address "+address)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctxErr(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		return ctxErr(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(dev)
}

func ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return domain.ErrTransportTimeout
	}
	return domain.ErrCancelled
}

func (m *Mock) Connect(ctx context.Context, address string) error {
	return m.op(ctx, address, func(d *MockDevice) error {
		if d.FailConnects > 0 {
			d.FailConnects--
			return domain.NewDomainError("Mock.Connect", domain.ErrTransportFailure, address)
		}
		d.connected = true
		return nil
	})
}

func (m *Mock) Disconnect(ctx context.Context, address string) error {
	return m.op(ctx, address, func(d *MockDevice) error {
		d.connected = false
		return nil
	})
}

func (m *Mock) read(ctx context.Context, address string, get func(*MockDevice) int) (int, error) {
	var value int
	err := m.op(ctx, address, func(d *MockDevice) error {
		if !d.connected {
			return domain.NewDomainError("Mock.Read", domain.ErrTransportFailure, "not connected")
		}
		if d.FailReads {
			return domain.NewDomainError("Mock.Read", domain.ErrTransportFailure, address)
		}
		value = get(d)
		return nil
	})
	return value, err
}

func (m *Mock) ReadBattery(ctx context.Context, address string) (int, error) {
	return m.read(ctx, address, func(d *MockDevice) int { return d.Battery })
}

func (m *Mock) ReadSteps(ctx context.Context, address string) (int, error) {
	return m.read(ctx, address, func(d *MockDevice) int { return d.Steps })
}

func (m *Mock) ReadHeartRate(ctx context.Context, address string) (int, error) {
	return m.read(ctx, address, func(d *MockDevice) int { return d.HeartRate })
}

func (m *Mock) ReadHistory(ctx context.Context, address string) (domain.History, error) {
	var h domain.History
	err := m.op(ctx, address, func(d *MockDevice) error {
		if !d.connected {
			return domain.NewDomainError("Mock.ReadHistory", domain.ErrTransportFailure, "not connected")
		}
		if d.FailReads {
			return domain.NewDomainError("Mock.ReadHistory", domain.ErrTransportFailure, address)
		}
		h = d.History
		return nil
	})
	return h, err
}

func (m *Mock) SetTime(ctx context.Context, address string, t time.Time) error {
	return m.op(ctx, address, func(d *MockDevice) error {
		if !d.connected {
			return domain.NewDomainError("Mock.SetTime", domain.ErrTransportFailure, "not connected")
		}
		d.lastTime = t
		return nil
	})
}

func (m *Mock) Reboot(ctx context.Context, address string) error {
	return m.op(ctx, address, func(d *MockDevice) error {
		if !d.connected {
			return domain.NewDomainError("Mock.Reboot", domain.ErrTransportFailure, "not connected")
		}
		d.reboots++
		d.connected = false
		return nil
	})
}

func (m *Mock) Scan(ctx context.Context, d time.Duration, fn func(domain.Advertisement)) error {
	m.mu.Lock()
	advs := append([]domain.Advertisement(nil), m.scan...)
	m.mu.Unlock()

	for _, adv := range advs {
		if err := ctx.Err(); err != nil {
			return ctxErr(ctx)
		}
		fn(adv)
	}
	return nil
}
