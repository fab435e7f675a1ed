package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"zeddring/internal/domain"
	"zeddring/internal/infra/tracer"
)

// ReliableConfig tunes the reliability wrapper.
type ReliableConfig struct {
	// OpTimeout bounds every wrapped call. Required.
	OpTimeout time.Duration
	// OpsPerSecond limits driver calls across all rings; 0 disables.
	OpsPerSecond float64
	// BreakerThreshold opens the circuit after that many consecutive
	// transport failures; 0 disables the breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration
}

// Reliable wraps a Driver with per-call timeouts, a global rate limiter
// protecting the host adapter, and a circuit breaker that fails fast when
// the Bluetooth stack itself is wedged. All errors leaving Reliable are
// domain sentinels; transport library errors never escape.
type Reliable struct {
	inner   domain.Driver
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

var _ domain.Driver = (*Reliable)(nil)

// NewReliable wraps inner with the configured protections.
func NewReliable(inner domain.Driver, cfg ReliableConfig, logger *slog.Logger) *Reliable {
	r := &Reliable{
		inner:   inner,
		timeout: cfg.OpTimeout,
		logger:  logger,
	}
	if cfg.OpsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), 1)
	}
	if cfg.BreakerThreshold > 0 {
		threshold := cfg.BreakerThreshold
		r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "ble-transport",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("transport breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
			// Timeouts of a single ring should not poison the breaker;
			// only hard transport failures count against it.
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, domain.ErrTransportFailure)
			},
		})
	}
	return r
}

// do runs one driver call through the limiter, breaker, and timeout.
func (r *Reliable) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			err = domain.NewDomainError(op, domain.ErrCancelled, "rate limiter wait")
			tracer.RecordError(span, err)
			return err
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	call := func() (struct{}, error) {
		return struct{}{}, normalize(op, fn(opCtx))
	}

	var err error
	if r.breaker != nil {
		_, err = r.breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.NewDomainError(op, domain.ErrTransportFailure, "transport circuit open")
		}
	} else {
		_, err = call()
	}
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	return err
}

// normalize maps raw backend errors onto the domain error taxonomy.
func normalize(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError(op, domain.ErrTransportTimeout, "")
	case errors.Is(err, context.Canceled):
		return domain.NewDomainError(op, domain.ErrCancelled, "")
	case errors.Is(err, domain.ErrTransportTimeout),
		errors.Is(err, domain.ErrTransportFailure),
		errors.Is(err, domain.ErrCancelled):
		return err
	default:
		return domain.NewDomainError(op, domain.ErrTransportFailure, err.Error())
	}
}

func (r *Reliable) Connect(ctx context.Context, address string) error {
	return r.do(ctx, "Driver.Connect", func(ctx context.Context) error {
		return r.inner.Connect(ctx, address)
	})
}

func (r *Reliable) Disconnect(ctx context.Context, address string) error {
	return r.do(ctx, "Driver.Disconnect", func(ctx context.Context) error {
		return r.inner.Disconnect(ctx, address)
	})
}

func (r *Reliable) ReadBattery(ctx context.Context, address string) (int, error) {
	var v int
	err := r.do(ctx, "Driver.ReadBattery", func(ctx context.Context) error {
		var err error
		v, err = r.inner.ReadBattery(ctx, address)
		return err
	})
	return v, err
}

func (r *Reliable) ReadSteps(ctx context.Context, address string) (int, error) {
	var v int
	err := r.do(ctx, "Driver.ReadSteps", func(ctx context.Context) error {
		var err error
		v, err = r.inner.ReadSteps(ctx, address)
		return err
	})
	return v, err
}

func (r *Reliable) ReadHeartRate(ctx context.Context, address string) (int, error) {
	var v int
	err := r.do(ctx, "Driver.ReadHeartRate", func(ctx context.Context) error {
		var err error
		v, err = r.inner.ReadHeartRate(ctx, address)
		return err
	})
	return v, err
}

func (r *Reliable) ReadHistory(ctx context.Context, address string) (domain.History, error) {
	var h domain.History
	err := r.do(ctx, "Driver.ReadHistory", func(ctx context.Context) error {
		var err error
		h, err = r.inner.ReadHistory(ctx, address)
		return err
	})
	return h, err
}

func (r *Reliable) SetTime(ctx context.Context, address string, t time.Time) error {
	return r.do(ctx, "Driver.SetTime", func(ctx context.Context) error {
		return r.inner.SetTime(ctx, address, t)
	})
}

func (r *Reliable) Reboot(ctx context.Context, address string) error {
	return r.do(ctx, "Driver.Reboot", func(ctx context.Context) error {
		return r.inner.Reboot(ctx, address)
	})
}

// Scan passes through with error normalization only; a scan already has an
// explicit duration and should not consume the op rate budget.
func (r *Reliable) Scan(ctx context.Context, d time.Duration, fn func(domain.Advertisement)) error {
	return normalize("Driver.Scan", r.inner.Scan(ctx, d, fn))
}
