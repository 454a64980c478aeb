package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	// Capacity is the number of execution slots.
	Capacity int `koanf:"capacity"`

	// InvocationTimeout is the hard wall-clock limit per invocation.
	InvocationTimeout time.Duration `koanf:"invocation_timeout"`

	// LaunchesPerSecond throttles invocation starts so a large unblock
	// does not stampede the capability backend. Zero means no limit.
	LaunchesPerSecond float64 `koanf:"launches_per_second"`
}

// DefaultPoolConfig returns conservative pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Capacity:          3,
		InvocationTimeout: 15 * time.Minute,
	}
}

// Validate checks the configuration.
func (c PoolConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("pool capacity must be > 0, got %d", c.Capacity)
	}
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("invocation timeout must be > 0, got %v", c.InvocationTimeout)
	}
	if c.LaunchesPerSecond < 0 {
		return fmt.Errorf("launches per second must be >= 0, got %v", c.LaunchesPerSecond)
	}
	return nil
}

// Pool is a fixed-capacity set of execution slots. One slot is held per
// active lifecycle task; each invocation inside a slot gets a hard timeout
// and the slot is always reclaimed.
type Pool struct {
	slots   chan struct{}
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPool creates a pool from the given configuration.
func NewPool(cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.LaunchesPerSecond > 0 {
		limit = rate.Limit(cfg.LaunchesPerSecond)
	}
	return &Pool{
		slots:   make(chan struct{}, cfg.Capacity),
		timeout: cfg.InvocationTimeout,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Capacity returns the configured slot count.
func (p *Pool) Capacity() int { return cap(p.slots) }

// InUse returns the number of currently held slots.
func (p *Pool) InUse() int { return len(p.slots) }

// Available returns the number of free slots.
func (p *Pool) Available() int { return cap(p.slots) - len(p.slots) }

// Acquire blocks until a slot is free or the context is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot acquired with Acquire or TryAcquire.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
		// Release without a matching acquire is a programming error but
		// must not deadlock the pool.
		p.logger.Error("pool release without matching acquire")
	}
}

// Invoke runs one capability invocation under the pool's hard timeout.
//
// On timeout the invocation is abandoned via context cancellation and
// ErrTimedOut is returned; no partial-result interpretation is attempted.
// Any other failure is wrapped in a CapabilityError.
func (p *Pool) Invoke(ctx context.Context, capability Capability, task Task) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for launch slot: %w", err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	kind := capability.Kind()
	started := time.Now()
	p.logger.Debug("invoking worker",
		zap.String("kind", string(kind)),
		zap.String("unit", task.UnitID))

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := capability.Invoke(invokeCtx, task)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if invokeCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%s after %v: %w", kind, p.timeout, ErrTimedOut)
			}
			return nil, &CapabilityError{Kind: kind, Err: out.err}
		}
		p.logger.Debug("worker finished",
			zap.String("kind", string(kind)),
			zap.String("unit", task.UnitID),
			zap.Bool("success", out.result.Success),
			zap.Duration("elapsed", time.Since(started)))
		return out.result, nil
	case <-invokeCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a timeout.
			return nil, ctx.Err()
		}
		p.logger.Warn("worker timed out",
			zap.String("kind", string(kind)),
			zap.String("unit", task.UnitID),
			zap.Duration("timeout", p.timeout))
		return nil, fmt.Errorf("%s after %v: %w", kind, p.timeout, ErrTimedOut)
	}
}
