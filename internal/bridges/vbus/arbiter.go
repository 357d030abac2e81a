package vbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/retry"
)

// Default arbitration budget: poll every 100 ms, give up after 50 polls.
// Each free-bus or release handshake is bounded by DefaultHandshakeTimeout.
const (
	DefaultArbitrationInterval = 100 * time.Millisecond
	DefaultArbitrationAttempts = 50
	DefaultHandshakeTimeout    = 5 * time.Second
)

// BusController performs the connection-level bus mastership handshakes.
type BusController interface {
	// WaitForFreeBus claims bus mastership and returns the current master's address.
	WaitForFreeBus(ctx context.Context) (uint16, error)

	// ReleaseBus hands mastership back to the given master.
	ReleaseBus(ctx context.Context, master uint16) error
}

// Arbiter serialises exclusive use of the half-duplex bus.
//
// It is a binary semaphore built on a single flag that waiters poll. There
// is no queue: the first caller to observe the flag free wins, and a waiter
// that gives up leaves nothing behind. One Arbiter is constructed at startup
// and shared by every component that needs the bus.
//
// Thread Safety: All methods are safe for concurrent use.
type Arbiter struct {
	conn      BusController
	policy    retry.Policy
	handshake time.Duration
	busy      atomic.Bool
	metrics   *Metrics
}

// ArbiterConfig holds configuration for an Arbiter.
type ArbiterConfig struct {
	// Controller performs the free-bus and release handshakes.
	Controller BusController

	// PollInterval is the delay between flag checks. Default: 100ms.
	PollInterval time.Duration

	// MaxAttempts is the number of flag checks before ErrBusTimeout. Default: 50.
	MaxAttempts int

	// HandshakeTimeout bounds each free-bus and release handshake. Default: 5s.
	HandshakeTimeout time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// NewArbiter creates an arbiter with the bus marked free.
func NewArbiter(cfg ArbiterConfig) *Arbiter {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultArbitrationInterval
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultArbitrationAttempts
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}

	return &Arbiter{
		conn:      cfg.Controller,
		policy:    retry.Fixed(interval, attempts),
		handshake: handshake,
		metrics:   cfg.Metrics,
	}
}

// Busy reports whether a lease is currently held.
func (a *Arbiter) Busy() bool {
	return a.busy.Load()
}

// Acquire waits for the bus to become free, claims it and performs the
// free-bus handshake. On exhausting the polling budget it returns
// ErrBusTimeout without touching the flag. If the handshake fails the flag
// is reset before returning.
//
// Every successful Acquire must be paired with Lease.Release.
func (a *Arbiter) Acquire(ctx context.Context) (*Lease, error) {
	err := retry.Poll(ctx, a.policy, func() bool {
		return a.busy.CompareAndSwap(false, true)
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			a.metrics.busAcquisition("timeout")
			return nil, fmt.Errorf("%w: %w", ErrBusTimeout, err)
		}
		return nil, err
	}

	return a.claim(ctx)
}

// TryAcquire claims the bus only if it is free right now. It returns
// (nil, nil) when the bus is busy.
func (a *Arbiter) TryAcquire(ctx context.Context) (*Lease, error) {
	if !a.busy.CompareAndSwap(false, true) {
		a.metrics.busAcquisition("busy")
		return nil, nil
	}
	return a.claim(ctx)
}

// HandshakeTimeout returns the bound applied to each handshake.
func (a *Arbiter) HandshakeTimeout() time.Duration {
	return a.handshake
}

// claim runs the free-bus handshake with the flag already held.
func (a *Arbiter) claim(ctx context.Context) (*Lease, error) {
	hctx, cancel := context.WithTimeout(ctx, a.handshake)
	defer cancel()

	master, err := a.conn.WaitForFreeBus(hctx)
	if err != nil {
		a.busy.Store(false)
		a.metrics.busAcquisition("error")
		return nil, fmt.Errorf("waiting for free bus: %w", err)
	}

	a.metrics.busAcquisition("acquired")
	return &Lease{arbiter: a, master: master, acquired: time.Now()}, nil
}

// WithLease acquires the bus, runs fn and releases the bus on every exit
// path, including panics in fn. An error from fn takes precedence over a
// release error.
func (a *Arbiter) WithLease(ctx context.Context, fn func(ctx context.Context, lease *Lease) error) (err error) {
	lease, err := a.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.Release(ctx); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return fn(ctx, lease)
}

// Lease is exclusive ownership of the bus for one request/response cycle.
type Lease struct {
	arbiter  *Arbiter
	master   uint16
	acquired time.Time

	once     sync.Once
	released atomic.Bool
}

// Master returns the bus master address reported by the free-bus handshake.
func (l *Lease) Master() uint16 {
	return l.master
}

// Held returns how long the lease has been held.
func (l *Lease) Held() time.Duration {
	return time.Since(l.acquired)
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// Release performs the release handshake and then frees the bus whether or
// not the handshake succeeded. The handshake ignores cancellation of ctx but
// is bounded by the arbiter's handshake timeout. Calls after the first are
// no-ops.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.released.Store(true)
		defer l.arbiter.busy.Store(false)

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.arbiter.handshake)
		defer cancel()

		if relErr := l.arbiter.conn.ReleaseBus(hctx, l.master); relErr != nil {
			err = fmt.Errorf("releasing bus: %w", relErr)
		}
		l.arbiter.metrics.observeLease(l.Held())
	})
	return err
}
