package vbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/retry"
)

// Default value exchange timing.
const (
	DefaultValueTimeout     = 500 * time.Millisecond
	DefaultValueTimeoutIncr = 500 * time.Millisecond
	DefaultValueTries       = 3
)

// Datagram is the controller's answer to a get/set exchange.
type Datagram struct {
	// ValueID echoes the requested value identifier.
	ValueID uint16 `json:"value_id"`

	// Value is the raw integer value reported by the controller.
	Value int32 `json:"value"`

	// Rejected is set when the controller refused the request.
	Rejected bool `json:"rejected,omitempty"`
}

// ValueExchanger issues single get/set requests on an already-claimed bus.
// Implementations honour the context deadline as the response timeout.
type ValueExchanger interface {
	GetValueByID(ctx context.Context, master, valueID uint16) (Datagram, error)
	SetValueByID(ctx context.Context, master, valueID uint16, raw int32, save bool) (Datagram, error)
}

// AccessorConfig holds configuration for an Accessor.
type AccessorConfig struct {
	// Exchanger performs the individual requests.
	Exchanger ValueExchanger

	// Timeout is the first attempt's response timeout.
	Timeout time.Duration

	// TimeoutIncr is added to the timeout on every retry.
	TimeoutIncr time.Duration

	// Tries is the total number of attempts.
	Tries int

	// Metrics is optional.
	Metrics *Metrics
}

// Accessor performs get/set exchanges against a controller under a held
// Lease, retrying with linear timeout backoff.
//
// Thread Safety: All methods are safe for concurrent use; exclusivity of the
// bus itself comes from the Lease.
type Accessor struct {
	conn    ValueExchanger
	policy  retry.Policy
	metrics *Metrics
}

// NewAccessor creates an accessor, applying defaults for zero timings.
func NewAccessor(cfg AccessorConfig) *Accessor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultValueTimeout
	}
	incr := cfg.TimeoutIncr
	if incr < 0 {
		incr = 0
	}
	tries := cfg.Tries
	if tries <= 0 {
		tries = DefaultValueTries
	}

	return &Accessor{
		conn:    cfg.Exchanger,
		policy:  retry.Linear(timeout, incr, tries),
		metrics: cfg.Metrics,
	}
}

// Policy returns the retry policy used for every exchange.
func (a *Accessor) Policy() retry.Policy {
	return a.policy
}

// Get reads a raw value. It fails with ErrNoResponse once every attempt
// has timed out.
func (a *Accessor) Get(ctx context.Context, lease *Lease, valueID uint16) (Datagram, error) {
	if err := checkLease(lease); err != nil {
		return Datagram{}, err
	}

	dgram, err := a.exchange(ctx, "get", func(ctx context.Context) (Datagram, error) {
		return a.conn.GetValueByID(ctx, lease.Master(), valueID)
	})
	if err != nil {
		return Datagram{}, fmt.Errorf("get value 0x%04X: %w", valueID, err)
	}
	return dgram, nil
}

// Set writes a raw value. save asks the controller to persist it. Range
// validation is the caller's job and must happen before Set is reached.
func (a *Accessor) Set(ctx context.Context, lease *Lease, valueID uint16, raw int32, save bool) (Datagram, error) {
	if err := checkLease(lease); err != nil {
		return Datagram{}, err
	}

	dgram, err := a.exchange(ctx, "set", func(ctx context.Context) (Datagram, error) {
		return a.conn.SetValueByID(ctx, lease.Master(), valueID, raw, save)
	})
	if err != nil {
		return Datagram{}, fmt.Errorf("set value 0x%04X: %w", valueID, err)
	}
	return dgram, nil
}

// exchange runs one request under the retry policy and classifies the outcome.
func (a *Accessor) exchange(ctx context.Context, op string, fn func(ctx context.Context) (Datagram, error)) (Datagram, error) {
	dgram, err := retry.DoWithResult(ctx, a.policy, func(ctx context.Context, _ int) (Datagram, error) {
		d, err := fn(ctx)
		switch {
		case err == nil && d.Rejected:
			return d, retry.NonRetryable(ErrValueRejected)
		case errors.Is(err, ErrNotConnected):
			return d, retry.NonRetryable(err)
		}
		return d, err
	})

	switch {
	case err == nil:
		a.metrics.valueRequest(op, "ok")
		return dgram, nil
	case errors.Is(err, retry.ErrExhausted):
		a.metrics.valueRequest(op, "no_response")
		return Datagram{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	case errors.Is(err, ErrValueRejected):
		a.metrics.valueRequest(op, "rejected")
		return Datagram{}, err
	default:
		a.metrics.valueRequest(op, "error")
		return Datagram{}, err
	}
}

func checkLease(lease *Lease) error {
	if lease == nil || lease.Released() {
		return ErrLeaseReleased
	}
	return nil
}

// ToPhysical converts a raw protocol integer to its physical value by
// dividing by 10^precision.
func ToPhysical(raw int32, precision int) float64 {
	return float64(raw) / math.Pow10(precision)
}

// ToRaw converts a physical value to protocol units, rounding to the
// nearest integer after scaling by 10^precision. Results that do not fit
// the protocol's signed 32-bit value fail with ErrOutOfRange.
func ToRaw(physical float64, precision int) (int32, error) {
	scaled := math.Round(physical * math.Pow10(precision))
	if math.IsNaN(scaled) || scaled < math.MinInt32 || scaled > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %v at precision %d exceeds the raw value range", ErrOutOfRange, physical, precision)
	}
	return int32(scaled), nil
}

// FormatValue renders v with exactly precision decimal places.
func FormatValue(v float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}
