// Package power implements the PowerController contract of §4.3: query,
// cycle, and power a host off/on/reset through one of several pluggable
// back ends. A null/shell variant is a valid back end, not a missing one —
// PowerController is modeled as a closed set of tagged variants rather
// than an open inheritance hierarchy.
package power

import (
	"context"
	"fmt"
	"time"

	"github.com/kbisect/kbisect/internal/circuitbreaker"
	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/metrics"
)

// Status is the closed set of power states a controller can observe.
type Status string

const (
	StatusOn      Status = "on"
	StatusOff     Status = "off"
	StatusUnknown Status = "unknown"
)

// PowerController queries and drives a host's power state.
type PowerController interface {
	// Status reports the host's current power state.
	Status(ctx context.Context, host domain.Host) (Status, error)
	// Cycle powers the host off then on (or issues an equivalent reset).
	Cycle(ctx context.Context, host domain.Host) error
	On(ctx context.Context, host domain.Host) error
	Off(ctx context.Context, host domain.Host) error
	Reset(ctx context.Context, host domain.Host) error
}

// Registry resolves a host's configured backend to its PowerController,
// wrapping every call in a per-(host, backend) circuit breaker so a
// flaky BMC or lab-automation endpoint cannot be hammered indefinitely.
type Registry struct {
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config

	backends map[domain.PowerBackend]PowerController
}

// NewRegistry builds a Registry from one controller per backend variant.
// A variant absent from backends falls through to an error at dispatch
// time, which is itself a config_invalid condition surfaced by the
// caller — Registry does not silently substitute a default.
func NewRegistry(backends map[domain.PowerBackend]PowerController, breakerCfg circuitbreaker.Config) *Registry {
	return &Registry{
		breakers:   circuitbreaker.NewRegistry(),
		breakerCfg: breakerCfg,
		backends:   backends,
	}
}

func (r *Registry) breakerKey(host domain.Host) string {
	return host.ID + ":" + string(host.PowerBackend)
}

func (r *Registry) controller(host domain.Host) (PowerController, error) {
	c, ok := r.backends[host.PowerBackend]
	if !ok {
		return nil, domain.NewError(domain.ErrConfigInvalid, errUnknownBackend(host))
	}
	return c, nil
}

// Status dispatches to the host's configured backend through its breaker.
func (r *Registry) Status(ctx context.Context, host domain.Host) (Status, error) {
	c, err := r.controller(host)
	if err != nil {
		return StatusUnknown, err
	}
	breaker := r.breakers.Get(r.breakerKey(host), r.breakerCfg)
	if !breaker.Allow() {
		return StatusUnknown, domain.NewError(domain.ErrPowerBackendFailure, errBreakerOpen(host))
	}
	status, err := c.Status(ctx, host)
	recordOutcome(breaker, err)
	publishBreakerState(r.breakerKey(host), breaker)
	if err != nil {
		return StatusUnknown, domain.NewError(domain.ErrPowerBackendFailure, err)
	}
	return status, nil
}

// Cycle dispatches to the host's configured backend, making up to attempts
// calls spaced by spacing, each through the same breaker Status uses.
func (r *Registry) Cycle(ctx context.Context, host domain.Host, attempts int, spacing time.Duration) error {
	c, err := r.controller(host)
	if err != nil {
		return err
	}
	breaker := r.breakers.Get(r.breakerKey(host), r.breakerCfg)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if !breaker.Allow() {
			return domain.NewError(domain.ErrPowerBackendFailure, errBreakerOpen(host))
		}
		lastErr = c.Cycle(ctx, host)
		recordOutcome(breaker, lastErr)
		metrics.Global().RecordPowerCycle(string(host.PowerBackend), lastErr == nil)
		publishBreakerState(r.breakerKey(host), breaker)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(spacing):
			}
		}
	}
	return domain.NewError(domain.ErrPowerBackendFailure, lastErr)
}

func errUnknownBackend(host domain.Host) error {
	return fmt.Errorf("host %s: no controller registered for power backend %q", host.ID, host.PowerBackend)
}

func errBreakerOpen(host domain.Host) error {
	return fmt.Errorf("host %s: power backend %q circuit breaker is open", host.ID, host.PowerBackend)
}

// On, Off, and Reset each dispatch a single attempt through the host's
// breaker; unlike Cycle they are not retried, since a caller issuing one
// of them directly (e.g. the `ipmi` CLI verb) wants the raw outcome.
func (r *Registry) On(ctx context.Context, host domain.Host) error    { return r.dispatch(ctx, host, PowerController.On) }
func (r *Registry) Off(ctx context.Context, host domain.Host) error   { return r.dispatch(ctx, host, PowerController.Off) }
func (r *Registry) Reset(ctx context.Context, host domain.Host) error { return r.dispatch(ctx, host, PowerController.Reset) }

func (r *Registry) dispatch(ctx context.Context, host domain.Host, op func(PowerController, context.Context, domain.Host) error) error {
	c, err := r.controller(host)
	if err != nil {
		return err
	}
	breaker := r.breakers.Get(r.breakerKey(host), r.breakerCfg)
	if !breaker.Allow() {
		return domain.NewError(domain.ErrPowerBackendFailure, errBreakerOpen(host))
	}
	err = op(c, ctx, host)
	recordOutcome(breaker, err)
	publishBreakerState(r.breakerKey(host), breaker)
	if err != nil {
		return domain.NewError(domain.ErrPowerBackendFailure, err)
	}
	return nil
}

func recordOutcome(b *circuitbreaker.Breaker, err error) {
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
}

// publishBreakerState reports the breaker's post-call state to Prometheus
// and counts a trip the moment it opens.
func publishBreakerState(key string, b *circuitbreaker.Breaker) {
	state := b.State()
	metrics.SetBreakerState(key, int(state))
	if state == circuitbreaker.StateOpen {
		metrics.RecordBreakerTrip(key)
	}
}
