// Package bootmonitor implements the BootMonitor contract of §4.5:
// poll a host's remote-exec channel with exponential backoff until it
// answers `uname -r`, or a wall-clock timeout elapses.
package bootmonitor

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/remoteexec"
)

// Outcome is the closed classification of a boot-wait's result.
type Outcome string

const (
	OutcomeBootedExpected Outcome = "booted_expected"
	OutcomeFellBack       Outcome = "fell_back"
	OutcomeTimeout        Outcome = "timeout"
)

// Result is the return value of WaitForBoot.
type Result struct {
	Reachable      bool
	ObservedKernel string
	Outcome        Outcome
	Reason         string
}

// Monitor polls a host via RemoteExec until it answers.
type Monitor struct {
	exec remoteexec.RemoteExec

	// BaseDelay and MaxDelay shape the poll backoff; exported so callers
	// (and tests standing in for a real multi-second boot) can tune them.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	probeTimeout time.Duration
}

// NewMonitor returns a Monitor polling through exec. probeTimeout bounds
// each individual `uname -r` attempt; it should be much shorter than the
// overall WaitForBoot timeout.
func NewMonitor(exec remoteexec.RemoteExec, probeTimeout time.Duration) *Monitor {
	return &Monitor{
		exec:         exec,
		BaseDelay:    time.Second,
		MaxDelay:     8 * time.Second,
		probeTimeout: probeTimeout,
	}
}

// WaitForBoot polls host until it answers `uname -r` or timeout elapses.
// expectedKernel may be empty (as during RECOVER, §4.6), in which case
// any successful answer is OutcomeBootedExpected.
func (m *Monitor) WaitForBoot(ctx context.Context, host domain.Host, expectedKernel string, timeout time.Duration) *Result {
	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		observed, err := m.probe(ctx, host)
		if err == nil {
			outcome := OutcomeBootedExpected
			if expectedKernel != "" && observed != expectedKernel {
				outcome = OutcomeFellBack
			}
			return &Result{Reachable: true, ObservedKernel: observed, Outcome: outcome}
		}

		if time.Now().After(deadline) {
			return &Result{Reachable: false, Outcome: OutcomeTimeout, Reason: err.Error()}
		}

		attempt++
		select {
		case <-ctx.Done():
			return &Result{Reachable: false, Outcome: OutcomeTimeout, Reason: ctx.Err().Error()}
		case <-time.After(m.backoff(attempt)):
		}
	}
}

func (m *Monitor) probe(ctx context.Context, host domain.Host) (string, error) {
	res, err := m.exec.Run(ctx, host, remoteexec.OpKernelVersion, nil, nil, m.probeTimeout)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, res.Output)
	if err := res.Close(); err != nil {
		return "", err
	}
	if res.ExitCode() != 0 {
		return "", domain.NewError(domain.ErrRemoteUnreachable, errExitNonZero(res.ExitCode()))
	}
	return strings.TrimSpace(buf.String()), nil
}

// backoff is exponential with ±25% jitter, capped at MaxDelay (boot
// probes are short-lived, so the cap stays at a few seconds).
func (m *Monitor) backoff(attempt int) time.Duration {
	ms := float64(m.BaseDelay.Milliseconds()) * math.Pow(2, float64(attempt-1))
	if cap := float64(m.MaxDelay.Milliseconds()); ms > cap {
		ms = cap
	}
	jitter := ms * 0.25 * (2*rand.Float64() - 1)
	ms += jitter
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

type exitNonZeroError int

func (e exitNonZeroError) Error() string {
	return "uname -r exited non-zero"
}

func errExitNonZero(code int) error { return exitNonZeroError(code) }
