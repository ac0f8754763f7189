// Package metrics collects and exposes bisection runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters) for a lightweight
//     JSON /metrics endpoint usable without any external dependency.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// RecordIteration and RecordHostOutcome are called from the Coordinator and
// HostRunner respectively, once per iteration and once per host outcome,
// and must be cheap; they use atomic increments exclusively and never take a lock on
// the hot path.
//
// # Invariants
//
//   - TotalIterations == GoodVerdicts + BadVerdicts + SkipVerdicts + PendingVerdicts.
//   - PowerCyclesOK + PowerCyclesFailed == PowerCyclesTotal.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes bisection runtime metrics.
type Metrics struct {
	TotalIterations atomic.Int64
	GoodVerdicts    atomic.Int64
	BadVerdicts     atomic.Int64
	SkipVerdicts    atomic.Int64
	PendingVerdicts atomic.Int64

	HostsUnreachable atomic.Int64

	PowerCyclesTotal  atomic.Int64
	PowerCyclesOK     atomic.Int64
	PowerCyclesFailed atomic.Int64

	BuildFailures atomic.Int64
	BootFallbacks atomic.Int64
	BootTimeouts  atomic.Int64

	// Per-host metrics
	hostMetrics sync.Map // hostID -> *HostMetrics

	startTime time.Time
}

// HostMetrics tracks metrics for a single test host.
type HostMetrics struct {
	IterationsRun atomic.Int64
	Passes        atomic.Int64
	Fails         atomic.Int64
	Skips         atomic.Int64
	Unreachable   atomic.Int64
	TotalBuildMs  atomic.Int64
	TotalBootMs   atomic.Int64
	TotalTestMs   atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordIteration records the aggregate verdict for one completed iteration.
func (m *Metrics) RecordIteration(verdict string) {
	m.TotalIterations.Add(1)
	switch verdict {
	case "good":
		m.GoodVerdicts.Add(1)
	case "bad":
		m.BadVerdicts.Add(1)
	case "skip":
		m.SkipVerdicts.Add(1)
	case "pending":
		m.PendingVerdicts.Add(1)
	}
	RecordPrometheusIteration(verdict)
}

// RecordHostOutcome records a single host's outcome for an iteration.
func (m *Metrics) RecordHostOutcome(hostID, verdict string, buildMs, bootMs, testMs int64) {
	hm := m.getHostMetrics(hostID)
	hm.IterationsRun.Add(1)
	switch verdict {
	case "pass":
		hm.Passes.Add(1)
	case "fail":
		hm.Fails.Add(1)
	case "skip":
		hm.Skips.Add(1)
	case "unreachable":
		hm.Unreachable.Add(1)
		m.HostsUnreachable.Add(1)
	}
	hm.TotalBuildMs.Add(buildMs)
	hm.TotalBootMs.Add(bootMs)
	hm.TotalTestMs.Add(testMs)
	RecordPrometheusPhaseDuration(hostID, "build", buildMs)
	RecordPrometheusPhaseDuration(hostID, "boot", bootMs)
	RecordPrometheusPhaseDuration(hostID, "test", testMs)
}

// RecordPhaseFailure records a specific phase-failure classification (§4.6).
func (m *Metrics) RecordPhaseFailure(kind string) {
	switch kind {
	case "build_failed":
		m.BuildFailures.Add(1)
	case "boot_fallback":
		m.BootFallbacks.Add(1)
	case "boot_timeout_recovered", "boot_timeout":
		m.BootTimeouts.Add(1)
	}
}

// RecordPowerCycle records the outcome of a PowerController.Cycle call.
func (m *Metrics) RecordPowerCycle(backend string, ok bool) {
	m.PowerCyclesTotal.Add(1)
	if ok {
		m.PowerCyclesOK.Add(1)
	} else {
		m.PowerCyclesFailed.Add(1)
	}
	RecordPrometheusPowerCycle(backend, ok)
}

func (m *Metrics) getHostMetrics(hostID string) *HostMetrics {
	if v, ok := m.hostMetrics.Load(hostID); ok {
		return v.(*HostMetrics)
	}
	hm := &HostMetrics{}
	actual, _ := m.hostMetrics.LoadOrStore(hostID, hm)
	return actual.(*HostMetrics)
}

// snapshot is the JSON-serializable view returned by the /metrics endpoint.
type snapshot struct {
	TotalIterations  int64   `json:"total_iterations"`
	GoodVerdicts     int64   `json:"good_verdicts"`
	BadVerdicts      int64   `json:"bad_verdicts"`
	SkipVerdicts     int64   `json:"skip_verdicts"`
	PendingVerdicts  int64   `json:"pending_verdicts"`
	HostsUnreachable int64   `json:"hosts_unreachable"`
	PowerCyclesTotal int64   `json:"power_cycles_total"`
	PowerCyclesOK    int64   `json:"power_cycles_ok"`
	BuildFailures    int64   `json:"build_failures"`
	BootFallbacks    int64   `json:"boot_fallbacks"`
	BootTimeouts     int64   `json:"boot_timeouts"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// Handler returns an http.Handler serving a JSON snapshot of the metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := snapshot{
			TotalIterations:  m.TotalIterations.Load(),
			GoodVerdicts:     m.GoodVerdicts.Load(),
			BadVerdicts:      m.BadVerdicts.Load(),
			SkipVerdicts:     m.SkipVerdicts.Load(),
			PendingVerdicts:  m.PendingVerdicts.Load(),
			HostsUnreachable: m.HostsUnreachable.Load(),
			PowerCyclesTotal: m.PowerCyclesTotal.Load(),
			PowerCyclesOK:    m.PowerCyclesOK.Load(),
			BuildFailures:    m.BuildFailures.Load(),
			BootFallbacks:    m.BootFallbacks.Load(),
			BootTimeouts:     m.BootTimeouts.Load(),
			UptimeSeconds:    time.Since(m.startTime).Seconds(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	})
}
