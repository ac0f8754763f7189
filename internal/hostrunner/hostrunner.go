// Package hostrunner drives the per-(iteration, host) state machine of
// §4.6: BUILD → INSTALL+REBOOT → WAIT_BOOT → (RECOVER) → TEST → DONE,
// producing exactly one domain.HostOutcome.
package hostrunner

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/kbisect/kbisect/internal/bootmonitor"
	"github.com/kbisect/kbisect/internal/console"
	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/jobtracker"
	"github.com/kbisect/kbisect/internal/livelog"
	"github.com/kbisect/kbisect/internal/logging"
	"github.com/kbisect/kbisect/internal/metrics"
	"github.com/kbisect/kbisect/internal/power"
	"github.com/kbisect/kbisect/internal/remoteexec"
	"github.com/kbisect/kbisect/internal/store"
)

// RecoveryPolicy bounds the RECOVER phase's retry loop.
type RecoveryPolicy struct {
	Attempts int
	Spacing  time.Duration
}

// Timeouts bounds each phase's remote operation.
type Timeouts struct {
	Build time.Duration
	Boot  time.Duration
	Test  time.Duration
}

// Runner drives one HostOutcome to completion for one iteration on one
// host. A Runner is stateless across iterations; the same instance is
// reused for every iteration against the same set of hosts.
type Runner struct {
	exec     remoteexec.RemoteExec
	power    *power.Registry
	console  *console.Collector
	boot     *bootmonitor.Monitor
	store    store.Store
	timeouts Timeouts
	recovery RecoveryPolicy
	tracker  *jobtracker.Tracker
	live     *livelog.Store
}

// SetLiveLog attaches a livelog.Store that build output (streamed line by
// line as it is produced) and console captures (published in full when
// the capture stops, before it is persisted) are mirrored to, for `bisectctl tail` to follow. Nil disables live
// streaming without changing any other behavior.
func (r *Runner) SetLiveLog(live *livelog.Store) {
	r.live = live
}

// New builds a Runner. tracker may be nil if phase progress need not be
// observable externally.
func New(exec remoteexec.RemoteExec, powerReg *power.Registry, collector *console.Collector, boot *bootmonitor.Monitor, st store.Store, timeouts Timeouts, recovery RecoveryPolicy, tracker *jobtracker.Tracker) *Runner {
	if tracker == nil {
		tracker = jobtracker.New(time.Hour)
	}
	return &Runner{
		exec:     exec,
		power:    powerReg,
		console:  collector,
		boot:     boot,
		store:    st,
		timeouts: timeouts,
		recovery: recovery,
		tracker:  tracker,
	}
}

// trackerKey is the jobtracker progress key for one (iteration,host) pair.
func trackerKey(iterationID, hostID string) string {
	return iterationID + ":" + hostID
}

// Run executes the full state machine for sha on host and returns the
// recorded HostOutcome. The caller is responsible for calling
// Store.PutHostOutcome with the result (Run does not persist it, so the
// caller can coordinate aggregation first per §4.7/§4.9).
func (r *Runner) Run(ctx context.Context, iterationID string, host domain.Host, sha, baseConfig string) domain.HostOutcome {
	key := trackerKey(iterationID, host.ID)
	r.tracker.Update(key, 0, "starting", string(domain.PhaseBuild))

	outcome := domain.HostOutcome{IterationID: iterationID, HostID: host.ID}
	var buildMs, bootMs, testMs int64

	buildStart := time.Now()
	buildLogID, exitCode, expectedKernel, buildErr := r.build(ctx, iterationID, host, sha, baseConfig)
	buildMs = time.Since(buildStart).Milliseconds()
	outcome.BuildLogBlobID = buildLogID
	outcome.PhaseReached = domain.PhaseBuild
	if buildErr != nil || (exitCode != nil && *exitCode != 0) {
		outcome.Verdict = domain.HostSkip
		outcome.ErrorKind = domain.ErrBuildFailed
		r.tracker.Update(key, 100, "build failed", string(domain.PhaseDone))
		return r.finish(outcome, host.ID, buildMs, bootMs, testMs)
	}

	r.verifyAndCleanKernels(ctx, host)

	r.tracker.Update(key, 25, "installed, starting console capture", string(domain.PhaseInstall))
	sess, consoleErr := r.console.Start(ctx, host)
	if consoleErr != nil {
		logging.Op().Warn("console collector failed to start", "host_id", host.ID, "error", consoleErr)
	}

	if err := r.cyclePower(ctx, host); err != nil {
		outcome.PhaseReached = domain.PhaseInstall
		outcome.Verdict = domain.HostUnreachable
		outcome.ErrorKind = domain.ErrPowerBackendFailure
		r.persistConsole(ctx, iterationID, host.ID, sess)
		r.tracker.Update(key, 100, "power cycle failed", string(domain.PhaseDone))
		return r.finish(outcome, host.ID, buildMs, bootMs, testMs)
	}

	r.tracker.Update(key, 40, "waiting for boot", string(domain.PhaseBoot))
	bootStart := time.Now()
	bootRes := r.boot.WaitForBoot(ctx, host, expectedKernel, r.timeouts.Boot)
	bootMs = time.Since(bootStart).Milliseconds()
	outcome.PhaseReached = domain.PhaseBoot
	outcome.ObservedKernel = bootRes.ObservedKernel

	switch bootRes.Outcome {
	case bootmonitor.OutcomeBootedExpected:
		// fallthrough to TEST

	case bootmonitor.OutcomeFellBack:
		outcome.Verdict = r.bootFailureVerdict(host)
		outcome.ErrorKind = domain.ErrBootFallback
		r.persistConsole(ctx, iterationID, host.ID, sess)
		r.tracker.Update(key, 100, "boot fell back to protected kernel", string(domain.PhaseDone))
		return r.finish(outcome, host.ID, buildMs, bootMs, testMs)

	case bootmonitor.OutcomeTimeout:
		recovered := r.recover(ctx, host)
		if !recovered {
			outcome.Verdict = domain.HostUnreachable
			outcome.ErrorKind = domain.ErrRemoteUnreachable
			r.persistConsole(ctx, iterationID, host.ID, sess)
			r.tracker.Update(key, 100, "unreachable after recovery", string(domain.PhaseDone))
			return r.finish(outcome, host.ID, buildMs, bootMs, testMs)
		}
		outcome.Verdict = r.bootFailureVerdict(host)
		outcome.ErrorKind = domain.ErrBootTimeout
		r.persistConsole(ctx, iterationID, host.ID, sess)
		r.tracker.Update(key, 100, "boot timeout recovered", string(domain.PhaseDone))
		return r.finish(outcome, host.ID, buildMs, bootMs, testMs)
	}

	r.tracker.Update(key, 70, "running test", string(domain.PhaseTest))
	testStart := time.Now()
	testVerdict, testErrKind := r.test(ctx, host)
	testMs = time.Since(testStart).Milliseconds()
	outcome.PhaseReached = domain.PhaseTest
	outcome.Verdict = testVerdict
	outcome.ErrorKind = testErrKind

	consoleLogID := r.persistConsole(ctx, iterationID, host.ID, sess)
	outcome.ConsoleLogBlobID = consoleLogID
	outcome.PhaseReached = domain.PhaseDone
	r.tracker.Update(key, 100, "done", string(domain.PhaseDone))
	return r.finish(outcome, host.ID, buildMs, bootMs, testMs)
}

// finish records the host-level metrics for outcome before returning it, so
// every exit path in Run reports exactly once regardless of which phase it
// left from.
func (r *Runner) finish(outcome domain.HostOutcome, hostID string, buildMs, bootMs, testMs int64) domain.HostOutcome {
	metrics.Global().RecordHostOutcome(hostID, string(outcome.Verdict), buildMs, bootMs, testMs)
	if outcome.ErrorKind != "" {
		metrics.Global().RecordPhaseFailure(string(outcome.ErrorKind))
	}
	return outcome
}

// build invokes build_kernel and persists its combined output, even on
// success, since post-mortem analysis depends on the build log
// regardless of outcome. The kernel version build_kernel installed is
// its last non-empty output line; a tailTracker tees the stream so the
// version can be recovered without buffering the whole (possibly 50 MB)
// log a second time.
func (r *Runner) build(ctx context.Context, iterationID string, host domain.Host, sha, baseConfig string) (blobID string, exitCode *int, kernelVersion string, err error) {
	args := []string{sha}
	if baseConfig != "" {
		args = append(args, baseConfig)
	}
	res, runErr := r.exec.Run(ctx, host, remoteexec.OpBuildKernel, args, nil, r.timeouts.Build)
	if runErr != nil {
		return "", nil, "", runErr
	}

	tail := newTailTracker()
	live := livelog.NewLineWriter(ctx, r.live, iterationID, host.ID, livelog.KindBuild)
	streamed := io.TeeReader(io.TeeReader(res.Output, tail), live)
	blobID, storeErr := r.store.PutLogBlob(ctx, iterationID, host.ID, domain.LogBlobBuild, streamed, nil)
	closeErr := res.Close()
	if storeErr != nil {
		return "", nil, "", storeErr
	}
	if closeErr != nil {
		return blobID, nil, "", closeErr
	}
	code := res.ExitCode()
	return blobID, &code, tail.lastLine(), nil
}

// verifyAndCleanKernels runs after every successful build, best-effort: it
// confirms the protected (firmware-default) kernel still exists on host —
// guarding the invariant that a freshly built bisect kernel never displaces
// it — and then reclaims disk by pruning old bisect-built kernels. Neither
// check can fail the iteration; a host that fails verify_protection is left
// for an operator to investigate, since failing the build here would hide
// the real signal (a bisect result) behind a housekeeping problem.
func (r *Runner) verifyAndCleanKernels(ctx context.Context, host domain.Host) {
	if res, err := r.exec.Run(ctx, host, remoteexec.OpVerifyProtection, nil, nil, r.timeouts.Build); err != nil {
		logging.Op().Warn("verify_protection could not run", "host_id", host.ID, "error", err)
	} else {
		_, readErr := bytesDrain(res)
		closeErr := res.Close()
		if code := res.ExitCode(); readErr == nil && closeErr == nil && code != 0 {
			logging.Op().Warn("protected kernel missing or altered", "host_id", host.ID, "exit_code", code)
		}
	}

	if res, err := r.exec.Run(ctx, host, remoteexec.OpCleanupOldKernels, nil, nil, r.timeouts.Build); err != nil {
		logging.Op().Warn("cleanup_old_kernels could not run", "host_id", host.ID, "error", err)
	} else {
		_, readErr := bytesDrain(res)
		closeErr := res.Close()
		if code := res.ExitCode(); readErr == nil && closeErr == nil && code != 0 {
			logging.Op().Warn("cleanup_old_kernels exited non-zero", "host_id", host.ID, "exit_code", code)
		}
	}
}

func bytesDrain(res *remoteexec.Result) ([]byte, error) {
	return io.ReadAll(res.Output)
}

// tailTracker keeps the trailing bytes of a stream so the final line can
// be recovered after the stream has been fully consumed elsewhere.
type tailTracker struct {
	buf []byte
}

func newTailTracker() *tailTracker { return &tailTracker{} }

func (t *tailTracker) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	const keep = 4096
	if len(t.buf) > keep {
		t.buf = t.buf[len(t.buf)-keep:]
	}
	return len(p), nil
}

func (t *tailTracker) lastLine() string {
	s := bytes.TrimRight(t.buf, "\n\r \t")
	if i := bytes.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return string(bytes.TrimSpace(s))
}

// cyclePower dispatches through the PowerController registry. For
// PowerShell hosts the registered controller itself issues the reboot
// command through RemoteExec (internal/power's ShellController); the
// runner does not special-case it.
func (r *Runner) cyclePower(ctx context.Context, host domain.Host) error {
	return r.power.Cycle(ctx, host, 1, 0)
}

func (r *Runner) recover(ctx context.Context, host domain.Host) bool {
	for attempt := 1; attempt <= r.recovery.Attempts; attempt++ {
		if err := r.cyclePower(ctx, host); err != nil {
			logging.Op().Warn("recovery power cycle failed", "host_id", host.ID, "attempt", attempt, "error", err)
		} else {
			res := r.boot.WaitForBoot(ctx, host, "", r.timeouts.Boot)
			if res.Reachable {
				return true
			}
		}
		if attempt < r.recovery.Attempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(r.recovery.Spacing):
			}
		}
	}
	return false
}

// bootFailureVerdict implements §4.6's per-host verdict mapping for the
// boot_fallback / boot_timeout_recovered rows: fail under the default
// "does it boot" test, skip when a custom test cannot speak to the
// feature a kernel that never booted.
func (r *Runner) bootFailureVerdict(host domain.Host) domain.HostVerdict {
	if host.TestMode == domain.TestModeCustom {
		return domain.HostSkip
	}
	return domain.HostFail
}

func (r *Runner) test(ctx context.Context, host domain.Host) (domain.HostVerdict, domain.ErrorKind) {
	args := []string{string(host.TestMode)}
	if host.TestMode == domain.TestModeCustom {
		args = append(args, host.TestScriptPath)
	}
	res, err := r.exec.Run(ctx, host, remoteexec.OpRunTest, args, nil, r.timeouts.Test)
	if err != nil {
		return domain.HostSkip, domain.ErrTestTimeout
	}
	_, _ = io.Copy(io.Discard, res.Output)
	closeErr := res.Close()
	if closeErr != nil {
		return domain.HostSkip, domain.ErrTestTimeout
	}
	if res.ExitCode() == 0 {
		return domain.HostPass, ""
	}
	return domain.HostFail, domain.ErrTestFailed
}

func (r *Runner) persistConsole(ctx context.Context, iterationID, hostID string, sess *console.Session) string {
	captured, err := console.Stop(sess)
	if err != nil {
		logging.Op().Warn("console collector failed to stop cleanly", "host_id", hostID, "error", err)
	}
	if len(captured) == 0 {
		return ""
	}
	if r.live != nil {
		live := livelog.NewLineWriter(ctx, r.live, iterationID, hostID, livelog.KindConsole)
		_, _ = io.Copy(live, bytesReader(captured))
	}
	blobID, err := r.store.PutLogBlob(ctx, iterationID, hostID, domain.LogBlobConsole, bytesReader(captured), nil)
	if err != nil {
		logging.Op().Warn("failed to persist console capture", "host_id", hostID, "error", err)
		return ""
	}
	return blobID
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
