// Package coordinator drives the top-level loop of §4.9: pick the next
// candidate, fan HostRunners out across hosts in parallel, aggregate,
// durably mark, and handle halts and resumes. It is the only component
// that holds a BisectDriver.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbisect/kbisect/internal/aggregator"
	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/logging"
	"github.com/kbisect/kbisect/internal/metrics"
	"github.com/kbisect/kbisect/internal/observability"
	"github.com/kbisect/kbisect/internal/queue"
	"github.com/kbisect/kbisect/internal/remoteexec"
	"github.com/kbisect/kbisect/internal/store"
)

// HaltReport is emitted when a session halts because a host became
// unreachable and recovery was exhausted; it carries what a human needs to
// bring the lab back before resuming.
type HaltReport struct {
	SessionID         string
	IterationSHA      string
	UnreachableHosts  []string
	RecoveryInstructions string
}

// Driver is the subset of *bisectdriver.Driver the Coordinator needs; an
// interface here lets tests exercise the loop without a real git working
// copy.
type Driver interface {
	Start(ctx context.Context, goodRef, badRef string) error
	Current(ctx context.Context) (string, error)
	Message(ctx context.Context, sha string) (string, error)
	Mark(ctx context.Context, verdict domain.Verdict) (string, error)
}

// HostRunner is the subset of *hostrunner.Runner the Coordinator needs.
type HostRunner interface {
	Run(ctx context.Context, iterationID string, host domain.Host, sha, baseConfig string) domain.HostOutcome
}

// Coordinator runs one working copy's bisection loop end to end.
type Coordinator struct {
	store  store.Store
	driver Driver
	exec   remoteexec.RemoteExec
	runner HostRunner
	hosts  []domain.Host

	notifier        queue.Notifier
	livenessTimeout time.Duration
}

// New builds a Coordinator. runner is shared across every host and
// iteration (stateless, per internal/hostrunner's own doc). The
// Coordinator starts with a no-op Notifier; call SetNotifier to push
// session-lifecycle events to watchers instead of relying purely on
// Store polling.
func New(st store.Store, driver Driver, exec remoteexec.RemoteExec, runner HostRunner, hosts []domain.Host) *Coordinator {
	return &Coordinator{
		store:           st,
		driver:          driver,
		exec:            exec,
		runner:          runner,
		hosts:           hosts,
		notifier:        queue.NewNoopNotifier(),
		livenessTimeout: 10 * time.Second,
	}
}

// SetNotifier replaces the Coordinator's session-lifecycle Notifier.
func (c *Coordinator) SetNotifier(n queue.Notifier) {
	c.notifier = n
}

// Run executes the full loop (including resume) until the session
// completes, halts, or ctx is canceled. On halt it returns the HaltReport
// rather than an error, since a halt is an expected terminal state, not a
// failure of the Coordinator itself.
func (c *Coordinator) Run(ctx context.Context, goodRef, badRef string, configSnapshot []byte) (*HaltReport, error) {
	session, err := c.resumeOrCreate(ctx, goodRef, badRef, configSnapshot)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, nil
	}
	return c.loop(ctx, session.ID)
}

// resumeOrCreate opens the latest non-terminal session for this working
// copy, reconciling a `halted` or dangling `running` session per §4.9's
// Resume procedure, or creates a fresh session and collects baseline
// metadata if none exists.
func (c *Coordinator) resumeOrCreate(ctx context.Context, goodRef, badRef string, configSnapshot []byte) (*domain.Session, error) {
	session, err := c.store.OpenSession(ctx, "")
	if err == store.ErrNoActiveSession {
		return c.startFresh(ctx, goodRef, badRef, configSnapshot)
	}
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case domain.SessionHalted:
		if err := c.resumeFromHalted(ctx, session); err != nil {
			return nil, err
		}
	case domain.SessionRunning:
		if err := c.resumeFromRunning(ctx, session); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (c *Coordinator) startFresh(ctx context.Context, goodRef, badRef string, configSnapshot []byte) (*domain.Session, error) {
	if err := c.driver.Start(ctx, goodRef, badRef); err != nil {
		return nil, err
	}
	sessionID, err := c.store.CreateSession(ctx, goodRef, badRef, configSnapshot)
	if err != nil {
		return nil, err
	}
	c.collectBaselineMetadata(ctx, sessionID)
	return &domain.Session{ID: sessionID, GoodRef: goodRef, BadRef: badRef, Status: domain.SessionRunning}, nil
}

// collectBaselineMetadata runs collect_metadata against every host at
// session creation and stores each payload, best-effort: a metadata
// failure must never block the bisection itself.
func (c *Coordinator) collectBaselineMetadata(ctx context.Context, sessionID string) {
	for _, host := range c.hosts {
		res, err := c.exec.Run(ctx, host, remoteexec.OpCollectMetadata, nil, nil, c.livenessTimeout)
		if err != nil {
			logging.Op().Warn("baseline metadata collection failed to start", "host_id", host.ID, "error", err)
			continue
		}
		payload, readErr := io.ReadAll(res.Output)
		closeErr := res.Close()
		if readErr != nil || closeErr != nil || res.ExitCode() != 0 {
			logging.Op().Warn("baseline metadata collection failed", "host_id", host.ID, "read_error", readErr, "close_error", closeErr)
			continue
		}
		if _, err := c.store.PutMetadata(ctx, sessionID, "", payload); err != nil {
			logging.Op().Warn("failed to persist baseline metadata", "host_id", host.ID, "error", err)
		}
	}
}

// resumeFromHalted implements §4.9's halted-resume procedure: every
// halted-at host must answer a liveness probe before the Coordinator
// re-classifies the pending iteration and performs the deferred mark.
func (c *Coordinator) resumeFromHalted(ctx context.Context, session *domain.Session) error {
	iterations, err := c.store.Iterations(ctx, session.ID)
	if err != nil {
		return err
	}
	pending := latestPending(iterations)
	if pending == nil {
		// Nothing pending to reconcile; fall through to the normal loop.
		return c.store.UpdateSessionStatus(ctx, session.ID, domain.SessionRunning, "")
	}

	outcomes, err := c.store.HostOutcomes(ctx, pending.ID)
	if err != nil {
		return err
	}

	for _, host := range c.hosts {
		if !c.probeLiveness(ctx, host) {
			return domain.NewError(domain.ErrRemoteUnreachable,
				fmt.Errorf("host %s is still unreachable; bring it back before resuming", host.ID))
		}
	}

	verdict := reclassifyPending(outcomes, c.hostByID)
	firstBad, err := c.markIteration(ctx, pending.ID, verdict)
	if err != nil {
		return err
	}
	if firstBad != "" {
		return c.store.UpdateSessionStatus(ctx, session.ID, domain.SessionCompleted, firstBad)
	}
	return c.store.UpdateSessionStatus(ctx, session.ID, domain.SessionRunning, "")
}

// resumeFromRunning implements §4.9's clean-interrupt-resume procedure: an
// iteration is closed iff its stored verdict matches the VCS's latest
// mark. The VCS is authoritative on mismatch.
func (c *Coordinator) resumeFromRunning(ctx context.Context, session *domain.Session) error {
	iterations, err := c.store.Iterations(ctx, session.ID)
	if err != nil {
		return err
	}
	if len(iterations) == 0 {
		return nil
	}
	last := iterations[len(iterations)-1]
	if last.Verdict != domain.VerdictPending {
		// Already closed; nothing to reconcile.
		return nil
	}

	vcsSHA, err := c.driver.Current(ctx)
	if err != nil {
		return err
	}
	if vcsSHA == last.SHA {
		// The VCS never recorded a mark for this iteration either; it is
		// genuinely dangling. VerdictDiscarded (not VerdictSkip) closes it
		// without falsely implying a `git bisect skip` mark exists at this
		// sha. The next loop turn restarts from BisectDriver.Current(),
		// which still names this sha.
		return c.store.UpdateIteration(ctx, last.ID, domain.VerdictDiscarded, "discarded dangling iteration on resume")
	}
	// The VCS has already moved past this commit, so a mark landed there
	// but the Store write was interrupted. Re-derive which verdict the VCS
	// must have recorded and replay it into the Store.
	outcomes, err := c.store.HostOutcomes(ctx, last.ID)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		// Neither side has anything durable for this iteration; it is
		// dangling and is discarded, same as the vcsSHA == last.SHA case.
		return c.store.UpdateIteration(ctx, last.ID, domain.VerdictDiscarded, "discarded dangling iteration on resume")
	}
	verdict := aggregator.Reduce(outcomes)
	return c.store.UpdateIteration(ctx, last.ID, verdict, "replayed from VCS mark on resume")
}

func latestPending(iterations []domain.Iteration) *domain.Iteration {
	for i := len(iterations) - 1; i >= 0; i-- {
		if iterations[i].Verdict == domain.VerdictPending {
			return &iterations[i]
		}
	}
	return nil
}

func (c *Coordinator) hostByID(id string) domain.Host {
	for _, h := range c.hosts {
		if h.ID == id {
			return h
		}
	}
	return domain.Host{}
}

// reclassifyPending re-scores every unreachable outcome per §4.9 step 3
// (default-test mode -> bad, custom-test mode -> skip) and re-reduces.
func reclassifyPending(outcomes []domain.HostOutcome, hostByID func(string) domain.Host) domain.Verdict {
	reclassified := make([]domain.HostOutcome, len(outcomes))
	for i, o := range outcomes {
		reclassified[i] = o
		if o.Verdict != domain.HostUnreachable {
			continue
		}
		host := hostByID(o.HostID)
		if host.TestMode == domain.TestModeCustom {
			reclassified[i].Verdict = domain.HostSkip
		} else {
			reclassified[i].Verdict = domain.HostFail
		}
	}
	return aggregator.Reduce(reclassified)
}

// probeLiveness issues an echo op with a short timeout and reports whether
// the host answered with a zero exit code.
func (c *Coordinator) probeLiveness(ctx context.Context, host domain.Host) bool {
	res, err := c.exec.Run(ctx, host, remoteexec.OpEcho, []string{"ping"}, nil, c.livenessTimeout)
	if err != nil {
		return false
	}
	_, _ = io.ReadAll(res.Output)
	closeErr := res.Close()
	return closeErr == nil && res.ExitCode() == 0
}

// loop runs the steady-state Coordinator loop until completion, halt, or
// ctx cancellation.
func (c *Coordinator) loop(ctx context.Context, sessionID string) (*HaltReport, error) {
	index := 1
	if iterations, err := c.store.Iterations(ctx, sessionID); err == nil && len(iterations) > 0 {
		index = iterations[len(iterations)-1].Index + 1
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sha, err := c.driver.Current(ctx)
		if err != nil {
			return nil, err
		}
		if sha == "" {
			return nil, c.finalize(ctx, sessionID, "")
		}

		message, err := c.driver.Message(ctx, sha)
		if err != nil {
			logging.Op().Warn("failed to read commit message", "sha", sha, "error", err)
		}

		iterCtx, span := observability.StartSpan(ctx, "coordinator.iteration",
			observability.AttrSessionID.String(sessionID),
			observability.AttrIteration.Int(index),
			observability.AttrCandidate.String(sha),
		)
		iterID, err := c.store.CreateIteration(iterCtx, sessionID, index, sha, message)
		if err != nil {
			observability.SetSpanError(span, err)
			span.End()
			return nil, err
		}

		outcomes, runErr := c.runHosts(iterCtx, iterID, sha)
		if runErr != nil {
			observability.SetSpanError(span, runErr)
			span.End()
			return nil, runErr
		}
		for _, o := range outcomes {
			if err := c.store.PutHostOutcome(iterCtx, o); err != nil {
				logging.Op().Warn("failed to persist host outcome", "host_id", o.HostID, "error", err)
			}
		}

		verdict := aggregator.Reduce(outcomes)
		observability.SpanFromContext(iterCtx).SetAttributes(observability.AttrVerdict.String(string(verdict)))
		metrics.Global().RecordIteration(string(verdict))
		_ = c.notifier.Notify(ctx, queue.QueueIterationEvents)

		if verdict == domain.VerdictPending {
			observability.SetSpanOK(span)
			span.End()
			if err := c.store.UpdateSessionStatus(ctx, sessionID, domain.SessionHalted, ""); err != nil {
				return nil, err
			}
			_ = c.notifier.Notify(ctx, queue.QueueSessionEvents)
			return &HaltReport{
				SessionID:            sessionID,
				IterationSHA:         sha,
				UnreachableHosts:     aggregator.UnreachableHosts(outcomes),
				RecoveryInstructions: "bring the listed hosts back online, then re-run `bisectctl start` to resume",
			}, nil
		}

		firstBad, err := c.markIteration(iterCtx, iterID, verdict)
		if err != nil {
			observability.SetSpanError(span, err)
			span.End()
			return nil, err
		}
		observability.SetSpanOK(span)
		span.End()

		if firstBad != "" {
			return nil, c.finalize(ctx, sessionID, firstBad)
		}
		index++
	}
}

// runHosts fans HostRunner.Run out across every host concurrently and
// joins before aggregation, per §5's "no ordering across hosts within one
// iteration" guarantee.
func (c *Coordinator) runHosts(ctx context.Context, iterID, sha string) ([]domain.HostOutcome, error) {
	outcomes := make([]domain.HostOutcome, len(c.hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, host := range c.hosts {
		g.Go(func() error {
			outcomes[i] = c.runner.Run(gctx, iterID, host, sha, host.BaseConfigPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// markIteration performs the atomic (update_iteration, mark) pairing of
// §5/§9: fn runs inside the Store's open transaction and must itself call
// the BisectDriver mark. The returned string is the first-bad commit sha
// when this mark converged the search, else "".
func (c *Coordinator) markIteration(ctx context.Context, iterID string, verdict domain.Verdict) (string, error) {
	var firstBad string
	err := c.store.MarkIteration(ctx, iterID, func() (domain.Verdict, string, error) {
		fb, err := c.driver.Mark(ctx, verdict)
		if err != nil {
			return verdict, "", err
		}
		firstBad = fb
		return verdict, fb, nil
	})
	return firstBad, err
}

func (c *Coordinator) finalize(ctx context.Context, sessionID, firstBad string) error {
	if err := c.store.UpdateSessionStatus(ctx, sessionID, domain.SessionCompleted, firstBad); err != nil {
		return err
	}
	_ = c.notifier.Notify(ctx, queue.QueueSessionEvents)
	return nil
}

