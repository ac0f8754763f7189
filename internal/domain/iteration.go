package domain

import "time"

// Verdict is the outcome of testing one candidate commit, either at the
// per-host level (mapped through HostOutcome.Verdict's pass/fail/skip/
// unreachable set) or the aggregate level produced by the Aggregator.
type Verdict string

const (
	VerdictGood    Verdict = "good"
	VerdictBad     Verdict = "bad"
	VerdictSkip    Verdict = "skip"
	VerdictPending Verdict = "pending"

	// VerdictDiscarded closes an Iteration on resume when neither the Store
	// nor the BisectDriver has anything durable for it (the process died
	// before either side recorded an outcome). It is distinct from
	// VerdictSkip, which always implies a corresponding `git bisect skip`
	// mark exists at the same sha.
	VerdictDiscarded Verdict = "discarded"
)

// HostVerdict is the per-host result recorded in a HostOutcome.
type HostVerdict string

const (
	HostPass        HostVerdict = "pass"
	HostFail        HostVerdict = "fail"
	HostSkip        HostVerdict = "skip"
	HostUnreachable HostVerdict = "unreachable"
)

// Iteration is one tested commit within a Session.
//
// Invariant: verdict is VerdictPending until aggregation completes and the
// VCS mark is committed; the pair (SessionID, Index) is unique.
type Iteration struct {
	ID           string
	SessionID    string
	Index        int // monotone, dense, starting at 1
	SHA          string
	Message      string
	StartedAt    time.Time
	EndedAt      *time.Time
	Verdict      Verdict
	ErrorSummary string
}
