// Package aggregator reduces one iteration's per-host outcomes to a
// single verdict, per §4.7's conservative, fail-fast policy.
package aggregator

import "github.com/kbisect/kbisect/internal/domain"

// Reduce folds outcomes into the iteration-level verdict:
//
//  1. any unreachable  -> pending (session must halt, no VCS mark)
//  2. else any fail    -> bad
//  3. else any skip    -> skip
//  4. else (all pass)  -> good
//
// Ties between fail and skip resolve to bad: a concrete failure is
// stronger evidence than an inconclusive skip. Reduce panics if outcomes
// is empty — the caller must always supply at least one host's result.
func Reduce(outcomes []domain.HostOutcome) domain.Verdict {
	if len(outcomes) == 0 {
		panic("aggregator: Reduce called with no outcomes")
	}

	var sawFail, sawSkip bool
	for _, o := range outcomes {
		switch o.Verdict {
		case domain.HostUnreachable:
			return domain.VerdictPending
		case domain.HostFail:
			sawFail = true
		case domain.HostSkip:
			sawSkip = true
		case domain.HostPass:
			// no-op
		}
	}

	switch {
	case sawFail:
		return domain.VerdictBad
	case sawSkip:
		return domain.VerdictSkip
	default:
		return domain.VerdictGood
	}
}

// UnreachableHosts returns the host IDs whose outcome is unreachable, for
// a halt report.
func UnreachableHosts(outcomes []domain.HostOutcome) []string {
	var hosts []string
	for _, o := range outcomes {
		if o.Verdict == domain.HostUnreachable {
			hosts = append(hosts, o.HostID)
		}
	}
	return hosts
}
