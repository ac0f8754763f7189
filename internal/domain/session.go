// Package domain defines the core entities of a bisection run: Session,
// Iteration, HostOutcome, LogBlob, Metadata, and Host, plus the closed
// enums that classify their state.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionHalted    SessionStatus = "halted"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// FirstBadInconclusive is the Session.FirstBad sentinel recorded when the
// bisection range converges not because git isolated a single first-bad
// commit but because every remaining candidate was skipped and no further
// commit can be tested. The session still completes rather than halting.
const FirstBadInconclusive = "inconclusive"

// Session is one run of a bisection against a working copy.
//
// Invariant: at most one Session per working copy is not in a terminal
// state (enforced by the Store via an advisory lock at creation time).
type Session struct {
	ID         string
	GoodRef    string
	BadRef     string
	CreatedAt  time.Time
	EndedAt    *time.Time
	Status     SessionStatus
	FirstBad   string // set only when Status == SessionCompleted
	ConfigSnapshot json.RawMessage
}

// SessionSummary is the reporting-facing aggregate view of a session,
// returned by Store.Summary.
type SessionSummary struct {
	Session         Session
	IterationCount  int
	UnreachableHosts []string
}
