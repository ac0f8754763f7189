// Package store defines the durable persistence contract for sessions,
// iterations, per-host results, compressed logs, and metadata, and a
// PostgreSQL-backed implementation.
//
// The Store is the single source of truth (§9): no component holds an
// open transaction across a suspension that waits for remote I/O, and a
// call that both updates an iteration's verdict and records the VCS mark
// is expressed as one transaction (see MarkIteration).
package store

import (
	"context"
	"io"

	"github.com/kbisect/kbisect/internal/domain"
)

// Store is the durable persistence contract (§4.1).
type Store interface {
	// CreateSession is atomic; returns the new session id.
	CreateSession(ctx context.Context, goodRef, badRef string, config []byte) (string, error)

	// OpenSession returns the session with the given id, or the latest
	// non-terminal session for the working copy when sessionID is empty.
	OpenSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSessionStatus is atomic.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, resultCommit string) error

	// CreateIteration creates a new iteration row.
	CreateIteration(ctx context.Context, sessionID string, index int, sha, message string) (string, error)

	// MarkIteration durably closes an iteration. fn is invoked with the
	// iteration marked pending inside an open transaction; fn must call
	// the BisectDriver mark and return the converged verdict (or an error
	// to abort the transaction) so that the VCS mark and the Store write
	// happen as the single transaction described in §5/§9.
	MarkIteration(ctx context.Context, iterationID string, fn func() (domain.Verdict, string, error)) error

	// UpdateIteration records a verdict directly, without the VCS-mark
	// pairing — used only during resume reconciliation (§4.9) when the
	// VCS mark already exists and the Store is catching up to it.
	UpdateIteration(ctx context.Context, iterationID string, verdict domain.Verdict, errorSummary string) error

	// PutHostOutcome upserts the outcome for (iteration, host).
	PutHostOutcome(ctx context.Context, outcome domain.HostOutcome) error

	// PutLogBlob streams r into compressed, content-addressed storage and
	// returns the blob id. Bytes are compressed and hashed on the way in, so
	// the uncompressed stream is never buffered whole; the compressed blob is
	// held in memory until its row is written.
	PutLogBlob(ctx context.Context, iterationID, hostID string, kind domain.LogBlobKind, r io.Reader, exitCode *int) (string, error)

	// PutMetadata stores payload, deduplicated by content hash.
	PutMetadata(ctx context.Context, sessionID, iterationID string, payload []byte) (string, error)

	// GetLogBlob returns the decompressed content of a previously stored
	// log blob alongside its metadata row, for the `logs` CLI verb.
	GetLogBlob(ctx context.Context, blobID string) (io.ReadCloser, *domain.LogBlob, error)

	// GetMetadata returns a previously stored metadata payload, for the
	// `metadata` CLI verb.
	GetMetadata(ctx context.Context, metadataID string) ([]byte, error)

	// Summary returns the reporting-facing aggregate view of a session.
	Summary(ctx context.Context, sessionID string) (*domain.SessionSummary, error)

	// Iterations lists all iterations for a session, in index order.
	Iterations(ctx context.Context, sessionID string) ([]domain.Iteration, error)

	// HostOutcomes lists outcomes for one iteration.
	HostOutcomes(ctx context.Context, iterationID string) ([]domain.HostOutcome, error)

	Close() error
}

// ErrNoActiveSession is returned by OpenSession("") when no non-terminal
// session exists for the working copy.
var ErrNoActiveSession = storeError("no active session")

// ErrSessionAlreadyActive is returned by CreateSession when another
// session for this working copy is not in a terminal state.
var ErrSessionAlreadyActive = storeError("a session is already active for this working copy")

type storeError string

func (e storeError) Error() string { return string(e) }
