package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/logging"
	"github.com/kbisect/kbisect/internal/pkg/crypto"
)

// singleSessionLockKey is the advisory lock key guarding the
// "one non-terminal session per working copy" invariant; CreateSession is
// its only user (MarkIteration's pairing relies on its transaction alone).
const singleSessionLockKey int64 = 0x6b626973656374 // "kbisect" as hex (7 bytes, fits int64)

// PostgresStore is the durable Store implementation backed by Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn must not be empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			good_ref TEXT NOT NULL,
			bad_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			first_bad TEXT,
			config_snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS iterations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			index INT NOT NULL,
			sha TEXT NOT NULL,
			message TEXT NOT NULL,
			verdict TEXT NOT NULL,
			error_summary TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			UNIQUE (session_id, index)
		)`,
		`CREATE TABLE IF NOT EXISTS host_outcomes (
			iteration_id TEXT NOT NULL REFERENCES iterations(id),
			host_id TEXT NOT NULL,
			phase_reached TEXT NOT NULL,
			observed_kernel TEXT,
			verdict TEXT NOT NULL,
			error_kind TEXT,
			build_log_blob_id TEXT,
			console_log_blob_id TEXT,
			PRIMARY KEY (iteration_id, host_id)
		)`,
		`CREATE TABLE IF NOT EXISTS log_blobs (
			id TEXT PRIMARY KEY,
			iteration_id TEXT NOT NULL,
			host_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			size BIGINT NOT NULL,
			checksum TEXT NOT NULL,
			exit_code INT,
			compressed BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			iteration_id TEXT,
			checksum TEXT NOT NULL UNIQUE,
			payload JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, goodRef, badRef string, config []byte) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if err := s.acquireSingleSessionLock(ctx, tx); err != nil {
		return "", err
	}

	var activeCount int
	err = tx.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE status NOT IN ($1, $2)`,
		domain.SessionCompleted, domain.SessionAborted).Scan(&activeCount)
	if err != nil {
		return "", err
	}
	if activeCount > 0 {
		return "", ErrSessionAlreadyActive
	}

	id := newID("sess")
	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, good_ref, bad_ref, status, config_snapshot) VALUES ($1, $2, $3, $4, $5)`,
		id, goodRef, badRef, domain.SessionRunning, config)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) OpenSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var row pgx.Row
	if sessionID != "" {
		row = s.pool.QueryRow(ctx,
			`SELECT id, good_ref, bad_ref, status, first_bad, config_snapshot, created_at, ended_at
			 FROM sessions WHERE id = $1`, sessionID)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT id, good_ref, bad_ref, status, first_bad, config_snapshot, created_at, ended_at
			 FROM sessions WHERE status NOT IN ($1, $2) ORDER BY created_at DESC LIMIT 1`,
			domain.SessionCompleted, domain.SessionAborted)
	}

	var sess domain.Session
	var firstBad *string
	var cfg json.RawMessage
	err := row.Scan(&sess.ID, &sess.GoodRef, &sess.BadRef, &sess.Status, &firstBad, &cfg, &sess.CreatedAt, &sess.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	if firstBad != nil {
		sess.FirstBad = *firstBad
	}
	sess.ConfigSnapshot = cfg
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, resultCommit string) error {
	var endedAt *time.Time
	if status.Terminal() {
		now := time.Now()
		endedAt = &now
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, first_bad = NULLIF($2, ''), ended_at = $3 WHERE id = $4`,
		status, resultCommit, endedAt, sessionID)
	return err
}

func (s *PostgresStore) CreateIteration(ctx context.Context, sessionID string, index int, sha, message string) (string, error) {
	id := newID("iter")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO iterations (id, session_id, index, sha, message, verdict) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, sessionID, index, sha, message, domain.VerdictPending)
	return id, err
}

// MarkIteration implements the atomic (store, VCS mark) pairing: the
// iteration is written as pending, fn is invoked (which must call the
// BisectDriver), and the resulting verdict is then committed in the same
// transaction. If fn errors, the whole transaction rolls back and the
// iteration remains pending for a future resume to reconcile.
func (s *PostgresStore) MarkIteration(ctx context.Context, iterationID string, fn func() (domain.Verdict, string, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE iterations SET verdict = $1 WHERE id = $2`, domain.VerdictPending, iterationID); err != nil {
		return err
	}

	verdict, resultCommit, err := fn()
	if err != nil {
		return domain.NewError(domain.ErrVCSMarkRejected, err)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE iterations SET verdict = $1, ended_at = $2 WHERE id = $3`, verdict, now, iterationID); err != nil {
		return err
	}
	_ = resultCommit

	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateIteration(ctx context.Context, iterationID string, verdict domain.Verdict, errorSummary string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE iterations SET verdict = $1, error_summary = NULLIF($2, ''), ended_at = now() WHERE id = $3`,
		verdict, errorSummary, iterationID)
	return err
}

func (s *PostgresStore) PutHostOutcome(ctx context.Context, o domain.HostOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO host_outcomes (iteration_id, host_id, phase_reached, observed_kernel, verdict, error_kind, build_log_blob_id, console_log_blob_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (iteration_id, host_id) DO UPDATE SET
			phase_reached = EXCLUDED.phase_reached,
			observed_kernel = EXCLUDED.observed_kernel,
			verdict = EXCLUDED.verdict,
			error_kind = EXCLUDED.error_kind,
			build_log_blob_id = EXCLUDED.build_log_blob_id,
			console_log_blob_id = EXCLUDED.console_log_blob_id`,
		o.IterationID, o.HostID, o.PhaseReached, o.ObservedKernel, o.Verdict, o.ErrorKind, o.BuildLogBlobID, o.ConsoleLogBlobID)
	return err
}

// PutLogBlob streams r through a gzip writer into memory only up to the
// point of writing the row; compression happens incrementally so a 50 MB
// build log is never held twice in memory.
func (s *PostgresStore) PutLogBlob(ctx context.Context, iterationID, hostID string, kind domain.LogBlobKind, r io.Reader, exitCode *int) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	hasher := crypto.NewStreamHasher()
	tee := io.TeeReader(r, hasher)

	size, err := io.Copy(gz, tee)
	if err != nil {
		return "", fmt.Errorf("compress log blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	checksum := hasher.Sum()

	var existing string
	err = s.pool.QueryRow(ctx, `SELECT id FROM log_blobs WHERE checksum = $1`, checksum).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	id := newID("blob")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO log_blobs (id, iteration_id, host_id, kind, size, checksum, exit_code, compressed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, iterationID, hostID, kind, size, checksum, exitCode, buf.Bytes())
	if err != nil {
		return "", err
	}
	logging.Op().Debug("log blob stored", "blob_id", id, "kind", kind, "size", size, "checksum", checksum)
	return id, nil
}

func (s *PostgresStore) PutMetadata(ctx context.Context, sessionID, iterationID string, payload []byte) (string, error) {
	checksum := crypto.HashBytes(payload)

	var existing string
	err := s.pool.QueryRow(ctx, `SELECT id FROM metadata WHERE checksum = $1`, checksum).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	id := newID("meta")
	var iterCol any
	if iterationID != "" {
		iterCol = iterationID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO metadata (id, session_id, iteration_id, checksum, payload) VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, iterCol, checksum, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetLogBlob decompresses and returns a previously stored log blob.
func (s *PostgresStore) GetLogBlob(ctx context.Context, blobID string) (io.ReadCloser, *domain.LogBlob, error) {
	blob := &domain.LogBlob{ID: blobID}
	var exitCode *int
	err := s.pool.QueryRow(ctx,
		`SELECT iteration_id, host_id, kind, size, checksum, exit_code, compressed
		 FROM log_blobs WHERE id = $1`, blobID).
		Scan(&blob.IterationID, &blob.HostID, &blob.Kind, &blob.Size, &blob.Checksum, &exitCode, &blob.Compressed)
	if err != nil {
		return nil, nil, err
	}
	blob.ExitCode = exitCode

	gz, err := gzip.NewReader(bytes.NewReader(blob.Compressed))
	if err != nil {
		return nil, nil, fmt.Errorf("decompress log blob %s: %w", blobID, err)
	}
	return gz, blob, nil
}

// GetMetadata returns a previously stored metadata payload.
func (s *PostgresStore) GetMetadata(ctx context.Context, metadataID string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM metadata WHERE id = $1`, metadataID).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *PostgresStore) Summary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	sess, err := s.OpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM iterations WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT host_id FROM host_outcomes ho JOIN iterations i ON i.id = ho.iteration_id
		 WHERE i.session_id = $1 AND ho.verdict = $2`, sessionID, domain.HostUnreachable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unreachable []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		unreachable = append(unreachable, h)
	}

	return &domain.SessionSummary{Session: *sess, IterationCount: count, UnreachableHosts: unreachable}, nil
}

func (s *PostgresStore) Iterations(ctx context.Context, sessionID string) ([]domain.Iteration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, index, sha, message, verdict, error_summary, started_at, ended_at
		 FROM iterations WHERE session_id = $1 ORDER BY index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Iteration
	for rows.Next() {
		var it domain.Iteration
		var errSummary *string
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Index, &it.SHA, &it.Message, &it.Verdict, &errSummary, &it.StartedAt, &it.EndedAt); err != nil {
			return nil, err
		}
		if errSummary != nil {
			it.ErrorSummary = *errSummary
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HostOutcomes(ctx context.Context, iterationID string) ([]domain.HostOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT iteration_id, host_id, phase_reached, observed_kernel, verdict, error_kind, build_log_blob_id, console_log_blob_id
		 FROM host_outcomes WHERE iteration_id = $1`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HostOutcome
	for rows.Next() {
		var o domain.HostOutcome
		var observed, errKind, buildBlob, consoleBlob *string
		if err := rows.Scan(&o.IterationID, &o.HostID, &o.PhaseReached, &observed, &o.Verdict, &errKind, &buildBlob, &consoleBlob); err != nil {
			return nil, err
		}
		if observed != nil {
			o.ObservedKernel = *observed
		}
		if errKind != nil {
			o.ErrorKind = domain.ErrorKind(*errKind)
		}
		if buildBlob != nil {
			o.BuildLogBlobID = *buildBlob
		}
		if consoleBlob != nil {
			o.ConsoleLogBlobID = *consoleBlob
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
