package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// acquireSingleSessionLock serializes CreateSession against concurrent
// callers on the same working copy, so the "at most one non-terminal
// session" check-then-insert in CreateSession cannot race (§9).
func (s *PostgresStore) acquireSingleSessionLock(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, singleSessionLockKey); err != nil {
		return fmt.Errorf("acquire single session lock: %w", err)
	}
	return nil
}

// newID generates a prefixed, globally unique identifier for a new row.
func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}
