package photodb

import (
	"context"
	"time"
)

// RecordFailure persists a per-asset sync failure so it survives restarts
// and can be surfaced after the pass completes.
func (s *Store) RecordFailure(ctx context.Context, localIdentifier, stage, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_failure (local_identifier, stage, message, failed_at) VALUES (?, ?, ?, ?)",
		localIdentifier, stage, message, time.Now().UnixNano())
	return err
}

// Failures returns recorded sync failures, newest first.
func (s *Store) Failures(ctx context.Context) ([]SyncFailure, error) {
	var rows []SyncFailure
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, local_identifier, stage, message, failed_at FROM sync_failure ORDER BY failed_at DESC, id DESC")
	return rows, err
}

// ClearFailures wipes the failure log, typically at the start of a new sync
// pass.
func (s *Store) ClearFailures(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_failure")
	return err
}
