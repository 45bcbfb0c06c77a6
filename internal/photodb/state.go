package photodb

import (
	"context"
	"database/sql"
	"errors"
)

// Keys of the app_state table. Values are opaque blobs; callers own the
// encoding.
const (
	StateKeyRootFolderUUID = "root_folder_uuid"
	StateKeyCredentials    = "credentials"
)

// GetState reads one app_state value. Returns ErrNotFound when the key has
// never been set.
func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, "SELECT value FROM app_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetState upserts one app_state value.
func (s *Store) SetState(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO app_state (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

// DeleteState removes one app_state value. Removing an absent key is not an
// error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM app_state WHERE key = ?", key)
	return err
}
