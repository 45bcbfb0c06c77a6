package photodb

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"
)

// ResourcesForAsset returns every resource row of an asset, best thumbnail
// candidate first.
func (s *Store) ResourcesForAsset(ctx context.Context, assetID int64) ([]Resource, error) {
	var rows []Resource
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, asset_id, resource_type, original_filename, sha256, remote_uuid, marked_for_deletion FROM photo_resource WHERE asset_id = ?",
		assetID)
	if err != nil {
		return nil, err
	}
	sortResourcesByRank(rows)
	return rows, nil
}

// ResourceByID fetches a single resource row.
func (s *Store) ResourceByID(ctx context.Context, id int64) (*Resource, error) {
	var r Resource
	err := s.db.GetContext(ctx, &r,
		"SELECT id, asset_id, resource_type, original_filename, sha256, remote_uuid, marked_for_deletion FROM photo_resource WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AddResource appends a resource row to a durable asset outside of the
// insert path (re-sync discovering a variant the first pass missed).
func (s *Store) AddResource(ctx context.Context, assetID int64, in NewResource) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO photo_resource
		(asset_id, resource_type, original_filename, sha256, remote_uuid, marked_for_deletion)
		VALUES (?, ?, ?, ?, ?, 0)`,
		assetID, in.Type, in.OriginalFilename, in.SHA256, in.RemoteUUID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetResourceRemoteUUID records a completed upload. This is committed
// immediately per resource so an interrupted sync never repeats uploads
// that already landed.
func (s *Store) SetResourceRemoteUUID(ctx context.Context, resourceID int64, remoteUUID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE photo_resource SET remote_uuid = ? WHERE id = ?", remoteUUID, resourceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearResourceRemoteUUID drops the remote identifier, returning the
// resource to the needs-upload state. Used by the reset path when local and
// remote disagree beyond repair.
func (s *Store) ClearResourceRemoteUUID(ctx context.Context, resourceID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE photo_resource SET remote_uuid = NULL WHERE id = ?", resourceID)
	return err
}

// MarkResourcesForDeletion flags every resource of an asset so the next
// sync pass removes the remote objects before the rows go away.
func (s *Store) MarkResourcesForDeletion(ctx context.Context, assetID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE photo_resource SET marked_for_deletion = 1 WHERE asset_id = ?", assetID)
	return err
}

// MarkedForDeletion lists every resource pending remote removal.
func (s *Store) MarkedForDeletion(ctx context.Context) ([]Resource, error) {
	var rows []Resource
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, asset_id, resource_type, original_filename, sha256, remote_uuid, marked_for_deletion FROM photo_resource WHERE marked_for_deletion = 1")
	return rows, err
}

// DeleteResourceRecord removes a resource row after its remote object has
// been deleted. Cache metadata cascades.
func (s *Store) DeleteResourceRecord(ctx context.Context, resourceID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM photo_resource WHERE id = ?", resourceID)
	return err
}

func insertResourceTx(ctx context.Context, tx *sqlx.Tx, assetID int64, in NewResource) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO photo_resource
		(asset_id, resource_type, original_filename, sha256, remote_uuid, marked_for_deletion)
		VALUES (?, ?, ?, ?, ?, 0)`,
		assetID, in.Type, in.OriginalFilename, in.SHA256, in.RemoteUUID)
	return err
}

// replaceTagsTx rewrites the asset's tag relations from a fresh
// classification result. Tag rows are shared across assets and upserted by
// their normalized name; empty normalized names are skipped.
func replaceTagsTx(ctx context.Context, tx *sqlx.Tx, assetID int64, tags []NewTag) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM asset_tag WHERE asset_id = ?", assetID); err != nil {
		return err
	}
	for _, t := range tags {
		name := NormalizeTag(t.Raw)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tag (name, category) VALUES (?, ?) ON CONFLICT (name, category) DO NOTHING",
			name, t.Category); err != nil {
			return err
		}
		var tagID int64
		if err := tx.GetContext(ctx, &tagID,
			"SELECT id FROM tag WHERE name = ? AND category = ?", name, t.Category); err != nil {
			return err
		}
		// The same normalized name can appear twice in one classification
		// (OCR and object detection agreeing); keep the higher confidence.
		if _, err := tx.ExecContext(ctx, `INSERT INTO asset_tag (asset_id, tag_id, raw_text, confidence)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (asset_id, tag_id) DO UPDATE SET
				confidence = MAX(confidence, excluded.confidence),
				raw_text = CASE WHEN excluded.confidence > confidence THEN excluded.raw_text ELSE raw_text END`,
			assetID, tagID, t.Raw, t.Confidence); err != nil {
			return err
		}
	}
	return nil
}

func sortResourcesByRank(rows []Resource) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Type.ThumbnailRank() < rows[j].Type.ThumbnailRank()
	})
}
