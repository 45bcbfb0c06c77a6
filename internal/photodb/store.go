// Package photodb implements the local photo index: the asset table, the
// chronological library ordering with burst collapsing, resource descriptors,
// the tag/search index, and the checkpoint cache for offset lookups.
package photodb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/filenfoto/filenfoto/migrations"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAssetExists is returned by InsertAsset when an asset with the same
	// external identifier is already durably present.
	ErrAssetExists = errors.New("asset already exists")
)

// Store is the photo index database. A single Store owns one database file;
// construct one per process and inject it (no package-level instance).
type Store struct {
	db           *sqlx.DB
	log          zerolog.Logger
	thumbnailDir string

	// mu serializes all index mutations so concurrent sync workers cannot
	// race on duplicate identifiers or interleave library rewrites.
	mu          sync.Mutex
	checkpoints *checkpointIndex
}

// Open migrates and opens the photo index at path. thumbnailDir may be empty
// when the caller does not manage thumbnail files (tests).
func Open(path, thumbnailDir string, logger zerolog.Logger) (*Store, error) {
	if err := migrations.Up(path); err != nil {
		return nil, fmt.Errorf("migrate photo index: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open photo index: %w", err)
	}

	return &Store{
		db:           db,
		log:          logger.With().Str("component", "photodb").Logger(),
		thumbnailDir: thumbnailDir,
		checkpoints:  newCheckpointIndex(checkpointInterval),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components that share the
// database file (blob cache metadata).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const assetColumns = `id, local_identifier, media_type, media_subtype, created_at, modified_at,
	latitude, longitude, favorited, hidden, burst_identifier, burst_selection,
	thumbnail_name, completed_analysis`

// assetColumnsPA is assetColumns qualified with the "pa" alias for queries
// that join photo_asset against other tables.
const assetColumnsPA = `pa.id, pa.local_identifier, pa.media_type, pa.media_subtype, pa.created_at,
	pa.modified_at, pa.latitude, pa.longitude, pa.favorited, pa.hidden,
	pa.burst_identifier, pa.burst_selection, pa.thumbnail_name, pa.completed_analysis`

// GetAsset fetches an asset by id.
func (s *Store) GetAsset(ctx context.Context, id int64) (*AssetRecord, error) {
	return s.fetchAsset(ctx, "id = ?", id)
}

// GetAssetByLocalIdentifier fetches an asset by its external identifier.
func (s *Store) GetAssetByLocalIdentifier(ctx context.Context, localIdentifier string) (*AssetRecord, error) {
	return s.fetchAsset(ctx, "local_identifier = ?", localIdentifier)
}

func (s *Store) fetchAsset(ctx context.Context, where string, arg any) (*AssetRecord, error) {
	var a AssetRecord
	query := "SELECT " + assetColumns + " FROM photo_asset WHERE " + where
	err := s.db.GetContext(ctx, &a, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAsset commits a fully analyzed asset, its resources, and its tags in
// one transaction, then inserts the library ordering row per the burst rules.
// The bool result reports whether a library row was inserted (bursts whose
// representative is already better are reachable only via AssetsInBurst).
//
// If an asset with the same external identifier is already durable the
// existing record is returned with ErrAssetExists. A non-durable row
// (completed_analysis = 0, left behind by a kill mid-insert) is purged first
// and the insert proceeds fresh; this purge-before-insert step is the
// crash-recovery contract.
func (s *Store) InsertAsset(ctx context.Context, in NewAsset) (*AssetRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var staleThumbnail string
	libraryChanged := false

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := s.assetByIdentifierTx(ctx, tx, in.LocalIdentifier)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		if existing.CompletedAnalysis {
			return existing, false, ErrAssetExists
		}
		// Stale row from an interrupted insert: purge it and start clean.
		s.log.Warn().Str("local_identifier", in.LocalIdentifier).
			Int64("asset_id", existing.ID).
			Msg("purging non-durable asset row before re-insert")
		removed, err := s.deleteAssetTx(ctx, tx, existing)
		if err != nil {
			return nil, false, err
		}
		staleThumbnail = existing.ThumbnailName
		libraryChanged = libraryChanged || removed
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO photo_asset
		(local_identifier, media_type, media_subtype, created_at, modified_at,
		 latitude, longitude, favorited, hidden, burst_identifier, burst_selection,
		 thumbnail_name, completed_analysis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		in.LocalIdentifier, in.MediaType, in.MediaSubtype,
		in.CreatedAt.UnixNano(), in.ModifiedAt.UnixNano(),
		in.Latitude, in.Longitude, in.Favorited, in.Hidden,
		in.BurstIdentifier, in.BurstSelection, in.ThumbnailName)
	if err != nil {
		return nil, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	for _, r := range in.Resources {
		if err := insertResourceTx(ctx, tx, id, r); err != nil {
			return nil, false, err
		}
	}

	if err := replaceTagsTx(ctx, tx, id, in.Tags); err != nil {
		return nil, false, err
	}

	inserted, err := s.insertIntoLibraryTx(ctx, tx, id, in.CreatedAt.UnixNano(), in.BurstIdentifier, in.BurstSelection)
	if err != nil {
		return nil, false, err
	}
	libraryChanged = libraryChanged || inserted

	// Finalized last, inside the same transaction: a kill before commit
	// leaves nothing behind, a kill after commit leaves a durable row.
	if _, err := tx.ExecContext(ctx, "UPDATE photo_asset SET completed_analysis = 1 WHERE id = ?", id); err != nil {
		return nil, false, err
	}

	asset := &AssetRecord{}
	if err := tx.GetContext(ctx, asset, "SELECT "+assetColumns+" FROM photo_asset WHERE id = ?", id); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	if libraryChanged {
		s.checkpoints.invalidate()
	}
	s.removeThumbnailFile(staleThumbnail)

	s.log.Info().Int64("asset_id", id).Str("local_identifier", in.LocalIdentifier).
		Int("resources", len(in.Resources)).Int("tags", len(in.Tags)).
		Bool("in_library", inserted).Msg("inserted asset")

	return asset, inserted, nil
}

// UpdateExistingAsset merges a late-arriving resource (a live photo's paired
// video arriving after its still, or a new full-size render) into a durable
// asset. Media subtype bit-sets are unioned. When the new resource outranks
// every existing resource by thumbnail precedence, the thumbnail and tag
// relations are replaced; otherwise they are left untouched.
func (s *Store) UpdateExistingAsset(ctx context.Context, localIdentifier string, subtype MediaSubtype, newResource NewResource, newTags []NewTag, newThumbnail string) (*AssetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	asset, err := s.assetByIdentifierTx(ctx, tx, localIdentifier)
	if err != nil {
		return nil, err
	}
	if !asset.CompletedAnalysis {
		return nil, ErrNotFound
	}

	var existing []Resource
	if err := tx.SelectContext(ctx, &existing,
		"SELECT id, asset_id, resource_type, original_filename, sha256, remote_uuid, marked_for_deletion FROM photo_resource WHERE asset_id = ?", asset.ID); err != nil {
		return nil, err
	}

	bestRank := len(thumbnailPrecedence) + 1
	for _, r := range existing {
		if rank := r.Type.ThumbnailRank(); rank < bestRank {
			bestRank = rank
		}
	}

	if err := insertResourceTx(ctx, tx, asset.ID, newResource); err != nil {
		return nil, err
	}

	merged := asset.MediaSubtype.Merge(subtype)
	replaceThumbnail := newResource.Type.ThumbnailRank() < bestRank && newThumbnail != ""

	staleThumbnail := ""
	if replaceThumbnail {
		staleThumbnail = asset.ThumbnailName
		if _, err := tx.ExecContext(ctx,
			"UPDATE photo_asset SET media_subtype = ?, thumbnail_name = ? WHERE id = ?",
			merged, newThumbnail, asset.ID); err != nil {
			return nil, err
		}
		// Tag relations only follow the thumbnail candidate; a lower-ranked
		// resource arriving never triggers re-classification bookkeeping.
		if err := replaceTagsTx(ctx, tx, asset.ID, newTags); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			"UPDATE photo_asset SET media_subtype = ? WHERE id = ?", merged, asset.ID); err != nil {
			return nil, err
		}
	}

	updated := &AssetRecord{}
	if err := tx.GetContext(ctx, updated, "SELECT "+assetColumns+" FROM photo_asset WHERE id = ?", asset.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if staleThumbnail != "" && staleThumbnail != newThumbnail {
		s.removeThumbnailFile(staleThumbnail)
	}

	s.log.Info().Int64("asset_id", asset.ID).
		Bool("thumbnail_replaced", replaceThumbnail).
		Msg("merged resource into existing asset")

	return updated, nil
}

// DeleteAsset removes an asset and everything that hangs off it: resources,
// tag relations, cache metadata, and its library row, in one transaction.
// The thumbnail file is removed best-effort after commit.
func (s *Store) DeleteAsset(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	asset := &AssetRecord{}
	err = tx.GetContext(ctx, asset, "SELECT "+assetColumns+" FROM photo_asset WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	removed, err := s.deleteAssetTx(ctx, tx, asset)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if removed {
		s.checkpoints.invalidate()
	}
	s.removeThumbnailFile(asset.ThumbnailName)
	return nil
}

// deleteAssetTx deletes the asset row; child rows cascade. Returns whether a
// library row was removed (checkpoint invalidation is the caller's job,
// after commit).
func (s *Store) deleteAssetTx(ctx context.Context, tx *sqlx.Tx, asset *AssetRecord) (bool, error) {
	var libCount int
	if err := tx.GetContext(ctx, &libCount, "SELECT COUNT(*) FROM photo_library WHERE asset_id = ?", asset.ID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM photo_asset WHERE id = ?", asset.ID); err != nil {
		return false, err
	}
	return libCount > 0, nil
}

func (s *Store) assetByIdentifierTx(ctx context.Context, tx *sqlx.Tx, localIdentifier string) (*AssetRecord, error) {
	var a AssetRecord
	err := tx.GetContext(ctx, &a, "SELECT "+assetColumns+" FROM photo_asset WHERE local_identifier = ?", localIdentifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// insertIntoLibraryTx inserts the chronological ordering row. Non-burst
// assets always get a row. For bursts, the row follows the best-ranked group
// member: a stronger arrival replaces the current representative
// (delete+insert, never update, so checkpoint coherency stays simple), a
// weaker one is a no-op.
func (s *Store) insertIntoLibraryTx(ctx context.Context, tx *sqlx.Tx, assetID, createdAt int64, burstIdentifier *string, burstSelection int) (bool, error) {
	if burstIdentifier == nil || *burstIdentifier == "" {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO photo_library (asset_id, created_at, burst_identifier) VALUES (?, ?, NULL)",
			assetID, createdAt)
		return err == nil, err
	}

	var current struct {
		LibraryID      int64 `db:"id"`
		AssetID        int64 `db:"asset_id"`
		BurstSelection int   `db:"burst_selection"`
	}
	err := tx.GetContext(ctx, &current, `SELECT pl.id, pl.asset_id, pa.burst_selection
		FROM photo_library pl JOIN photo_asset pa ON pa.id = pl.asset_id
		WHERE pl.burst_identifier = ?`, *burstIdentifier)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(ctx,
			"INSERT INTO photo_library (asset_id, created_at, burst_identifier) VALUES (?, ?, ?)",
			assetID, createdAt, *burstIdentifier)
		return err == nil, err
	case err != nil:
		return false, err
	}

	if burstSelection <= current.BurstSelection {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM photo_library WHERE id = ?", current.LibraryID); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO photo_library (asset_id, created_at, burst_identifier) VALUES (?, ?, ?)",
		assetID, createdAt, *burstIdentifier)
	return err == nil, err
}

// CountOfPhotos returns the number of visible chronological slots. Bursts
// collapse, so this is the library count, not the asset count.
func (s *Store) CountOfPhotos(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM photo_library")
	return n, err
}

// AssetAtOffset returns the asset at position n of the chronological feed
// (newest first). Lookups are bounded by the checkpoint cache rather than a
// full OFFSET scan.
func (s *Store) AssetAtOffset(ctx context.Context, n int) (*AssetRecord, error) {
	return s.checkpoints.assetAtOffset(ctx, s, n)
}

// IndexOfAsset is the inverse of AssetAtOffset: the position of the asset's
// library row in the chronological ordering.
func (s *Store) IndexOfAsset(ctx context.Context, asset *AssetRecord) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM photo_library WHERE (created_at, asset_id) > (?, ?)",
		asset.CreatedAt, asset.ID)
	if err != nil {
		return 0, err
	}
	var present int
	if err := s.db.GetContext(ctx, &present, "SELECT COUNT(*) FROM photo_library WHERE asset_id = ?", asset.ID); err != nil {
		return 0, err
	}
	if present == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// AssetsInBurst returns every member of a burst group, best-ranked first.
// Members other than the representative are reachable only through here.
func (s *Store) AssetsInBurst(ctx context.Context, burstIdentifier string) ([]AssetRecord, error) {
	var assets []AssetRecord
	err := s.db.SelectContext(ctx, &assets,
		"SELECT "+assetColumns+" FROM photo_asset WHERE burst_identifier = ? AND completed_analysis = 1 ORDER BY burst_selection DESC, id DESC",
		burstIdentifier)
	return assets, err
}

// UpdateAssetModifiedAt records a new device-side modification timestamp.
func (s *Store) UpdateAssetModifiedAt(ctx context.Context, assetID int64, modifiedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE photo_asset SET modified_at = ? WHERE id = ?", modifiedAt.UnixNano(), assetID)
	return err
}

// DurableIdentifiers returns the external identifier of every durable asset.
// Seeds the ingestion pipeline's membership filter at startup.
func (s *Store) DurableIdentifiers(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT local_identifier FROM photo_asset WHERE completed_analysis = 1")
	return ids, err
}

// ThumbnailPath returns the on-disk path for a thumbnail file name.
func (s *Store) ThumbnailPath(name string) string {
	return filepath.Join(s.thumbnailDir, name)
}

func (s *Store) removeThumbnailFile(name string) {
	if name == "" || s.thumbnailDir == "" {
		return
	}
	path := filepath.Join(s.thumbnailDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to remove thumbnail file")
	}
}

// InvalidateCheckpoints clears the positional index cache. Exposed for
// callers that mutate the library outside the store (tests, repair tools).
func (s *Store) InvalidateCheckpoints() {
	s.checkpoints.invalidate()
}
