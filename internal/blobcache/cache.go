// Package blobcache caches downloaded resource files on local disk with a
// byte budget and strict LRU eviction. Metadata lives in the photo index
// database so cache state survives restarts and resource deletion cascades
// into it.
package blobcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/filenfoto/filenfoto/internal/fferrors"
	"github.com/filenfoto/filenfoto/internal/photodb"
)

// ErrMiss is returned by Open when the resource is not cached.
var ErrMiss = errors.New("cache miss")

// Unlimited disables the byte budget.
const Unlimited int64 = -1

type cachedRow struct {
	ID         int64  `db:"id"`
	ResourceID int64  `db:"resource_id"`
	FileName   string `db:"file_name"`
	FileSize   int64  `db:"file_size"`
	LastAccess int64  `db:"last_access"`
}

// Cache is the on-disk resource cache. Files are stored under surrogate
// UUID names so original filenames never collide or leak into paths.
type Cache struct {
	db     *sqlx.DB
	dir    string
	budget int64
	log    zerolog.Logger

	// mu serializes insert, touch, and eviction so concurrent readers
	// cannot race an eviction decision.
	mu    sync.Mutex
	clock func() int64
}

// New creates a cache writing files into dir. budget is the maximum total
// bytes on disk, or Unlimited. The sqlx handle is shared with the photo
// index so cached_resource rows cascade when resources are deleted.
func New(db *sqlx.DB, dir string, budget int64, logger zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		db:     db,
		dir:    dir,
		budget: budget,
		log:    logger.With().Str("component", "blobcache").Logger(),
		clock:  monotonicCounter(),
	}, nil
}

// monotonicCounter returns a strictly increasing tick source. Wall time is
// not granular enough to order two touches in the same nanosecond window on
// coarse-clock platforms.
func monotonicCounter() func() int64 {
	var mu sync.Mutex
	var last int64
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		last++
		return last
	}
}

// restoreClock seeds the tick counter past the largest persisted
// last_access so ordering survives restarts.
func (c *Cache) restoreClock(ctx context.Context) error {
	var max sql.NullInt64
	if err := c.db.GetContext(ctx, &max, "SELECT MAX(last_access) FROM cached_resource"); err != nil {
		return err
	}
	if max.Valid {
		base := max.Int64
		var mu sync.Mutex
		last := base
		c.clock = func() int64 {
			mu.Lock()
			defer mu.Unlock()
			last++
			return last
		}
	}
	return nil
}

// Restore must be called once after New when reopening an existing cache.
// It re-seeds the access clock and drops metadata rows whose files vanished.
func (c *Cache) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.restoreClock(ctx); err != nil {
		return err
	}

	var rows []cachedRow
	if err := c.db.SelectContext(ctx, &rows, "SELECT id, resource_id, file_name, file_size, last_access FROM cached_resource"); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := os.Stat(filepath.Join(c.dir, row.FileName)); os.IsNotExist(err) {
			c.log.Warn().Int64("resource_id", row.ResourceID).Str("file", row.FileName).
				Msg("cached file missing, dropping metadata row")
			if _, err := c.db.ExecContext(ctx, "DELETE FROM cached_resource WHERE id = ?", row.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert moves srcPath into the cache for resourceID, replacing any prior
// entry, then evicts least-recently-used entries until the budget holds.
// The source file is consumed.
func (c *Cache) Insert(ctx context.Context, resourceID int64, srcPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	size := info.Size()

	if c.budget != Unlimited && size > c.budget {
		// Never admit a file the budget cannot hold; evicting the whole
		// cache for it would just thrash.
		if err := os.Remove(srcPath); err != nil {
			return err
		}
		c.log.Debug().Int64("resource_id", resourceID).Int64("size", size).
			Msg("file exceeds cache budget, not admitted")
		return nil
	}

	if err := c.removeLocked(ctx, resourceID); err != nil {
		return err
	}

	fileName := uuid.NewString()
	destPath := filepath.Join(c.dir, fileName)
	if err := moveFile(srcPath, destPath); err != nil {
		return fmt.Errorf("move into cache: %w", err)
	}

	if _, err := c.db.ExecContext(ctx,
		"INSERT INTO cached_resource (resource_id, file_name, file_size, last_access) VALUES (?, ?, ?, ?)",
		resourceID, fileName, size, c.clock()); err != nil {
		os.Remove(destPath)
		return err
	}

	return c.evictLocked(ctx)
}

// Open returns the path of the cached file for the resource, updating its
// recency. The content hash is verified against the resource's recorded
// SHA-256; a corrupt file is evicted and reported so the caller can
// re-download.
func (c *Cache) Open(ctx context.Context, resource *photodb.Resource) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var row cachedRow
	err := c.db.GetContext(ctx, &row,
		"SELECT id, resource_id, file_name, file_size, last_access FROM cached_resource WHERE resource_id = ?",
		resource.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.dir, row.FileName)

	if resource.SHA256 != "" {
		sum, err := HashFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// File vanished under us; drop the row and report a miss.
				c.db.ExecContext(ctx, "DELETE FROM cached_resource WHERE id = ?", row.ID)
				return "", ErrMiss
			}
			return "", err
		}
		if sum != resource.SHA256 {
			c.log.Warn().Int64("resource_id", resource.ID).Str("file", row.FileName).
				Msg("cached file failed hash verification, evicting")
			os.Remove(path)
			c.db.ExecContext(ctx, "DELETE FROM cached_resource WHERE id = ?", row.ID)
			return "", fferrors.NewStorageError(fferrors.CodeHashMismatch,
				fmt.Sprintf("cached file for resource %d is corrupt", resource.ID), nil)
		}
	}

	if _, err := c.db.ExecContext(ctx,
		"UPDATE cached_resource SET last_access = ? WHERE id = ?", c.clock(), row.ID); err != nil {
		return "", err
	}

	return path, nil
}

// Contains reports whether the resource is cached, without touching recency.
func (c *Cache) Contains(ctx context.Context, resourceID int64) (bool, error) {
	var n int
	err := c.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM cached_resource WHERE resource_id = ?", resourceID)
	return n > 0, err
}

// Remove evicts the resource's entry, deleting both the file and the row.
func (c *Cache) Remove(ctx context.Context, resourceID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, resourceID)
}

func (c *Cache) removeLocked(ctx context.Context, resourceID int64) error {
	var row cachedRow
	err := c.db.GetContext(ctx, &row,
		"SELECT id, resource_id, file_name, file_size, last_access FROM cached_resource WHERE resource_id = ?",
		resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(c.dir, row.FileName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	_, err = c.db.ExecContext(ctx, "DELETE FROM cached_resource WHERE id = ?", row.ID)
	return err
}

// Size returns the total bytes currently accounted to the cache.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := c.db.GetContext(ctx, &total, "SELECT SUM(file_size) FROM cached_resource"); err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// evictLocked removes least-recently-used entries until the budget holds.
func (c *Cache) evictLocked(ctx context.Context) error {
	if c.budget == Unlimited {
		return nil
	}

	total, err := c.Size(ctx)
	if err != nil {
		return err
	}

	for total > c.budget {
		var victim cachedRow
		err := c.db.GetContext(ctx, &victim,
			"SELECT id, resource_id, file_name, file_size, last_access FROM cached_resource ORDER BY last_access ASC LIMIT 1")
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := os.Remove(filepath.Join(c.dir, victim.FileName)); err != nil && !os.IsNotExist(err) {
			return err
		}
		if _, err := c.db.ExecContext(ctx, "DELETE FROM cached_resource WHERE id = ?", victim.ID); err != nil {
			return err
		}

		c.log.Debug().Int64("resource_id", victim.ResourceID).Int64("size", victim.FileSize).
			Msg("evicted cache entry")
		total -= victim.FileSize
	}
	return nil
}

// moveFile renames src to dest, falling back to copy+remove across
// filesystem boundaries.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// HashFile returns the hex SHA-256 of the file's content. Shared by the
// cache's read-path verification and the sync orchestrator's download
// verification.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
