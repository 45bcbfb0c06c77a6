package photodb

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// checkpointInterval is the stride of the positional index cache: one
// (created_at, asset_id) anchor every N library rows.
const checkpointInterval = 1000

// checkpointIndex caches ordering anchors so AssetAtOffset answers with a
// scan bounded by the stride instead of a full OFFSET walk. The cache is
// built lazily on first lookup and thrown away whole on any library
// mutation; anchors are cheap to rebuild and partial invalidation is not
// worth the bookkeeping.
type checkpointIndex struct {
	interval int

	mu    sync.Mutex
	built bool
	dates []int64
	ids   []int64
}

func newCheckpointIndex(interval int) *checkpointIndex {
	return &checkpointIndex{interval: interval}
}

func (c *checkpointIndex) invalidate() {
	c.mu.Lock()
	c.built = false
	c.dates = c.dates[:0]
	c.ids = c.ids[:0]
	c.mu.Unlock()
}

// assetAtOffset resolves library position n (0 = newest) to its asset.
func (c *checkpointIndex) assetAtOffset(ctx context.Context, s *Store, n int) (*AssetRecord, error) {
	if n < 0 {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.built {
		if err := c.build(ctx, s); err != nil {
			return nil, err
		}
	}

	k := n / c.interval
	if k == 0 || k > len(c.dates) {
		// Either within the first stride or past the cached range (library
		// mutated concurrently); fall back to a plain offset scan.
		return c.scanFromStart(ctx, s, n)
	}

	// The anchor is the tuple at position k*interval - 1, so it is itself
	// the first row of the filtered set below.
	anchorDate, anchorID := c.dates[k-1], c.ids[k-1]
	var a AssetRecord
	err := s.db.GetContext(ctx, &a, `SELECT `+assetColumnsPA+`
		FROM photo_asset pa
		JOIN photo_library pl ON pl.asset_id = pa.id
		WHERE (pl.created_at, pl.asset_id) <= (?, ?)
		ORDER BY pl.created_at DESC, pl.asset_id DESC
		LIMIT 1 OFFSET ?`, anchorDate, anchorID, n-(k*c.interval-1))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *checkpointIndex) scanFromStart(ctx context.Context, s *Store, n int) (*AssetRecord, error) {
	var a AssetRecord
	err := s.db.GetContext(ctx, &a, `SELECT `+assetColumnsPA+`
		FROM photo_asset pa
		JOIN photo_library pl ON pl.asset_id = pa.id
		ORDER BY pl.created_at DESC, pl.asset_id DESC
		LIMIT 1 OFFSET ?`, n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// build walks the ordered library once, recording an anchor at every
// interval boundary. The anchor at slot k-1 is the ordering tuple of library
// position k*interval - 1, so a lookup for position n in stride k starts at
// most interval-1 rows away.
func (c *checkpointIndex) build(ctx context.Context, s *Store) error {
	c.dates = c.dates[:0]
	c.ids = c.ids[:0]

	rows, err := s.db.QueryContext(ctx, `SELECT created_at, asset_id
		FROM photo_library
		ORDER BY created_at DESC, asset_id DESC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	pos := 0
	for rows.Next() {
		pos++
		if pos%c.interval != 0 {
			continue
		}
		var date, id int64
		if err := rows.Scan(&date, &id); err != nil {
			return err
		}
		c.dates = append(c.dates, date)
		c.ids = append(c.ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.built = true
	return nil
}
