package photodb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "photos.db"), filepath.Join(dir, "thumbs"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAsset(identifier string, created time.Time) NewAsset {
	return NewAsset{
		LocalIdentifier: identifier,
		MediaType:       MediaTypeImage,
		CreatedAt:       created,
		ModifiedAt:      created,
		ThumbnailName:   identifier + ".jpg",
		Resources: []NewResource{
			{Type: ResourcePhoto, OriginalFilename: "IMG_0001.HEIC", SHA256: "abc123"},
		},
		Tags: []NewTag{
			{Raw: "Dog", Category: TagObject, Confidence: 0.9},
		},
	}
}

func TestInsertAndFetch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	asset, inLibrary, err := s.InsertAsset(ctx, testAsset("asset-1", created))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inLibrary {
		t.Fatal("expected a library row for a non-burst asset")
	}
	if !asset.CompletedAnalysis {
		t.Fatal("inserted asset should be durable")
	}
	if !asset.CreatedTime().Equal(created) {
		t.Fatalf("created time = %v, want %v", asset.CreatedTime(), created)
	}

	got, err := s.GetAssetByLocalIdentifier(ctx, "asset-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.ID != asset.ID {
		t.Fatalf("fetched id = %d, want %d", got.ID, asset.ID)
	}

	resources, err := s.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(resources) != 1 || resources[0].SHA256 != "abc123" {
		t.Fatalf("unexpected resources: %+v", resources)
	}
	if resources[0].Uploaded() {
		t.Fatal("fresh resource should not report uploaded")
	}

	n, err := s.CountOfPhotos(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testAsset("asset-1", time.Now())
	first, _, err := s.InsertAsset(ctx, in)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second, inLibrary, err := s.InsertAsset(ctx, in)
	if !errors.Is(err, ErrAssetExists) {
		t.Fatalf("second insert err = %v, want ErrAssetExists", err)
	}
	if inLibrary {
		t.Fatal("duplicate insert must not touch the library")
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("duplicate insert should return the existing record, got %+v", second)
	}

	n, _ := s.CountOfPhotos(ctx)
	if n != 1 {
		t.Fatalf("count after duplicate insert = %d, want 1", n)
	}
}

func TestInsertPurgesNonDurableRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate a crash mid-insert: an asset row exists with child rows but
	// completed_analysis was never flipped.
	res, err := s.db.ExecContext(ctx, `INSERT INTO photo_asset
		(local_identifier, media_type, media_subtype, created_at, modified_at, thumbnail_name, completed_analysis)
		VALUES ('asset-1', 1, 0, ?, ?, 'stale.jpg', 0)`,
		time.Now().UnixNano(), time.Now().UnixNano())
	if err != nil {
		t.Fatalf("seed stale row: %v", err)
	}
	staleID, _ := res.LastInsertId()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO photo_resource (asset_id, resource_type, original_filename, sha256) VALUES (?, 1, 'x.heic', 'stale')",
		staleID); err != nil {
		t.Fatalf("seed stale resource: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO photo_library (asset_id, created_at) VALUES (?, ?)", staleID, time.Now().UnixNano()); err != nil {
		t.Fatalf("seed stale library row: %v", err)
	}

	asset, _, err := s.InsertAsset(ctx, testAsset("asset-1", time.Now()))
	if err != nil {
		t.Fatalf("insert over stale row: %v", err)
	}
	if asset.ID == staleID {
		t.Fatal("stale row should have been purged, not reused")
	}

	if _, err := s.GetAsset(ctx, staleID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale asset still present, err = %v", err)
	}
	var orphans int
	if err := s.db.GetContext(ctx, &orphans,
		"SELECT COUNT(*) FROM photo_resource WHERE asset_id = ?", staleID); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("stale resources not cascaded, %d left", orphans)
	}

	n, _ := s.CountOfPhotos(ctx)
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestBurstCollapsing(t *testing.T) {
	burst := "burst-A"
	created := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	member := func(id string, selection int) NewAsset {
		a := testAsset(id, created)
		a.BurstIdentifier = &burst
		a.BurstSelection = selection
		return a
	}

	// The representative must be the best-ranked member no matter the
	// arrival order.
	orders := [][]NewAsset{
		{member("m1", 1), member("m2", 3), member("m3", 2)},
		{member("m2", 3), member("m3", 2), member("m1", 1)},
		{member("m3", 2), member("m1", 1), member("m2", 3)},
	}

	for i, order := range orders {
		t.Run(fmt.Sprintf("order_%d", i), func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			for _, in := range order {
				if _, _, err := s.InsertAsset(ctx, in); err != nil {
					t.Fatalf("insert %s: %v", in.LocalIdentifier, err)
				}
			}

			n, _ := s.CountOfPhotos(ctx)
			if n != 1 {
				t.Fatalf("library count = %d, want 1 collapsed slot", n)
			}

			rep, err := s.AssetAtOffset(ctx, 0)
			if err != nil {
				t.Fatalf("representative: %v", err)
			}
			if rep.LocalIdentifier != "m2" {
				t.Fatalf("representative = %s, want m2", rep.LocalIdentifier)
			}

			members, err := s.AssetsInBurst(ctx, burst)
			if err != nil {
				t.Fatalf("burst members: %v", err)
			}
			if len(members) != 3 {
				t.Fatalf("burst members = %d, want 3", len(members))
			}
			if members[0].LocalIdentifier != "m2" {
				t.Fatalf("best member first, got %s", members[0].LocalIdentifier)
			}
		})
	}
}

func TestDeleteAssetCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	asset, _, err := s.InsertAsset(ctx, testAsset("asset-1", time.Now()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.DeleteAsset(ctx, asset.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteAsset(ctx, asset.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}

	n, _ := s.CountOfPhotos(ctx)
	if n != 0 {
		t.Fatalf("count after delete = %d", n)
	}
	var children int
	if err := s.db.GetContext(ctx, &children,
		"SELECT (SELECT COUNT(*) FROM photo_resource) + (SELECT COUNT(*) FROM asset_tag)"); err != nil {
		t.Fatalf("count children: %v", err)
	}
	if children != 0 {
		t.Fatalf("cascade left %d child rows", children)
	}
}

func TestUpdateExistingAssetMergesPairedVideo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	asset, _, err := s.InsertAsset(ctx, testAsset("live-1", time.Now()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The paired video of a live photo ranks below the still, so the
	// thumbnail and tags stay with the still.
	updated, err := s.UpdateExistingAsset(ctx, "live-1", SubtypeLive,
		NewResource{Type: ResourcePairedVideo, OriginalFilename: "IMG_0001.MOV", SHA256: "def456"},
		[]NewTag{{Raw: "ignored", Category: TagObject, Confidence: 1.0}},
		"replacement.jpg")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if !updated.MediaSubtype.Contains(SubtypeLive) {
		t.Fatal("subtype union lost the live flag")
	}
	if updated.ThumbnailName != asset.ThumbnailName {
		t.Fatalf("thumbnail replaced by a lower-ranked resource: %s", updated.ThumbnailName)
	}

	resources, _ := s.ResourcesForAsset(ctx, asset.ID)
	if len(resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(resources))
	}
	if resources[0].Type != ResourcePhoto {
		t.Fatalf("still photo should rank first, got %v", resources[0].Type)
	}

	tags, _ := s.TagsForAsset(ctx, asset.ID)
	if len(tags) != 1 || tags[0].Name != "dog" {
		t.Fatalf("tags should be untouched, got %+v", tags)
	}
}

func TestUpdateExistingAssetPromotesStill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testAsset("video-first", time.Now())
	in.MediaType = MediaTypeVideo
	in.Resources = []NewResource{{Type: ResourceVideo, OriginalFilename: "clip.mov", SHA256: "v1"}}
	if _, _, err := s.InsertAsset(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := s.UpdateExistingAsset(ctx, "video-first", 0,
		NewResource{Type: ResourcePhoto, OriginalFilename: "still.heic", SHA256: "p1"},
		[]NewTag{{Raw: "Beach", Category: TagObject, Confidence: 0.8}},
		"still-thumb.jpg")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.ThumbnailName != "still-thumb.jpg" {
		t.Fatalf("thumbnail = %s, want still-thumb.jpg", updated.ThumbnailName)
	}
	tags, _ := s.TagsForAsset(context.Background(), updated.ID)
	if len(tags) != 1 || tags[0].Name != "beach" {
		t.Fatalf("tags should follow the promoted still, got %+v", tags)
	}
}

func TestResourceUploadBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	asset, _, err := s.InsertAsset(ctx, testAsset("asset-1", time.Now()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	resources, _ := s.ResourcesForAsset(ctx, asset.ID)
	rid := resources[0].ID

	if err := s.SetResourceRemoteUUID(ctx, rid, "uuid-1"); err != nil {
		t.Fatalf("set remote uuid: %v", err)
	}
	r, _ := s.ResourceByID(ctx, rid)
	if !r.Uploaded() || *r.RemoteUUID != "uuid-1" {
		t.Fatalf("resource not marked uploaded: %+v", r)
	}

	if err := s.ClearResourceRemoteUUID(ctx, rid); err != nil {
		t.Fatalf("clear remote uuid: %v", err)
	}
	r, _ = s.ResourceByID(ctx, rid)
	if r.Uploaded() {
		t.Fatal("resource still reports uploaded after clear")
	}

	if err := s.SetResourceRemoteUUID(ctx, 99999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing resource err = %v, want ErrNotFound", err)
	}

	if err := s.MarkResourcesForDeletion(ctx, asset.ID); err != nil {
		t.Fatalf("mark for deletion: %v", err)
	}
	marked, err := s.MarkedForDeletion(ctx)
	if err != nil || len(marked) != 1 {
		t.Fatalf("marked = %d, err = %v", len(marked), err)
	}
}

func TestAppState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetState(ctx, StateKeyRootFolderUUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unset key err = %v, want ErrNotFound", err)
	}

	if err := s.SetState(ctx, StateKeyRootFolderUUID, []byte("folder-uuid")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetState(ctx, StateKeyRootFolderUUID, []byte("folder-uuid-2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.GetState(ctx, StateKeyRootFolderUUID)
	if err != nil || string(v) != "folder-uuid-2" {
		t.Fatalf("get = %q, err = %v", v, err)
	}

	if err := s.DeleteState(ctx, StateKeyRootFolderUUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetState(ctx, StateKeyRootFolderUUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key err = %v", err)
	}
}

func TestFailureLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordFailure(ctx, "asset-1", "upload", "connection reset"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordFailure(ctx, "asset-2", "classify", "decoder error"); err != nil {
		t.Fatalf("record: %v", err)
	}

	failures, err := s.Failures(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(failures))
	}
	if failures[0].LocalIdentifier != "asset-2" {
		t.Fatalf("newest first, got %s", failures[0].LocalIdentifier)
	}

	if err := s.ClearFailures(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	failures, _ = s.Failures(ctx)
	if len(failures) != 0 {
		t.Fatalf("failures after clear = %d", len(failures))
	}
}
