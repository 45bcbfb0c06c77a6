package resources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/filenfoto/filenfoto/internal/fferrors"
	"github.com/filenfoto/filenfoto/internal/journal"
	"github.com/filenfoto/filenfoto/internal/photodb"
	"github.com/filenfoto/filenfoto/internal/storage"
)

type fakeResource struct {
	typ     photodb.ResourceType
	name    string
	content []byte
}

func (f *fakeResource) Type() photodb.ResourceType { return f.typ }
func (f *fakeResource) OriginalFilename() string { return f.name }
func (f *fakeResource) WriteTo(_ context.Context, path string) error {
	return os.WriteFile(path, f.content, 0644)
}

type fakeDevice struct {
	id        string
	modified  time.Time
	resources []DeviceResource
}

func (f *fakeDevice) LocalIdentifier() string { return f.id }
func (f *fakeDevice) ModifiedAt() time.Time { return f.modified }
func (f *fakeDevice) Resources(context.Context) ([]DeviceResource, error) {
	return f.resources, nil
}

type fixture struct {
	store   *photodb.Store
	remote  *storage.LocalStorage
	journal *journal.Journal
	mgr     *Manager
	workDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	store, err := photodb.Open(filepath.Join(root, "photos.db"), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	remote, err := storage.NewLocalStorage(filepath.Join(root, "remote"))
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}

	jnl, err := journal.Open(filepath.Join(root, "journal"), 1<<20)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })

	workDir := filepath.Join(root, "working")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	return &fixture{
		store:   store,
		remote:  remote,
		journal: jnl,
		mgr:     NewManager(store, remote, nil, jnl, zerolog.Nop()),
		workDir: workDir,
	}
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

var fixedTime = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

// insertAssetWithResources commits a durable asset with two resources and
// optionally makes them uploaded and/or locally present.
func (f *fixture) insertAssetWithResources(t *testing.T, identifier string, uploaded, present []bool) (*photodb.AssetRecord, []photodb.Resource) {
	t.Helper()
	ctx := context.Background()

	photo := []byte("photo content for " + identifier)
	video := []byte("video content for " + identifier)

	asset, _, err := f.store.InsertAsset(ctx, photodb.NewAsset{
		LocalIdentifier: identifier,
		MediaType:       photodb.MediaTypeImage,
		MediaSubtype:    photodb.SubtypeLive,
		CreatedAt:       fixedTime,
		ModifiedAt:      fixedTime,
		Resources: []photodb.NewResource{
			{Type: photodb.ResourcePhoto, OriginalFilename: "IMG.HEIC", SHA256: hashOf(photo)},
			{Type: photodb.ResourcePairedVideo, OriginalFilename: "IMG.MOV", SHA256: hashOf(video)},
		},
	})
	if err != nil {
		t.Fatalf("insert asset: %v", err)
	}

	resources, err := f.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil || len(resources) != 2 {
		t.Fatalf("resources = %v, err = %v", resources, err)
	}

	contents := [][]byte{photo, video}
	for i := range resources {
		if uploaded[i] {
			if err := f.store.SetResourceRemoteUUID(ctx, resources[i].ID, "folder/"+identifier+"-"+resources[i].OriginalFilename); err != nil {
				t.Fatalf("set remote uuid: %v", err)
			}
		}
		if present[i] {
			if err := os.WriteFile(filepath.Join(f.workDir, resources[i].LocalFilename()), contents[i], 0644); err != nil {
				t.Fatalf("write working file: %v", err)
			}
		}
	}

	resources, err = f.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("reload resources: %v", err)
	}
	return asset, resources
}

func (f *fixture) device(identifier string) *fakeDevice {
	return &fakeDevice{
		id:       identifier,
		modified: fixedTime,
		resources: []DeviceResource{
			&fakeResource{typ: photodb.ResourcePhoto, name: "IMG.HEIC", content: []byte("photo content for " + identifier)},
			&fakeResource{typ: photodb.ResourcePairedVideo, name: "IMG.MOV", content: []byte("video content for " + identifier)},
		},
	}
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		name     string
		uploaded []bool
		present  []bool
		want     WorkingAssetState
	}{
		{"all uploaded all present", []bool{true, true}, []bool{true, true}, StateAlreadySynced},
		{"all uploaded one file missing", []bool{true, true}, []bool{true, false}, StateNeedsDownload},
		{"one uploaded all present", []bool{true, false}, []bool{true, true}, StateNeedsSync},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			asset, _ := f.insertAssetWithResources(t, "asset-1", tc.uploaded, tc.present)

			state, err := f.mgr.FetchResources(context.Background(), asset, f.device("asset-1"), f.workDir)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if state != tc.want {
				t.Fatalf("state = %v, want %v", state, tc.want)
			}
		})
	}
}

func TestStateMachineInconsistentStateResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Nothing uploaded, nothing on disk: the unexplained branch.
	asset, before := f.insertAssetWithResources(t, "asset-1", []bool{false, false}, []bool{false, false})

	state, err := f.mgr.FetchResources(ctx, asset, f.device("asset-1"), f.workDir)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state != StateNeedsSync {
		t.Fatalf("state = %v, want StateNeedsSync after reset", state)
	}

	all, err := f.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	// The two original rows are marked for deletion, two fresh rows exist.
	marked, fresh := 0, 0
	for _, r := range all {
		if r.MarkedForDeletion {
			marked++
		} else {
			fresh++
		}
	}
	if marked != len(before) || fresh != 2 {
		t.Fatalf("marked = %d fresh = %d, want %d and 2", marked, fresh, len(before))
	}

	// Fresh descriptors have working files on disk.
	for _, r := range all {
		if r.MarkedForDeletion {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.workDir, r.LocalFilename())); err != nil {
			t.Errorf("working file missing for fresh resource %d: %v", r.ID, err)
		}
		if r.SHA256 == "" {
			t.Errorf("fresh resource %d has no hash", r.ID)
		}
	}
}

func TestModificationDateTriggersReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	asset, _ := f.insertAssetWithResources(t, "asset-1", []bool{true, true}, []bool{true, true})

	device := f.device("asset-1")
	device.modified = fixedTime.Add(time.Hour)

	state, err := f.mgr.FetchResources(ctx, asset, device, f.workDir)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state != StateNeedsSync {
		t.Fatalf("state = %v, want StateNeedsSync", state)
	}

	// Stored modification time now matches the device, so a second pass
	// with unchanged inputs must not reset again.
	asset, err = f.store.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("reload asset: %v", err)
	}
	if asset.ModifiedAt != device.modified.UnixNano() {
		t.Fatalf("modified_at not updated after reset")
	}
}

func TestResourceCountMismatchTriggersReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fully synced asset, unchanged modification time. The device then
	// exposes a third resource, so only the count disagrees.
	asset, before := f.insertAssetWithResources(t, "asset-1", []bool{true, true}, []bool{true, true})

	device := f.device("asset-1")
	device.resources = append(device.resources, &fakeResource{
		typ:     photodb.ResourceFullSizePhoto,
		name:    "IMG_FULL.HEIC",
		content: []byte("full size photo for asset-1"),
	})

	state, err := f.mgr.FetchResources(ctx, asset, device, f.workDir)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state != StateNeedsSync {
		t.Fatalf("state = %v, want StateNeedsSync after reset", state)
	}

	all, err := f.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	marked, fresh := 0, 0
	for _, r := range all {
		if r.MarkedForDeletion {
			marked++
			continue
		}
		fresh++
		if _, err := os.Stat(filepath.Join(f.workDir, r.LocalFilename())); err != nil {
			t.Errorf("working file missing for fresh resource %d: %v", r.ID, err)
		}
	}
	if marked != len(before) || fresh != len(device.resources) {
		t.Fatalf("marked = %d fresh = %d, want %d and %d", marked, fresh, len(before), len(device.resources))
	}

	// The condemned rows keep their remote ids so the next sync pass can
	// delete the objects before dropping the rows.
	for _, r := range all {
		if r.MarkedForDeletion && !r.Uploaded() {
			t.Errorf("condemned resource %d lost its remote id", r.ID)
		}
	}
}

func TestFreshAssetCreatesDescriptors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	asset, _, err := f.store.InsertAsset(ctx, photodb.NewAsset{
		LocalIdentifier: "asset-1",
		MediaType:       photodb.MediaTypeImage,
		CreatedAt:       fixedTime,
		ModifiedAt:      fixedTime,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	state, err := f.mgr.FetchResources(ctx, asset, f.device("asset-1"), f.workDir)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state != StateNeedsSync {
		t.Fatalf("state = %v, want StateNeedsSync", state)
	}

	all, err := f.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("resources = %v, err = %v", all, err)
	}
	// Best thumbnail candidate first.
	if all[0].Type != photodb.ResourcePhoto {
		t.Fatalf("first resource = %v, want photo", all[0].Type)
	}
	for _, r := range all {
		content, err := os.ReadFile(filepath.Join(f.workDir, r.LocalFilename()))
		if err != nil {
			t.Fatalf("read working file: %v", err)
		}
		if hashOf(content) != r.SHA256 {
			t.Errorf("hash mismatch for %s", r.OriginalFilename)
		}
	}
}

func TestSyncResourcesUploadsAndDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	asset, resources := f.insertAssetWithResources(t, "asset-1", []bool{false, true}, []bool{true, true})

	// The uploaded paired video is condemned; its remote object exists.
	root, err := f.mgr.RootFolder(ctx)
	if err != nil {
		t.Fatalf("root folder: %v", err)
	}
	condemned := resources[1]
	src := filepath.Join(t.TempDir(), "remote-src")
	os.WriteFile(src, []byte("remote bytes"), 0644)
	if err := f.remote.Upload(ctx, src, root+"/"+*condemned.RemoteUUID); err != nil {
		t.Fatalf("seed remote object: %v", err)
	}
	if _, err := f.store.DB().ExecContext(ctx,
		"UPDATE photo_resource SET marked_for_deletion = 1 WHERE id = ?", condemned.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if err := f.mgr.SyncResources(ctx, f.workDir, asset); err != nil {
		t.Fatalf("sync: %v", err)
	}

	all, err := f.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("resources after sync = %d, want 1", len(all))
	}
	if !all[0].Uploaded() {
		t.Fatal("surviving resource not uploaded")
	}

	// The uploaded object is really there and the condemned one is gone.
	exists, _ := f.remote.Exists(ctx, root+"/"+*all[0].RemoteUUID)
	if !exists {
		t.Error("uploaded object missing from remote")
	}
	exists, _ = f.remote.Exists(ctx, root+"/"+*condemned.RemoteUUID)
	if exists {
		t.Error("condemned remote object still present")
	}

	// The journal shows a clean commit.
	pending, err := f.journal.Incomplete()
	if err != nil {
		t.Fatalf("incomplete: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after clean sync = %v", pending)
	}
}

func TestSyncResourcesHaltsOnFirstError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Neither resource uploaded; the first-ranked working file is missing so
	// its upload fails before the second is attempted.
	asset, resources := f.insertAssetWithResources(t, "asset-1", []bool{false, false}, []bool{false, true})

	err := f.mgr.SyncResources(ctx, f.workDir, asset)
	if err == nil {
		t.Fatal("expected upload failure")
	}
	if fferrors.GetCode(err) != fferrors.CodeUploadFailed {
		t.Fatalf("error code = %q, want CodeUploadFailed", fferrors.GetCode(err))
	}
	if !fferrors.IsRetryable(err) {
		t.Fatal("upload failure should be retryable on the next pass")
	}

	// The second resource was never touched.
	res, err := f.store.ResourceByID(ctx, resources[1].ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if res.Uploaded() {
		t.Fatal("later resource uploaded after earlier failure")
	}
}

func TestDownloadResourcesRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	asset, _ := f.insertAssetWithResources(t, "asset-1", []bool{false, false}, []bool{true, true})
	if err := f.mgr.SyncResources(ctx, f.workDir, asset); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Lose the working copies.
	all, _ := f.store.ResourcesForAsset(ctx, asset.ID)
	for _, r := range all {
		os.Remove(filepath.Join(f.workDir, r.LocalFilename()))
	}

	state, err := f.mgr.FetchResources(ctx, asset, f.device("asset-1"), f.workDir)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if state != StateNeedsDownload {
		t.Fatalf("state = %v, want StateNeedsDownload", state)
	}

	if err := f.mgr.DownloadResources(ctx, f.workDir, asset); err != nil {
		t.Fatalf("download: %v", err)
	}
	for _, r := range all {
		content, err := os.ReadFile(filepath.Join(f.workDir, r.LocalFilename()))
		if err != nil {
			t.Fatalf("restored file missing: %v", err)
		}
		if hashOf(content) != r.SHA256 {
			t.Errorf("restored content hash mismatch for %s", r.OriginalFilename)
		}
	}

	state, err = f.mgr.FetchResources(ctx, asset, f.device("asset-1"), f.workDir)
	if err != nil || state != StateAlreadySynced {
		t.Fatalf("state after download = %v err = %v, want StateAlreadySynced", state, err)
	}
}

func TestDownloadDetectsCorruptRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	asset, _ := f.insertAssetWithResources(t, "asset-1", []bool{false, false}, []bool{true, true})
	if err := f.mgr.SyncResources(ctx, f.workDir, asset); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Corrupt every remote object.
	root, _ := f.mgr.RootFolder(ctx)
	all, _ := f.store.ResourcesForAsset(ctx, asset.ID)
	garbage := filepath.Join(t.TempDir(), "garbage")
	os.WriteFile(garbage, []byte("corrupted bytes"), 0644)
	for _, r := range all {
		if err := f.remote.Upload(ctx, garbage, root+"/"+*r.RemoteUUID); err != nil {
			t.Fatalf("corrupt remote: %v", err)
		}
		os.Remove(filepath.Join(f.workDir, r.LocalFilename()))
	}

	err := f.mgr.DownloadResources(ctx, f.workDir, asset)
	if err == nil {
		t.Fatal("expected hash mismatch")
	}
	if fferrors.GetCode(err) != fferrors.CodeHashMismatch {
		t.Fatalf("error code = %q, want CodeHashMismatch", fferrors.GetCode(err))
	}
}

func TestSeedRootFolderPinsRemotePrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.SeedRootFolder(ctx, "photos"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	root, err := f.mgr.RootFolder(ctx)
	if err != nil {
		t.Fatalf("root folder: %v", err)
	}
	if root != "photos" {
		t.Fatalf("root = %q, want the seeded name", root)
	}

	// A second seed never re-roots an existing library.
	if err := f.mgr.SeedRootFolder(ctx, "elsewhere"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	root, err = f.mgr.RootFolder(ctx)
	if err != nil || root != "photos" {
		t.Fatalf("root after reseed = %q err = %v, want photos", root, err)
	}
}

func TestSeedRootFolderEmptyNameAllocatesUUID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.mgr.SeedRootFolder(ctx, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first, err := f.mgr.RootFolder(ctx)
	if err != nil {
		t.Fatalf("root folder: %v", err)
	}
	if first == "" {
		t.Fatal("no root allocated")
	}
	again, err := f.mgr.RootFolder(ctx)
	if err != nil || again != first {
		t.Fatalf("root not stable: %q then %q, err = %v", first, again, err)
	}
}

// stalledStorage blocks every upload until its context expires.
type stalledStorage struct {
	*storage.LocalStorage
}

func (s *stalledStorage) UploadMultipart(ctx context.Context, localPath, objectName string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestUploadTimeoutBoundsSlowUpload(t *testing.T) {
	f := newFixture(t)
	f.mgr = NewManager(f.store, &stalledStorage{f.remote}, nil, f.journal, zerolog.Nop())
	f.mgr.SetUploadTimeout(50 * time.Millisecond)

	asset, _ := f.insertAssetWithResources(t, "asset-1", []bool{false, false}, []bool{true, true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := f.mgr.SyncResources(ctx, f.workDir, asset)
	if err == nil {
		t.Fatal("expected upload failure")
	}
	if fferrors.GetCode(err) != fferrors.CodeUploadFailed {
		t.Fatalf("error code = %q, want CodeUploadFailed", fferrors.GetCode(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause = %v, want deadline exceeded", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		t.Fatalf("outer context expired: %v", ctxErr)
	}
}

func TestUploadStagedAndOrphanCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "IMG.HEIC")
	content := []byte("staged photo")
	os.WriteFile(staged, content, 0644)

	uploaded, err := f.mgr.UploadStaged(ctx, "asset-never-committed", []StagedResource{
		{Type: photodb.ResourcePhoto, OriginalFilename: "IMG.HEIC", SHA256: hashOf(content), Path: staged},
	})
	if err != nil {
		t.Fatalf("upload staged: %v", err)
	}
	if len(uploaded) != 1 || uploaded[0].RemoteUUID == nil {
		t.Fatalf("uploaded = %+v", uploaded)
	}

	root, _ := f.mgr.RootFolder(ctx)
	exists, _ := f.remote.Exists(ctx, root+"/"+*uploaded[0].RemoteUUID)
	if !exists {
		t.Fatal("staged upload missing from remote")
	}

	// The asset was never committed, so cleanup reclaims the object.
	if err := f.mgr.CleanupOrphans(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	exists, _ = f.remote.Exists(ctx, root+"/"+*uploaded[0].RemoteUUID)
	if exists {
		t.Fatal("orphaned object survived cleanup")
	}

	pending, err := f.journal.Incomplete()
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending = %v, err = %v", pending, err)
	}
}
