package resources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/filenfoto/filenfoto/internal/blobcache"
	"github.com/filenfoto/filenfoto/internal/fferrors"
	"github.com/filenfoto/filenfoto/internal/journal"
	"github.com/filenfoto/filenfoto/internal/photodb"
	"github.com/filenfoto/filenfoto/internal/storage"
)

// Manager orchestrates resource reconciliation for one photo library.
// Remote objects live under <root>/<asset folder>/<file>, every path
// component a fresh UUID: a crash between folder allocation and the first
// committed upload leaves an orphan prefix, never a dangling reference.
type Manager struct {
	store   *photodb.Store
	remote  storage.ObjectStorage
	cache   *blobcache.Cache
	journal *journal.Journal
	log     zerolog.Logger

	uploadTimeout time.Duration
}

// NewManager wires the reconciliation engine. cache may be nil when no read
// cache is configured; journal may be nil in tests that do not exercise
// crash replay.
func NewManager(store *photodb.Store, remote storage.ObjectStorage, cache *blobcache.Cache, jnl *journal.Journal, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		remote:  remote,
		cache:   cache,
		journal: jnl,
		log:     logger.With().Str("component", "resources").Logger(),
	}
}

// SetUploadTimeout bounds each individual resource upload. Zero leaves
// uploads governed only by the caller's context.
func (m *Manager) SetUploadTimeout(d time.Duration) {
	m.uploadTimeout = d
}

// uploadContext derives the per-upload context. The cancel func must be
// called as soon as the upload returns.
func (m *Manager) uploadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.uploadTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.uploadTimeout)
}

// SeedRootFolder pins the remote root folder name before the first sync.
// A no-op once a root has been allocated, so an existing library never gets
// re-rooted, and a no-op for an empty name.
func (m *Manager) SeedRootFolder(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	_, err := m.store.GetState(ctx, photodb.StateKeyRootFolderUUID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, photodb.ErrNotFound) {
		return err
	}
	if err := m.store.SetState(ctx, photodb.StateKeyRootFolderUUID, []byte(name)); err != nil {
		return err
	}
	m.log.Info().Str("root_folder", name).Msg("seeded remote root folder from config")
	return nil
}

// RootFolder returns the remote root folder name, allocating and persisting
// a fresh UUID on first use.
func (m *Manager) RootFolder(ctx context.Context) (string, error) {
	value, err := m.store.GetState(ctx, photodb.StateKeyRootFolderUUID)
	if err == nil {
		return string(value), nil
	}
	if !errors.Is(err, photodb.ErrNotFound) {
		return "", err
	}

	root := uuid.NewString()
	if err := m.store.SetState(ctx, photodb.StateKeyRootFolderUUID, []byte(root)); err != nil {
		return "", err
	}
	m.log.Info().Str("root_folder", root).Msg("allocated remote root folder")
	return root, nil
}

// FetchResources evaluates the reconciliation state machine for one asset.
//
// Precedence order:
//  1. No resource records yet: create fresh descriptors from the device,
//     write working files, needs sync.
//  2. Device modification time or resource count disagrees with the stored
//     records: destructive reset (mark everything for deletion, recreate
//     fresh descriptors).
//  3. Otherwise branch on (all uploaded, all working files present).
//
// The (false, false) branch is a detected inconsistency: it resets like
// case 2 but logs at error level because nothing explains how the asset got
// there.
func (m *Manager) FetchResources(ctx context.Context, asset *photodb.AssetRecord, device DeviceAsset, workDir string) (WorkingAssetState, error) {
	existing, err := m.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		return StateUnknown, err
	}

	deviceResources, err := device.Resources(ctx)
	if err != nil {
		return StateUnknown, fferrors.NewSyncError(fferrors.CodeResourceStateInvalid,
			"failed to enumerate device resources", err)
	}

	active := withoutDeleted(existing)

	if len(active) == 0 {
		if err := m.createFreshDescriptors(ctx, asset, device, deviceResources, workDir); err != nil {
			return StateUnknown, err
		}
		return StateNeedsSync, nil
	}

	if device.ModifiedAt().UnixNano() != asset.ModifiedAt || len(deviceResources) != len(active) {
		m.log.Info().Str("local_identifier", asset.LocalIdentifier).
			Int("device_resources", len(deviceResources)).Int("stored_resources", len(active)).
			Msg("asset changed on device, resetting resources")
		return m.reset(ctx, asset, device, deviceResources, workDir)
	}

	allUploaded := true
	allPresent := true
	for i := range active {
		if !active[i].Uploaded() {
			allUploaded = false
		}
		if _, err := os.Stat(filepath.Join(workDir, active[i].LocalFilename())); err != nil {
			allPresent = false
		}
	}

	switch {
	case allUploaded && allPresent:
		return StateAlreadySynced, nil
	case allUploaded && !allPresent:
		return StateNeedsDownload, nil
	case !allUploaded && allPresent:
		return StateNeedsSync, nil
	default:
		// Not uploaded and no working files either. There is no good
		// explanation for this state, so reset rather than guess.
		m.log.Error().Str("local_identifier", asset.LocalIdentifier).
			Msg("resources neither uploaded nor present locally, resetting")
		return m.reset(ctx, asset, device, deviceResources, workDir)
	}
}

// reset marks every stored resource for deletion and recreates fresh
// descriptors from the device. The marked rows keep their remote ids so the
// next SyncResources pass can delete the remote objects before dropping the
// rows.
func (m *Manager) reset(ctx context.Context, asset *photodb.AssetRecord, device DeviceAsset, deviceResources []DeviceResource, workDir string) (WorkingAssetState, error) {
	if err := m.store.MarkResourcesForDeletion(ctx, asset.ID); err != nil {
		return StateUnknown, err
	}
	if err := m.createFreshDescriptors(ctx, asset, device, deviceResources, workDir); err != nil {
		return StateUnknown, err
	}
	return StateNeedsSync, nil
}

// createFreshDescriptors writes every device resource into the working
// directory, hashing as it streams, and records a descriptor row per file.
func (m *Manager) createFreshDescriptors(ctx context.Context, asset *photodb.AssetRecord, device DeviceAsset, deviceResources []DeviceResource, workDir string) error {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}

	for _, dr := range sortedByRank(deviceResources) {
		staging := filepath.Join(workDir, ".staging-"+uuid.NewString())
		if err := dr.WriteTo(ctx, staging); err != nil {
			os.Remove(staging)
			return fferrors.NewSyncError(fferrors.CodeResourceStateInvalid,
				fmt.Sprintf("failed to fetch %s from device", dr.OriginalFilename()), err)
		}

		sum, err := blobcache.HashFile(staging)
		if err != nil {
			os.Remove(staging)
			return err
		}

		id, err := m.store.AddResource(ctx, asset.ID, photodb.NewResource{
			Type:             dr.Type(),
			OriginalFilename: dr.OriginalFilename(),
			SHA256:           sum,
		})
		if err != nil {
			os.Remove(staging)
			return err
		}

		res, err := m.store.ResourceByID(ctx, id)
		if err != nil {
			os.Remove(staging)
			return err
		}
		if err := os.Rename(staging, filepath.Join(workDir, res.LocalFilename())); err != nil {
			return err
		}
	}

	// Record the device's modification time so the next pass does not see a
	// spurious mismatch and reset again.
	if err := m.store.UpdateAssetModifiedAt(ctx, asset.ID, device.ModifiedAt()); err != nil {
		return err
	}
	return nil
}

// SyncResources uploads every resource without a remote id and deletes
// every resource marked for deletion, committing each operation durably
// before starting the next. The first failure halts the asset's loop; the
// remaining resources retry on the next pass because their state was never
// marked complete.
func (m *Manager) SyncResources(ctx context.Context, workDir string, asset *photodb.AssetRecord) error {
	all, err := m.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		return err
	}

	root, err := m.RootFolder(ctx)
	if err != nil {
		return err
	}

	// The per-asset folder is allocated lazily, only when something needs
	// uploading, and never reused across passes.
	assetFolder := ""
	m.journalAppend(journal.OpSyncBegin, asset.LocalIdentifier, "")

	for i := range all {
		res := &all[i]

		if res.MarkedForDeletion {
			if res.Uploaded() {
				if err := m.remote.Delete(ctx, root+"/"+*res.RemoteUUID); err != nil {
					return fferrors.NewStorageError(fferrors.CodeDeleteFailed,
						fmt.Sprintf("failed to delete remote object for resource %d", res.ID), err)
				}
			}
			if err := os.Remove(filepath.Join(workDir, res.LocalFilename())); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := m.store.DeleteResourceRecord(ctx, res.ID); err != nil {
				return err
			}
			continue
		}

		if res.Uploaded() {
			continue
		}

		if assetFolder == "" {
			assetFolder = uuid.NewString()
		}

		localPath := filepath.Join(workDir, res.LocalFilename())
		remoteName := assetFolder + "/" + uuid.NewString()

		upCtx, cancel := m.uploadContext(ctx)
		_, err := m.remote.UploadMultipart(upCtx, localPath, root+"/"+remoteName)
		cancel()
		if err != nil {
			return fferrors.NewStorageError(fferrors.CodeUploadFailed,
				fmt.Sprintf("failed to upload %s", res.OriginalFilename), err)
		}

		// Committed immediately, one resource at a time: a crash mid-loop
		// loses at most one unit of work.
		if err := m.store.SetResourceRemoteUUID(ctx, res.ID, remoteName); err != nil {
			return err
		}
		m.journalAppend(journal.OpResourceDone, asset.LocalIdentifier, remoteName)

		m.log.Debug().Str("local_identifier", asset.LocalIdentifier).
			Str("remote", remoteName).Str("file", res.OriginalFilename).
			Msg("uploaded resource")
	}

	m.journalAppend(journal.OpAssetCommit, asset.LocalIdentifier, "")
	return nil
}

// StagedResource is a working file prepared for upload before its asset
// exists in the index.
type StagedResource struct {
	Type             photodb.ResourceType
	OriginalFilename string
	SHA256           string
	Path             string
}

// UploadStaged uploads working files for an asset that is not yet committed
// to the index, returning descriptors carrying their remote ids. Used by
// the first-ingest path; the caller commits the asset afterwards and then
// calls MarkCommitted. A crash in between leaves journaled uploads that
// CleanupOrphans reclaims.
func (m *Manager) UploadStaged(ctx context.Context, identifier string, staged []StagedResource) ([]photodb.NewResource, error) {
	root, err := m.RootFolder(ctx)
	if err != nil {
		return nil, err
	}

	assetFolder := uuid.NewString()
	m.journalAppend(journal.OpSyncBegin, identifier, assetFolder)

	out := make([]photodb.NewResource, 0, len(staged))
	for _, sr := range staged {
		remoteName := assetFolder + "/" + uuid.NewString()
		upCtx, cancel := m.uploadContext(ctx)
		_, err := m.remote.UploadMultipart(upCtx, sr.Path, root+"/"+remoteName)
		cancel()
		if err != nil {
			return nil, fferrors.NewStorageError(fferrors.CodeUploadFailed,
				fmt.Sprintf("failed to upload %s", sr.OriginalFilename), err)
		}
		m.journalAppend(journal.OpResourceDone, identifier, remoteName)

		name := remoteName
		out = append(out, photodb.NewResource{
			Type:             sr.Type,
			OriginalFilename: sr.OriginalFilename,
			SHA256:           sr.SHA256,
			RemoteUUID:       &name,
		})
	}
	return out, nil
}

// MarkCommitted journals that the asset's uploads are now owned by durable
// index rows.
func (m *Manager) MarkCommitted(identifier string) {
	m.journalAppend(journal.OpAssetCommit, identifier, "")
}

// DownloadResources pulls every uploaded resource into the working
// directory, verifying each file against its recorded hash, and feeds the
// read cache. A hash mismatch discards the download and fails the asset so
// the next pass re-fetches.
func (m *Manager) DownloadResources(ctx context.Context, workDir string, asset *photodb.AssetRecord) error {
	all, err := m.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		return err
	}

	root, err := m.RootFolder(ctx)
	if err != nil {
		return err
	}

	staging := filepath.Join(workDir, ".download")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	var names []string
	var priority []int
	byName := make(map[string]*photodb.Resource)
	for i := range all {
		res := &all[i]
		if !res.Uploaded() || res.MarkedForDeletion {
			continue
		}
		name := root + "/" + *res.RemoteUUID
		names = append(names, name)
		// The thumbnail-worthy resource is needed first.
		p := 1
		if res.Type.ThumbnailRank() == 0 {
			p = 0
		}
		priority = append(priority, p)
		byName[name] = res
	}
	if len(names) == 0 {
		return nil
	}

	dl := storage.NewBatchDownloader(m.remote, 4, staging)
	result, err := dl.Download(ctx, &storage.BatchRequest{ObjectNames: names, Priority: priority})
	if err != nil {
		return err
	}

	for _, name := range names {
		res := byName[name]
		if dlErr, ok := result.Errors[name]; ok {
			return fferrors.NewStorageError(fferrors.CodeDownloadFailed,
				fmt.Sprintf("failed to download %s", res.OriginalFilename), dlErr)
		}

		local := result.LocalPaths[name]
		sum, err := blobcache.HashFile(local)
		if err != nil {
			return err
		}
		if res.SHA256 != "" && sum != res.SHA256 {
			os.Remove(local)
			return fferrors.NewStorageError(fferrors.CodeHashMismatch,
				fmt.Sprintf("downloaded content for %s does not match recorded hash", res.OriginalFilename), nil)
		}

		if err := copyFile(local, filepath.Join(workDir, res.LocalFilename())); err != nil {
			return err
		}
		if m.cache != nil {
			if err := m.cache.Insert(ctx, res.ID, local); err != nil {
				return err
			}
		}
	}

	return nil
}

// CleanupOrphans replays the journal for assets whose sync died mid-loop
// and removes any remote objects that were uploaded but never committed to
// the index.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}

	pending, err := m.journal.Incomplete()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	root, err := m.RootFolder(ctx)
	if err != nil {
		return err
	}

	for identifier, remoteNames := range pending {
		orphaned := 0
		for _, name := range remoteNames {
			// Committed uploads stay: the resource row owns the object now.
			committed, err := m.resourceCommitted(ctx, identifier, name)
			if err != nil {
				return err
			}
			if committed {
				continue
			}
			if err := m.remote.Delete(ctx, root+"/"+name); err != nil {
				return fferrors.NewStorageError(fferrors.CodeDeleteFailed,
					fmt.Sprintf("failed to delete orphaned object %s", name), err)
			}
			orphaned++
		}
		m.journalAppend(journal.OpRemoteCleanup, identifier, "")
		m.log.Info().Str("local_identifier", identifier).Int("orphans_removed", orphaned).
			Msg("cleaned up interrupted sync")
	}
	return nil
}

func (m *Manager) resourceCommitted(ctx context.Context, identifier, remoteName string) (bool, error) {
	asset, err := m.store.GetAssetByLocalIdentifier(ctx, identifier)
	if errors.Is(err, photodb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	all, err := m.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		return false, err
	}
	for i := range all {
		if all[i].Uploaded() && *all[i].RemoteUUID == remoteName {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) journalAppend(op, identifier, remoteUUID string) {
	if m.journal == nil {
		return
	}
	if _, err := m.journal.Append(op, identifier, remoteUUID); err != nil {
		m.log.Warn().Err(err).Str("op", op).Msg("failed to journal sync operation")
	}
}

func withoutDeleted(all []photodb.Resource) []photodb.Resource {
	active := make([]photodb.Resource, 0, len(all))
	for _, r := range all {
		if !r.MarkedForDeletion {
			active = append(active, r)
		}
	}
	return active
}

func sortedByRank(deviceResources []DeviceResource) []DeviceResource {
	out := make([]DeviceResource, len(deviceResources))
	copy(out, deviceResources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type().ThumbnailRank() < out[j].Type().ThumbnailRank()
	})
	return out
}

// copyFile copies src to dest, creating parent directories.
func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
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
	return out.Close()
}
