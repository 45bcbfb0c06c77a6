package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/filenfoto/filenfoto/internal/blobcache"
	"github.com/filenfoto/filenfoto/internal/bloom"
	"github.com/filenfoto/filenfoto/internal/fferrors"
	"github.com/filenfoto/filenfoto/internal/photodb"
	"github.com/filenfoto/filenfoto/internal/resources"
)

// defaultWorkers is the fixed ingestion concurrency: four assets in flight.
const defaultWorkers = 4

// Config wires an ingestion pipeline. Classifier, Compressor, and Tracker
// are optional; a nil classifier skips tagging, a nil compressor skips
// thumbnails, a nil tracker discards progress.
type Config struct {
	Store      *photodb.Store
	Manager    *resources.Manager
	Source     AssetSource
	Classifier Classifier
	Compressor Compressor
	Tracker    *Tracker
	WorkDir    string
	Workers    int
	Logger     zerolog.Logger
}

// Pipeline drains an AssetSource through a bounded worker pool. Each asset
// runs fetch, upload, classify, thumbnail, commit in order; resource-level
// failures are persisted per asset and never crash the pass, permission
// failures abort the whole pass.
type Pipeline struct {
	store      *photodb.Store
	mgr        *resources.Manager
	source     AssetSource
	classifier Classifier
	compressor Compressor
	tracker    *Tracker
	workDir    string
	workers    int64
	log        zerolog.Logger

	// seen is a membership filter over durable identifiers. A negative
	// answer skips the index lookup entirely; a positive answer is
	// confirmed against the database before skipping the asset.
	seen *bloom.Filter

	cancelled atomic.Bool

	abortMu  sync.Mutex
	abortErr error
}

// New validates the configuration and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Manager == nil || cfg.Source == nil {
		return nil, fferrors.NewValidationError(fferrors.CodeInvalidConfig,
			"ingest pipeline requires a store, a resource manager, and an asset source")
	}
	if cfg.WorkDir == "" {
		return nil, fferrors.NewValidationError(fferrors.CodeInvalidConfig,
			"ingest pipeline requires a working directory")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pipeline{
		store:      cfg.Store,
		mgr:        cfg.Manager,
		source:     cfg.Source,
		classifier: cfg.Classifier,
		compressor: cfg.Compressor,
		tracker:    cfg.Tracker,
		workDir:    cfg.WorkDir,
		workers:    int64(workers),
		log:        cfg.Logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// Cancel requests a cooperative stop. The flag is checked between asset
// dispatches only; assets already in flight run to completion.
func (p *Pipeline) Cancel() {
	p.cancelled.Store(true)
}

// Run executes one full sync pass: replay interrupted syncs, seed the
// membership filter, then drain the source with the worker pool. Returns
// nil when the pass completed (individual asset failures are persisted, not
// returned); returns a typed error when the pass could not run at all.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.store.GetState(ctx, photodb.StateKeyCredentials); err != nil {
		if errors.Is(err, photodb.ErrNotFound) {
			return fferrors.NewPermissionError(fferrors.CodeMissingCredentials,
				"no cloud credentials configured")
		}
		return err
	}

	if err := os.MkdirAll(p.workDir, 0755); err != nil {
		return err
	}

	if err := p.mgr.CleanupOrphans(ctx); err != nil {
		return err
	}
	if err := p.seedFilter(ctx); err != nil {
		return err
	}

	assets, err := p.source.Assets(ctx)
	if err != nil {
		if fferrors.GetCategory(err) == fferrors.CategoryPermission {
			return err
		}
		return fferrors.NewSyncError(fferrors.CodeResourceStateInvalid,
			"failed to enumerate asset source", err)
	}

	p.log.Info().Int("assets", len(assets)).Msg("starting ingestion pass")

	sem := semaphore.NewWeighted(p.workers)
	for _, sa := range assets {
		if p.cancelled.Load() || p.aborted() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		// A worker that finished while we waited may have raised the flag.
		if p.cancelled.Load() || p.aborted() != nil {
			sem.Release(1)
			break
		}
		sa := sa
		go func() {
			defer sem.Release(1)
			p.process(ctx, sa)
		}()
	}

	// Wait for in-flight workers.
	if err := sem.Acquire(ctx, p.workers); err != nil {
		return err
	}
	return p.aborted()
}

func (p *Pipeline) seedFilter(ctx context.Context) error {
	ids, err := p.store.DurableIdentifiers(ctx)
	if err != nil {
		return err
	}
	// Sized for the current library plus headroom for this pass's inserts.
	p.seen = bloom.NewWithEstimates(len(ids)+4096, 0.01)
	for _, id := range ids {
		p.seen.Add(id)
	}
	return nil
}

func (p *Pipeline) aborted() error {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	return p.abortErr
}

func (p *Pipeline) abort(err error) {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	if p.abortErr == nil {
		p.abortErr = err
	}
}

// process runs one asset through the pipeline and converts its errors into
// a persisted failure record. Permission errors escalate to a pass abort.
func (p *Pipeline) process(ctx context.Context, sa SourceAsset) {
	id := sa.LocalIdentifier()

	stage, err := p.ingestOne(ctx, sa)
	if err == nil {
		return
	}

	if fferrors.GetCategory(err) == fferrors.CategoryPermission {
		p.abort(err)
		return
	}

	p.log.Warn().Err(err).Str("local_identifier", id).Str("stage", stage).
		Msg("asset ingestion failed")
	if dbErr := p.store.RecordFailure(ctx, id, stage, err.Error()); dbErr != nil {
		p.log.Error().Err(dbErr).Str("local_identifier", id).
			Msg("failed to persist failure record")
	}
	p.progress(id, 0.0, fmt.Sprintf("failed %s: %s", id, stage))
}

// ingestOne runs the per-asset sequence: stage resources from the device,
// upload, classify the representative, compress a thumbnail, commit. The
// returned stage names the step that failed.
func (p *Pipeline) ingestOne(ctx context.Context, sa SourceAsset) (string, error) {
	id := sa.LocalIdentifier()

	if p.seen.Contains(id) {
		existing, err := p.store.GetAssetByLocalIdentifier(ctx, id)
		if err == nil && existing.CompletedAnalysis {
			p.log.Debug().Str("local_identifier", id).Msg("asset already ingested")
			return "", nil
		}
		if err != nil && !errors.Is(err, photodb.ErrNotFound) {
			return "fetch", err
		}
		// Filter false positive or a stale non-durable row; the insert
		// path purges the latter.
	}

	p.progress(id, 0.0, "fetching "+id)

	staged, err := p.stageResources(ctx, sa)
	if err != nil {
		return "fetch", err
	}
	defer func() {
		for _, sr := range staged {
			if sr.Path != "" {
				os.Remove(sr.Path)
			}
		}
	}()
	if len(staged) == 0 {
		return "fetch", fferrors.NewSyncError(fferrors.CodeResourceStateInvalid,
			fmt.Sprintf("asset %s exposes no resources", id), nil)
	}

	uploaded, err := p.mgr.UploadStaged(ctx, id, staged)
	if err != nil {
		return "upload", err
	}
	p.progress(id, 0.5, "uploaded "+id)

	// The best-ranked resource is first after staging; it drives both
	// classification and the thumbnail.
	rep := staged[0]

	var tags []photodb.NewTag
	if p.classifier != nil && rep.Type.IsPhoto() {
		cls, err := p.classifier.Classify(ctx, rep.Path)
		if err != nil {
			return "classify", err
		}
		tags = cls.Tags()
	}
	p.progress(id, 0.75, "classified "+id)

	thumbName := ""
	if p.compressor != nil && rep.Type.IsPhoto() {
		thumbName = thumbnailName(rep.OriginalFilename)
		if err := p.compressor.Compress(ctx, rep.Path, p.store.ThumbnailPath(thumbName)); err != nil {
			return "thumbnail", err
		}
	}

	burstID, burstSel := sa.Burst()
	var burst *string
	if burstID != "" {
		burst = &burstID
	}
	lat, lon := sa.Location()

	asset, _, err := p.store.InsertAsset(ctx, photodb.NewAsset{
		LocalIdentifier: id,
		MediaType:       sa.MediaType(),
		MediaSubtype:    sa.MediaSubtype(),
		CreatedAt:       sa.CreatedAt(),
		ModifiedAt:      sa.ModifiedAt(),
		Latitude:        lat,
		Longitude:       lon,
		Favorited:       sa.Favorited(),
		Hidden:          sa.Hidden(),
		BurstIdentifier: burst,
		BurstSelection:  burstSel,
		ThumbnailName:   thumbName,
		Resources:       uploaded,
		Tags:            tags,
	})
	if errors.Is(err, photodb.ErrAssetExists) {
		// Raced with an earlier ingest of the same identifier. This pass's
		// uploads were never committed, so orphan cleanup reclaims them on
		// the next run.
		p.log.Debug().Str("local_identifier", id).Msg("asset became durable concurrently")
		return "", nil
	}
	if err != nil {
		return "commit", err
	}
	p.mgr.MarkCommitted(id)
	p.seen.Add(id)

	if err := p.adoptWorkingFiles(ctx, asset, staged); err != nil {
		return "commit", err
	}

	p.progress(id, 1.0, "committed "+id)
	return "", nil
}

// stageResources streams every device resource into a staging file under the
// working directory, hashing as it goes, ordered best thumbnail rank first.
func (p *Pipeline) stageResources(ctx context.Context, sa SourceAsset) ([]resources.StagedResource, error) {
	deviceResources, err := sa.Resources(ctx)
	if err != nil {
		return nil, fferrors.NewSyncError(fferrors.CodeResourceStateInvalid,
			"failed to enumerate device resources", err)
	}

	ordered := make([]resources.DeviceResource, len(deviceResources))
	copy(ordered, deviceResources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Type().ThumbnailRank() < ordered[j].Type().ThumbnailRank()
	})

	staged := make([]resources.StagedResource, 0, len(ordered))
	fail := func(err error) ([]resources.StagedResource, error) {
		for _, sr := range staged {
			os.Remove(sr.Path)
		}
		return nil, err
	}

	for _, dr := range ordered {
		path := filepath.Join(p.workDir, ".ingest-"+uuid.NewString())
		if err := dr.WriteTo(ctx, path); err != nil {
			os.Remove(path)
			return fail(fferrors.NewSyncError(fferrors.CodeResourceStateInvalid,
				fmt.Sprintf("failed to fetch %s from device", dr.OriginalFilename()), err))
		}
		sum, err := blobcache.HashFile(path)
		if err != nil {
			os.Remove(path)
			return fail(err)
		}
		staged = append(staged, resources.StagedResource{
			Type:             dr.Type(),
			OriginalFilename: dr.OriginalFilename(),
			SHA256:           sum,
			Path:             path,
		})
	}
	return staged, nil
}

// adoptWorkingFiles renames the staged files to their descriptor-addressed
// working names so the next reconciliation pass sees them as present.
func (p *Pipeline) adoptWorkingFiles(ctx context.Context, asset *photodb.AssetRecord, staged []resources.StagedResource) error {
	all, err := p.store.ResourcesForAsset(ctx, asset.ID)
	if err != nil {
		return err
	}

	byHash := make(map[string]*photodb.Resource, len(all))
	for i := range all {
		byHash[all[i].SHA256] = &all[i]
	}

	for i := range staged {
		res, ok := byHash[staged[i].SHA256]
		if !ok {
			continue
		}
		dest := filepath.Join(p.workDir, res.LocalFilename())
		if err := os.Rename(staged[i].Path, dest); err != nil {
			return err
		}
		// Consumed; the caller's staging cleanup must skip this file.
		staged[i].Path = ""
	}
	return nil
}

func (p *Pipeline) progress(id string, fraction float64, message string) {
	if p.tracker == nil {
		return
	}
	p.tracker.Update(id, fraction, message)
}

// thumbnailName derives the thumbnail file name from the originating
// resource's filename.
func thumbnailName(originalFilename string) string {
	base := strings.TrimSuffix(originalFilename, filepath.Ext(originalFilename))
	return base + ".jpg"
}
