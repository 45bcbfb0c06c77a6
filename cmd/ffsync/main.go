// Package main implements the ffsync binary: one full ingestion pass over an
// import directory, uploading resources to the configured object store and
// committing assets into the local photo index.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/filenfoto/filenfoto/internal/blobcache"
	"github.com/filenfoto/filenfoto/internal/config"
	"github.com/filenfoto/filenfoto/internal/ingest"
	"github.com/filenfoto/filenfoto/internal/journal"
	"github.com/filenfoto/filenfoto/internal/photodb"
	"github.com/filenfoto/filenfoto/internal/resources"
	"github.com/filenfoto/filenfoto/internal/storage"
	"github.com/filenfoto/filenfoto/internal/thumbnail"
)

const journalSegmentSize = 16 * 1024 * 1024

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML or JSON config file")
		importDir   = flag.String("import", "", "Directory of photos and videos to ingest")
		credentials = flag.String("credentials", "", "Cloud API credentials to persist before the pass")
		verbose     = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if !*verbose {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *importDir == "" {
		logger.Fatal().Msg("an import directory is required (-import)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := photodb.Open(cfg.DatabasePath, cfg.Sync.ThumbnailDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open photo index")
	}
	defer store.Close()

	remote, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open object storage")
	}

	jnl, err := journal.Open(cfg.Sync.JournalDir, journalSegmentSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open sync journal")
	}
	defer jnl.Close()

	cache, err := blobcache.New(store.DB(), cfg.Cache.Dir, int64(cfg.Cache.Budget), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob cache")
	}
	if err := cache.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore blob cache state")
	}

	if *credentials != "" {
		if err := store.SetState(ctx, photodb.StateKeyCredentials, []byte(*credentials)); err != nil {
			logger.Fatal().Err(err).Msg("failed to persist credentials")
		}
	}

	mgr := resources.NewManager(store, remote, cache, jnl, logger)
	mgr.SetUploadTimeout(cfg.Sync.UploadTimeout)
	if err := mgr.SeedRootFolder(ctx, cfg.Storage.RootFolder); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed remote root folder")
	}
	tracker := ingest.NewTracker()

	pipeline, err := ingest.New(ingest.Config{
		Store:      store,
		Manager:    mgr,
		Source:     &dirSource{root: *importDir},
		Compressor: thumbnail.New(0, 0),
		Tracker:    tracker,
		WorkDir:    cfg.Sync.WorkDir,
		Workers:    cfg.Sync.Workers,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build ingestion pipeline")
	}

	// First signal requests a cooperative stop; a second one aborts hard.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("stop requested, finishing in-flight assets")
		pipeline.Cancel()
		<-sigCh
		cancel()
	}()

	start := time.Now()
	if err := pipeline.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("sync pass failed")
	}

	count, err := store.CountOfPhotos(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to count library")
	}
	failures, err := store.Failures(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read failure records")
	}

	logger.Info().Int("library_count", count).Int("failures", len(failures)).
		Dur("elapsed", time.Since(start)).Msg("sync pass complete")
	for _, f := range failures {
		logger.Warn().Str("local_identifier", f.LocalIdentifier).
			Str("stage", f.Stage).Str("message", f.Message).Msg("asset failed")
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "s3":
		s3cfg := storage.DefaultS3Config()
		s3cfg.Region = cfg.Storage.S3.Region
		s3cfg.Endpoint = cfg.Storage.S3.Endpoint
		return storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, s3cfg)
	default:
		return storage.NewLocalStorage(cfg.Storage.Path)
	}
}

var photoExtensions = map[string]photodb.ResourceType{
	".jpg":  photodb.ResourcePhoto,
	".jpeg": photodb.ResourcePhoto,
	".png":  photodb.ResourcePhoto,
	".gif":  photodb.ResourcePhoto,
	".webp": photodb.ResourcePhoto,
	".heic": photodb.ResourcePhoto,
}

var videoExtensions = map[string]photodb.ResourceType{
	".mov": photodb.ResourceVideo,
	".mp4": photodb.ResourceVideo,
	".m4v": photodb.ResourceVideo,
}

// dirSource exposes a directory tree as an asset source. Files sharing a
// base name (IMG_0001.jpg + IMG_0001.mov) group into one asset; the video
// half of such a pair is treated as a live photo's paired video.
type dirSource struct {
	root string
}

func (d *dirSource) Assets(ctx context.Context) ([]ingest.SourceAsset, error) {
	groups := make(map[string]*dirAsset)

	err := filepath.WalkDir(d.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		resType, isPhoto := photoExtensions[ext]
		if !isPhoto {
			var isVideo bool
			resType, isVideo = videoExtensions[ext]
			if !isVideo {
				return nil
			}
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(rel, filepath.Ext(rel))

		info, err := entry.Info()
		if err != nil {
			return err
		}

		asset, ok := groups[key]
		if !ok {
			asset = &dirAsset{id: filepath.ToSlash(key), modified: info.ModTime()}
			groups[key] = asset
		}
		if info.ModTime().After(asset.modified) {
			asset.modified = info.ModTime()
		}
		asset.files = append(asset.files, dirResource{path: path, resType: resType})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ingest.SourceAsset, 0, len(groups))
	for _, asset := range groups {
		asset.finalize()
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LocalIdentifier() < out[j].LocalIdentifier()
	})
	return out, nil
}

type dirResource struct {
	path    string
	resType photodb.ResourceType
}

func (r dirResource) Type() photodb.ResourceType { return r.resType }
func (r dirResource) OriginalFilename() string { return filepath.Base(r.path) }

func (r dirResource) WriteTo(_ context.Context, dest string) error {
	content, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, content, 0644)
}

type dirAsset struct {
	id       string
	modified time.Time
	files    []dirResource
	media    photodb.MediaType
	subtype  photodb.MediaSubtype
}

// finalize derives media type and subtype from the grouped files: a photo
// with a same-named video is a live photo pair.
func (a *dirAsset) finalize() {
	hasPhoto, hasVideo := false, false
	for _, f := range a.files {
		switch {
		case f.resType.IsPhoto():
			hasPhoto = true
		case f.resType.IsVideo():
			hasVideo = true
		}
	}
	switch {
	case hasPhoto && hasVideo:
		a.media = photodb.MediaTypeImage
		a.subtype = photodb.SubtypeLive
		for i := range a.files {
			if a.files[i].resType.IsVideo() {
				a.files[i].resType = photodb.ResourcePairedVideo
			}
		}
	case hasVideo:
		a.media = photodb.MediaTypeVideo
	default:
		a.media = photodb.MediaTypeImage
	}
}

func (a *dirAsset) LocalIdentifier() string { return a.id }
func (a *dirAsset) ModifiedAt() time.Time { return a.modified }
func (a *dirAsset) MediaType() photodb.MediaType { return a.media }
func (a *dirAsset) MediaSubtype() photodb.MediaSubtype { return a.subtype }
func (a *dirAsset) CreatedAt() time.Time { return a.modified }
func (a *dirAsset) Location() (*float64, *float64) { return nil, nil }
func (a *dirAsset) Favorited() bool { return false }
func (a *dirAsset) Hidden() bool { return false }
func (a *dirAsset) Burst() (string, int) { return "", 0 }

func (a *dirAsset) Resources(context.Context) ([]resources.DeviceResource, error) {
	out := make([]resources.DeviceResource, len(a.files))
	for i, f := range a.files {
		out[i] = f
	}
	return out, nil
}
