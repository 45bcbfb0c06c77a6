// Package main implements the ffsearch binary: query the local photo index
// by tag text, browse the chronological feed by offset, or inspect a burst
// group.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/filenfoto/filenfoto/internal/config"
	"github.com/filenfoto/filenfoto/internal/photodb"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML or JSON config file")
		query      = flag.String("query", "", "Tag text to search for")
		limit      = flag.Int("limit", 20, "Maximum search results")
		offset     = flag.Int("offset", -1, "Chronological feed offset to look up")
		burst      = flag.String("burst", "", "Burst group identifier to list")
		count      = flag.Bool("count", false, "Print the library count and exit")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	store, err := photodb.Open(cfg.DatabasePath, cfg.Sync.ThumbnailDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open photo index")
	}
	defer store.Close()

	ctx := context.Background()

	switch {
	case *count:
		n, err := store.CountOfPhotos(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("count failed")
		}
		fmt.Println(n)

	case *query != "":
		results, err := store.SearchText(ctx, *query, *limit)
		if err != nil {
			logger.Fatal().Err(err).Msg("search failed")
		}
		for _, r := range results {
			printAsset(ctx, store, &r.AssetRecord, fmt.Sprintf("relevance=%.2f", r.Relevance))
		}

	case *offset >= 0:
		asset, err := store.AssetAtOffset(ctx, *offset)
		if err != nil {
			logger.Fatal().Err(err).Int("offset", *offset).Msg("offset lookup failed")
		}
		printAsset(ctx, store, asset, fmt.Sprintf("offset=%d", *offset))

	case *burst != "":
		assets, err := store.AssetsInBurst(ctx, *burst)
		if err != nil {
			logger.Fatal().Err(err).Msg("burst lookup failed")
		}
		for _, a := range assets {
			a := a
			printAsset(ctx, store, &a, fmt.Sprintf("selection=%d", a.BurstSelection))
		}

	default:
		flag.Usage()
		os.Exit(2)
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
	return cfg, cfg.Validate()
}

func printAsset(ctx context.Context, store *photodb.Store, a *photodb.AssetRecord, extra string) {
	tags, err := store.TagsForAsset(ctx, a.ID)
	if err != nil {
		tags = nil
	}
	fmt.Printf("%d\t%s\t%s\t%s", a.ID, a.LocalIdentifier,
		a.CreatedTime().Format(time.RFC3339), extra)
	for _, t := range tags {
		fmt.Printf("\t%s(%.2f)", t.Name, t.Confidence)
	}
	fmt.Println()
}
