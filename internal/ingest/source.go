// Package ingest coordinates full ingestion of a photo library: enumerate
// device assets, upload their resources, classify a representative image,
// compress a thumbnail, and commit everything into the photo index with
// bounded concurrency and per-asset progress reporting.
package ingest

import (
	"context"
	"time"

	"github.com/filenfoto/filenfoto/internal/photodb"
	"github.com/filenfoto/filenfoto/internal/resources"
)

// SourceAsset is the device-side view of one asset at first ingest. It
// extends the reconciliation view with the metadata recorded into the index.
type SourceAsset interface {
	resources.DeviceAsset

	MediaType() photodb.MediaType
	MediaSubtype() photodb.MediaSubtype
	CreatedAt() time.Time
	// Location returns the capture coordinates, nil when absent.
	Location() (lat, lon *float64)
	Favorited() bool
	Hidden() bool
	// Burst returns the burst group identifier ("" when the asset is not
	// part of a burst) and the device's selection strength within the group.
	Burst() (identifier string, selection int)
}

// AssetSource enumerates the assets a sync pass should consider. A source
// may be the device photo library or a pending-import queue; the pipeline
// does not care which.
type AssetSource interface {
	Assets(ctx context.Context) ([]SourceAsset, error)
}
