// Package resources reconciles an asset's local working files against the
// remote object store: deciding whether an asset is synced, needs upload,
// needs download, or must be reset, and executing the transfers with
// per-resource commit granularity.
package resources

import (
	"context"
	"time"

	"github.com/filenfoto/filenfoto/internal/photodb"
)

// WorkingAssetState is the reconciliation status of one asset's resources
// against the remote store.
type WorkingAssetState int

const (
	StateUnknown WorkingAssetState = iota
	// StateAlreadySynced: every resource uploaded, every working file present.
	StateAlreadySynced
	// StateNeedsSync: local files exist but not all resources are uploaded.
	StateNeedsSync
	// StateNeedsDownload: everything is uploaded but working files are
	// missing locally and must be pulled before use.
	StateNeedsDownload
)

func (s WorkingAssetState) String() string {
	switch s {
	case StateAlreadySynced:
		return "already_synced"
	case StateNeedsSync:
		return "needs_sync"
	case StateNeedsDownload:
		return "needs_download"
	default:
		return "unknown"
	}
}

// DeviceResource is one binary artifact the device exposes for an asset.
type DeviceResource interface {
	Type() photodb.ResourceType
	OriginalFilename() string
	// WriteTo streams the resource's bytes into the file at path.
	WriteTo(ctx context.Context, path string) error
}

// DeviceAsset is the device-side view of a physical asset.
type DeviceAsset interface {
	LocalIdentifier() string
	ModifiedAt() time.Time
	Resources(ctx context.Context) ([]DeviceResource, error)
}
