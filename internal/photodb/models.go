package photodb

import "time"

// MediaType is the coarse media kind of an asset.
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeImage
	MediaTypeVideo
	MediaTypeAudio
)

// MediaSubtype is a bit-set of capture characteristics.
type MediaSubtype uint64

const (
	SubtypePanorama MediaSubtype = 1 << iota
	SubtypeHDR
	SubtypeScreenshot
	SubtypeLive
	SubtypeDepthEffect
	SubtypeStreamed
	SubtypeHighFrameRate
	SubtypeTimelapse
	SubtypeCinematic
	SubtypeSpatial
)

// Contains reports whether the subtype set includes flag.
func (m MediaSubtype) Contains(flag MediaSubtype) bool {
	return m&flag == flag
}

// Merge returns the union of two subtype sets.
func (m MediaSubtype) Merge(other MediaSubtype) MediaSubtype {
	return m | other
}

// ResourceType identifies one binary artifact kind belonging to an asset.
type ResourceType int

const (
	ResourceUnknown ResourceType = iota
	ResourcePhoto
	ResourceAdjustmentBasePhoto
	ResourceAlternatePhoto
	ResourceFullSizePhoto
	ResourceVideo
	ResourceAdjustmentBaseVideo
	ResourcePairedVideo
	ResourceFullSizeVideo
	ResourceAudio
)

// thumbnailPrecedence orders resource types by how suitable they are as the
// source for thumbnail generation and classification. Lower is better.
// Still photo variants outrank every video variant.
var thumbnailPrecedence = map[ResourceType]int{
	ResourcePhoto:               0,
	ResourceAdjustmentBasePhoto: 1,
	ResourceAlternatePhoto:      2,
	ResourceFullSizePhoto:       3,
	ResourceVideo:               4,
	ResourceAdjustmentBaseVideo: 5,
	ResourcePairedVideo:         6,
	ResourceFullSizeVideo:       7,
	ResourceAudio:               8,
}

// ThumbnailRank returns the type-precedence rank used to pick the
// representative resource. Unknown types rank last.
func (rt ResourceType) ThumbnailRank() int {
	if rank, ok := thumbnailPrecedence[rt]; ok {
		return rank
	}
	return len(thumbnailPrecedence)
}

// IsPhoto reports whether the resource type is a still-photo variant.
func (rt ResourceType) IsPhoto() bool {
	switch rt {
	case ResourcePhoto, ResourceAdjustmentBasePhoto, ResourceAlternatePhoto, ResourceFullSizePhoto:
		return true
	}
	return false
}

// IsVideo reports whether the resource type is a video variant.
func (rt ResourceType) IsVideo() bool {
	switch rt {
	case ResourceVideo, ResourceAdjustmentBaseVideo, ResourcePairedVideo, ResourceFullSizeVideo:
		return true
	}
	return false
}

// TagCategory classifies how a tag was derived.
type TagCategory int

const (
	TagObject TagCategory = iota
	TagText
	TagLocation
	TagDate
)

// AssetRecord is one photo or video and its metadata.
// Timestamps are unix nanoseconds so the (created_at, id) ordering tuple
// compares exactly at the SQL level.
type AssetRecord struct {
	ID                int64        `db:"id"`
	LocalIdentifier   string       `db:"local_identifier"`
	MediaType         MediaType    `db:"media_type"`
	MediaSubtype      MediaSubtype `db:"media_subtype"`
	CreatedAt         int64        `db:"created_at"`
	ModifiedAt        int64        `db:"modified_at"`
	Latitude          *float64     `db:"latitude"`
	Longitude         *float64     `db:"longitude"`
	Favorited         bool         `db:"favorited"`
	Hidden            bool         `db:"hidden"`
	BurstIdentifier   *string      `db:"burst_identifier"`
	BurstSelection    int          `db:"burst_selection"`
	ThumbnailName     string       `db:"thumbnail_name"`
	CompletedAnalysis bool         `db:"completed_analysis"`
}

// CreatedTime returns the creation timestamp as a time.Time.
func (a *AssetRecord) CreatedTime() time.Time {
	return time.Unix(0, a.CreatedAt)
}

// ModifiedTime returns the modification timestamp as a time.Time.
func (a *AssetRecord) ModifiedTime() time.Time {
	return time.Unix(0, a.ModifiedAt)
}

// Resource is one binary artifact belonging to an asset. RemoteUUID is nil
// until the artifact has been uploaded; SHA256 is the dedup/verification key.
type Resource struct {
	ID                int64        `db:"id"`
	AssetID           int64        `db:"asset_id"`
	Type              ResourceType `db:"resource_type"`
	OriginalFilename  string       `db:"original_filename"`
	SHA256            string       `db:"sha256"`
	RemoteUUID        *string      `db:"remote_uuid"`
	MarkedForDeletion bool         `db:"marked_for_deletion"`
}

// Uploaded reports whether the resource has a remote object identifier.
func (r *Resource) Uploaded() bool {
	return r.RemoteUUID != nil && *r.RemoteUUID != ""
}

// LocalFilename returns the working-directory file name for the resource.
// Resources are addressed by database id so two resources with the same
// original filename never collide.
func (r *Resource) LocalFilename() string {
	return resourceFilename(r.ID, r.OriginalFilename)
}

// SyncFailure is a durable record of a per-asset sync failure.
type SyncFailure struct {
	ID              int64  `db:"id"`
	LocalIdentifier string `db:"local_identifier"`
	Stage           string `db:"stage"`
	Message         string `db:"message"`
	FailedAt        int64  `db:"failed_at"`
}

// NewResource describes one resource at insert time.
type NewResource struct {
	Type             ResourceType
	OriginalFilename string
	SHA256           string
	RemoteUUID       *string
}

// NewTag describes one classification result at insert time.
type NewTag struct {
	Raw        string
	Category   TagCategory
	Confidence float64
}

// NewAsset describes a full asset at insert time.
type NewAsset struct {
	LocalIdentifier string
	MediaType       MediaType
	MediaSubtype    MediaSubtype
	CreatedAt       time.Time
	ModifiedAt      time.Time
	Latitude        *float64
	Longitude       *float64
	Favorited       bool
	Hidden          bool
	BurstIdentifier *string
	BurstSelection  int
	ThumbnailName   string
	Resources       []NewResource
	Tags            []NewTag
}
