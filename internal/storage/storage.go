// Package storage abstracts the remote object store that photo resources
// sync to. Objects are immutable: every upload lands under a fresh UUID
// name, so there are no overwrite or precondition concerns.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts remote object storage.
// Implementations include S3-compatible services and the local filesystem
// for development and testing.
type ObjectStorage interface {
	// Upload uploads a local file to objectName.
	Upload(ctx context.Context, localPath, objectName string) error

	// UploadMultipart uploads a local file, switching to multipart for
	// large files. Returns the ETag of the stored object.
	UploadMultipart(ctx context.Context, localPath, objectName string) (string, error)

	// Download fetches objectName into localPath.
	Download(ctx context.Context, objectName, localPath string) error

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, objectName string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, objectName string) (bool, error)

	// ListObjects returns all object names under the given prefix. Used to
	// detect orphans left behind by interrupted syncs.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}
