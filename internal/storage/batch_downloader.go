package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader coordinates parallel downloads from object storage.
// Resource fetches for a single asset go through here so a live photo's
// still and paired video arrive together without serializing the transfer.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	destDir     string
}

// BatchRequest specifies which objects to download with optional priorities.
type BatchRequest struct {
	ObjectNames []string
	Priority    []int // 0=needed now (thumbnail source), 1=prefetch
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	Skipped    int
	Downloads  int
}

// NewBatchDownloader creates a new batch downloader writing into destDir.
// concurrency bounds the number of parallel transfers.
func NewBatchDownloader(storage ObjectStorage, concurrency int, destDir string) *BatchDownloader {
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		destDir:     destDir,
	}
}

// Download fetches multiple objects in parallel, highest priority first.
// Objects already present in destDir are skipped. Per-object failures are
// reported in the result rather than aborting the batch.
func (b *BatchDownloader) Download(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	if len(req.ObjectNames) == 0 {
		return &BatchResult{
			LocalPaths: make(map[string]string),
			Errors:     make(map[string]error),
		}, nil
	}

	priority := req.Priority
	if len(priority) == 0 {
		priority = make([]int, len(req.ObjectNames))
	} else if len(priority) != len(req.ObjectNames) {
		return nil, fmt.Errorf("priority array length must match object names count")
	}

	type entry struct {
		name      string
		priority  int
		localPath string
	}
	entries := make([]entry, len(req.ObjectNames))
	for i, name := range req.ObjectNames {
		entries[i] = entry{
			name:      name,
			priority:  priority[i],
			localPath: b.localPath(name),
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})

	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}

	var queue []entry
	for _, e := range entries {
		if _, err := os.Stat(e.localPath); err == nil {
			result.LocalPaths[e.name] = e.localPath
			result.Skipped++
			continue
		}
		queue = append(queue, e)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, e := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[e.name] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := b.storage.Download(ctx, name, local); err != nil {
				mu.Lock()
				result.Errors[name] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[name] = local
			result.Downloads++
			mu.Unlock()
		}(e.name, e.localPath)
	}

	wg.Wait()

	return result, nil
}

// localPath maps an object name to a flat file in destDir. Only the base
// name is kept so object prefixes cannot escape the directory.
func (b *BatchDownloader) localPath(objectName string) string {
	sanitized := filepath.Base(filepath.FromSlash(objectName))
	if b.destDir == "" {
		return sanitized
	}
	return filepath.Join(b.destDir, sanitized)
}
