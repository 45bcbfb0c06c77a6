// Package journal provides a durable log of sync operations. Every upload
// is journaled before and after it runs, so a crashed sync pass can be
// replayed on startup to find remote objects that were uploaded but never
// committed to the photo index.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// Operation kinds recorded in the journal.
const (
	OpSyncBegin     = "sync_begin"     // asset sync started, remote folder allocated
	OpResourceDone  = "resource_done"  // one resource upload landed
	OpAssetCommit   = "asset_commit"   // asset fully synced and committed
	OpRemoteCleanup = "remote_cleanup" // orphaned remote objects removed
)

// Entry is a single journal record.
type Entry struct {
	Seq             uint64 `json:"seq"`
	Op              string `json:"op"`
	LocalIdentifier string `json:"local_identifier"`
	RemoteUUID      string `json:"remote_uuid,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// Journal is an append-only segmented log.
// Entries are framed [length:4][crc32:4][snappy(json)] with an fsync per
// append; a torn tail frame is detected and dropped on replay.
type Journal struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	seq        uint64
	mu         sync.Mutex
}

// Open creates or reopens the journal in dir.
func Open(dir string, maxSegSize int64) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		dir:        dir,
		maxSegSize: maxSegSize,
	}

	if err := j.findLastSegment(); err != nil {
		return nil, err
	}
	if err := j.openSegment(); err != nil {
		return nil, err
	}

	return j, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("sync_%016x.log", id)
}

// findLastSegment locates the newest segment and restores seq from it.
func (j *Journal) findLastSegment() error {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read journal directory: %w", err)
	}

	var lastSegmentID uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) < 25 || name[:5] != "sync_" {
			continue
		}
		var segmentID uint64
		if _, err := fmt.Sscanf(name[5:21], "%016x", &segmentID); err == nil && segmentID >= lastSegmentID {
			lastSegmentID = segmentID
		}
	}

	j.segmentID = lastSegmentID

	segmentPath := filepath.Join(j.dir, segmentName(lastSegmentID))
	if _, err := os.Stat(segmentPath); os.IsNotExist(err) {
		return nil
	}

	entries, err := ReadEntries(segmentPath)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		j.seq = entries[len(entries)-1].Seq
	}
	return nil
}

func (j *Journal) openSegment() error {
	segmentPath := filepath.Join(j.dir, segmentName(j.segmentID))

	file, err := os.OpenFile(segmentPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	j.segment = file
	j.offset = offset

	return nil
}

// Append records one operation and returns its sequence number. The entry
// is fsynced before Append returns.
func (j *Journal) Append(op, localIdentifier, remoteUUID string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry := Entry{
		Seq:             j.seq,
		Op:              op,
		LocalIdentifier: localIdentifier,
		RemoteUUID:      remoteUUID,
		Timestamp:       time.Now().UnixNano(),
	}

	raw, err := json.Marshal(&entry)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize entry: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	if err := j.writeFrame(payload); err != nil {
		return 0, err
	}

	return j.seq, nil
}

func (j *Journal) writeFrame(payload []byte) error {
	if err := binary.Write(j.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if err := binary.Write(j.segment, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return fmt.Errorf("failed to write CRC: %w", err)
	}
	if _, err := j.segment.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	j.offset += int64(8 + len(payload))

	if j.offset >= j.maxSegSize {
		return j.rotateSegment()
	}
	return nil
}

func (j *Journal) rotateSegment() error {
	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}
	j.segmentID++
	return j.openSegment()
}

// Close fsyncs and closes the current segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment != nil {
		if err := j.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		j.segment = nil
	}

	return nil
}

// Segments returns the paths of all journal segments, oldest first.
func (j *Journal) Segments() ([]string, error) {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) >= 25 && name[:5] == "sync_" {
			paths = append(paths, filepath.Join(j.dir, name))
		}
	}
	return paths, nil
}

// Incomplete replays every segment and returns, per asset identifier, the
// remote UUIDs that were uploaded without a matching commit. These are the
// orphan candidates the next sync pass reconciles against remote storage.
func (j *Journal) Incomplete() (map[string][]string, error) {
	segments, err := j.Segments()
	if err != nil {
		return nil, err
	}

	pending := make(map[string][]string)
	for _, segment := range segments {
		entries, err := ReadEntries(segment)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			switch e.Op {
			case OpSyncBegin:
				pending[e.LocalIdentifier] = nil
			case OpResourceDone:
				if _, ok := pending[e.LocalIdentifier]; ok {
					pending[e.LocalIdentifier] = append(pending[e.LocalIdentifier], e.RemoteUUID)
				}
			case OpAssetCommit, OpRemoteCleanup:
				delete(pending, e.LocalIdentifier)
			}
		}
	}
	return pending, nil
}

// ReadEntries reads all entries from a segment file. A torn or corrupt
// frame ends the scan; everything before it is returned.
func ReadEntries(segmentPath string) ([]*Entry, error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read length: %w", err)
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			// Truncated write, stop reading
			break
		}

		if crc32.ChecksumIEEE(payload) != crc {
			break
		}

		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			break
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}

		entries = append(entries, &entry)
	}

	return entries, nil
}
