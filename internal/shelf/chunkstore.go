package shelf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ChunkStore persists chunk blobs and file metadata records on a per-tenant
// directory layout:
//
//	{baseDir}/
//	  {tenantID}/
//	    metadata/
//	      {fileID}.json     # one file-metadata record
//	    bin/
//	      {chunkID}.bin     # one chunk blob
//
// The store has no quota awareness; quota checks live in the orchestrator.
type ChunkStore struct {
	baseDir string
}

// NewChunkStore creates a chunk store rooted at baseDir.
func NewChunkStore(baseDir string) (*ChunkStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &ChunkStore{baseDir: baseDir}, nil
}

// BaseDir returns the storage root directory.
func (cs *ChunkStore) BaseDir() string {
	return cs.baseDir
}

// validateName rejects names that could escape the storage root.
// Tenant ids, file ids and chunk ids all pass through here before being used
// as path components.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty: %w", ErrInvalidArgument)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed: %w", ErrInvalidArgument)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name: %w", ErrInvalidArgument)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("path separators not allowed: %w", ErrInvalidArgument)
	}
	return nil
}

func (cs *ChunkStore) tenantDir(tenantID string) string {
	return filepath.Join(cs.baseDir, tenantID)
}

func (cs *ChunkStore) binDir(tenantID string) string {
	return filepath.Join(cs.tenantDir(tenantID), "bin")
}

func (cs *ChunkStore) metadataDir(tenantID string) string {
	return filepath.Join(cs.tenantDir(tenantID), "metadata")
}

func (cs *ChunkStore) chunkPath(tenantID, chunkID string) string {
	return filepath.Join(cs.binDir(tenantID), chunkID+".bin")
}

func (cs *ChunkStore) metadataPath(tenantID, fileID string) string {
	return filepath.Join(cs.metadataDir(tenantID), fileID+".json")
}

// SaveChunk writes a chunk blob under the tenant's binary area, creating the
// area if absent. An existing chunk with the same id is overwritten silently.
func (cs *ChunkStore) SaveChunk(tenantID, chunkID string, data []byte) error {
	if err := validateName(tenantID); err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	if err := validateName(chunkID); err != nil {
		return fmt.Errorf("invalid chunk id: %w", err)
	}

	dir := cs.binDir(tenantID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}

	// Write atomically via unique temp file so a crash mid-write never
	// leaves a half-written chunk under the final name.
	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, cs.chunkPath(tenantID, chunkID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}

// GetChunk returns a readable stream of a chunk's bytes.
func (cs *ChunkStore) GetChunk(tenantID, chunkID string) (io.ReadCloser, error) {
	if err := validateName(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if err := validateName(chunkID); err != nil {
		return nil, fmt.Errorf("invalid chunk id: %w", err)
	}

	f, err := os.Open(cs.chunkPath(tenantID, chunkID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("chunk %s: %w", chunkID, ErrChunkNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	return f, nil
}

// SaveMetadata serializes and writes a file-metadata record under the
// tenant's metadata area.
func (cs *ChunkStore) SaveMetadata(tenantID string, meta *FileMetadata) error {
	if err := validateName(tenantID); err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	if err := validateName(meta.ID); err != nil {
		return fmt.Errorf("invalid file id: %w", err)
	}

	dir := cs.metadataDir(tenantID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, cs.metadataPath(tenantID, meta.ID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// GetMetadata reads one file-metadata record.
func (cs *ChunkStore) GetMetadata(tenantID, fileID string) (*FileMetadata, error) {
	if err := validateName(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	if err := validateName(fileID); err != nil {
		return nil, fmt.Errorf("invalid file id: %w", err)
	}

	data, err := os.ReadFile(cs.metadataPath(tenantID, fileID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta FileMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("file %s: %w: %v", fileID, ErrCorruptMetadata, err)
	}
	return &meta, nil
}

// ListMetadata reads every metadata record for a tenant. Unreadable or
// corrupt records are logged and skipped, never fatal. A tenant with no
// metadata area has no files.
func (cs *ChunkStore) ListMetadata(tenantID string) ([]*FileMetadata, error) {
	if err := validateName(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}

	entries, err := os.ReadDir(cs.metadataDir(tenantID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata dir: %w", err)
	}

	var metas []*FileMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		fileID := strings.TrimSuffix(entry.Name(), ".json")
		meta, err := cs.GetMetadata(tenantID, fileID)
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenantID).Str("file", fileID).Msg("skipping unreadable metadata record")
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// DeleteFile removes a file's chunks and then its metadata record, and
// reports the total bytes actually freed. Chunks already missing on disk are
// skipped, so the freed total may be less than the recorded file size.
// Deleting a nonexistent file is not an error and frees 0 bytes.
func (cs *ChunkStore) DeleteFile(tenantID, fileID string) (int64, error) {
	meta, err := cs.GetMetadata(tenantID, fileID)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return 0, nil
		}
		if errors.Is(err, ErrCorruptMetadata) {
			// The chunk list is unrecoverable; drop the record so the file
			// stops appearing, and let a usage rebuild settle the accounting.
			log.Warn().Err(err).Str("tenant", tenantID).Str("file", fileID).Msg("deleting corrupt metadata record")
			if rmErr := os.Remove(cs.metadataPath(tenantID, fileID)); rmErr != nil && !os.IsNotExist(rmErr) {
				return 0, fmt.Errorf("remove metadata: %w", rmErr)
			}
			return 0, nil
		}
		return 0, err
	}

	var freed int64
	for _, chunkID := range meta.ChunkIDs {
		path := cs.chunkPath(tenantID, chunkID)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return freed, fmt.Errorf("stat chunk %s: %w", chunkID, err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return freed, fmt.Errorf("delete chunk %s: %w", chunkID, err)
		}
		freed += info.Size()
	}

	if err := os.Remove(cs.metadataPath(tenantID, fileID)); err != nil && !os.IsNotExist(err) {
		return freed, fmt.Errorf("remove metadata: %w", err)
	}
	return freed, nil
}

// DeleteTenant removes a tenant's entire storage area. Used when a subtenant
// is deleted from the tree; cascading over descendants is the caller's job.
func (cs *ChunkStore) DeleteTenant(tenantID string) error {
	if err := validateName(tenantID); err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	if err := os.RemoveAll(cs.tenantDir(tenantID)); err != nil {
		return fmt.Errorf("remove tenant dir: %w", err)
	}
	return nil
}

// TenantDirs lists the tenant ids that have a storage area on disk.
func (cs *ChunkStore) TenantDirs() ([]string, error) {
	entries, err := os.ReadDir(cs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
