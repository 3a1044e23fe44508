package shelf

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service orchestrates the chunk store and the usage accountant. Every chunk
// write is preceded by a quota check and followed by a usage increment; every
// delete is followed by a usage decrement.
type Service struct {
	store     *ChunkStore
	usage     *UsageAccountant
	chunkSize int64
}

// NewService creates the storage orchestrator.
func NewService(store *ChunkStore, usage *UsageAccountant, chunkSize int64) (*Service, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d: %w", chunkSize, ErrInvalidArgument)
	}
	return &Service{
		store:     store,
		usage:     usage,
		chunkSize: chunkSize,
	}, nil
}

// ChunkSize returns the server-configured chunk size in bytes.
func (s *Service) ChunkSize() int64 {
	return s.chunkSize
}

// Usage returns the accountant, for callers that report usage numbers.
func (s *Service) Usage() *UsageAccountant {
	return s.usage
}

// Store returns the underlying chunk store.
func (s *Service) Store() *ChunkStore {
	return s.store
}

// Upload splits content into sequential chunks, quota-checking and
// accounting each chunk before the next is read, and writes the metadata
// record only after every chunk has succeeded.
//
// A failure or cancellation partway through leaves already-accounted chunks
// on disk with no referencing metadata; RebuildFromMetadata is the
// reconciliation path for that quota.
func (s *Service) Upload(ctx context.Context, tenantID, filename, contentType string, content io.Reader) (*FileMetadata, error) {
	if err := validateName(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}

	chunker, err := NewChunker(content, s.chunkSize)
	if err != nil {
		return nil, err
	}

	var (
		chunkIDs []string
		total    int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := chunker.Next()
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
		if chunk == nil {
			break
		}

		size := int64(len(chunk))
		if !s.usage.CanStoreData(tenantID, size) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrQuotaExceeded)
		}

		chunkID := uuid.NewString()
		if err := s.store.SaveChunk(tenantID, chunkID, chunk); err != nil {
			return nil, err
		}
		s.usage.RecordUsed(tenantID, size)

		chunkIDs = append(chunkIDs, chunkID)
		total += size
	}

	meta := &FileMetadata{
		ID:               uuid.NewString(),
		OriginalFilename: filename,
		ContentType:      contentType,
		FileSize:         total,
		ChunkIDs:         chunkIDs,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.SaveMetadata(tenantID, meta); err != nil {
		return nil, err
	}

	log.Debug().Str("tenant", tenantID).Str("file", meta.ID).Int64("size", total).Int("chunks", len(chunkIDs)).Msg("file uploaded")
	return meta, nil
}

// Download resolves a file's metadata and returns a forward-only stream that
// concatenates its chunks in order. The caller must close the stream.
func (s *Service) Download(ctx context.Context, tenantID, fileID string) (*FileMetadata, io.ReadCloser, error) {
	meta, err := s.store.GetMetadata(tenantID, fileID)
	if err != nil {
		return nil, nil, err
	}
	return meta, &chunkSequenceReader{
		ctx:      ctx,
		store:    s.store,
		tenantID: tenantID,
		chunkIDs: meta.ChunkIDs,
	}, nil
}

// List returns all of a tenant's file metadata records.
func (s *Service) List(tenantID string) ([]*FileMetadata, error) {
	return s.store.ListMetadata(tenantID)
}

// Delete removes a file's chunks and metadata, then decrements the tenant's
// usage by the bytes actually freed.
func (s *Service) Delete(ctx context.Context, tenantID, fileID string) (int64, error) {
	freed, err := s.store.DeleteFile(tenantID, fileID)
	if err != nil {
		return freed, err
	}
	if freed > 0 {
		s.usage.RecordFreed(tenantID, freed)
	}
	return freed, nil
}

// DeleteTenantData removes the stored files of a detached subtree and drops
// its usage entries. Invoked with the ids returned by the tree's
// DeleteSubTenant.
func (s *Service) DeleteTenantData(tenantIDs []string) error {
	for _, id := range tenantIDs {
		if err := s.store.DeleteTenant(id); err != nil {
			return err
		}
		s.usage.Forget(id)
	}
	return nil
}

// chunkSequenceReader streams a file's chunks in listed order as one logical
// byte stream. Forward-only, non-seekable, single pass.
type chunkSequenceReader struct {
	ctx      context.Context
	store    *ChunkStore
	tenantID string
	chunkIDs []string
	idx      int
	current  io.ReadCloser
}

func (r *chunkSequenceReader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}

		if r.current == nil {
			if r.idx >= len(r.chunkIDs) {
				return 0, io.EOF
			}
			rc, err := r.store.GetChunk(r.tenantID, r.chunkIDs[r.idx])
			if err != nil {
				return 0, err
			}
			r.current = rc
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			_ = r.current.Close()
			r.current = nil
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkSequenceReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
