// Package shelf implements the chunked content store and usage accounting
// behind the shelf storage service.
package shelf

import (
	"time"
)

// FileMetadata is the persisted record of one stored file. Chunks carry no
// back-reference to the file that owns them; ownership is recoverable only
// through the ChunkIDs list here.
type FileMetadata struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	FileSize         int64     `json:"file_size"`
	ChunkIDs         []string  `json:"chunk_ids"` // in reassembly order
	CreatedAt        time.Time `json:"created_at"`
}
