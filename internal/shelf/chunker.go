package shelf

import (
	"fmt"
	"io"
)

// Chunker splits a stream into sequential fixed-size chunks. The final chunk
// may be shorter; all others are exactly chunkSize bytes.
type Chunker struct {
	reader    io.Reader
	chunkSize int64
	done      bool
}

// NewChunker creates a chunker that slices r into chunkSize-byte chunks.
func NewChunker(r io.Reader, chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d: %w", chunkSize, ErrInvalidArgument)
	}
	return &Chunker{
		reader:    r,
		chunkSize: chunkSize,
	}, nil
}

// Next returns the next chunk from the reader.
// Returns nil when EOF is reached.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, nil
	}

	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.reader, buf)
	switch {
	case err == io.EOF:
		c.done = true
		return nil, nil
	case err == io.ErrUnexpectedEOF:
		// Short final chunk; nothing more after this.
		c.done = true
		return buf[:n], nil
	case err != nil:
		return nil, err
	}
	return buf, nil
}
