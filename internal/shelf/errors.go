package shelf

import "errors"

// Storage error types.
var (
	ErrFileNotFound    = errors.New("file not found")
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCorruptMetadata = errors.New("corrupt file metadata")
)
