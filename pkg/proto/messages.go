// Package proto defines the wire messages exchanged between shelfd and its clients.
package proto

import (
	"time"
)

// FileInfo describes one stored file.
type FileInfo struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	FileSize         int64     `json:"file_size"`
	ChunkCount       int       `json:"chunk_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// UploadResponse is returned after a successful file upload.
type UploadResponse struct {
	File FileInfo `json:"file"`
}

// ListFilesResponse is returned when listing a tenant's files.
type ListFilesResponse struct {
	Files []FileInfo `json:"files"`
}

// ChunkSizeResponse reports the server's configured chunk size.
// Clients fetch it once and cache it for the lifetime of the process.
type ChunkSizeResponse struct {
	ChunkSizeBytes int64 `json:"chunk_size_bytes"`
}

// UsageResponse reports storage accounting for a tenant.
type UsageResponse struct {
	TenantID          string `json:"tenant_id"`
	UsedBytes         int64  `json:"used_bytes"`          // bytes owned directly
	SubtreeBytes      int64  `json:"subtree_bytes"`       // including all subtenants
	StorageLimitBytes int64  `json:"storage_limit_bytes"` // 0 = unlimited for admin tenants
}

// TenantInfo describes a tenant without exposing its API key.
type TenantInfo struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	IsAdmin           bool   `json:"is_admin"`
	StorageLimitBytes int64  `json:"storage_limit_bytes"`
	SubTenants        int    `json:"sub_tenants"`
}

// CreateSubTenantRequest asks for a new subtenant under the calling tenant.
type CreateSubTenantRequest struct {
	DisplayName string `json:"display_name"`
}

// CreateSubTenantResponse is returned after a subtenant has been created.
// The API key is only ever returned here; it cannot be retrieved later.
type CreateSubTenantResponse struct {
	ID                string `json:"id"`
	APIKey            string `json:"api_key"`
	DisplayName       string `json:"display_name"`
	StorageLimitBytes int64  `json:"storage_limit_bytes"`
}

// UpdateStorageLimitRequest changes a direct subtenant's storage limit.
type UpdateStorageLimitRequest struct {
	StorageLimitBytes int64 `json:"storage_limit_bytes"`
}

// RebuildUsageResponse reports the outcome of a usage cache rebuild.
type RebuildUsageResponse struct {
	Tenants    int   `json:"tenants"`
	TotalBytes int64 `json:"total_bytes"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
