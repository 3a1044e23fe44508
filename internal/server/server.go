// Package server exposes the shelf storage core over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shelfstore/shelf/internal/shelf"
	"github.com/shelfstore/shelf/internal/tenant"
	"github.com/shelfstore/shelf/pkg/proto"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Server routes HTTP requests to the storage core.
type Server struct {
	mux     *http.ServeMux
	tenants *tenant.Service
	storage *shelf.Service
	limiter *rateLimiter
	metrics *shelf.Metrics
}

// NewServer creates the HTTP server around the storage core.
// If metrics is nil, metrics are not recorded. If requestsPerMinute is 0,
// rate limiting is disabled.
func NewServer(tenants *tenant.Service, storage *shelf.Service, requestsPerMinute int, metrics *shelf.Metrics) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		tenants: tenants,
		storage: storage,
		metrics: metrics,
	}
	if requestsPerMinute > 0 {
		s.limiter = newRateLimiter(requestsPerMinute, time.Minute)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/chunk-size", s.withTenant("chunk_size", s.handleChunkSize))
	s.mux.HandleFunc("/api/v1/files", s.withTenant("files", s.handleFiles))
	s.mux.HandleFunc("/api/v1/files/", s.withTenant("file", s.handleFileByID))
	s.mux.HandleFunc("/api/v1/usage", s.withTenant("usage", s.handleUsage))
	s.mux.HandleFunc("/api/v1/tenants", s.withTenant("tenants", s.handleTenants))
	s.mux.HandleFunc("/api/v1/tenants/", s.withTenant("tenant", s.handleTenantByID))
	s.mux.HandleFunc("/api/v1/admin/rebuild-usage", s.withTenant("rebuild_usage", s.handleRebuildUsage))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// tenantHandler is a handler that runs on behalf of a resolved tenant.
type tenantHandler func(w http.ResponseWriter, r *http.Request, node tenant.Info)

// withTenant authenticates the request by API key, applies rate limiting and
// records request metrics for the operation.
func (s *Server) withTenant(operation string, next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		defer func() {
			if s.metrics != nil {
				s.metrics.RequestsTotal.WithLabelValues(operation, classifyStatus(rec.getStatus())).Inc()
				s.metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
			}
		}()

		apiKey := r.Header.Get("X-Api-Key")
		if apiKey == "" {
			s.jsonError(rec, "missing X-Api-Key header", "unauthorized", http.StatusUnauthorized)
			return
		}

		node, err := s.tenants.FindByAPIKey(apiKey)
		if err != nil {
			s.jsonError(rec, "invalid API key", "unauthorized", http.StatusUnauthorized)
			return
		}

		if s.limiter != nil && !s.limiter.Allow(apiKey) {
			s.jsonError(rec, "rate limit exceeded", "rate_limited", http.StatusTooManyRequests)
			return
		}

		next(rec, r, node)
	}
}

func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusForbidden:
		return "quota_exceeded"
	default:
		return "error"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChunkSize(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, proto.ChunkSizeResponse{ChunkSizeBytes: s.storage.ChunkSize()})
}

// handleFiles serves POST (upload) and GET (list) on /api/v1/files.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, node)
	case http.MethodGet:
		s.handleList(w, r, node)
	default:
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.jsonError(w, "filename query parameter required", "invalid_argument", http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta, err := s.storage.Upload(r.Context(), node.ID, filename, contentType, r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.BytesUploaded.Add(float64(meta.FileSize))
	}
	s.writeJSON(w, http.StatusCreated, proto.UploadResponse{File: fileInfo(meta)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	metas, err := s.storage.List(node.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := proto.ListFilesResponse{Files: make([]proto.FileInfo, 0, len(metas))}
	for _, meta := range metas {
		resp.Files = append(resp.Files, fileInfo(meta))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleFileByID serves GET (download) and DELETE on /api/v1/files/{id}.
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	fileID := strings.TrimPrefix(r.URL.Path, "/api/v1/files/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "invalid file id", "invalid_argument", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleDownload(w, r, node, fileID)
	case http.MethodDelete:
		s.handleDelete(w, r, node, fileID)
	default:
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, node tenant.Info, fileID string) {
	meta, stream, err := s.storage.Download(r.Context(), node.ID, fileID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.FileSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.OriginalFilename))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, stream)
	if err != nil {
		// Headers are already out; all we can do is drop the connection.
		log.Debug().Err(err).Str("tenant", node.ID).Str("file", fileID).Msg("download aborted")
	}
	if s.metrics != nil {
		s.metrics.BytesDownloaded.Add(float64(n))
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, node tenant.Info, fileID string) {
	freed, err := s.storage.Delete(r.Context(), node.ID, fileID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"freed_bytes": freed})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
		return
	}
	usage := s.storage.Usage()
	s.writeJSON(w, http.StatusOK, proto.UsageResponse{
		TenantID:          node.ID,
		UsedBytes:         usage.GetCurrentUsage(node.ID),
		SubtreeBytes:      usage.GetTotalUsageIncludingSubtenants(node.ID),
		StorageLimitBytes: node.StorageLimitBytes,
	})
}

// handleTenants serves POST (create subtenant under the caller) and GET
// (describe the caller) on /api/v1/tenants.
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	switch r.Method {
	case http.MethodPost:
		var req proto.CreateSubTenantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
			return
		}
		sub, err := s.tenants.CreateSubTenant(node.ID, req.DisplayName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, proto.CreateSubTenantResponse{
			ID:                sub.ID,
			APIKey:            sub.APIKey,
			DisplayName:       sub.DisplayName,
			StorageLimitBytes: sub.StorageLimitBytes,
		})
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, proto.TenantInfo{
			ID:                node.ID,
			DisplayName:       node.DisplayName,
			IsAdmin:           node.IsAdmin,
			StorageLimitBytes: node.StorageLimitBytes,
			SubTenants:        node.SubTenants,
		})
	default:
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
	}
}

// handleTenantByID serves PUT .../limit and DELETE on /api/v1/tenants/{id}.
func (s *Server) handleTenantByID(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tenants/")
	subID, action, _ := strings.Cut(rest, "/")
	if subID == "" {
		s.jsonError(w, "invalid tenant id", "invalid_argument", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodPut && action == "limit":
		var req proto.UpdateStorageLimitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
			return
		}
		if err := s.tenants.UpdateSubTenantStorageLimit(node.ID, subID, req.StorageLimitBytes); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.Method == http.MethodDelete && action == "":
		detached, err := s.tenants.DeleteSubTenant(node.ID, subID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		// Deleting descendants' stored data is the orchestrator's job, not
		// the tree's.
		if err := s.storage.DeleteTenantData(detached); err != nil {
			log.Warn().Err(err).Str("tenant", subID).Msg("cleanup of deleted tenant data failed")
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRebuildUsage(w http.ResponseWriter, r *http.Request, node tenant.Info) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", "", http.StatusMethodNotAllowed)
		return
	}
	if !node.IsAdmin {
		s.jsonError(w, "admin access required", "forbidden", http.StatusForbidden)
		return
	}

	tenants, total, err := s.storage.Usage().RebuildFromMetadata()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proto.RebuildUsageResponse{Tenants: tenants, TotalBytes: total})
}

func fileInfo(meta *shelf.FileMetadata) proto.FileInfo {
	return proto.FileInfo{
		ID:               meta.ID,
		OriginalFilename: meta.OriginalFilename,
		ContentType:      meta.ContentType,
		FileSize:         meta.FileSize,
		ChunkCount:       len(meta.ChunkIDs),
		CreatedAt:        meta.CreatedAt,
	}
}

// writeError maps a core error to an HTTP status and JSON body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shelf.ErrFileNotFound), errors.Is(err, shelf.ErrChunkNotFound), errors.Is(err, tenant.ErrNotFound):
		s.jsonError(w, err.Error(), "not_found", http.StatusNotFound)
	case errors.Is(err, shelf.ErrQuotaExceeded):
		s.jsonError(w, err.Error(), "quota_exceeded", http.StatusForbidden)
	case errors.Is(err, shelf.ErrInvalidArgument), errors.Is(err, tenant.ErrInvalidArgument):
		s.jsonError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
	case errors.Is(err, tenant.ErrTreeLimitExceeded):
		s.jsonError(w, err.Error(), "depth_or_fanout_exceeded", http.StatusConflict)
	case errors.Is(err, tenant.ErrTenantExists):
		s.jsonError(w, err.Error(), "tenant_exists", http.StatusConflict)
	case errors.Is(err, tenant.ErrPersistence):
		s.jsonError(w, err.Error(), "persistence_failure", http.StatusInternalServerError)
	default:
		log.Error().Err(err).Msg("internal error")
		s.jsonError(w, "internal error", "internal", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg, code string, status int) {
	s.writeJSON(w, status, proto.ErrorResponse{Error: msg, Code: code})
}
