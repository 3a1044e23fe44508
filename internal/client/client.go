// Package client is a thin HTTP client for the shelf storage server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shelfstore/shelf/pkg/proto"
)

// Client talks to a shelfd server on behalf of one tenant.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client

	chunkOnce sync.Once
	chunkSize int64
	chunkErr  error
}

// NewClient creates a client for the given server and tenant API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 5 * time.Minute, // uploads and downloads can be large
		},
	}
}

// ChunkSize returns the server's configured chunk size. It is fetched once
// and cached for the lifetime of the client.
func (c *Client) ChunkSize(ctx context.Context) (int64, error) {
	c.chunkOnce.Do(func() {
		resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/chunk-size", "", nil)
		if err != nil {
			c.chunkErr = err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			c.chunkErr = c.parseError(resp)
			return
		}
		var result proto.ChunkSizeResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			c.chunkErr = fmt.Errorf("decode response: %w", err)
			return
		}
		c.chunkSize = result.ChunkSizeBytes
	})
	return c.chunkSize, c.chunkErr
}

// Upload streams content to the server as a new file.
func (c *Client) Upload(ctx context.Context, filename, contentType string, content io.Reader) (*proto.FileInfo, error) {
	path := "/api/v1/files?filename=" + url.QueryEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, content)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var result proto.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result.File, nil
}

// Download returns a stream of the file's content. The caller must close it.
func (c *Client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(fileID), "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.parseError(resp)
	}
	return resp.Body, nil
}

// Delete removes a file and returns the bytes freed.
func (c *Client) Delete(ctx context.Context, fileID string) (int64, error) {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/api/v1/files/"+url.PathEscape(fileID), "", nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, c.parseError(resp)
	}
	var result map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return result["freed_bytes"], nil
}

// List returns the tenant's files.
func (c *Client) List(ctx context.Context) ([]proto.FileInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/files", "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result proto.ListFilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Files, nil
}

// Usage returns the tenant's storage accounting.
func (c *Client) Usage(ctx context.Context) (*proto.UsageResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/usage", "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result proto.UsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// CreateSubTenant creates a subtenant under the calling tenant.
func (c *Client) CreateSubTenant(ctx context.Context, displayName string) (*proto.CreateSubTenantResponse, error) {
	body, err := json.Marshal(proto.CreateSubTenantRequest{DisplayName: displayName})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/tenants", "application/json", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}
	var result proto.CreateSubTenantResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// UpdateStorageLimit changes a direct subtenant's storage limit.
func (c *Client) UpdateStorageLimit(ctx context.Context, subID string, limitBytes int64) error {
	body, err := json.Marshal(proto.UpdateStorageLimitRequest{StorageLimitBytes: limitBytes})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPut, "/api/v1/tenants/"+url.PathEscape(subID)+"/limit", "application/json", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// DeleteSubTenant removes a subtenant and its stored data.
func (c *Client) DeleteSubTenant(ctx context.Context, subID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/api/v1/tenants/"+url.PathEscape(subID), "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// RebuildUsage triggers a server-side usage cache rebuild (admin only).
func (c *Client) RebuildUsage(ctx context.Context) (*proto.RebuildUsageResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/rebuild-usage", "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result proto.RebuildUsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// parseError extracts the error body of a non-2xx response.
func (c *Client) parseError(resp *http.Response) error {
	var errResp proto.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("server error (%d %s): %s", resp.StatusCode, errResp.Code, errResp.Error)
	}
	return fmt.Errorf("server error: %d", resp.StatusCode)
}
