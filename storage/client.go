package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type (
	// Options configures the HTTP storage client.
	Options struct {
		// BaseURL is the root of the storage service API. Required.
		BaseURL string
		// HTTPClient overrides the transport. Defaults to a client with
		// Timeout applied.
		HTTPClient *http.Client
		// Timeout bounds individual requests when HTTPClient is not
		// provided. Defaults to 30s.
		Timeout time.Duration
		// RateLimit throttles outgoing requests. Zero disables throttling.
		RateLimit rate.Limit
		// RateBurst is the limiter burst size. Defaults to 1 when
		// RateLimit is set.
		RateBurst int
	}

	httpClient struct {
		base    *url.URL
		http    *http.Client
		limiter *rate.Limiter
	}
)

const defaultTimeout = 30 * time.Second

// New constructs an HTTP-backed storage client. The BaseURL field in opts is
// required; other fields default as documented.
func New(opts Options) (Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("storage base URL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse storage base URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &httpClient{base: base, http: hc, limiter: limiter}, nil
}

// do posts a JSON request to the named storage endpoint and decodes the
// response into out when out is non-nil. Errors carry the storage service's
// message and map 404/403 to the package sentinels.
func (c *httpClient) do(ctx context.Context, token, endpoint string, req, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}
	target := *c.base
	target.Path = strings.TrimSuffix(target.Path, "/") + "/" + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderAuthorization, token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("storage %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("storage %s: read response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &msg)
		return statusToError(resp.StatusCode, msg.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("storage %s: decode response: %w", endpoint, err)
	}
	return nil
}

func (c *httpClient) DescribeFile(ctx context.Context, token, filePath string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, token, "describe_file", map[string]string{"file_path": filePath}, &out)
	return out, err
}

func (c *httpClient) DescribeFileVersion(ctx context.Context, token, filePath, versionID string) (map[string]any, error) {
	req := map[string]string{"file_path": filePath}
	if versionID != "" {
		req["version_id"] = versionID
	}
	var out map[string]any
	err := c.do(ctx, token, "describe_file_version", req, &out)
	return out, err
}

func (c *httpClient) GetFileVersion(ctx context.Context, token string, req GetFileVersionRequest) (*FileVersionContent, error) {
	var out struct {
		Data    string `json:"data"`
		Details struct {
			Base64Encoded bool   `json:"base_64_encoded"`
			VersionID     string `json:"version_id"`
		} `json:"details"`
	}
	if err := c.do(ctx, token, "get_file_version", req, &out); err != nil {
		return nil, err
	}
	return &FileVersionContent{
		Data:          out.Data,
		Base64Encoded: out.Details.Base64Encoded,
		VersionID:     out.Details.VersionID,
	}, nil
}

func (c *httpClient) PutFile(ctx context.Context, token string, req PutFileRequest) error {
	return c.do(ctx, token, "put_file", req, nil)
}

func (c *httpClient) PutFileVersion(ctx context.Context, token string, req PutFileVersionRequest) (*VersionDetails, error) {
	var out VersionDetails
	if err := c.do(ctx, token, "put_file_version", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) ValidateFileAccess(ctx context.Context, token, filePath string, permissions []string) (bool, error) {
	req := map[string]any{
		"file_path":                  filePath,
		"requested_permission_names": permissions,
	}
	var out struct {
		EntityHasAccess bool `json:"entity_has_access"`
	}
	if err := c.do(ctx, token, "validate_file_access", req, &out); err != nil {
		return false, err
	}
	return out.EntityHasAccess, nil
}

func (c *httpClient) ListFiles(ctx context.Context, token, directory string) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	if err := c.do(ctx, token, "list_files", map[string]string{"file_path": directory}, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *httpClient) ListFileVersions(ctx context.Context, token, filePath string) ([]map[string]any, error) {
	var out struct {
		Versions []map[string]any `json:"versions"`
	}
	if err := c.do(ctx, token, "list_file_versions", map[string]string{"file_path": filePath}, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *httpClient) FindFile(ctx context.Context, token string, req FindFileRequest) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	if err := c.do(ctx, token, "find_file", req, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (c *httpClient) DeleteFile(ctx context.Context, token, filePath string) error {
	return c.do(ctx, token, "delete_file", map[string]string{"file_path": filePath}, nil)
}

func (c *httpClient) DeleteFileVersion(ctx context.Context, token, filePath, versionID string) error {
	req := map[string]string{"file_path": filePath, "version_id": versionID}
	return c.do(ctx, token, "delete_file_version", req, nil)
}

func (c *httpClient) ChangeFilePermissions(ctx context.Context, token, filePath, permissions string) error {
	req := map[string]string{"file_path": filePath, "permissions": permissions}
	return c.do(ctx, token, "change_file_permissions", req, nil)
}

func (c *httpClient) CopyFile(ctx context.Context, token, source, destination string) error {
	req := map[string]string{"source_file_path": source, "destination_file_path": destination}
	return c.do(ctx, token, "copy_file", req, nil)
}

func (c *httpClient) GetDirectFileVersion(ctx context.Context, token, filePath, versionID string) (string, error) {
	req := map[string]string{"file_path": filePath}
	if versionID != "" {
		req["version_id"] = versionID
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, token, "get_direct_file_version", req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *httpClient) PutDirectFileVersionStart(ctx context.Context, token, filePath string) (*DirectUpload, error) {
	var out DirectUpload
	if err := c.do(ctx, token, "put_direct_file_version_start", map[string]string{"file_path": filePath}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) PutDirectFileVersionComplete(ctx context.Context, token, filePath, uploadID string) (*VersionDetails, error) {
	req := map[string]string{"file_path": filePath, "upload_id": uploadID}
	var out VersionDetails
	if err := c.do(ctx, token, "put_direct_file_version_complete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
