// -----------------------------------------------------------------------
// Remote Client - Thin boundary to the job execution service
// -----------------------------------------------------------------------

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
)

// Client talks to the remote job execution service. The orchestration core
// never depends on this type directly: it consumes the client's methods as
// StatusFetcher / SubmitFunc boundary functions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
}

// NewClient creates a new remote service client
func NewClient(cfg *common.RemoteConfig, logger arbor.ILogger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("remote config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL cannot be empty")
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.TimeoutDuration(),
		},
		logger: logger,
	}, nil
}

// FetchJobStatus retrieves the current status of a remote job. Safe to call
// repeatedly; used as the StatusFetcher for the monitor supervisor.
func (c *Client) FetchJobStatus(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID cannot be empty")
	}

	var payload models.JobStatusPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/jobs/%s/status", jobID), &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch status for job %s: %w", jobID, err)
	}
	if payload.JobID == "" {
		payload.JobID = jobID
	}
	return &payload, nil
}

// SubmitBundle originates a multi-file ingestion bundle and returns the
// server-assigned bundle id
func (c *Client) SubmitBundle(ctx context.Context, files []*models.FileUploadRecord) (string, error) {
	type bundleFile struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size,omitempty"`
	}
	req := struct {
		Files []bundleFile `json:"files"`
	}{}
	for _, f := range files {
		req.Files = append(req.Files, bundleFile{Filename: f.Filename, Size: f.Size})
	}

	var resp struct {
		BundleID string `json:"bundle_id"`
	}
	if err := c.postJSON(ctx, "/bundles", req, &resp); err != nil {
		return "", fmt.Errorf("bundle submission failed: %w", err)
	}
	return resp.BundleID, nil
}

// ExecuteQuery runs a database query against the remote service and returns
// its opaque result payload
func (c *Client) ExecuteQuery(ctx context.Context, sql string, fileIDs []string) (interface{}, error) {
	req := struct {
		SQL     string   `json:"sql"`
		FileIDs []string `json:"file_ids,omitempty"`
	}{SQL: sql, FileIDs: fileIDs}

	var resp map[string]interface{}
	if err := c.postJSON(ctx, "/query", req, &resp); err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	return resp, nil
}

// SubmitReport requests server-side report generation and returns the job id
// to poll
func (c *Client) SubmitReport(ctx context.Context, reportType string, params map[string]interface{}) (string, error) {
	req := struct {
		ReportType string                 `json:"report_type"`
		Params     map[string]interface{} `json:"params,omitempty"`
	}{ReportType: reportType, Params: params}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.postJSON(ctx, "/reports", req, &resp); err != nil {
		return "", fmt.Errorf("report submission failed: %w", err)
	}
	return resp.JobID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if c.logger != nil {
		c.logger.Trace().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).
			Msg("Remote request completed")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote service returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
