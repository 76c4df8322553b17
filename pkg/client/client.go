// Package client talks to a running kwgroup worker over HTTP.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/kwgroup/pkg/models"
)

// DefaultWorkerPort matches the worker's default listen port.
const DefaultWorkerPort = 37877

// DefaultTimeout covers a full grouping run against a slow embedding backend.
const DefaultTimeout = 60 * time.Second

// GetWorkerPort returns the worker port, honouring KWGROUP_WORKER_PORT.
func GetWorkerPort() int {
	if v := os.Getenv("KWGROUP_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return DefaultWorkerPort
}

// IsPortInUse reports whether something accepts TCP connections on port.
func IsPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 300*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// APIError is a non-2xx response from the worker.
type APIError struct {
	Message    string `json:"error"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"-"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker returned %d", e.StatusCode)
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the worker.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a kwgroup worker client.
type Client struct {
	http    *http.Client
	baseURL string
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:37877".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// NewLocal creates a client for the worker on localhost.
func NewLocal(port int) *Client {
	return New(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// BaseURL returns the worker address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health is the worker status.
type Health struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ModelVersion string `json:"model_version"`
	DBDriver     string `json:"db_driver"`
	Uptime       string `json:"uptime"`
	DBOK         bool   `json:"db_ok"`
}

// Health returns the worker status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// IsRunning reports whether a healthy worker answers.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h, err := c.Health(ctx)
	return err == nil && h.Status == "ok"
}

// AddResult reports the outcome of AddKeywords.
type AddResult struct {
	Keywords []models.Keyword `json:"keywords"`
	Added    int              `json:"added"`
	Skipped  int              `json:"skipped"`
	Pending  int64            `json:"pending"`
}

// AddKeywords submits comma-separated keyword text for owner.
func (c *Client) AddKeywords(ctx context.Context, owner, text string) (*AddResult, error) {
	var res AddResult
	body := map[string]string{"owner": owner, "text": text}
	if err := c.do(ctx, http.MethodPost, "/api/keywords", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Pending lists keywords waiting to be grouped.
func (c *Client) Pending(ctx context.Context, owner string) ([]models.Keyword, error) {
	var out []models.Keyword
	err := c.do(ctx, http.MethodGet, "/api/keywords/pending?owner="+url.QueryEscape(owner), nil, &out)
	return out, err
}

// Group groups the owner's pending keywords.
func (c *Client) Group(ctx context.Context, owner string) (*models.GroupingResult, error) {
	var res models.GroupingResult
	if err := c.do(ctx, http.MethodPost, "/api/groups", map[string]string{"owner": owner}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Preview groups keywords without storing anything.
func (c *Client) Preview(ctx context.Context, owner string, keywords []string) (*models.GroupingResult, error) {
	var res models.GroupingResult
	body := map[string]any{"owner": owner, "keywords": keywords}
	if err := c.do(ctx, http.MethodPost, "/api/groups/preview", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LatestGroups returns the owner's most recent run.
func (c *Client) LatestGroups(ctx context.Context, owner string) (*models.GroupingResult, error) {
	var res models.GroupingResult
	if err := c.do(ctx, http.MethodGet, "/api/groups/latest?owner="+url.QueryEscape(owner), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Outlines generates outlines from the owner's latest run.
func (c *Client) Outlines(ctx context.Context, owner string) (*models.OutlineBatch, error) {
	var b models.OutlineBatch
	if err := c.do(ctx, http.MethodPost, "/api/outlines", map[string]string{"owner": owner}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Refine refines the owner's latest outlines.
func (c *Client) Refine(ctx context.Context, owner string) (*models.OutlineBatch, error) {
	var b models.OutlineBatch
	if err := c.do(ctx, http.MethodPost, "/api/outlines/refine", map[string]string{"owner": owner}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// History returns up to limit outline batches, newest first.
func (c *Client) History(ctx context.Context, owner string, limit int) ([]models.OutlineBatch, error) {
	q := url.Values{"owner": {owner}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.OutlineBatch
	err := c.do(ctx, http.MethodGet, "/api/history?"+q.Encode(), nil, &out)
	return out, err
}

// SetEmail stores the owner's delivery address and returns it normalized.
func (c *Client) SetEmail(ctx context.Context, owner, email string) (string, error) {
	var out map[string]string
	path := "/api/users/" + url.PathEscape(owner) + "/email"
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"email": email}, &out); err != nil {
		return "", err
	}
	return out["email"], nil
}

// Stats returns the raw worker statistics document.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out)
	return out, err
}
