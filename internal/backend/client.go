// Package backend is the client for the reconciliation service REST API.
// The engine uses it to list registered sources, preview schemas and rows,
// load scoped row sets, persist recipes, and drive runs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"matchbook/engine/internal/logging"
)

const (
	DefaultPreviewLimit = 10
	MaxPreviewLimit     = 100
	DefaultScopedLimit  = 200
	MaxScopedLimit      = 1000

	defaultPollInterval = 2 * time.Second

	// RunStatusRunning is the only status the engine keeps polling on.
	RunStatusRunning = "Running"
)

// Source is a registered data source.
type Source struct {
	Alias      string `json:"alias"`
	URI        string `json:"uri"`
	SourceType string `json:"source_type"`
	Status     string `json:"status"`
}

// Column describes one column of a source schema.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// Preview holds a source schema plus a bounded sample of stringified rows.
type Preview struct {
	Alias       string     `json:"alias"`
	Columns     []Column   `json:"columns"`
	Rows        [][]string `json:"rows"`
	TotalRows   int        `json:"total_rows"`
	PreviewRows int        `json:"preview_rows"`
}

// Condition is one scope filter predicate.
type Condition struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  string `json:"value"`
}

// SaveRecipeRequest is the persistence envelope for a recipe document.
type SaveRecipeRequest struct {
	RecipeID    string          `json:"recipe_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config"`
}

// Run is the creation/status payload for a reconciliation run.
type Run struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	MatchedCount   int    `json:"matched_count,omitempty"`
	UnmatchedLeft  int    `json:"unmatched_left_count,omitempty"`
	UnmatchedRight int    `json:"unmatched_right_count,omitempty"`
	Error          string `json:"error,omitempty"`
}

// UploadPreview is the shape the upload pipeline reports for a file that is
// not yet registered as a source.
type UploadPreview struct {
	Columns  []Column   `json:"columns"`
	Sample   [][]string `json:"sample"`
	RowCount int        `json:"row_count"`
}

// Client talks to the reconciliation backend. The clock and sleep hooks are
// injectable so polling deadlines can be tested without waiting.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
	sleep        func(time.Duration)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logging.Nop(),
		pollInterval: defaultPollInterval,
		now:          time.Now,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSources fetches the registered sources.
func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	resp, err := c.get(ctx, "/api/sources")
	if err != nil {
		return nil, fmt.Errorf("Failed to list sources: %s", reason(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("Failed to list sources: %s", resp.Status)
	}
	var sources []Source
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return nil, fmt.Errorf("Failed to list sources: %s", reason(err))
	}
	return sources, nil
}

// GetPreview fetches a source's schema and a bounded row sample.
func (c *Client) GetPreview(ctx context.Context, alias string, limit int) (*Preview, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}
	path := fmt.Sprintf("/api/sources/%s/preview?limit=%d", url.PathEscape(alias), limit)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("Failed to get preview for %s: %s", alias, reason(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("Failed to get preview for %s: %s", alias, resp.Status)
	}
	var preview Preview
	if err := json.NewDecoder(resp.Body).Decode(&preview); err != nil {
		return nil, fmt.Errorf("Failed to get preview for %s: %s", alias, reason(err))
	}
	return &preview, nil
}

// LoadScoped loads a filtered, size-bounded row set from a source.
func (c *Client) LoadScoped(ctx context.Context, alias string, conditions []Condition, limit int) (*Preview, error) {
	if limit <= 0 {
		limit = DefaultScopedLimit
	}
	if limit > MaxScopedLimit {
		limit = MaxScopedLimit
	}
	if conditions == nil {
		conditions = []Condition{}
	}
	body := map[string]any{"conditions": conditions, "limit": limit}
	path := fmt.Sprintf("/api/sources/%s/load-scoped", url.PathEscape(alias))
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("Failed to load scoped data from %s: %s", alias, reason(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("Failed to load scoped data from %s: %s", alias, resp.Status)
	}
	var preview Preview
	if err := json.NewDecoder(resp.Body).Decode(&preview); err != nil {
		return nil, fmt.Errorf("Failed to load scoped data from %s: %s", alias, reason(err))
	}
	return &preview, nil
}

// SaveRecipe persists a recipe document.
func (c *Client) SaveRecipe(ctx context.Context, req SaveRecipeRequest) error {
	resp, err := c.post(ctx, "/api/recipes", req)
	if err != nil {
		return fmt.Errorf("Failed to save recipe: %s", reason(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return fmt.Errorf("Failed to save recipe: %s", resp.Status)
	}
	return nil
}

// CreateRun starts a run for a saved recipe.
func (c *Client) CreateRun(ctx context.Context, recipeID string) (*Run, error) {
	resp, err := c.post(ctx, "/api/runs", map[string]string{"recipe_id": recipeID})
	if err != nil {
		return nil, fmt.Errorf("Run creation failed: %s", reason(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("Run creation failed: %s", resp.Status)
	}
	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("Run creation failed: %s", reason(err))
	}
	return &run, nil
}

// GetRunStatus fetches the current status of a run.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (*Run, error) {
	resp, err := c.get(ctx, "/api/runs/"+url.PathEscape(runID))
	if err != nil {
		return nil, fmt.Errorf("Failed to get run status: %s", reason(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, fmt.Errorf("Failed to get run status: %s", resp.Status)
	}
	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("Failed to get run status: %s", reason(err))
	}
	return &run, nil
}

// WaitForRun polls a run until its status leaves "Running" or the deadline
// computed at call start is exceeded.
func (c *Client) WaitForRun(ctx context.Context, runID string, maxWait time.Duration) (*Run, error) {
	deadline := c.now().Add(maxWait)
	for {
		run, err := c.GetRunStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != RunStatusRunning {
			c.logger.Debug("backend.run_finished", "run_id", runID, "status", run.Status)
			return run, nil
		}
		if c.now().After(deadline) {
			return nil, fmt.Errorf("Run %s timed out after %dms", runID, maxWait.Milliseconds())
		}
		c.sleep(c.pollInterval)
	}
}

// NormalizeUploadPreview converts the upload pipeline's shape into the
// standard preview shape, tagging the alias with the upload's storage URI.
func NormalizeUploadPreview(uri string, upload UploadPreview) *Preview {
	rows := upload.Sample
	if rows == nil {
		rows = [][]string{}
	}
	return &Preview{
		Alias:       uri,
		Columns:     upload.Columns,
		Rows:        rows,
		TotalRows:   upload.RowCount,
		PreviewRows: len(rows),
	}
}

// SourceTypeForURI derives a source type tag from a URI scheme or extension.
func SourceTypeForURI(uri string) string {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasSuffix(lower, ".parquet"):
		return "parquet"
	case strings.HasSuffix(lower, ".csv"):
		return "csv"
	default:
		return "file"
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("backend.request", "method", "GET", "path", path)
	return c.httpClient.Do(req)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.logger.Debug("backend.request", "method", "POST", "path", path)
	return c.httpClient.Do(req)
}

func reason(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
}
