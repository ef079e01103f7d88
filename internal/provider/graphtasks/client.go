// Package graphtasks implements the provider client for Microsoft Graph
// To Do tasks.
//
// The delta stream is Graph's native delta query over one task list: the
// first fetch walks @odata.nextLink pages and the returned
// @odata.deltaLink becomes the cursor for the next cycle. Removed tasks
// arrive as @removed entries. Versions are OData etags, enforced with
// If-Match on update and delete.
package graphtasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tododesk/syncd/internal/provider"
	"github.com/tododesk/syncd/internal/task"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Config holds configuration for the Graph tasks client.
type Config struct {
	// BaseURL overrides the API endpoint (tests point this at a local
	// server).
	BaseURL string

	// ListID is the To Do task list to sync against.
	ListID string

	// Tokens supplies bearer credentials.
	Tokens provider.TokenSource

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// Client talks to the Graph To Do provider.
type Client struct {
	baseURL string
	listID  string
	tokens  provider.TokenSource
	http    *http.Client
	logger  *log.Logger
}

// New creates a Graph tasks provider client.
func New(cfg Config) (*Client, error) {
	if cfg.ListID == "" {
		return nil, fmt.Errorf("list id is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[graphtasks] ", log.LstdFlags)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		listID:  cfg.ListID,
		tokens:  cfg.Tokens,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}, nil
}

// Provider implements provider.Client.
func (c *Client) Provider() task.Provider {
	return task.ProviderGraphTasks
}

// tasksURL returns the collection endpoint for the configured list.
func (c *Client) tasksURL() string {
	return fmt.Sprintf("%s/me/todo/lists/%s/tasks", c.baseURL, url.PathEscape(c.listID))
}

// FetchDelta implements provider.Client.
//
// The cursor is the deltaLink from the previous fetch; empty starts a full
// enumeration. Pages are buffered and deduplicated by (task id, etag)
// before returning, so a partially consumed fetch can be retried with the
// same cursor without loss or duplication.
func (c *Client) FetchDelta(ctx context.Context, cursor string) ([]task.RemoteChange, string, error) {
	next := cursor
	if next == "" {
		next = c.tasksURL() + "/delta"
	}

	type keyed struct {
		change task.RemoteChange
		order  int
	}
	latest := make(map[string]keyed)
	order := 0
	deltaLink := ""

	for next != "" {
		page, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, "", err
		}
		for _, item := range page.Value {
			ch := item.toChange()
			if prev, seen := latest[ch.RemoteID]; seen && prev.change.Etag == ch.Etag && prev.change.Op == ch.Op {
				continue
			}
			latest[ch.RemoteID] = keyed{change: ch, order: order}
			order++
		}
		next = page.NextLink
		if page.DeltaLink != "" {
			deltaLink = page.DeltaLink
		}
	}

	changes := make([]task.RemoteChange, len(latest))
	i := 0
	for _, k := range latest {
		changes[i] = k.change
		i++
	}
	// Preserve delivery order across the dedup map.
	sort.Slice(changes, func(a, b int) bool {
		return latest[changes[a].RemoteID].order < latest[changes[b].RemoteID].order
	})

	if deltaLink == "" {
		deltaLink = cursor
	}
	return changes, deltaLink, nil
}

// Push implements provider.Client.
//
// Creates carry the idempotency key as a client-request-id header and
// transactionId in the payload; a retried create that already landed is
// detected by listing for the transaction id. Updates and deletes use
// If-Match so stale etags surface as conflicts.
func (c *Client) Push(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	switch op.Op {
	case task.OpCreate:
		return c.pushCreate(ctx, op)
	case task.OpUpdate:
		return c.pushUpdate(ctx, op)
	case task.OpDelete:
		return c.pushDelete(ctx, op)
	default:
		return task.RemoteResult{}, fmt.Errorf("unknown push op %q", op.Op)
	}
}

// HealthCheck implements provider.Client.
func (c *Client) HealthCheck(ctx context.Context) bool {
	u := c.tasksURL() + "?$top=1"
	resp, err := c.doAuth(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) pushCreate(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	body, err := json.Marshal(taskToGraph(op.Task, op.IdempotencyKey))
	if err != nil {
		return task.RemoteResult{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	headers := http.Header{}
	if op.IdempotencyKey != "" {
		headers.Set("client-request-id", op.IdempotencyKey)
	}

	resp, err := c.doAuth(ctx, http.MethodPost, c.tasksURL(), body, headers)
	if err != nil {
		return task.RemoteResult{}, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		// The earlier ambiguous attempt may have landed; look for a
		// task carrying this transaction id before giving up.
		if provider.IsConflict(err) || provider.IsRejected(err) {
			if existing, findErr := c.findByTransaction(ctx, op.IdempotencyKey); findErr == nil && existing != nil {
				return task.RemoteResult{RemoteID: existing.ID, Etag: existing.Etag}, nil
			}
		}
		return task.RemoteResult{}, err
	}

	var created graphTask
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return task.RemoteResult{}, fmt.Errorf("failed to decode create response: %w", err)
	}
	return task.RemoteResult{RemoteID: created.ID, Etag: created.Etag}, nil
}

func (c *Client) pushUpdate(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	if op.RemoteID == "" {
		return task.RemoteResult{}, fmt.Errorf("remote id is required for update")
	}
	body, err := json.Marshal(taskToGraph(op.Task, ""))
	if err != nil {
		return task.RemoteResult{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	headers := http.Header{}
	if op.Etag != "" {
		headers.Set("If-Match", op.Etag)
	}

	u := c.tasksURL() + "/" + url.PathEscape(op.RemoteID)
	resp, err := c.doAuth(ctx, http.MethodPatch, u, body, headers)
	if err != nil {
		return task.RemoteResult{}, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return task.RemoteResult{}, err
	}

	var updated graphTask
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		return task.RemoteResult{}, fmt.Errorf("failed to decode update response: %w", err)
	}
	return task.RemoteResult{RemoteID: updated.ID, Etag: updated.Etag}, nil
}

func (c *Client) pushDelete(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	if op.RemoteID == "" {
		return task.RemoteResult{}, fmt.Errorf("remote id is required for delete")
	}

	headers := http.Header{}
	if op.Etag != "" {
		headers.Set("If-Match", op.Etag)
	}

	u := c.tasksURL() + "/" + url.PathEscape(op.RemoteID)
	resp, err := c.doAuth(ctx, http.MethodDelete, u, nil, headers)
	if err != nil {
		return task.RemoteResult{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// Already gone counts as confirmed.
	if resp.StatusCode == http.StatusNotFound {
		return task.RemoteResult{RemoteID: op.RemoteID}, nil
	}
	if err := mapStatus(resp); err != nil {
		return task.RemoteResult{}, err
	}
	return task.RemoteResult{RemoteID: op.RemoteID}, nil
}

// findByTransaction looks up a task created with the given transaction id.
func (c *Client) findByTransaction(ctx context.Context, key string) (*graphTask, error) {
	if key == "" {
		return nil, nil
	}
	u := c.tasksURL() + "?$filter=" + url.QueryEscape(fmt.Sprintf("transactionId eq '%s'", key))
	resp, err := c.doAuth(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return nil, err
	}

	var page graphPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return &page.Value[0], nil
}

func (c *Client) fetchPage(ctx context.Context, u string) (*graphPage, error) {
	resp, err := c.doAuth(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return nil, err
	}

	var page graphPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode delta page: %w", err)
	}
	return &page, nil
}

// doAuth performs a request with bearer auth, refreshing the token and
// retrying exactly once on a 401.
func (c *Client) doAuth(ctx context.Context, method, u string, body []byte, headers http.Header) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrAuthExpired, err)
	}

	resp, err := c.do(ctx, method, u, body, token, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh failed: %v", provider.ErrAuthExpired, err)
	}
	resp, err = c.do(ctx, method, u, body, token, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, provider.ErrAuthExpired
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, token string, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &provider.UnavailableError{Err: err}
	}
	return resp, nil
}

// mapStatus converts a non-2xx response into the provider error taxonomy.
func mapStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return provider.ErrAuthExpired
	case resp.StatusCode == http.StatusNotFound:
		return provider.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &provider.RateLimitedError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return &provider.ConflictError{RemoteVersion: resp.Header.Get("ETag")}
	case resp.StatusCode >= 500:
		return &provider.UnavailableError{Status: resp.StatusCode}
	default:
		return &provider.RejectedError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}
