// Package docstore implements the provider client for the document-database
// backend. Tasks live as documents under a per-user collection
// (users/{uid}/tasks/{id}); the delta stream is an updateTime watermark over
// the collection.
//
// Deletes propagate as tombstone writes (deleted=true) rather than document
// removal, so other clients can observe them through the same watermark.
package docstore

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

const defaultBaseURL = "https://firestore.googleapis.com/v1"

// Config holds configuration for the docstore client.
type Config struct {
	// BaseURL overrides the API endpoint (tests point this at a local
	// server). Defaults to the public endpoint.
	BaseURL string

	// Project is the backing project identifier.
	Project string

	// UserID scopes the task collection to one user.
	UserID string

	// Tokens supplies bearer credentials.
	Tokens provider.TokenSource

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// PageSize bounds one list page (default 100).
	PageSize int

	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// Client talks to the document-database provider.
type Client struct {
	baseURL  string
	parent   string // projects/{p}/databases/(default)/documents/users/{uid}
	tokens   provider.TokenSource
	http     *http.Client
	pageSize int
	logger   *log.Logger
}

// New creates a docstore provider client.
func New(cfg Config) (*Client, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
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
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		parent:   fmt.Sprintf("projects/%s/databases/(default)/documents/users/%s", cfg.Project, cfg.UserID),
		tokens:   cfg.Tokens,
		http:     cfg.HTTPClient,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}, nil
}

// Provider implements provider.Client.
func (c *Client) Provider() task.Provider {
	return task.ProviderDocstore
}

// FetchDelta implements provider.Client.
//
// The cursor is an RFC3339 updateTime watermark. Documents are listed
// page by page, filtered client-side to updateTime strictly after the
// watermark, and deduplicated by remote id keeping the newest version, so
// re-invoking with the same cursor yields the same change set.
func (c *Client) FetchDelta(ctx context.Context, cursor string) ([]task.RemoteChange, string, error) {
	var watermark time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		watermark = t
	}

	latest := make(map[string]fsDocument)
	pageToken := ""
	for {
		page, next, err := c.listPage(ctx, pageToken)
		if err != nil {
			return nil, "", err
		}
		for _, doc := range page {
			updated, err := doc.updateTime()
			if err != nil {
				c.logger.Printf("Skipping document with bad updateTime: %s", doc.Name)
				continue
			}
			if !updated.After(watermark) {
				continue
			}
			id := doc.id()
			prev, seen := latest[id]
			if !seen {
				latest[id] = doc
				continue
			}
			prevUpdated, _ := prev.updateTime()
			if updated.After(prevUpdated) {
				latest[id] = doc
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}

	newWatermark := watermark
	changes := make([]task.RemoteChange, 0, len(latest))
	for _, doc := range latest {
		updated, _ := doc.updateTime()
		if updated.After(newWatermark) {
			newWatermark = updated
		}
		changes = append(changes, doc.toChange())
	}
	// Deterministic order for the reconciler.
	sort.Slice(changes, func(i, j int) bool { return changes[i].RemoteID < changes[j].RemoteID })

	newCursor := cursor
	if !newWatermark.IsZero() {
		newCursor = newWatermark.UTC().Format(time.RFC3339Nano)
	}
	return changes, newCursor, nil
}

// Push implements provider.Client.
//
// Creates use the canonical task id as the document id, so a retried
// create after an ambiguous timeout hits ALREADY_EXISTS and is treated as
// applied. Updates and deletes carry an updateTime precondition so
// concurrent remote edits surface as conflicts.
func (c *Client) Push(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	switch op.Op {
	case task.OpCreate:
		return c.pushCreate(ctx, op)
	case task.OpUpdate:
		return c.pushWrite(ctx, op, op.RemoteID, op.Etag)
	case task.OpDelete:
		tomb := op.Task.Clone()
		if tomb == nil {
			tomb = &task.Task{ID: op.RemoteID, UpdatedAt: time.Now().UTC()}
		}
		tomb.Deleted = true
		del := op
		del.Task = tomb
		return c.pushWrite(ctx, del, op.RemoteID, op.Etag)
	default:
		return task.RemoteResult{}, fmt.Errorf("unknown push op %q", op.Op)
	}
}

// HealthCheck implements provider.Client.
func (c *Client) HealthCheck(ctx context.Context) bool {
	u := fmt.Sprintf("%s/%s/tasks?pageSize=1", c.baseURL, c.parent)
	resp, err := c.doAuth(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) pushCreate(ctx context.Context, op task.PushOp) (task.RemoteResult, error) {
	docID := op.IdempotencyKey
	if docID == "" {
		docID = op.Task.ID
	}
	u := fmt.Sprintf("%s/%s/tasks/%s?currentDocument.exists=false", c.baseURL, c.parent, url.PathEscape(docID))

	doc, err := c.writeDoc(ctx, u, op.Task)
	if err == nil {
		return task.RemoteResult{RemoteID: docID, Etag: doc.UpdateTime}, nil
	}

	// The earlier attempt may have landed before the timeout; an
	// exists-precondition failure on a create means it did.
	if provider.IsConflict(err) {
		existing, getErr := c.getDoc(ctx, docID)
		if getErr == nil {
			return task.RemoteResult{RemoteID: docID, Etag: existing.UpdateTime}, nil
		}
	}
	return task.RemoteResult{}, err
}

func (c *Client) pushWrite(ctx context.Context, op task.PushOp, docID, etag string) (task.RemoteResult, error) {
	if docID == "" {
		return task.RemoteResult{}, fmt.Errorf("remote id is required for %s", op.Op)
	}
	u := fmt.Sprintf("%s/%s/tasks/%s", c.baseURL, c.parent, url.PathEscape(docID))
	if etag != "" {
		u += "?currentDocument.updateTime=" + url.QueryEscape(etag)
	}

	doc, err := c.writeDoc(ctx, u, op.Task)
	if err != nil {
		return task.RemoteResult{}, err
	}
	return task.RemoteResult{RemoteID: docID, Etag: doc.UpdateTime}, nil
}

func (c *Client) writeDoc(ctx context.Context, u string, t *task.Task) (*fsDocument, error) {
	body, err := json.Marshal(taskToDoc(t))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	resp, err := c.doAuth(ctx, http.MethodPatch, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return nil, err
	}

	var doc fsDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode write response: %w", err)
	}
	return &doc, nil
}

func (c *Client) getDoc(ctx context.Context, docID string) (*fsDocument, error) {
	u := fmt.Sprintf("%s/%s/tasks/%s", c.baseURL, c.parent, url.PathEscape(docID))
	resp, err := c.doAuth(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return nil, err
	}

	var doc fsDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}

func (c *Client) listPage(ctx context.Context, pageToken string) ([]fsDocument, string, error) {
	u := fmt.Sprintf("%s/%s/tasks?pageSize=%d", c.baseURL, c.parent, c.pageSize)
	if pageToken != "" {
		u += "&pageToken=" + url.QueryEscape(pageToken)
	}

	resp, err := c.doAuth(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return nil, "", err
	}

	var page struct {
		Documents     []fsDocument `json:"documents"`
		NextPageToken string       `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("failed to decode list page: %w", err)
	}
	return page.Documents, page.NextPageToken, nil
}

// doAuth performs a request with bearer auth, refreshing the token and
// retrying exactly once on a 401.
func (c *Client) doAuth(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrAuthExpired, err)
	}

	resp, err := c.do(ctx, method, u, body, token)
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
	resp, err = c.do(ctx, method, u, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, provider.ErrAuthExpired
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
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
// The body is consumed on error.
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
