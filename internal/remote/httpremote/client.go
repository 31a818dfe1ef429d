// Package httpremote implements remote.Store over the document store's HTTP
// API, with a websocket change feed.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/types"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is read for its detail.
const maxErrorBody = 4096

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIKey   string
	SourceID string
	// Timeout bounds each request; 30s when zero.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to a remote document store.
type Client struct {
	base     *url.URL
	apiKey   string
	sourceID string
	http     *http.Client
}

var (
	_ remote.Store   = (*Client)(nil)
	_ remote.Watcher = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base URL must be http or https, got %q", base.Scheme)
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, apiKey: cfg.APIKey, sourceID: cfg.SourceID, http: client}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/v1/" + strings.Join(escaped, "/")
}

func (c *Client) headers(h http.Header) {
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.sourceID != "" {
		h.Set(remote.HeaderSourceID, c.sourceID)
	}
}

// do sends a request and decodes a 2xx JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.headers(req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, req.URL.Path, ctxErr)
		}
		return fmt.Errorf("%s %s: %w: %v", method, req.URL.Path, remote.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(method, req.URL.Path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w: %v", method, req.URL.Path, remote.ErrTransient, err)
	}
	return nil
}

// problem is the subset of an RFC 7807 body the client reports.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// statusError maps an HTTP status to an error class.
func statusError(method, path string, resp *http.Response) error {
	detail := http.StatusText(resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var p problem
	if json.Unmarshal(body, &p) == nil && p.Detail != "" {
		detail = p.Detail
	}

	var class error
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		class = remote.ErrNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		class = remote.ErrConflict
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		class = remote.ErrRejected
	default:
		// 5xx, 408, 429, and auth failures that may clear up once the
		// credentials are fixed.
		class = remote.ErrTransient
	}
	return fmt.Errorf("%s %s: %w (%d: %s)", method, path, class, resp.StatusCode, detail)
}

// Health checks that the remote is reachable.
func (c *Client) Health(ctx context.Context) (*remote.HealthResponse, error) {
	var out remote.HealthResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("health"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchChanged implements remote.Store.
func (c *Client) FetchChanged(ctx context.Context, kind types.Kind, since time.Time, limit int) ([]types.Document, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	target := c.endpoint("docs", string(kind), "changes")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var out remote.ChangesResponse
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// WriteDocument implements remote.Store.
func (c *Client) WriteDocument(ctx context.Context, kind types.Kind, id string, fields json.RawMessage, expectedVersion *time.Time) (*remote.WriteResult, error) {
	var out remote.WriteResult
	body := remote.WriteRequest{Fields: fields, ExpectedVersion: expectedVersion}
	if err := c.do(ctx, http.MethodPut, c.endpoint("docs", string(kind), id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDocument implements remote.Store.
func (c *Client) DeleteDocument(ctx context.Context, kind types.Kind, id string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("docs", string(kind), id), nil, nil)
}

// ListPage implements remote.Store.
func (c *Client) ListPage(ctx context.Context, kind types.Kind, req remote.ListRequest) (*remote.ListResult, error) {
	var out remote.ListResult
	if err := c.do(ctx, http.MethodPost, c.endpoint("docs", string(kind), "query"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watch implements remote.Watcher over the /v1/watch websocket. It returns
// when ctx is done or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(remote.Change)) error {
	target := c.endpoint("watch")
	target = "ws" + strings.TrimPrefix(target, "http")

	h := http.Header{}
	c.headers(h)
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return fmt.Errorf("dial change feed: %w: %v", remote.ErrTransient, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read change feed: %w: %v", remote.ErrTransient, err)
		}
		var change remote.Change
		if err := json.Unmarshal(data, &change); err != nil {
			continue
		}
		fn(change)
	}
}
