// Package apifetch is the reference origin-fetch collaborator for
// api-kind sources: a JSON API fetcher with dot-notation result walking,
// field mapping, and ${ENV_VAR} expansion in headers.
//
// It implements source.Fetcher. Retry and backoff policy deliberately do
// not live here or in the handle; callers that need them wrap the client.
package apifetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/tableau/internal/source"
)

// Options tune the client.
type Options struct {
	Timeout   time.Duration // default 30s
	MaxBytes  int64         // response cap, default 10 MiB
	UserAgent string
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 10 * 1024 * 1024
	}
	if o.UserAgent == "" {
		o.UserAgent = "tableau/1.0"
	}
}

// Client fetches deltas from JSON APIs.
type Client struct {
	http *http.Client
	opts Options
}

// New creates a Client.
func New(opts Options) *Client {
	opts.defaults()
	return &Client{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
	}
}

// FetchDelta calls the configured API, walks the result path, and maps
// items into record field maps. The origin's clock is taken from a
// top-level "server_clock" key when present, otherwise the local wall
// clock stands in. A non-zero sinceClock is passed as a "since" query
// parameter so origins that support deltas can answer incrementally.
func (c *Client) FetchDelta(ctx context.Context, cfg source.APIConfig, sinceClock int64) (*source.Delta, error) {
	target, err := buildURL(cfg.URL, sinceClock)
	if err != nil {
		return nil, fmt.Errorf("apifetch: url: %w", err)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("apifetch: new request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, expandEnv(v))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apifetch: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("apifetch: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("apifetch: read body: %w", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("apifetch: json decode: %w", err)
	}

	items, err := walkPath(raw, cfg.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("apifetch: walk path %q: %w", cfg.ResultPath, err)
	}

	delta := &source.Delta{
		ServerClock: serverClock(raw),
		Count:       int64(len(items)),
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		delta.Added = append(delta.Added, mapFields(obj, cfg.Fields))
	}
	return delta, nil
}

func buildURL(base string, sinceClock int64) (string, error) {
	if sinceClock <= 0 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(sinceClock, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serverClock reads a top-level "server_clock" from the response envelope.
func serverClock(raw any) int64 {
	if obj, ok := raw.(map[string]any); ok {
		if f, ok := obj["server_clock"].(float64); ok {
			return int64(f)
		}
	}
	return time.Now().UnixMilli()
}

// walkPath walks a dot-notation path into a JSON value, returning the items
// found at that path. If the path is empty, the root must be an array.
func walkPath(v any, path string) ([]any, error) {
	if path == "" {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("root is not an array")
		}
		return arr, nil
	}

	parts := strings.Split(path, ".")
	current := v
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}

	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// mapFields renames configured fields; a nil mapping passes the item
// through unchanged.
func mapFields(obj map[string]any, fields map[string]string) map[string]any {
	if fields == nil {
		return obj
	}
	out := make(map[string]any, len(fields))
	for dst, src := range fields {
		if v, ok := obj[src]; ok {
			out[dst] = v
		}
	}
	return out
}

// expandEnv replaces ${ENV_VAR} patterns with their values.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
