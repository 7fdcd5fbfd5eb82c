// Package blobstore is a client for an HTTP object store with bearer
// authentication and upsert writes (the Supabase storage API shape).
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrNotFound means the object does not exist. Callers treat it as a
// miss, not a failure.
var ErrNotFound = errors.New("blobstore: object not found")

type Client struct {
	endpoint   string
	bucket     string
	token      string
	httpClient *http.Client
}

// New builds a client for endpoint (the storage API base, for example
// https://project.supabase.co/storage/v1) and bucket.
func New(endpoint, bucket, token string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.Trim(strings.TrimSpace(bucket), "/")
	token = strings.TrimSpace(token)

	if endpoint == "" || bucket == "" || token == "" {
		return nil, fmt.Errorf("endpoint/bucket/token are required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: %s", endpoint)
	}
	return &Client{
		endpoint: strings.TrimRight(u.String(), "/"),
		bucket:   bucket,
		token:    token,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}, nil
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

func (c *Client) Bucket() string { return c.bucket }

// Get opens an object. The caller closes the body.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = NormalizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("empty object key")
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	return nil, c.statusError("get", key, resp)
}

// Put writes an object, replacing any existing one.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	key = NormalizeKey(key)
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.objectURL(key), body)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return c.statusError("put", key, resp)
}

// PutBytes is Put for an in-memory body.
func (c *Client) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return c.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// Delete removes objects. Keys that do not exist are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	prefixes := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = NormalizeKey(k); k != "" {
			prefixes = append(prefixes, k)
		}
	}
	if len(prefixes) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"prefixes": prefixes})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint+"/object/"+url.PathEscape(c.bucket), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := c.statusError("delete", strings.Join(prefixes, ","), resp); !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

type Object struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  struct {
		Size int64 `json:"size"`
	} `json:"metadata"`
}

// List returns up to limit objects directly under prefix. A missing
// prefix yields an empty list.
func (c *Client) List(ctx context.Context, prefix string, limit, offset int) ([]Object, error) {
	if limit <= 0 {
		limit = 100
	}
	payload, err := json.Marshal(map[string]any{
		"prefix": NormalizeKey(prefix),
		"limit":  limit,
		"offset": offset,
		"sortBy": map[string]string{"column": "name", "order": "asc"},
	})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint+"/object/list/"+url.PathEscape(c.bucket), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if err := c.statusError("list", prefix, resp); !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}
	var out []Object
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) objectURL(key string) string {
	return c.endpoint + "/object/" + url.PathEscape(c.bucket) + "/" + escapePath(key)
}

func (c *Client) statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if resp.StatusCode == http.StatusNotFound || isNotFoundBody(resp.StatusCode, body) {
		return fmt.Errorf("%w: %s key=%s", ErrNotFound, op, key)
	}
	return fmt.Errorf("blobstore %s failed status=%d key=%s body=%s", op, resp.StatusCode, key, strings.TrimSpace(string(body)))
}

// isNotFoundBody matches the store's not-found error envelope, which some
// endpoints return with a 400 status. Only that envelope counts; other
// 4xx bodies stay errors.
func isNotFoundBody(status int, body []byte) bool {
	if status < 400 || status >= 500 {
		return false
	}
	var env struct {
		StatusCode string `json:"statusCode"`
		Error      string `json:"error"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return false
	}
	return env.StatusCode == "404" || env.Error == "not_found" || strings.EqualFold(env.Message, "Object not found")
}

// NormalizeKey cleans a slash separated key. Keys that escape the bucket
// root normalize to "".
func NormalizeKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return ""
	}
	clean := path.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}

func escapePath(p string) string {
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}
