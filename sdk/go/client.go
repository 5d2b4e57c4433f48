// Package client is the blockvault Go SDK: a thin HTTP wrapper around the
// block store's PUT/GET/DELETE surface (spec.md §6), with bounded
// exponential-backoff retry adapted from the donor tree's hand-rolled
// object-store client.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultTimeout is the default per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the default number of retry attempts after the
	// first try.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the base of the exponential backoff schedule.
	DefaultBaseDelay = 200 * time.Millisecond
)

// Client is a blockvault HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// Config configures a new Client.
type Config struct {
	// BaseURL is the blockvaultd server address (e.g. "http://localhost:8080").
	BaseURL string
	// Timeout is the per-request HTTP timeout. Default: DefaultTimeout.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	// Default: DefaultMaxRetries.
	MaxRetries int
	// BaseDelay is the base of the exponential backoff schedule.
	// Default: DefaultBaseDelay.
	BaseDelay time.Duration
	// HTTPClient overrides the client's transport, mainly for tests.
	HTTPClient *http.Client
}

// New returns a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
	}, nil
}

// errorBody mirrors internal/httpapi's JSON error shape.
type errorBody struct {
	Error string `json:"error"`
}

// Put stores body (read fully into memory; spec.md §6 caps it at 512 KiB
// anyway) and returns its lowercase hex digest.
func (c *Client) Put(ctx context.Context, body io.Reader) (digest string, err error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("client: read body: %w", err)
	}

	err = c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.ContentLength = int64(len(data))
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusErr(resp)
		}
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		digest = string(respBody)
		return nil
	})
	return digest, err
}

// Get fetches digest's bytes. The caller must close the returned
// io.ReadCloser.
func (c *Client) Get(ctx context.Context, digest string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+digest, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusErr(resp)
	}
	return resp.Body, nil
}

// Delete removes digest.
func (c *Client) Delete(ctx context.Context, digest string) error {
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/"+digest, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusErr(resp)
		}
		return nil
	})
}

// statusErr decodes a non-200 response into an error, understanding both
// the JSON error body (Accept: application/json) and the plain-text
// default.
func statusErr(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		return fmt.Errorf("blockvault: %s (status %d)", eb.Error, resp.StatusCode)
	}
	return fmt.Errorf("blockvault: %s (status %d)", string(data), resp.StatusCode)
}

// doWithRetry retries fn with exponential backoff, the donor client's
// retry shape (sdk_go_client.go) kept unchanged: GET is not retried here
// since its response body is a stream the caller owns, not a value this
// method can safely re-read after a failed attempt.
func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == c.maxRetries {
			break
		}
		delay := c.baseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("blockvault: operation failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
