// Package svcclient is the resilient HTTP client for service-to-service
// calls. It attaches the shared service token, propagates trace IDs and
// idempotency keys, and retries transient failures with bounded exponential
// backoff. Business-rule refusals are never retried.
//
// When retries are exhausted the call fails with an unreachable error and the
// caller must treat the remote effect as unconfirmed: it may or may not have
// been applied, which is exactly why every mutating call carries an
// idempotency key.
package svcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/metrics"
)

// Header names mirrored from the middleware package to avoid the import.
const (
	serviceTokenHeader   = "X-Service-Token"
	traceIDHeader        = "X-Trace-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// Config tunes the client.
type Config struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	// Metrics, when set, records the outcome of every call.
	Metrics *metrics.Metrics
}

// Client calls one upstream service.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	serviceToken string
	maxAttempts  int
	backoffBase  time.Duration
	backoffCap   time.Duration
	metrics      *metrics.Metrics
	log          *logging.Logger
}

// New creates a client with the config, filling zero values with defaults:
// 5s timeout, 5 attempts, 200ms base backoff capped at 5s.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if log == nil {
		log = logging.NewDefault("svcclient")
	}
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      cfg.BaseURL,
		serviceToken: cfg.ServiceToken,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		metrics:      cfg.Metrics,
		log:          log,
	}
}

// Get performs a read. Reads carry no idempotency key and are retried freely.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

// Put performs an idempotency-keyed mutation.
func (c *Client) Put(ctx context.Context, path string, body interface{}, idempotencyKey string, out interface{}) error {
	if idempotencyKey == "" {
		return serrors.InvalidArgument("mutating call requires an idempotency key")
	}
	return c.do(ctx, http.MethodPut, path, body, idempotencyKey, out)
}

// Post performs an idempotency-keyed mutation.
func (c *Client) Post(ctx context.Context, path string, body interface{}, idempotencyKey string, out interface{}) error {
	if idempotencyKey == "" {
		return serrors.InvalidArgument("mutating call requires an idempotency key")
	}
	return c.do(ctx, http.MethodPost, path, body, idempotencyKey, out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = encoded
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			select {
			case <-ctx.Done():
				return serrors.Timeout("context cancelled while retrying").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		err := c.attempt(ctx, method, path, payload, idempotencyKey, out)
		if err == nil {
			c.recordCall(path, "ok")
			return nil
		}
		if !serrors.IsTransient(err) {
			c.recordCall(path, string(serrors.CodeOf(err)))
			return err
		}
		lastErr = err
		c.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"method":  method,
			"path":    path,
			"attempt": attempt,
		}).Warn("transient call failure")
	}

	c.recordCall(path, string(serrors.CodeUnreachable))
	return serrors.Unreachable(fmt.Sprintf("%s %s: retries exhausted", method, path)).WithCause(lastErr)
}

func (c *Client) recordCall(target, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordRemoteCall(target, outcome)
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, idempotencyKey string, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.serviceToken != "" {
		req.Header.Set(serviceTokenHeader, c.serviceToken)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyKeyHeader, idempotencyKey)
	}
	if traceID := logging.TraceID(ctx); traceID != "" {
		req.Header.Set(traceIDHeader, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return serrors.Timeout("request deadline exceeded").WithCause(err)
		}
		return serrors.Unreachable("request failed").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return serrors.Unreachable("read response body").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeError prefers the remote's ServiceError body; otherwise it maps the
// status code onto the taxonomy.
func decodeError(status int, body []byte) error {
	var se serrors.ServiceError
	if err := json.Unmarshal(body, &se); err == nil && se.Code != "" {
		// Remote 5xx still classifies as transient regardless of body.
		if status >= 500 && !serrors.IsTransient(&se) {
			return serrors.Unreachable(se.Message)
		}
		return &se
	}
	return serrors.FromHTTPStatus(status, string(body))
}

// backoff returns the delay before the given retry (1-based), exponential
// with full jitter.
func (c *Client) backoff(retry int) time.Duration {
	delay := c.backoffBase << uint(retry-1)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}
