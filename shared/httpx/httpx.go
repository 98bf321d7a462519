// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpx provides the retrying HTTP client every Credence service
// uses for downstream calls. Every outbound request carries Authorization,
// X-Correlation-ID, and W3C traceparent headers; 429/5xx responses and
// transport errors are retried up to MaxRetries with delay
// backoff_factor * attempt.
package httpx

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderCorrelationID carries the request correlation identifier
	// end to end across Credence services.
	HeaderCorrelationID = "X-Correlation-ID"

	// HeaderTraceparent is the W3C trace context header.
	HeaderTraceparent = "traceparent"

	defaultTimeout       = 10 * time.Second
	defaultMaxRetries    = 3
	defaultBackoffFactor = 500 * time.Millisecond
)

// Headers is the propagated downstream header set.
type Headers struct {
	Authorization string
	CorrelationID string
	Traceparent   string
}

// apply sets the propagated headers on an outbound request.
func (h Headers) apply(req *http.Request) {
	if h.Authorization != "" {
		req.Header.Set("Authorization", h.Authorization)
	}
	if h.CorrelationID != "" {
		req.Header.Set(HeaderCorrelationID, h.CorrelationID)
	}
	if h.Traceparent != "" {
		req.Header.Set(HeaderTraceparent, h.Traceparent)
	}
}

// HeadersFromRequest propagates inbound auth/correlation/trace headers,
// generating a correlation ID and traceparent when the caller sent none.
func HeadersFromRequest(r *http.Request) Headers {
	h := Headers{
		Authorization: r.Header.Get("Authorization"),
		CorrelationID: r.Header.Get(HeaderCorrelationID),
		Traceparent:   r.Header.Get(HeaderTraceparent),
	}
	if h.CorrelationID == "" {
		h.CorrelationID = NewCorrelationID()
	}
	if h.Traceparent == "" {
		h.Traceparent = NewTraceparent()
	}
	return h
}

// NewCorrelationID generates a fresh correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewTraceparent generates a W3C trace context header value
// (version 00, sampled).
func NewTraceparent() string {
	traceID := make([]byte, 16)
	parentID := make([]byte, 8)
	_, _ = rand.Read(traceID)
	_, _ = rand.Read(parentID)
	return fmt.Sprintf("00-%s-%s-01", hex.EncodeToString(traceID), hex.EncodeToString(parentID))
}

// HTTPError is a non-2xx response after retries are exhausted. Body holds
// the response payload for error mapping (typically {"detail": "..."}).
type HTTPError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status indicates a transient condition.
func (e *HTTPError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Config tunes a Client. Zero values select the platform defaults
// (10s timeout, 3 retries, 500ms backoff factor).
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	BackoffFactor time.Duration
}

// Client is a retrying JSON HTTP client.
type Client struct {
	base          *http.Client
	maxRetries    int
	backoffFactor time.Duration
}

// New returns a Client with the platform defaults.
func New() *Client {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a Client with explicit settings.
func NewWithConfig(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = defaultBackoffFactor
	}
	return &Client{
		base:          &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		backoffFactor: cfg.BackoffFactor,
	}
}

// DoJSON issues a JSON request and decodes a 2xx response into out (when out
// is non-nil). in may be nil for bodyless requests. Non-2xx responses after
// retries return *HTTPError with the body captured. Transport errors and
// 429/500/502/503/504 are retried with delay backoff_factor * attempt;
// context cancellation aborts both the call and the backoff sleep.
func (c *Client) DoJSON(ctx context.Context, method, url string, hdr Headers, in, out interface{}) (int, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.backoffFactor
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return 0, fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		hdr.apply(req)

		resp, err := c.base.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: body, URL: url}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode, Body: body, URL: url}
		}

		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response from %s: %w", url, err)
			}
		}
		return resp.StatusCode, nil
	}

	return 0, fmt.Errorf("request to %s failed after %d retries: %w", url, c.maxRetries, lastErr)
}

// Get is DoJSON with method GET and no request body.
func (c *Client) Get(ctx context.Context, url string, hdr Headers, out interface{}) (int, error) {
	return c.DoJSON(ctx, http.MethodGet, url, hdr, nil, out)
}

// Post is DoJSON with method POST.
func (c *Client) Post(ctx context.Context, url string, hdr Headers, in, out interface{}) (int, error) {
	return c.DoJSON(ctx, http.MethodPost, url, hdr, in, out)
}
