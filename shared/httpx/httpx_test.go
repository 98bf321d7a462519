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

package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSONPropagatesHeaders(t *testing.T) {
	var gotAuth, gotCorr, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get(HeaderCorrelationID)
		gotTrace = r.Header.Get(HeaderTraceparent)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewWithConfig(Config{Timeout: time.Second, MaxRetries: 1, BackoffFactor: time.Millisecond})
	hdr := Headers{
		Authorization: "Bearer token-1",
		CorrelationID: "corr-123",
		Traceparent:   "00-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bbbbbbbbbbbbbbbb-01",
	}

	var out struct {
		OK bool `json:"ok"`
	}
	status, err := c.Post(context.Background(), srv.URL, hdr, map[string]string{"q": "x"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.OK)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "corr-123", gotCorr)
	assert.Equal(t, hdr.Traceparent, gotTrace)
}

func TestDoJSONRetriesRetryableStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewWithConfig(Config{Timeout: time.Second, MaxRetries: 3, BackoffFactor: time.Millisecond})
	status, err := c.Get(context.Background(), srv.URL, Headers{}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"limit must be between 1 and 1000"}`))
	}))
	defer srv.Close()

	c := NewWithConfig(Config{Timeout: time.Second, MaxRetries: 3, BackoffFactor: time.Millisecond})
	status, err := c.Get(context.Background(), srv.URL, Headers{}, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "422 must not be retried")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Contains(t, string(httpErr.Body), "limit must be between")
	assert.False(t, httpErr.Retryable())
}

func TestDoJSONExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewWithConfig(Config{Timeout: time.Second, MaxRetries: 2, BackoffFactor: time.Millisecond})
	status, err := c.Get(context.Background(), srv.URL, Headers{}, nil)

	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
	// attempt 0 plus 2 retries; the final retryable response surfaces as HTTPError
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.True(t, httpErr.Retryable())
}

func TestDoJSONContextCancellationAbortsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewWithConfig(Config{Timeout: time.Second, MaxRetries: 3, BackoffFactor: 10 * time.Second})
	_, err := c.Get(ctx, srv.URL, Headers{}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeadersFromRequestGeneratesMissingValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/validate", nil)
	r.Header.Set("Authorization", "Bearer abc")

	h := HeadersFromRequest(r)
	assert.Equal(t, "Bearer abc", h.Authorization)
	assert.NotEmpty(t, h.CorrelationID)
	assert.Regexp(t, regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`), h.Traceparent)
}

func TestHeadersFromRequestPreservesInboundValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	r.Header.Set(HeaderCorrelationID, "corr-inbound")
	r.Header.Set(HeaderTraceparent, "00-11111111111111111111111111111111-2222222222222222-01")

	h := HeadersFromRequest(r)
	assert.Equal(t, "corr-inbound", h.CorrelationID)
	assert.Equal(t, "00-11111111111111111111111111111111-2222222222222222-01", h.Traceparent)
}

func TestNewTraceparentFormat(t *testing.T) {
	re := regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`)
	for i := 0; i < 5; i++ {
		assert.Regexp(t, re, NewTraceparent())
	}
}
