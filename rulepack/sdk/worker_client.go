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

package sdk

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"credence/platform/rulepack/base"
	"credence/platform/shared/httpx"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// HTTPWorker is the HTTP client implementation of base.Worker. One
// instance serves one registered pack endpoint and is shared by all
// in-flight router requests for that domain.
type HTTPWorker struct {
	domain  string
	logger  *log.Logger
	breaker *CircuitBreaker

	mu          sync.RWMutex
	initialized bool
	endpoint    string
	token       string
	client      *httpx.Client
	info        *base.WorkerInfo
}

// NewHTTPWorker creates an uninitialized client for a domain. Initialize
// must be called with the registration's endpoint before use.
func NewHTTPWorker(domain string) *HTTPWorker {
	return &HTTPWorker{
		domain:  domain,
		logger:  log.New(os.Stdout, "[RULEPACK_CLIENT] ", log.LstdFlags),
		breaker: NewCircuitBreaker(domain, breakerMaxFailures, breakerResetTimeout),
	}
}

// Initialize validates the endpoint, builds the retrying client, and
// fetches the pack's info to confirm reachability.
func (w *HTTPWorker) Initialize(ctx context.Context, config *base.WorkerConfig) error {
	if config == nil {
		return base.NewWorkerError(w.domain, "Initialize", "config cannot be nil", nil)
	}
	if config.Endpoint == "" {
		return base.NewWorkerError(w.domain, "Initialize", "endpoint is required", nil)
	}

	// Packs run in-mesh, so private addresses are expected; the guard
	// still rejects non-HTTP schemes and blocked hosts.
	guard := httpx.DefaultURLGuardOptions()
	guard.AllowPrivateIPs = true
	if err := httpx.ValidateURL(config.Endpoint, guard); err != nil {
		return base.NewWorkerError(w.domain, "Initialize", "invalid endpoint", err)
	}

	client := httpx.NewWithConfig(httpx.Config{
		Timeout:    config.Timeout,
		MaxRetries: config.MaxRetries,
	})

	endpoint := strings.TrimRight(config.Endpoint, "/")

	var info base.WorkerInfo
	if _, err := client.Get(ctx, endpoint+"/info", w.headers(ctx, config.Credentials["token"]), &info); err != nil {
		return base.NewWorkerError(w.domain, "Initialize", "pack info unavailable", err)
	}
	if info.Domain != "" && info.Domain != w.domain {
		return base.NewWorkerError(w.domain, "Initialize",
			fmt.Sprintf("endpoint serves domain %q", info.Domain), nil)
	}

	w.mu.Lock()
	w.endpoint = endpoint
	w.token = config.Credentials["token"]
	w.client = client
	w.info = &info
	w.initialized = true
	w.mu.Unlock()

	w.logger.Printf("Initialized %s worker at %s (version %s, %d rules)",
		w.domain, httpx.SanitizeLogString(endpoint), info.Version, info.RuleCount)
	return nil
}

// Shutdown releases the client. The HTTP transport is stateless, so this
// only flips the initialized flag.
func (w *HTTPWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initialized = false
	w.client = nil
	return nil
}

// Validate dispatches a job to the pack's /validate endpoint through the
// circuit breaker.
func (w *HTTPWorker) Validate(ctx context.Context, job *base.ValidationJob) (*base.ValidationResult, error) {
	client, endpoint, err := w.conn("Validate")
	if err != nil {
		return nil, err
	}

	var result base.ValidationResult
	err = w.breaker.Execute(ctx, func() error {
		_, callErr := client.Post(ctx, endpoint+"/validate", w.headersLocked(ctx), job, &result)
		return callErr
	})
	if err != nil {
		return nil, base.NewWorkerError(w.domain, "Validate", "validation call failed", err)
	}
	return &result, nil
}

// Explain asks the pack for a rule-level explanation of one failure.
func (w *HTTPWorker) Explain(ctx context.Context, req *base.ExplainRequest) (*base.Explanation, error) {
	client, endpoint, err := w.conn("Explain")
	if err != nil {
		return nil, err
	}

	var explanation base.Explanation
	err = w.breaker.Execute(ctx, func() error {
		_, callErr := client.Post(ctx, endpoint+"/explain", w.headersLocked(ctx), req, &explanation)
		return callErr
	})
	if err != nil {
		return nil, base.NewWorkerError(w.domain, "Explain", "explain call failed", err)
	}
	return &explanation, nil
}

// GetInfo fetches the pack's discovery summary.
func (w *HTTPWorker) GetInfo(ctx context.Context) (*base.WorkerInfo, error) {
	client, endpoint, err := w.conn("GetInfo")
	if err != nil {
		return nil, err
	}

	var info base.WorkerInfo
	if _, err := client.Get(ctx, endpoint+"/info", w.headersLocked(ctx), &info); err != nil {
		return nil, base.NewWorkerError(w.domain, "GetInfo", "info call failed", err)
	}

	w.mu.Lock()
	w.info = &info
	w.mu.Unlock()
	return &info, nil
}

// GetMetadata fetches the pack's full rule catalog.
func (w *HTTPWorker) GetMetadata(ctx context.Context) (*base.WorkerMetadata, error) {
	client, endpoint, err := w.conn("GetMetadata")
	if err != nil {
		return nil, err
	}

	var metadata base.WorkerMetadata
	if _, err := client.Get(ctx, endpoint+"/metadata", w.headersLocked(ctx), &metadata); err != nil {
		return nil, base.NewWorkerError(w.domain, "GetMetadata", "metadata call failed", err)
	}
	return &metadata, nil
}

// HealthCheck probes the pack's /health endpoint. It bypasses the circuit
// breaker so a recovering pack is observed directly.
func (w *HTTPWorker) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	client, endpoint, err := w.conn("HealthCheck")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, callErr := client.Get(ctx, endpoint+"/health", w.headersLocked(ctx), nil)
	status := &base.HealthStatus{
		Healthy:   callErr == nil,
		Latency:   time.Since(start),
		Timestamp: time.Now().UTC(),
	}
	if callErr != nil {
		status.Error = callErr.Error()
		return status, base.NewWorkerError(w.domain, "HealthCheck", "health call failed", callErr)
	}
	return status, nil
}

// Domain implements base.Worker.
func (w *HTTPWorker) Domain() string { return w.domain }

// Version implements base.Worker.
func (w *HTTPWorker) Version() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.info != nil {
		return w.info.Version
	}
	return ""
}

// Capabilities implements base.Worker.
func (w *HTTPWorker) Capabilities() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.info != nil && len(w.info.Capabilities) > 0 {
		return w.info.Capabilities
	}
	return []string{"validate", "explain"}
}

// BreakerState exposes the circuit state for health reporting.
func (w *HTTPWorker) BreakerState() string { return w.breaker.State() }

// Endpoint returns the endpoint captured at Initialize, or "" before it.
func (w *HTTPWorker) Endpoint() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.endpoint
}

// conn returns the client and endpoint, or a WorkerError when the worker
// has not been initialized.
func (w *HTTPWorker) conn(op string) (*httpx.Client, string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.initialized || w.client == nil {
		return nil, "", base.NewWorkerError(w.domain, op, "worker not initialized", nil)
	}
	return w.client, w.endpoint, nil
}

// headers builds outbound headers from the request context, preferring the
// pack's own credential over a forwarded Authorization header.
func (w *HTTPWorker) headers(ctx context.Context, token string) httpx.Headers {
	h := httpx.HeadersFromContext(ctx)
	if token != "" {
		h.Authorization = "Bearer " + token
	}
	return h
}

func (w *HTTPWorker) headersLocked(ctx context.Context) httpx.Headers {
	w.mu.RLock()
	token := w.token
	w.mu.RUnlock()
	return w.headers(ctx, token)
}

// Verify HTTPWorker implements base.Worker.
var _ base.Worker = (*HTTPWorker)(nil)
