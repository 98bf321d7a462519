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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"credence/platform/rulepack/base"
	"credence/platform/shared/httpx"
)

// packServer is a stub rule pack service. Each route answers with the
// configured payload; failWith forces an HTTP status on a route instead.
type packServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	lastAuth string
	lastCorr string
	fail     map[string]int

	info        base.WorkerInfo
	result      base.ValidationResult
	explanation base.Explanation
	metadata    base.WorkerMetadata
}

func newPackServer(t *testing.T, domain string) *packServer {
	t.Helper()
	ps := &packServer{
		hits: make(map[string]int),
		fail: make(map[string]int),
		info: base.WorkerInfo{
			Domain:         domain,
			Version:        "2.1.0",
			Status:         "healthy",
			RuleCount:      42,
			SupportedModes: []base.Mode{base.ModeStatic, base.ModeHybrid},
			Capabilities:   []string{"validate", "explain", "metadata"},
		},
		result: base.ValidationResult{
			RequestID:        "req-1",
			Domain:           domain,
			Success:          false,
			TotalRecords:     10,
			RecordsProcessed: 10,
			RecordsFailed:    1,
			Failures: []base.Failure{{
				FailureID: "fail-1",
				RuleID:    "GTAS-014",
				RuleName:  "Balanced USSGL accounts",
				Severity:  base.SeverityError,
			}},
			ModeUsed: base.ModeStatic,
		},
		explanation: base.Explanation{
			FailureID:      "fail-1",
			Explanation:    "Debits and credits must net to zero within each TAS.",
			Recommendation: "Re-derive the trial balance before resubmitting.",
			Confidence:     0.97,
		},
		metadata: base.WorkerMetadata{
			Domain:     domain,
			Categories: []string{"balances"},
			Rules: []base.RuleDescriptor{{
				RuleID:   "GTAS-014",
				Name:     "Balanced USSGL accounts",
				Severity: base.SeverityError,
			}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/info", ps.route("/info", func() interface{} { return ps.info }))
	mux.HandleFunc("/validate", ps.route("/validate", func() interface{} { return ps.result }))
	mux.HandleFunc("/explain", ps.route("/explain", func() interface{} { return ps.explanation }))
	mux.HandleFunc("/metadata", ps.route("/metadata", func() interface{} { return ps.metadata }))
	mux.HandleFunc("/health", ps.route("/health", func() interface{} { return map[string]string{"status": "healthy"} }))
	ps.srv = httptest.NewServer(mux)
	t.Cleanup(ps.srv.Close)
	return ps
}

// route records the request and serves either the forced status or the
// payload. The payload getter runs under the lock so tests can mutate the
// configured responses between calls.
func (ps *packServer) route(path string, payload func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.hits[path]++
		ps.lastAuth = r.Header.Get("Authorization")
		ps.lastCorr = r.Header.Get(httpx.HeaderCorrelationID)
		status := ps.fail[path]
		var body interface{}
		if status == 0 {
			body = payload()
		}
		ps.mu.Unlock()

		if status != 0 {
			http.Error(w, `{"detail":"forced failure"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (ps *packServer) failWith(path string, status int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.fail[path] = status
}

func (ps *packServer) setVersion(v string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.info.Version = v
}

func (ps *packServer) hitCount(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[path]
}

func (ps *packServer) headers() (auth, corr string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastAuth, ps.lastCorr
}

func initWorker(t *testing.T, ps *packServer, domain string) *HTTPWorker {
	t.Helper()
	w := NewHTTPWorker(domain)
	err := w.Initialize(context.Background(), &base.WorkerConfig{
		Domain:      domain,
		Endpoint:    ps.srv.URL,
		Credentials: map[string]string{"token": "pack-secret"},
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return w
}

func TestHTTPWorkerInitialize(t *testing.T) {
	ps := newPackServer(t, "gtas")

	w := NewHTTPWorker("gtas")
	err := w.Initialize(context.Background(), &base.WorkerConfig{
		Domain:      "gtas",
		Endpoint:    ps.srv.URL + "/",
		Credentials: map[string]string{"token": "pack-secret"},
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := w.Endpoint(); got != ps.srv.URL {
		t.Errorf("Endpoint() = %q, want %q with trailing slash trimmed", got, ps.srv.URL)
	}
	if w.Domain() != "gtas" {
		t.Errorf("Domain() = %q, want gtas", w.Domain())
	}
	if w.Version() != "2.1.0" {
		t.Errorf("Version() = %q, want 2.1.0", w.Version())
	}
	if got := w.Capabilities(); len(got) != 3 || got[2] != "metadata" {
		t.Errorf("Capabilities() = %v, want the advertised list", got)
	}
	if auth, _ := ps.headers(); auth != "Bearer pack-secret" {
		t.Errorf("Authorization = %q, want the pack credential", auth)
	}
}

func TestHTTPWorkerInitializeRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *base.WorkerConfig
		wantMsg string
	}{
		{"nil config", nil, "config cannot be nil"},
		{"missing endpoint", &base.WorkerConfig{Domain: "gtas"}, "endpoint is required"},
		{"bad scheme", &base.WorkerConfig{Domain: "gtas", Endpoint: "ftp://pack:9000"}, "invalid endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewHTTPWorker("gtas")
			err := w.Initialize(context.Background(), tt.config)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want substring %q", err, tt.wantMsg)
			}
			var workerErr *base.WorkerError
			if !errors.As(err, &workerErr) || workerErr.Operation != "Initialize" {
				t.Errorf("expected Initialize WorkerError, got %v", err)
			}
		})
	}
}

func TestHTTPWorkerInitializeInfoUnavailable(t *testing.T) {
	ps := newPackServer(t, "gtas")
	ps.failWith("/info", http.StatusNotFound)

	w := NewHTTPWorker("gtas")
	err := w.Initialize(context.Background(), &base.WorkerConfig{Endpoint: ps.srv.URL})
	if err == nil || !strings.Contains(err.Error(), "pack info unavailable") {
		t.Fatalf("error = %v, want pack info unavailable", err)
	}
}

func TestHTTPWorkerInitializeDomainMismatch(t *testing.T) {
	ps := newPackServer(t, "hmda")

	w := NewHTTPWorker("gtas")
	err := w.Initialize(context.Background(), &base.WorkerConfig{Endpoint: ps.srv.URL})
	if err == nil || !strings.Contains(err.Error(), `endpoint serves domain "hmda"`) {
		t.Fatalf("error = %v, want domain mismatch", err)
	}
}

func TestHTTPWorkerRequiresInitialization(t *testing.T) {
	w := NewHTTPWorker("gtas")
	ctx := context.Background()

	ops := []struct {
		name string
		call func() error
	}{
		{"Validate", func() error { _, err := w.Validate(ctx, &base.ValidationJob{}); return err }},
		{"Explain", func() error { _, err := w.Explain(ctx, &base.ExplainRequest{}); return err }},
		{"GetInfo", func() error { _, err := w.GetInfo(ctx); return err }},
		{"GetMetadata", func() error { _, err := w.GetMetadata(ctx); return err }},
		{"HealthCheck", func() error { _, err := w.HealthCheck(ctx); return err }},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			err := op.call()
			var workerErr *base.WorkerError
			if !errors.As(err, &workerErr) {
				t.Fatalf("expected WorkerError, got %v", err)
			}
			if workerErr.Operation != op.name || !strings.Contains(workerErr.Message, "worker not initialized") {
				t.Errorf("got %v, want %s not-initialized error", err, op.name)
			}
		})
	}
}

func TestHTTPWorkerValidate(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")

	ctx := httpx.WithHeaders(context.Background(), httpx.Headers{
		Authorization: "Bearer caller-token",
		CorrelationID: "corr-pack-1",
	})
	result, err := w.Validate(ctx, &base.ValidationJob{
		RequestID: "req-1",
		Domain:    "gtas",
		Mode:      base.ModeStatic,
		InputType: base.InputRecords,
		InputData: json.RawMessage(`[{"tas":"099-X-1805"}]`),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.RecordsFailed != 1 || len(result.Failures) != 1 {
		t.Fatalf("result = %+v, want one failure", result)
	}
	if result.Failures[0].RuleID != "GTAS-014" {
		t.Errorf("RuleID = %q, want GTAS-014", result.Failures[0].RuleID)
	}

	auth, corr := ps.headers()
	if auth != "Bearer pack-secret" {
		t.Errorf("Authorization = %q, want the pack credential over the caller's", auth)
	}
	if corr != "corr-pack-1" {
		t.Errorf("correlation = %q, want corr-pack-1 propagated", corr)
	}
}

func TestHTTPWorkerValidateFailuresOpenBreaker(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")
	ps.failWith("/validate", http.StatusNotFound)

	job := &base.ValidationJob{RequestID: "req-1", Domain: "gtas", Mode: base.ModeStatic}
	for i := 0; i < breakerMaxFailures; i++ {
		if _, err := w.Validate(context.Background(), job); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if w.BreakerState() != "open" {
		t.Fatalf("breaker state = %q, want open", w.BreakerState())
	}

	before := ps.hitCount("/validate")
	_, err := w.Validate(context.Background(), job)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if got := ps.hitCount("/validate"); got != before {
		t.Errorf("open circuit still reached the pack: %d -> %d requests", before, got)
	}
}

func TestHTTPWorkerExplain(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")

	explanation, err := w.Explain(context.Background(), &base.ExplainRequest{
		Domain:    "gtas",
		FailureID: "fail-1",
	})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if explanation.FailureID != "fail-1" || explanation.Confidence != 0.97 {
		t.Errorf("explanation = %+v", explanation)
	}
	if got := ps.hitCount("/explain"); got != 1 {
		t.Errorf("explain hits = %d, want 1", got)
	}
}

func TestHTTPWorkerGetInfoRefreshesCache(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")

	ps.setVersion("2.2.0")
	info, err := w.GetInfo(context.Background())
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Version != "2.2.0" {
		t.Errorf("info.Version = %q, want 2.2.0", info.Version)
	}
	if w.Version() != "2.2.0" {
		t.Errorf("Version() = %q, want the refreshed cache", w.Version())
	}
}

func TestHTTPWorkerGetMetadata(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")

	metadata, err := w.GetMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if metadata.Domain != "gtas" || len(metadata.Rules) != 1 {
		t.Errorf("metadata = %+v, want the gtas catalog", metadata)
	}
}

func TestHTTPWorkerHealthCheck(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")

	status, err := w.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !status.Healthy {
		t.Error("expected healthy status")
	}
	if status.Latency <= 0 {
		t.Errorf("Latency = %v, want > 0", status.Latency)
	}
	if status.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestHTTPWorkerHealthCheckBypassesBreaker(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")
	ps.failWith("/health", http.StatusNotFound)

	for i := 0; i < breakerMaxFailures+1; i++ {
		status, err := w.HealthCheck(context.Background())
		if err == nil {
			t.Fatalf("probe %d: expected failure", i)
		}
		if status == nil || status.Healthy || status.Error == "" {
			t.Fatalf("probe %d: status = %+v, want unhealthy with error", i, status)
		}
	}

	if w.BreakerState() != "closed" {
		t.Errorf("breaker state = %q, want closed after health probes", w.BreakerState())
	}
	if got := ps.hitCount("/health"); got != breakerMaxFailures+1 {
		t.Errorf("health hits = %d, want %d", got, breakerMaxFailures+1)
	}
}

func TestHTTPWorkerShutdown(t *testing.T) {
	ps := newPackServer(t, "gtas")
	w := initWorker(t, ps, "gtas")

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := w.Validate(context.Background(), &base.ValidationJob{})
	if err == nil || !strings.Contains(err.Error(), "worker not initialized") {
		t.Errorf("error = %v, want not-initialized after shutdown", err)
	}
}

func TestHTTPWorkerCapabilitiesDefault(t *testing.T) {
	w := NewHTTPWorker("gtas")
	got := w.Capabilities()
	if len(got) != 2 || got[0] != "validate" || got[1] != "explain" {
		t.Errorf("Capabilities() = %v, want [validate explain]", got)
	}
}
