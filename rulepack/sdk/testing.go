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
	"sync"
	"time"

	"credence/platform/rulepack/base"
)

// MockWorker provides a scriptable base.Worker for tests.
type MockWorker struct {
	domain       string
	version      string
	capabilities []string
	initialized  bool

	// Scripted responses
	validateResult *base.ValidationResult
	validateError  error
	explainResult  *base.Explanation
	explainError   error
	info           *base.WorkerInfo
	metadata       *base.WorkerMetadata
	healthStatus   *base.HealthStatus
	healthError    error
	initError      error

	// Call tracking
	initCalls     []*base.WorkerConfig
	validateCalls []*base.ValidationJob
	explainCalls  []*base.ExplainRequest
	healthCalls   int
	shutdownCalls int

	// Hooks for custom behavior
	onValidate func(context.Context, *base.ValidationJob) (*base.ValidationResult, error)
	onExplain  func(context.Context, *base.ExplainRequest) (*base.Explanation, error)

	mu sync.RWMutex
}

// NewMockWorker creates a mock worker for a domain with benign defaults:
// healthy, zero failures, static+hybrid modes.
func NewMockWorker(domain string) *MockWorker {
	return &MockWorker{
		domain:       domain,
		version:      "1.0.0-mock",
		capabilities: []string{"validate", "explain"},
		validateResult: &base.ValidationResult{
			Domain:   domain,
			Success:  true,
			Failures: []base.Failure{},
			ModeUsed: base.ModeStatic,
		},
		explainResult: &base.Explanation{
			Explanation: "mock explanation",
			Confidence:  0.9,
		},
		info: &base.WorkerInfo{
			Domain:         domain,
			Version:        "1.0.0-mock",
			Status:         "healthy",
			SupportedModes: []base.Mode{base.ModeStatic, base.ModeHybrid},
			Capabilities:   []string{"validate", "explain"},
		},
		metadata: &base.WorkerMetadata{
			Domain:     domain,
			Categories: []string{"mock"},
		},
		healthStatus: &base.HealthStatus{
			Healthy:   true,
			Timestamp: time.Now(),
		},
	}
}

func (m *MockWorker) Initialize(ctx context.Context, config *base.WorkerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls = append(m.initCalls, config)
	if m.initError != nil {
		return m.initError
	}
	m.initialized = true
	return nil
}

func (m *MockWorker) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	m.initialized = false
	return nil
}

func (m *MockWorker) Validate(ctx context.Context, job *base.ValidationJob) (*base.ValidationResult, error) {
	m.mu.Lock()
	m.validateCalls = append(m.validateCalls, job)
	hook := m.onValidate
	result, err := m.validateResult, m.validateError
	m.mu.Unlock()

	if hook != nil {
		return hook(ctx, job)
	}
	if err != nil {
		return nil, err
	}
	out := *result
	if job != nil {
		out.RequestID = job.RequestID
		out.ModeUsed = job.Mode
	}
	return &out, nil
}

func (m *MockWorker) Explain(ctx context.Context, req *base.ExplainRequest) (*base.Explanation, error) {
	m.mu.Lock()
	m.explainCalls = append(m.explainCalls, req)
	hook := m.onExplain
	result, err := m.explainResult, m.explainError
	m.mu.Unlock()

	if hook != nil {
		return hook(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	out := *result
	if req != nil {
		out.FailureID = req.FailureID
	}
	return &out, nil
}

func (m *MockWorker) GetInfo(ctx context.Context) (*base.WorkerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info, nil
}

func (m *MockWorker) GetMetadata(ctx context.Context) (*base.WorkerMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata, nil
}

func (m *MockWorker) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthCalls++
	if m.healthError != nil {
		return nil, m.healthError
	}
	return m.healthStatus, nil
}

func (m *MockWorker) Domain() string  { return m.domain }
func (m *MockWorker) Version() string { return m.version }

func (m *MockWorker) Capabilities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capabilities
}

// SetValidateResult scripts the next Validate responses.
func (m *MockWorker) SetValidateResult(result *base.ValidationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateResult = result
}

// SetValidateError makes Validate fail.
func (m *MockWorker) SetValidateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateError = err
}

// SetExplainResult scripts Explain responses.
func (m *MockWorker) SetExplainResult(result *base.Explanation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.explainResult = result
}

// SetExplainError makes Explain fail.
func (m *MockWorker) SetExplainError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.explainError = err
}

// SetInfo scripts GetInfo responses (and the advertised modes).
func (m *MockWorker) SetInfo(info *base.WorkerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

// SetHealthError makes HealthCheck fail.
func (m *MockWorker) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthError = err
}

// SetInitError makes Initialize fail.
func (m *MockWorker) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetOnValidate installs a custom validate handler.
func (m *MockWorker) SetOnValidate(fn func(context.Context, *base.ValidationJob) (*base.ValidationResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValidate = fn
}

// ValidateCalls returns a copy of recorded validate jobs.
func (m *MockWorker) ValidateCalls() []*base.ValidationJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]*base.ValidationJob, len(m.validateCalls))
	copy(calls, m.validateCalls)
	return calls
}

// ExplainCalls returns a copy of recorded explain requests.
func (m *MockWorker) ExplainCalls() []*base.ExplainRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]*base.ExplainRequest, len(m.explainCalls))
	copy(calls, m.explainCalls)
	return calls
}

// HealthCalls returns the number of health checks observed.
func (m *MockWorker) HealthCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthCalls
}

// ShutdownCalls returns the number of shutdowns observed.
func (m *MockWorker) ShutdownCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownCalls
}

// Initialized reports whether Initialize has succeeded.
func (m *MockWorker) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Verify MockWorker implements base.Worker.
var _ base.Worker = (*MockWorker)(nil)

// FailingWorker always fails; useful for degradation-path tests.
type FailingWorker struct {
	domain string
	err    error
}

// NewFailingWorker creates a worker whose every operation returns err.
func NewFailingWorker(domain string, err error) *FailingWorker {
	if err == nil {
		err = fmt.Errorf("intentional failure")
	}
	return &FailingWorker{domain: domain, err: err}
}

func (f *FailingWorker) Initialize(ctx context.Context, config *base.WorkerConfig) error {
	return f.err
}
func (f *FailingWorker) Shutdown(ctx context.Context) error { return f.err }
func (f *FailingWorker) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	return nil, f.err
}
func (f *FailingWorker) Validate(ctx context.Context, job *base.ValidationJob) (*base.ValidationResult, error) {
	return nil, f.err
}
func (f *FailingWorker) Explain(ctx context.Context, req *base.ExplainRequest) (*base.Explanation, error) {
	return nil, f.err
}
func (f *FailingWorker) GetInfo(ctx context.Context) (*base.WorkerInfo, error) {
	return nil, f.err
}
func (f *FailingWorker) GetMetadata(ctx context.Context) (*base.WorkerMetadata, error) {
	return nil, f.err
}
func (f *FailingWorker) Domain() string         { return f.domain }
func (f *FailingWorker) Version() string        { return "1.0.0" }
func (f *FailingWorker) Capabilities() []string { return nil }

// Verify FailingWorker implements base.Worker.
var _ base.Worker = (*FailingWorker)(nil)
