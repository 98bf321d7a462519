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

package base

import (
	"context"
	"time"
)

// Worker defines the capability contract every rule pack exposes to the
// platform. Workers receive a mode directive inside the ValidationJob and
// never see the router's policy decision.
type Worker interface {
	// Lifecycle Management
	Initialize(ctx context.Context, config *WorkerConfig) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Validation Operations
	Validate(ctx context.Context, job *ValidationJob) (*ValidationResult, error)
	Explain(ctx context.Context, req *ExplainRequest) (*Explanation, error)

	// Discovery Operations
	GetInfo(ctx context.Context) (*WorkerInfo, error)
	GetMetadata(ctx context.Context) (*WorkerMetadata, error)

	// Metadata
	Domain() string          // Validation domain this pack serves (gtas, hmda, nmls)
	Version() string         // Rule pack version
	Capabilities() []string  // List of capabilities (validate, explain, metadata)
}

// WorkerConfig holds the configuration for a rule pack worker client.
type WorkerConfig struct {
	Domain      string                 `json:"domain"`       // Validation domain served by the pack
	Endpoint    string                 `json:"endpoint"`     // Base URL of the worker service
	Credentials map[string]string      `json:"credentials"`  // Bearer tokens, API keys
	Options     map[string]interface{} `json:"options"`      // Pack-specific options
	Timeout     time.Duration          `json:"timeout"`      // Operation timeout (default: 10s)
	MaxRetries  int                    `json:"max_retries"`  // Retry count for transient failures
	TenantID    string                 `json:"tenant_id"`    // For multi-tenancy isolation
}

// HealthStatus represents the health of a rule pack worker.
type HealthStatus struct {
	Healthy   bool              `json:"healthy"`   // Overall health status
	Latency   time.Duration     `json:"latency"`   // Round-trip latency
	Details   map[string]string `json:"details"`   // Additional diagnostic info
	Timestamp time.Time         `json:"timestamp"` // When health check was performed
	Error     string            `json:"error"`     // Error message if unhealthy
}

// WorkerError represents errors raised at the rule pack boundary.
type WorkerError struct {
	Domain    string
	Operation string
	Message   string
	Cause     error
}

func (e *WorkerError) Error() string {
	if e.Cause != nil {
		return e.Domain + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.Domain + "." + e.Operation + ": " + e.Message
}

func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// NewWorkerError creates a new WorkerError
func NewWorkerError(domain, operation, message string, cause error) *WorkerError {
	return &WorkerError{
		Domain:    domain,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
