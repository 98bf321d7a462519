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
	"errors"
	"testing"
	"time"
)

func TestWorkerError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *WorkerError
		wantMsg string
	}{
		{
			name: "with cause",
			err: &WorkerError{
				Domain:    "gtas",
				Operation: "Validate",
				Message:   "worker unreachable",
				Cause:     errors.New("network timeout"),
			},
			wantMsg: "gtas.Validate: worker unreachable (cause: network timeout)",
		},
		{
			name: "without cause",
			err: &WorkerError{
				Domain:    "hmda",
				Operation: "Explain",
				Message:   "explain failed",
				Cause:     nil,
			},
			wantMsg: "hmda.Explain: explain failed",
		},
		{
			name: "empty fields",
			err: &WorkerError{
				Domain:    "",
				Operation: "",
				Message:   "error",
				Cause:     nil,
			},
			wantMsg: ".: error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestWorkerError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewWorkerError("gtas", "Initialize", "failed", cause)

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}

	errNoCause := NewWorkerError("gtas", "Initialize", "failed", nil)
	if errNoCause.Unwrap() != nil {
		t.Error("Unwrap() should return nil when Cause is nil")
	}
}

func TestWorkerConfig(t *testing.T) {
	config := &WorkerConfig{
		Domain:   "gtas",
		Endpoint: "http://gtas-pack:8080",
		Credentials: map[string]string{
			"token": "secret",
		},
		Options: map[string]interface{}{
			"strict": true,
		},
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		TenantID:   "tenant-123",
	}

	if config.Domain != "gtas" {
		t.Errorf("Domain = %q, want %q", config.Domain, "gtas")
	}
	if config.Endpoint != "http://gtas-pack:8080" {
		t.Errorf("Endpoint = %q, want %q", config.Endpoint, "http://gtas-pack:8080")
	}
	if config.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want %v", config.Timeout, 10*time.Second)
	}
	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want %d", config.MaxRetries, 3)
	}
}

func TestHealthStatus(t *testing.T) {
	now := time.Now()
	status := &HealthStatus{
		Healthy:   true,
		Latency:   10 * time.Millisecond,
		Details:   map[string]string{"version": "2.1.0"},
		Timestamp: now,
	}

	if !status.Healthy {
		t.Error("expected Healthy to be true")
	}
	if status.Details["version"] != "2.1.0" {
		t.Errorf("Details[version] = %q, want %q", status.Details["version"], "2.1.0")
	}

	unhealthy := &HealthStatus{
		Healthy:   false,
		Error:     "connection refused",
		Timestamp: now,
	}
	if unhealthy.Healthy {
		t.Error("expected Healthy to be false")
	}
	if unhealthy.Error != "connection refused" {
		t.Errorf("Error = %q, want %q", unhealthy.Error, "connection refused")
	}
}
