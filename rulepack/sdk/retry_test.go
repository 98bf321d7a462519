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
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2.0,
		RetryIf:         DefaultRetryCondition,
	}
}

func TestDefaultRetryCondition(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("503 service unavailable"), true},
		{"too many requests", errors.New("got 429 too many requests"), true},
		{"bad gateway", errors.New("http 502 from http://pack/validate"), true},
		{"validation error", errors.New("invalid domain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryCondition(tt.err); got != tt.want {
				t.Errorf("DefaultRetryCondition(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := RetryWithBackoff(context.Background(), fastRetryConfig(3), func() (string, error) {
		attempts++
		return "", &NonRetryableError{Err: errors.New("bad request")}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable must not retry)", attempts)
	}
	if !IsNonRetryable(err) {
		t.Error("expected NonRetryableError to surface")
	}
}

func TestRetryWithBackoffExhaustionWrapsRetryError(t *testing.T) {
	cause := errors.New("connection refused")
	attempts := 0
	_, err := RetryWithBackoff(context.Background(), fastRetryConfig(2), func() (int, error) {
		attempts++
		return 0, cause
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}

	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryError, got %T: %v", err, err)
	}
	if retryErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", retryErr.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("expected RetryError to wrap the last cause")
	}
}

func TestRetryWithBackoffRespectsExplicitRetryable(t *testing.T) {
	attempts := 0
	_, err := RetryWithBackoff(context.Background(), fastRetryConfig(2), func() (int, error) {
		attempts++
		// Not transient by message, but explicitly marked retryable.
		return 0, &RetryableError{Err: errors.New("pack warming up")}
	})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestRetryWithBackoffContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := RetryWithBackoff(ctx, fastRetryConfig(3), func() (int, error) {
		attempts++
		return 0, errors.New("connection refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0 when context already canceled", attempts)
	}
}

func TestRetryVoid(t *testing.T) {
	attempts := 0
	err := RetryVoid(context.Background(), fastRetryConfig(2), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("temporary failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("gtas", 2, time.Hour)
	fail := func() error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.State() != "open" {
		t.Fatalf("state = %q, want open", cb.State())
	}

	err := cb.Execute(context.Background(), func() error {
		t.Fatal("function must not run while circuit is open")
		return nil
	})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if openErr.Domain != "gtas" {
		t.Errorf("Domain = %q, want gtas", openErr.Domain)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("gtas", 1, 5*time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	if cb.State() != "open" {
		t.Fatalf("state = %q, want open", cb.State())
	}

	time.Sleep(10 * time.Millisecond)

	// Three successes in half-open close the circuit.
	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
	}
	if cb.State() != "closed" {
		t.Errorf("state = %q, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("gtas", 1, 5*time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	time.Sleep(10 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return fmt.Errorf("still down") })
	if cb.State() != "open" {
		t.Errorf("state = %q, want open after half-open failure", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("gtas", 1, time.Hour)
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	if cb.State() != "open" {
		t.Fatalf("state = %q, want open", cb.State())
	}

	cb.Reset()
	if cb.State() != "closed" {
		t.Errorf("state = %q, want closed after reset", cb.State())
	}
}
