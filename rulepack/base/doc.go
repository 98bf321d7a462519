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

/*
Package base defines the capability contract and wire types shared by all
Credence rule packs.

# Overview

A rule pack is a domain-scoped validation engine (GTAS, HMDA, NMLS, ...)
registered against the Registry and addressed by domain. The platform talks
to every pack through the same interface regardless of where the pack runs
or what it validates.

# Worker Interface

All rule pack clients implement the Worker interface:

	type Worker interface {
	    // Lifecycle
	    Initialize(ctx context.Context, config *WorkerConfig) error
	    Shutdown(ctx context.Context) error
	    HealthCheck(ctx context.Context) (*HealthStatus, error)

	    // Validation
	    Validate(ctx context.Context, job *ValidationJob) (*ValidationResult, error)
	    Explain(ctx context.Context, req *ExplainRequest) (*Explanation, error)

	    // Discovery
	    GetInfo(ctx context.Context) (*WorkerInfo, error)
	    GetMetadata(ctx context.Context) (*WorkerMetadata, error)

	    // Metadata
	    Domain() string
	    Version() string
	    Capabilities() []string
	}

# Validation Jobs

A ValidationJob carries the caller's input and a mode directive. Policy
selection (conservative, hybrid, agentic) is the router's business; workers
only ever see the mode they are asked to run:

	job := &ValidationJob{
	    RequestID: uuid.NewString(),
	    Domain:    "gtas",
	    Mode:      ModeStatic,
	    InputType: InputRecords,
	    InputData: records,
	    TenantID:  "tenant-123",
	}

	result, err := worker.Validate(ctx, job)
	if err != nil {
	    return err
	}

	for _, failure := range result.Failures {
	    fmt.Println(failure.RuleID, failure.Description)
	}

InputData is an opaque JSON document. This package never deserializes it
into typed structs; hashing and redaction operate on the canonical form.

# Failures

Failure is the normalized violation record. Workers populate the rule
fields; ai_explanation, ai_recommendation, ai_confidence, policy_references
and suggested_actions are filled in later by the router's enrichment pass.
Severity is a closed enum: fatal, error, warning, info.

# Error Handling

Errors crossing the worker boundary are wrapped in WorkerError:

	err := worker.Validate(ctx, job)
	var wErr *WorkerError
	if errors.As(err, &wErr) {
	    log.Printf("Domain: %s, Operation: %s, Message: %s",
	        wErr.Domain, wErr.Operation, wErr.Message)
	}

# Thread Safety

All Worker implementations must be safe for concurrent use. The router
shares one client per domain across all in-flight requests.
*/
package base
