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
Package logger provides structured JSON logging with multi-tenant support
for Credence services.

# Overview

The logger package outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, ledger, rag, ocr, registry)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Correlation ID (joins log lines against ledger events)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with tenant and correlation context:

	log.Info("tenant-123", "corr-456", "Routing validation request", map[string]interface{}{
	    "domain": "gtas",
	    "mode":   "hybrid",
	})

Log errors with status codes:

	log.ErrorWithCode("tenant-123", "corr-456", "Worker invocation failed", 502, err, map[string]interface{}{
	    "endpoint": "/api/v1/jobs/validate",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("tenant-123", "corr-456", "Validation completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2026-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"gateway-xyz",
	 "tenant_id":"tenant-123","correlation_id":"corr-456",
	 "message":"Routing validation request","fields":{"domain":"gtas"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
