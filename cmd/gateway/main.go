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

// Package main is the entry point for the Credence Gateway service.
//
// The Gateway is the single client-facing service of the platform:
// - Routes validation jobs across static, hybrid, and agentic policy modes
// - Executes workflows with human-in-the-loop approval gates
// - Compiles visual designer output into executable rule packs
// - Issues and verifies OAuth-style client credentials
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string
//	RAG_SERVICE_URL - URL of the RAG service (default: http://localhost:8085)
//	LEDGER_SERVICE_URL - URL of the Ledger service (default: http://localhost:8084)
//	JWT_SECRET - Secret for JWT token signing
//
// For more information, see https://docs.credence.dev
package main

import (
	"credence/platform/gateway"
)

func main() {
	gateway.Run()
}
