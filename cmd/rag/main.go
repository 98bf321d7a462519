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

// Package main is the entry point for the Credence RAG service.
//
// The RAG service grounds validation failures in policy documents:
// - Hierarchical retrieval scoped by tenant, suite, and module
// - Hybrid vector + keyword search over pgvector
// - Failure explanation with confidence scoring
//
// Usage:
//
//	./rag
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8085)
//	DATABASE_URL - PostgreSQL connection string (pgvector required)
//	EMBEDDING_ENDPOINT - embedding server URL (optional)
//
// For more information, see https://docs.credence.dev
package main

import (
	"credence/platform/rag"
)

func main() {
	rag.Run()
}
