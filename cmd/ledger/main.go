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

// Package main is the entry point for the Credence Ledger service.
//
// The Ledger is an append-only, hash-chained audit log:
// - Appends events with SHA-256 chain hashes over canonical JSON
// - Verifies chain integrity per tenant
// - Exports signed CSV evidence bundles for auditors
//
// Usage:
//
//	./ledger
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	DATABASE_URL - PostgreSQL connection string
//	LEDGER_EXPORT_SIGNING_KEY - HMAC key for signing CSV exports (optional)
//
// For more information, see https://docs.credence.dev
package main

import (
	"credence/platform/ledger"
)

func main() {
	ledger.Run()
}
