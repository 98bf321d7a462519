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

// Package main is the entry point for the Credence OCR service.
//
// The OCR service extracts text from scanned documents in cost tiers:
// - Tesseract for clean scans
// - Vision model escalation for low-confidence pages
// - Human review queue for documents neither tier can read
//
// Usage:
//
//	./ocr
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8086)
//	DATABASE_URL - PostgreSQL connection string
//	BEDROCK_REGION - AWS Bedrock region for the vision tier (optional)
//	REDIS_URL - Redis connection string for the review queue (optional)
//
// For more information, see https://docs.credence.dev
package main

import (
	"credence/platform/ocr"
)

func main() {
	ocr.Run()
}
