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

package ocr

import (
	"encoding/json"
	"time"
)

// Tier names the pipeline stage that produced a result.
type Tier string

const (
	TierTesseract   Tier = "tesseract"
	TierAIVision    Tier = "ai_vision"
	TierHumanReview Tier = "human_review"
)

// JobStatus is an OCR job's lifecycle state.
type JobStatus string

const (
	StatusPending          JobStatus = "pending"
	StatusProcessingFast   JobStatus = "processing_fast"
	StatusProcessingVision JobStatus = "processing_vision"
	StatusAwaitingReview   JobStatus = "awaiting_review"
	StatusCompleted        JobStatus = "completed"
	StatusFailed           JobStatus = "failed"
)

// Job is one document extraction request and its outcome. Confidence is on
// a 0-100 scale; zero is a valid (terrible) confidence.
type Job struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	DocumentHash  string          `json:"document_hash"`
	Status        JobStatus       `json:"status"`
	TierUsed      Tier            `json:"tier_used,omitempty"`
	Confidence    *float64        `json:"confidence,omitempty"`
	ExtractedText string          `json:"extracted_text,omitempty"`
	Fields        json.RawMessage `json:"extracted_fields,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Review is a human correction of a low-confidence job.
type Review struct {
	ID                    string    `json:"id"`
	JobID                 string    `json:"job_id"`
	TenantID              string    `json:"tenant_id"`
	ReviewerID            string    `json:"reviewer_id"`
	CorrectedText         string    `json:"corrected_text"`
	Notes                 string    `json:"notes,omitempty"`
	ConfidenceAfterReview float64   `json:"confidence_after_review"`
	CreatedAt             time.Time `json:"created_at"`
}

// TierResult is one tier's extraction output for one page.
type TierResult struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Tier       Tier     `json:"tier"`
	Warnings   []string `json:"warnings,omitempty"`
}

// CachedResult is a prior extraction served by document hash.
type CachedResult struct {
	DocumentHash  string    `json:"document_hash"`
	TierUsed      Tier      `json:"tier_used"`
	Confidence    float64   `json:"confidence"`
	ExtractedText string    `json:"extracted_text"`
	Warnings      []string  `json:"warnings,omitempty"`
	HitCount      int       `json:"hit_count"`
	CreatedAt     time.Time `json:"created_at"`
}
