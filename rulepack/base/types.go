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
	"encoding/json"
	"time"
)

// Mode is the validation strategy a caller requests and the directive a
// worker executes.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeHybrid  Mode = "hybrid"
	ModeAgentic Mode = "agentic"
)

// Valid reports whether the mode is one of the known strategies.
func (m Mode) Valid() bool {
	switch m {
	case ModeStatic, ModeHybrid, ModeAgentic:
		return true
	}
	return false
}

// Severity classifies a validation failure.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityFatal, SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// InputType describes how validation input is supplied.
type InputType string

const (
	InputRecords InputType = "records" // inline JSON records
	InputFile    InputType = "file"    // referenced document (input_ref)
	InputBlob    InputType = "blob"    // inline binary payload, base64
)

// Valid reports whether the input type is one of the known kinds.
func (t InputType) Valid() bool {
	switch t {
	case InputRecords, InputFile, InputBlob:
		return true
	}
	return false
}

// WorkerStatus is the registration lifecycle state of a rule pack.
type WorkerStatus string

const (
	StatusActive   WorkerStatus = "active"
	StatusDraining WorkerStatus = "draining"
	StatusDown     WorkerStatus = "down"
)

// Valid reports whether the status is one of the known states.
func (s WorkerStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDraining, StatusDown:
		return true
	}
	return false
}

// ValidationJob is the unit of work dispatched to a rule pack worker.
// Mode here is the worker's own directive; policy selection stays with
// the router.
type ValidationJob struct {
	RequestID   string          `json:"request_id"`
	Domain      string          `json:"domain"`
	Mode        Mode            `json:"mode"`
	InputType   InputType       `json:"input_type"`
	InputData   json.RawMessage `json:"input_data,omitempty"` // opaque, never deserialized here
	InputRef    string          `json:"input_ref,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	MaxFailures int             `json:"max_failures,omitempty"` // 0 = unbounded
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Failure is a single rule violation. AI-sourced fields are populated by
// the router's enrichment pass; workers may leave them empty.
type Failure struct {
	FailureID        string   `json:"failure_id"`
	RuleID           string   `json:"rule_id"`
	RuleName         string   `json:"rule_name"`
	Severity         Severity `json:"severity"`
	LineNumber       *int     `json:"line_number,omitempty"`
	Field            string   `json:"field,omitempty"`
	Description      string   `json:"description"`
	Expected         string   `json:"expected,omitempty"`
	Actual           string   `json:"actual,omitempty"`
	AIExplanation    string   `json:"ai_explanation,omitempty"`
	AIRecommendation string   `json:"ai_recommendation,omitempty"`
	AIConfidence     *float64 `json:"ai_confidence,omitempty"`
	PolicyReferences []string `json:"policy_references,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// Enriched reports whether the router has already populated AI fields;
// enriched failures are not re-enriched.
func (f *Failure) Enriched() bool {
	return f.AIExplanation != "" && len(f.PolicyReferences) > 0
}

// ValidationResult is a worker's answer to a ValidationJob.
type ValidationResult struct {
	RequestID        string    `json:"request_id"`
	Domain           string    `json:"domain"`
	Success          bool      `json:"success"`
	TotalRecords     int       `json:"total_records"`
	RecordsProcessed int       `json:"records_processed"`
	RecordsFailed    int       `json:"records_failed"`
	Failures         []Failure `json:"failures"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	ModeUsed         Mode      `json:"mode_used"`
}

// CountsBySeverity tallies failures per severity level.
func (r *ValidationResult) CountsBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, f := range r.Failures {
		counts[f.Severity]++
	}
	return counts
}

// ExplainRequest asks a worker to explain a single failure.
type ExplainRequest struct {
	Domain    string   `json:"domain"`
	FailureID string   `json:"failure_id"`
	Failure   *Failure `json:"failure"`
}

// Explanation is a worker's or the knowledge base's account of a failure.
type Explanation struct {
	FailureID        string   `json:"failure_id"`
	Explanation      string   `json:"explanation"`
	Recommendation   string   `json:"recommendation,omitempty"`
	Confidence       float64  `json:"confidence"`
	PolicyReferences []string `json:"policy_references,omitempty"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// WorkerInfo is the discovery summary a worker reports about itself.
type WorkerInfo struct {
	Domain         string   `json:"domain"`
	Version        string   `json:"version"`
	Status         string   `json:"status"`
	RuleCount      int      `json:"rule_count"`
	SupportedModes []Mode   `json:"supported_modes"`
	Capabilities   []string `json:"capabilities"`
}

// SupportsMode reports whether the worker advertises the given mode.
func (i *WorkerInfo) SupportsMode(m Mode) bool {
	for _, mode := range i.SupportedModes {
		if mode == m {
			return true
		}
	}
	return false
}

// WorkerMetadata is the full rule catalog a worker exposes.
type WorkerMetadata struct {
	Domain     string                 `json:"domain"`
	Categories []string               `json:"categories"`
	Rules      []RuleDescriptor       `json:"rules,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// RuleDescriptor describes one rule in a pack's catalog.
type RuleDescriptor struct {
	RuleID      string   `json:"rule_id"`
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
}
