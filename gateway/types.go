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

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credence/platform/rulepack/base"
)

// Error kinds surfaced by gateway operations. Handlers map these onto HTTP
// statuses; everything unwrapped falls through as 500.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUpstream        = errors.New("upstream unavailable")
	ErrConflict        = errors.New("conflict")
)

// PolicyDecision is the router's chosen execution strategy after the
// capability check. Callers request a Mode; only the router reasons about
// decisions.
type PolicyDecision string

const (
	DecisionConservative PolicyDecision = "conservative"
	DecisionHybrid       PolicyDecision = "hybrid"
	DecisionAgentic      PolicyDecision = "agentic"
)

// ValidationOptions carries caller tuning for one validation request.
type ValidationOptions struct {
	Mode                base.Mode `json:"mode,omitempty"`
	ConfidenceThreshold float64   `json:"confidence_threshold,omitempty"`
	TenantID            string    `json:"tenant_id,omitempty"`
	MaxFailures         int       `json:"max_failures,omitempty"`
	SuiteID             string    `json:"suite_id,omitempty"`
	ModuleID            string    `json:"module_id,omitempty"`
}

// ValidationRequest is the gateway's inbound validation contract. Mode may
// appear at the top level or inside options; the top level wins when both
// are set.
type ValidationRequest struct {
	RequestID   string            `json:"request_id,omitempty"`
	Domain      string            `json:"domain"`
	Mode        base.Mode         `json:"mode,omitempty"`
	InputType   base.InputType    `json:"input_type,omitempty"`
	InputData   json.RawMessage   `json:"input_data,omitempty"`
	InputRef    string            `json:"input_ref,omitempty"`
	Options     ValidationOptions `json:"options,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at,omitempty"`
}

// EffectiveMode resolves the requested mode, defaulting to static.
func (r *ValidationRequest) EffectiveMode() base.Mode {
	if r.Mode != "" {
		return r.Mode
	}
	if r.Options.Mode != "" {
		return r.Options.Mode
	}
	return base.ModeStatic
}

// Validate checks request shape. Input may arrive inline or by reference,
// never both ways empty.
func (r *ValidationRequest) Validate() error {
	if r.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}
	if len(r.InputData) == 0 && r.InputRef == "" {
		return fmt.Errorf("%w: input_data or input_ref is required", ErrInvalidInput)
	}
	if mode := r.EffectiveMode(); !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	if r.InputType != "" && !r.InputType.Valid() {
		return fmt.Errorf("%w: unknown input_type %q", ErrInvalidInput, r.InputType)
	}
	return nil
}

// Summary aggregates one validation run for the response envelope.
type Summary struct {
	TotalRecords     int                   `json:"total_records"`
	RecordsProcessed int                   `json:"records_processed"`
	RecordsFailed    int                   `json:"records_failed"`
	CountsBySeverity map[base.Severity]int `json:"counts_by_severity"`
	ProcessingTimeMs int64                 `json:"processing_time_ms"`
	ModeUsed         base.Mode             `json:"mode_used"`
	AvgAIConfidence  *float64              `json:"avg_ai_confidence,omitempty"`
}

// ComparisonDelta reports how the rule pack and knowledge base legs of a
// hybrid run agreed. Set membership keys on rule_id.
type ComparisonDelta struct {
	JSONOnly          []string  `json:"json_only"`
	RAGOnly           []string  `json:"rag_only"`
	Common            []string  `json:"common"`
	AgreementRate     float64   `json:"agreement_rate"`
	AvgRAGConfidence  float64   `json:"avg_rag_confidence"`
	JSONFailureCount  int       `json:"json_failure_count"`
	RAGFailureCount   int       `json:"rag_failure_count"`
	AnalysisTimestamp time.Time `json:"analysis_timestamp"`
}

// ValidationResponse is the normalized envelope every mode returns.
// ModeExecuted differs from ModeRequested only when the router fell back,
// in which case FallbackReason says why.
type ValidationResponse struct {
	RequestID       string           `json:"request_id"`
	Domain          string           `json:"domain"`
	Success         bool             `json:"success"`
	Summary         Summary          `json:"summary"`
	Failures        []base.Failure   `json:"failures"`
	ModeRequested   base.Mode        `json:"mode_requested"`
	ModeExecuted    base.Mode        `json:"mode_executed"`
	FallbackReason  string           `json:"fallback_reason,omitempty"`
	ComparisonDelta *ComparisonDelta `json:"comparison_delta,omitempty"`
	CorrelationID   string           `json:"correlation_id"`
	CompletedAt     time.Time        `json:"completed_at"`
}

// WorkflowState is a workflow execution's lifecycle state.
type WorkflowState string

const (
	StatePendingApproval     WorkflowState = "pending_approval"
	StateExecuting           WorkflowState = "executing"
	StateExecuted            WorkflowState = "executed"
	StateApprovedAndExecuted WorkflowState = "approved_and_executed"
	StateApprovedButFailed   WorkflowState = "approved_but_failed"
	StateFailed              WorkflowState = "failed"
)

// TaskStatus is an approval task's lifecycle state. A task leaves pending
// exactly once.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
)

// WorkflowRequest submits a workflow for execution. The payload is opaque
// JSON; only top-level keys participate in approval classification.
type WorkflowRequest struct {
	WorkflowPackID string                 `json:"workflow_pack_id"`
	WorkflowType   string                 `json:"workflow_type"`
	Payload        map[string]interface{} `json:"payload"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	Requester      string                 `json:"requester,omitempty"`
}

// WorkflowResponse acknowledges a submission or resumption.
type WorkflowResponse struct {
	WorkflowID            string                 `json:"workflow_id"`
	Status                WorkflowState          `json:"status"`
	RequiresHumanApproval bool                   `json:"requires_human_approval"`
	ApprovalTaskID        string                 `json:"approval_task_id,omitempty"`
	ApprovalReason        string                 `json:"approval_reason,omitempty"`
	Result                map[string]interface{} `json:"result,omitempty"`
	Error                 string                 `json:"error,omitempty"`
	CorrelationID         string                 `json:"correlation_id"`
}

// WorkflowRecord is the persisted execution state. Payload is stored
// redacted; InputHash is the canonical hash of the unredacted payload.
type WorkflowRecord struct {
	WorkflowID     string          `json:"workflow_id"`
	WorkflowPackID string          `json:"workflow_pack_id"`
	WorkflowType   string          `json:"workflow_type"`
	Payload        json.RawMessage `json:"payload"`
	InputHash      string          `json:"input_hash"`
	State          WorkflowState   `json:"state"`
	ApprovalTaskID string          `json:"approval_task_id,omitempty"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ApprovalTask is a suspended workflow awaiting a human decision.
type ApprovalTask struct {
	TaskID       string          `json:"task_id"`
	WorkflowID   string          `json:"workflow_id"`
	Requester    string          `json:"requester,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
	Status       TaskStatus      `json:"status"`
	ApprovedBy   string          `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	ApprovalData json.RawMessage `json:"approval_data,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ApprovalRequest carries the human decision on a pending task.
// Decision defaults to approve.
type ApprovalRequest struct {
	Decision     string                 `json:"decision,omitempty"` // approve | reject
	ApprovedBy   string                 `json:"approved_by,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	ApprovalData map[string]interface{} `json:"approval_data,omitempty"`
}

// ApprovalResponse reports the outcome of an approve call. Repeat approvals
// of the same task return already_approved with no new execution.
type ApprovalResponse struct {
	TaskID        string        `json:"task_id"`
	WorkflowID    string        `json:"workflow_id"`
	Status        string        `json:"status"` // approved_and_executed | approved_but_failed | already_approved | rejected
	WorkflowState WorkflowState `json:"workflow_state"`
	Error         string        `json:"error,omitempty"`
	CorrelationID string        `json:"correlation_id"`
}
