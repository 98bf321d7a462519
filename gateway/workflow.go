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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"credence/platform/rulepack/base"
	"credence/platform/shared/canonjson"
	"credence/platform/shared/httpx"
	"credence/platform/shared/ledgerapi"
	"credence/platform/shared/logger"
	"credence/platform/shared/redact"
)

// DefaultAmountThreshold is the monetary gate for human approval.
// Strictly greater triggers; the threshold itself does not.
const DefaultAmountThreshold = 10000.0

// Workflow types that always require human approval, matched
// case-insensitively.
var hilWorkflowTypes = map[string]bool{
	"legal":     true,
	"financial": true,
	"title":     true,
	"ownership": true,
	"lien":      true,
}

// Top-level payload keys that mark a workflow as sensitive. Designers hoist
// sensitive fields to the top level; nested structures are not inspected.
var hilPayloadKeys = map[string]bool{
	"legal_description": true,
	"ownership_chain":   true,
	"lien_data":         true,
	"judgment":          true,
	"title_commitment":  true,
	"deed":              true,
	"mortgage":          true,
	"encumbrance":       true,
}

// WorkflowStorage persists workflow executions and approval tasks. The
// Postgres implementation lives in workflow_store.go; tests substitute an
// in-memory fake.
type WorkflowStorage interface {
	InsertWorkflow(ctx context.Context, record *WorkflowRecord) error
	UpdateWorkflowState(ctx context.Context, workflowID string, state WorkflowState, errMsg string) error
	MarkApproved(ctx context.Context, workflowID, approvedBy string, at time.Time) error
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error)
	InsertTask(ctx context.Context, task *ApprovalTask) error
	GetTask(ctx context.Context, taskID string) (*ApprovalTask, error)
	ApproveTask(ctx context.Context, taskID, approvedBy string, approvalData json.RawMessage, at time.Time) (bool, error)
	RejectTask(ctx context.Context, taskID, rejectedBy string, at time.Time) (bool, error)
}

// Workflow ledger event types.
const (
	eventWorkflowSubmitted        = "workflow_submitted"
	eventWorkflowApprovalRequired = "workflow_approval_required"
	eventWorkflowApproved         = "workflow_approved"
	eventWorkflowRejected         = "workflow_rejected"
	eventWorkflowExecuted         = "workflow_executed"
	eventWorkflowFailed           = "workflow_failed"
)

// WorkflowEngine classifies workflows, runs them or suspends them behind an
// approval task, and resumes on approval. Every transition is appended to
// the audit ledger under the submission's correlation_id.
type WorkflowEngine struct {
	store     WorkflowStorage
	pool      WorkerPool
	ledger    ledgerapi.Appender
	redactor  redact.Redactor
	threshold float64
	slog      *logger.Logger
}

// NewWorkflowEngine builds the executor. The approval amount threshold
// comes from HIL_AMOUNT_THRESHOLD (default 10000).
func NewWorkflowEngine(store WorkflowStorage, pool WorkerPool, ledger ledgerapi.Appender, redactor redact.Redactor) *WorkflowEngine {
	return &WorkflowEngine{
		store:     store,
		pool:      pool,
		ledger:    ledger,
		redactor:  redactor,
		threshold: amountThresholdFromEnv(),
		slog:      logger.New("workflow-engine"),
	}
}

func amountThresholdFromEnv() float64 {
	raw := os.Getenv("HIL_AMOUNT_THRESHOLD")
	if raw == "" {
		return DefaultAmountThreshold
	}
	threshold, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return DefaultAmountThreshold
	}
	return threshold
}

// RequiresApproval applies the deterministic human-in-the-loop gate: a
// sensitive workflow type, a sensitive top-level payload key, or a
// top-level amount strictly over the threshold.
func (e *WorkflowEngine) RequiresApproval(workflowType string, payload map[string]interface{}) (bool, string) {
	if hilWorkflowTypes[strings.ToLower(workflowType)] {
		return true, fmt.Sprintf("workflow type %q requires human approval", workflowType)
	}

	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if hilPayloadKeys[strings.ToLower(key)] {
			return true, fmt.Sprintf("payload contains sensitive field %q", key)
		}
	}
	for _, key := range keys {
		if !strings.Contains(strings.ToLower(key), "amount") {
			continue
		}
		amount, ok := numericValue(payload[key])
		if ok && amount > e.threshold {
			return true, fmt.Sprintf("%s %.2f exceeds approval threshold %.2f", key, amount, e.threshold)
		}
	}
	return false, ""
}

// numericValue extracts a float from the value shapes JSON payloads carry.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Execute submits a workflow: classify, then run immediately or suspend
// behind an approval task. The returned response always carries the
// submission's correlation_id.
func (e *WorkflowEngine) Execute(ctx context.Context, hdr httpx.Headers, req *WorkflowRequest) (*WorkflowResponse, error) {
	if req.WorkflowPackID == "" {
		return nil, fmt.Errorf("%w: workflow_pack_id is required", ErrInvalidInput)
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}
	// Workers read propagated headers from the context.
	ctx = httpx.WithHeaders(ctx, hdr)

	inputHash, err := canonjson.HashValue(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidInput, err)
	}

	redacted := redact.RedactValue(ctx, e.redactor, req.Payload)
	redactedRaw, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode redacted payload: %w", err)
	}

	now := time.Now().UTC()
	record := &WorkflowRecord{
		WorkflowID:     uuid.New().String(),
		WorkflowPackID: req.WorkflowPackID,
		WorkflowType:   req.WorkflowType,
		Payload:        redactedRaw,
		InputHash:      inputHash,
		TenantID:       req.TenantID,
		CorrelationID:  hdr.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	requires, reason := e.RequiresApproval(req.WorkflowType, req.Payload)
	if requires {
		task := &ApprovalTask{
			TaskID:      uuid.New().String(),
			WorkflowID:  record.WorkflowID,
			Requester:   req.Requester,
			PayloadHash: inputHash,
			Status:      TaskPending,
			CreatedAt:   now,
		}
		record.State = StatePendingApproval
		record.ApprovalTaskID = task.TaskID

		if err := e.store.InsertWorkflow(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to persist workflow: %w", err)
		}
		if err := e.store.InsertTask(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to persist approval task: %w", err)
		}

		e.appendLedger(ctx, hdr, record, eventWorkflowSubmitted, "workflow submitted")
		e.appendLedger(ctx, hdr, record, eventWorkflowApprovalRequired, reason)

		promWorkflowsTotal.WithLabelValues(string(StatePendingApproval)).Inc()
		e.slog.Info(record.TenantID, record.CorrelationID, "workflow suspended for approval", map[string]interface{}{
			"workflow_id": record.WorkflowID,
			"task_id":     task.TaskID,
			"reason":      reason,
		})

		return &WorkflowResponse{
			WorkflowID:            record.WorkflowID,
			Status:                StatePendingApproval,
			RequiresHumanApproval: true,
			ApprovalTaskID:        task.TaskID,
			ApprovalReason:        reason,
			CorrelationID:         record.CorrelationID,
		}, nil
	}

	record.State = StateExecuting
	if err := e.store.InsertWorkflow(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}
	e.appendLedger(ctx, hdr, record, eventWorkflowSubmitted, "workflow submitted")

	result, err := e.dispatch(ctx, record)
	if err != nil {
		e.failWorkflow(ctx, hdr, record, StateFailed, err)
		return &WorkflowResponse{
			WorkflowID:    record.WorkflowID,
			Status:        StateFailed,
			Error:         err.Error(),
			CorrelationID: record.CorrelationID,
		}, nil
	}

	if err := e.store.UpdateWorkflowState(ctx, record.WorkflowID, StateExecuted, ""); err != nil {
		e.slog.Warn(record.TenantID, record.CorrelationID, "failed to record executed state", map[string]interface{}{
			"workflow_id": record.WorkflowID,
			"error":       err.Error(),
		})
	}
	e.appendLedger(ctx, hdr, record, eventWorkflowExecuted, "workflow executed")
	promWorkflowsTotal.WithLabelValues(string(StateExecuted)).Inc()

	return &WorkflowResponse{
		WorkflowID:    record.WorkflowID,
		Status:        StateExecuted,
		Result:        result,
		CorrelationID: record.CorrelationID,
	}, nil
}

// Approve resolves a pending approval task. The pending→approved transition
// happens exactly once; repeat calls observe the post-state and return
// already_approved. Resumption runs under the submission's original
// correlation_id.
func (e *WorkflowEngine) Approve(ctx context.Context, hdr httpx.Headers, taskID string, req *ApprovalRequest) (*ApprovalResponse, error) {
	decision := req.Decision
	if decision == "" {
		decision = "approve"
	}
	if decision != "approve" && decision != "reject" {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, decision)
	}

	now := time.Now().UTC()
	if decision == "reject" {
		return e.reject(ctx, hdr, taskID, req, now)
	}

	var approvalData json.RawMessage
	if req.ApprovalData != nil {
		raw, err := json.Marshal(req.ApprovalData)
		if err != nil {
			return nil, fmt.Errorf("%w: approval_data is not valid JSON: %v", ErrInvalidInput, err)
		}
		approvalData = raw
	}

	applied, err := e.store.ApproveTask(ctx, taskID, req.ApprovedBy, approvalData, now)
	if err != nil {
		return nil, fmt.Errorf("failed to approve task: %w", err)
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if !applied {
		// The transition already happened; report the post-state.
		if task.Status == TaskApproved {
			record, err := e.store.GetWorkflow(ctx, task.WorkflowID)
			if err != nil {
				return nil, err
			}
			promApprovalsTotal.WithLabelValues("already_approved").Inc()
			return &ApprovalResponse{
				TaskID:        taskID,
				WorkflowID:    task.WorkflowID,
				Status:        "already_approved",
				WorkflowState: record.State,
				CorrelationID: record.CorrelationID,
			}, nil
		}
		return nil, fmt.Errorf("%w: task %s was already rejected", ErrConflict, taskID)
	}

	record, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	// Trace continuity: resumption runs under the submission's
	// correlation_id, not the approver's.
	resumeHdr := hdr
	resumeHdr.CorrelationID = record.CorrelationID
	ctx = httpx.WithHeaders(ctx, resumeHdr)

	if err := e.store.MarkApproved(ctx, record.WorkflowID, req.ApprovedBy, now); err != nil {
		e.slog.Warn(record.TenantID, record.CorrelationID, "failed to record approval on workflow", map[string]interface{}{
			"workflow_id": record.WorkflowID,
			"error":       err.Error(),
		})
	}
	e.appendLedger(ctx, resumeHdr, record, eventWorkflowApproved, "approval granted")

	if _, err := e.dispatch(ctx, record); err != nil {
		e.failWorkflow(ctx, resumeHdr, record, StateApprovedButFailed, err)
		promApprovalsTotal.WithLabelValues("approved_but_failed").Inc()
		return &ApprovalResponse{
			TaskID:        taskID,
			WorkflowID:    record.WorkflowID,
			Status:        string(StateApprovedButFailed),
			WorkflowState: StateApprovedButFailed,
			Error:         err.Error(),
			CorrelationID: record.CorrelationID,
		}, nil
	}

	if err := e.store.UpdateWorkflowState(ctx, record.WorkflowID, StateApprovedAndExecuted, ""); err != nil {
		e.slog.Warn(record.TenantID, record.CorrelationID, "failed to record executed state", map[string]interface{}{
			"workflow_id": record.WorkflowID,
			"error":       err.Error(),
		})
	}
	e.appendLedger(ctx, resumeHdr, record, eventWorkflowExecuted, "resumed execution completed")
	promApprovalsTotal.WithLabelValues("approved_and_executed").Inc()

	return &ApprovalResponse{
		TaskID:        taskID,
		WorkflowID:    record.WorkflowID,
		Status:        string(StateApprovedAndExecuted),
		WorkflowState: StateApprovedAndExecuted,
		CorrelationID: record.CorrelationID,
	}, nil
}

func (e *WorkflowEngine) reject(ctx context.Context, hdr httpx.Headers, taskID string, req *ApprovalRequest, now time.Time) (*ApprovalResponse, error) {
	applied, err := e.store.RejectTask(ctx, taskID, req.ApprovedBy, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reject task: %w", err)
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	record, err := e.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	if !applied {
		if task.Status == TaskApproved {
			return nil, fmt.Errorf("%w: task %s was already approved", ErrConflict, taskID)
		}
		// Repeat rejection observes the post-state.
		return &ApprovalResponse{
			TaskID:        taskID,
			WorkflowID:    record.WorkflowID,
			Status:        "rejected",
			WorkflowState: record.State,
			CorrelationID: record.CorrelationID,
		}, nil
	}

	rejectHdr := hdr
	rejectHdr.CorrelationID = record.CorrelationID

	reason := req.Reason
	if reason == "" {
		reason = "rejected by approver"
	}
	if err := e.store.UpdateWorkflowState(ctx, record.WorkflowID, StateFailed, reason); err != nil {
		e.slog.Warn(record.TenantID, record.CorrelationID, "failed to record rejected state", map[string]interface{}{
			"workflow_id": record.WorkflowID,
			"error":       err.Error(),
		})
	}
	e.appendLedger(ctx, rejectHdr, record, eventWorkflowRejected, reason)
	promApprovalsTotal.WithLabelValues("rejected").Inc()

	return &ApprovalResponse{
		TaskID:        taskID,
		WorkflowID:    record.WorkflowID,
		Status:        "rejected",
		WorkflowState: StateFailed,
		CorrelationID: record.CorrelationID,
	}, nil
}

// WorkflowStatus is the status query response: the execution record plus
// the approval task's state when one exists.
type WorkflowStatus struct {
	*WorkflowRecord
	ApprovalStatus TaskStatus `json:"approval_status,omitempty"`
}

// Status returns the current state of one workflow.
func (e *WorkflowEngine) Status(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	record, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	status := &WorkflowStatus{WorkflowRecord: record}
	if record.ApprovalTaskID != "" {
		task, err := e.store.GetTask(ctx, record.ApprovalTaskID)
		if err == nil {
			status.ApprovalStatus = task.Status
		}
	}
	return status, nil
}

// dispatch hands the redacted payload to the domain's rule pack worker.
// The worker's validation outcome is the workflow result; only transport
// or pack resolution errors fail the execution.
func (e *WorkflowEngine) dispatch(ctx context.Context, record *WorkflowRecord) (map[string]interface{}, error) {
	domain := strings.TrimSuffix(record.WorkflowPackID, ".pack")

	worker, err := e.pool.Get(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow pack %s: %w", record.WorkflowPackID, err)
	}

	result, err := worker.Validate(ctx, &base.ValidationJob{
		RequestID:   record.WorkflowID,
		Domain:      domain,
		Mode:        base.ModeStatic,
		InputType:   base.InputRecords,
		InputData:   record.Payload,
		TenantID:    record.TenantID,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("workflow pack execution failed: %w", err)
	}

	return map[string]interface{}{
		"success":           result.Success,
		"records_processed": result.RecordsProcessed,
		"failure_count":     len(result.Failures),
		"mode_used":         result.ModeUsed,
	}, nil
}

func (e *WorkflowEngine) failWorkflow(ctx context.Context, hdr httpx.Headers, record *WorkflowRecord, state WorkflowState, cause error) {
	if err := e.store.UpdateWorkflowState(ctx, record.WorkflowID, state, cause.Error()); err != nil {
		e.slog.Warn(record.TenantID, record.CorrelationID, "failed to record failure state", map[string]interface{}{
			"workflow_id": record.WorkflowID,
			"error":       err.Error(),
		})
	}
	e.appendLedger(ctx, hdr, record, eventWorkflowFailed, cause.Error())
	promWorkflowsTotal.WithLabelValues(string(state)).Inc()
	e.slog.ErrorWithCode(record.TenantID, record.CorrelationID, "workflow execution failed", 0, cause, map[string]interface{}{
		"workflow_id": record.WorkflowID,
		"state":       string(state),
	})
}

// appendLedger writes one audit event carrying the redacted payload and the
// unredacted input hash. Audit transport failures are logged, never fatal.
func (e *WorkflowEngine) appendLedger(ctx context.Context, hdr httpx.Headers, record *WorkflowRecord, eventType, description string) {
	if e.ledger == nil {
		return
	}

	_, err := e.ledger.Append(ctx, hdr, &ledgerapi.AppendRequest{
		TenantID:  record.TenantID,
		EventType: eventType,
		EventData: map[string]interface{}{
			"workflow_id":      record.WorkflowID,
			"workflow_pack_id": record.WorkflowPackID,
			"workflow_type":    record.WorkflowType,
			"payload":          record.Payload,
			"input_hash":       record.InputHash,
		},
		CorrelationID: record.CorrelationID,
		Description:   description,
	})
	if err != nil {
		e.slog.Warn(record.TenantID, record.CorrelationID, "ledger append failed", map[string]interface{}{
			"event_type": eventType,
			"error":      err.Error(),
		})
	}
}
