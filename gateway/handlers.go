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
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"credence/platform/rulepack/base"
	"credence/platform/rulepack/registry"
	"credence/platform/shared/httpx"
	"credence/platform/shared/ledgerapi"
)

// errorDetail maps a gateway error onto the wire detail and HTTP status.
// Unrecognized errors are hidden behind a generic 500; their cause goes to
// the log, never the response body.
func errorDetail(err error) (string, int) {
	switch {
	case errors.Is(err, registry.ErrNoRulePackForDomain):
		return fmt.Sprintf("NO_RULEPACK_FOR_DOMAIN: %v", err), http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return err.Error(), http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return err.Error(), http.StatusNotFound
	case errors.Is(err, ErrUnauthenticated):
		return err.Error(), http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized):
		return err.Error(), http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return err.Error(), http.StatusConflict
	case errors.Is(err, ErrUpstream):
		return err.Error(), http.StatusBadGateway
	default:
		return "internal error", http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, hdr httpx.Headers, op, tenantID string, err error) {
	detail, status := errorDetail(err)
	promRequestsTotal.WithLabelValues(op, "error").Inc()
	if status == http.StatusInternalServerError {
		slog.ErrorWithCode(tenantID, hdr.CorrelationID, op+" failed", status, err, nil)
	}
	w.Header().Set(httpx.HeaderCorrelationID, hdr.CorrelationID)
	sendError(w, detail, status)
}

func respondJSON(w http.ResponseWriter, hdr httpx.Headers, op string, status int, body interface{}) {
	promRequestsTotal.WithLabelValues(op, "success").Inc()
	w.Header().Set(httpx.HeaderCorrelationID, hdr.CorrelationID)
	sendJSON(w, status, body)
}

func validateHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)

	var req ValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "validate", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}

	resp, err := policyRouter.Route(r.Context(), hdr, &req)
	if err != nil {
		respondError(w, hdr, "validate", req.Options.TenantID, err)
		return
	}

	appendValidationEvent(r.Context(), hdr, &req, resp)
	respondJSON(w, hdr, "validate", http.StatusOK, resp)
}

// appendValidationEvent records the run in the audit ledger. Append
// failures are logged, never surfaced.
func appendValidationEvent(ctx context.Context, hdr httpx.Headers, req *ValidationRequest, resp *ValidationResponse) {
	if ledgerClient == nil {
		return
	}
	tenantID := req.Options.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	_, err := ledgerClient.Append(ctx, hdr, &ledgerapi.AppendRequest{
		TenantID:  tenantID,
		EventType: "validation_completed",
		EventData: map[string]interface{}{
			"request_id":     resp.RequestID,
			"domain":         resp.Domain,
			"success":        resp.Success,
			"mode_requested": resp.ModeRequested,
			"mode_executed":  resp.ModeExecuted,
			"failure_count":  len(resp.Failures),
			"records_failed": resp.Summary.RecordsFailed,
		},
		CorrelationID: hdr.CorrelationID,
		Description:   "validation completed",
	})
	if err != nil {
		slog.Warn(tenantID, hdr.CorrelationID, "ledger append failed", map[string]interface{}{
			"event_type": "validation_completed",
			"error":      err.Error(),
		})
	}
}

// ExplainRequestBody asks for an account of one validation failure.
type ExplainRequestBody struct {
	Domain    string            `json:"domain"`
	FailureID string            `json:"failure_id,omitempty"`
	Failure   *base.Failure     `json:"failure"`
	Options   ValidationOptions `json:"options,omitempty"`
}

// ExplainResponse wraps the explanation with where it came from.
type ExplainResponse struct {
	*base.Explanation
	Source        string `json:"source"` // rule_pack | knowledge_base
	CorrelationID string `json:"correlation_id"`
}

// explainHandler asks the domain's rule pack to explain a failure, falling
// back to the knowledge base when the pack cannot.
func explainHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)

	var req ExplainRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "explain", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}
	if req.Domain == "" {
		respondError(w, hdr, "explain", "", fmt.Errorf("%w: domain is required", ErrInvalidInput))
		return
	}
	if req.Failure == nil {
		respondError(w, hdr, "explain", "", fmt.Errorf("%w: failure is required", ErrInvalidInput))
		return
	}
	if req.FailureID == "" {
		req.FailureID = req.Failure.RuleID
	}

	ctx := httpx.WithHeaders(r.Context(), hdr)

	expl, source, err := explainFailure(ctx, hdr, &req)
	if err != nil {
		respondError(w, hdr, "explain", req.Options.TenantID, err)
		return
	}
	if expl.FailureID == "" {
		expl.FailureID = req.FailureID
	}
	respondJSON(w, hdr, "explain", http.StatusOK, &ExplainResponse{
		Explanation:   expl,
		Source:        source,
		CorrelationID: hdr.CorrelationID,
	})
}

func explainFailure(ctx context.Context, hdr httpx.Headers, req *ExplainRequestBody) (*base.Explanation, string, error) {
	worker, err := workerRegistry.Get(ctx, req.Domain)
	if err == nil {
		expl, werr := worker.Explain(ctx, &base.ExplainRequest{
			Domain:    req.Domain,
			FailureID: req.FailureID,
			Failure:   req.Failure,
		})
		if werr == nil {
			return expl, "rule_pack", nil
		}
		slog.Warn(req.Options.TenantID, hdr.CorrelationID, "rule pack explain failed, consulting knowledge base", map[string]interface{}{
			"domain": req.Domain,
			"error":  werr.Error(),
		})
	}

	expl, kerr := knowledgeClient.ExplainFailure(ctx, hdr, &FailureExplainRequest{
		Domain:        req.Domain,
		TenantID:      req.Options.TenantID,
		SuiteID:       req.Options.SuiteID,
		ModuleID:      req.Options.ModuleID,
		Failure:       req.Failure,
		CorrelationID: hdr.CorrelationID,
	})
	if kerr != nil {
		return nil, "", fmt.Errorf("%w: explain failed for domain %s: %v", ErrUpstream, req.Domain, kerr)
	}
	return expl, "knowledge_base", nil
}

func decisionHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)
	failureID := mux.Vars(r)["failure_id"]

	var req struct {
		Decision  string `json:"decision"`
		Reason    string `json:"reason,omitempty"`
		Notes     string `json:"notes,omitempty"`
		DecidedBy string `json:"decided_by,omitempty"`
		TenantID  string `json:"tenant_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "decision", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}

	decision := &FailureDecision{
		FailureID: failureID,
		Decision:  req.Decision,
		Reason:    req.Reason,
		Notes:     req.Notes,
		DecidedBy: req.DecidedBy,
		TenantID:  req.TenantID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := decisionStore.RecordDecision(r.Context(), decision); err != nil {
		respondError(w, hdr, "decision", req.TenantID, err)
		return
	}
	respondJSON(w, hdr, "decision", http.StatusOK, map[string]interface{}{
		"failure_id": failureID,
		"decision":   req.Decision,
		"status":     "recorded",
	})
}

func ragFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)
	failureID := mux.Vars(r)["failure_id"]

	var req struct {
		Feedback    string `json:"feedback"`
		SubmittedBy string `json:"submitted_by,omitempty"`
		TenantID    string `json:"tenant_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "feedback", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}

	feedback := &RAGFeedback{
		FailureID:   failureID,
		Feedback:    req.Feedback,
		SubmittedBy: req.SubmittedBy,
		TenantID:    req.TenantID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := decisionStore.RecordFeedback(r.Context(), feedback); err != nil {
		respondError(w, hdr, "feedback", req.TenantID, err)
		return
	}
	respondJSON(w, hdr, "feedback", http.StatusOK, map[string]interface{}{
		"id":         feedback.ID,
		"failure_id": failureID,
		"feedback":   req.Feedback,
		"status":     "recorded",
	})
}

func executeWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)

	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "execute_workflow", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}
	if req.TenantID == "" {
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			req.TenantID = claims.TenantID
		}
	}

	resp, err := workflowEngine.Execute(r.Context(), hdr, &req)
	if err != nil {
		respondError(w, hdr, "execute_workflow", req.TenantID, err)
		return
	}
	respondJSON(w, hdr, "execute_workflow", http.StatusOK, resp)
}

func approveWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)
	taskID := mux.Vars(r)["task_id"]

	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, hdr, "approve_workflow", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}
	if req.ApprovedBy == "" {
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			req.ApprovedBy = claims.Subject
		}
	}

	resp, err := workflowEngine.Approve(r.Context(), hdr, taskID, &req)
	if err != nil {
		respondError(w, hdr, "approve_workflow", "", err)
		return
	}
	respondJSON(w, hdr, "approve_workflow", http.StatusOK, resp)
}

func workflowStatusHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)
	workflowID := mux.Vars(r)["workflow_id"]

	status, err := workflowEngine.Status(r.Context(), workflowID)
	if err != nil {
		respondError(w, hdr, "workflow_status", "", err)
		return
	}
	respondJSON(w, hdr, "workflow_status", http.StatusOK, status)
}

func compileHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)

	var req CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "compile", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}

	resp, err := packCompiler.Compile(r.Context(), hdr, &req)
	if err != nil {
		respondError(w, hdr, "compile", "", err)
		return
	}
	promCompilesTotal.WithLabelValues(resp.Status).Inc()
	respondJSON(w, hdr, "compile", http.StatusOK, resp)
}

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)
	if tokenService == nil {
		sendError(w, "authentication is not configured", http.StatusServiceUnavailable)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "token", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}
	if req.GrantType == "" {
		req.GrantType = "client_credentials"
	}

	resp, err := tokenService.IssueToken(r.Context(), &req)
	if err != nil {
		respondError(w, hdr, "token", "", err)
		return
	}
	respondJSON(w, hdr, "token", http.StatusOK, resp)
}

func refreshHandler(w http.ResponseWriter, r *http.Request) {
	hdr := httpx.HeadersFromRequest(r)
	if tokenService == nil {
		sendError(w, "authentication is not configured", http.StatusServiceUnavailable)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, hdr, "refresh", "", fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}
	req.GrantType = "refresh_token"

	resp, err := tokenService.IssueToken(r.Context(), &req)
	if err != nil {
		respondError(w, hdr, "refresh", "", err)
		return
	}
	respondJSON(w, hdr, "refresh", http.StatusOK, resp)
}

// healthHandler aggregates router, database, and cache health. Worker
// degradation keeps the gateway in rotation; only registry or database
// unreachability takes it out.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	status, components := policyRouter.Health(r.Context())

	if workflowStore != nil {
		if err := workflowStore.Ping(r.Context()); err != nil {
			status = "unhealthy"
			components["database"] = false
		} else {
			components["database"] = true
		}
	}
	if rateLimiter.Enabled() {
		if err := rateLimiter.Ping(r.Context()); err != nil {
			components["redis"] = false
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			components["redis"] = true
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, map[string]interface{}{
		"status":     status,
		"service":    "credence-gateway",
		"version":    "1.0.0",
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"service":           "credence-gateway",
		"uptime_seconds":    int64(time.Since(serviceStart).Seconds()),
		"connected_workers": workerRegistry.Connected(),
		"worker_count":      workerRegistry.Count(),
		"timestamp":         time.Now().UTC(),
	})
}
