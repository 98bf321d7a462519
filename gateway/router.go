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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"credence/platform/rulepack/base"
	"credence/platform/rulepack/registry"
	"credence/platform/shared/httpx"
	"credence/platform/shared/logger"
)

// DefaultConfidenceThreshold gates agentic mode when the caller does not
// supply one.
const DefaultConfidenceThreshold = 0.7

// WorkerPool resolves domains to registrations and connected workers.
// *registry.Registry is the production implementation.
type WorkerPool interface {
	Resolve(ctx context.Context, domain string) (*registry.Registration, error)
	Get(ctx context.Context, domain string) (base.Worker, error)
	HealthCheckAll(ctx context.Context) map[string]*base.HealthStatus
	Ping(ctx context.Context) error
}

var _ WorkerPool = (*registry.Registry)(nil)

// PolicyRouter picks an execution policy for each validation request,
// dispatches it, and normalizes the result. It is the only component that
// reasons about modes; workers only ever see their own directive.
type PolicyRouter struct {
	pool      WorkerPool
	knowledge KnowledgeService
	slog      *logger.Logger
	threshold float64
}

// NewPolicyRouter builds a router over a worker pool and the knowledge
// service.
func NewPolicyRouter(pool WorkerPool, knowledge KnowledgeService) *PolicyRouter {
	return &PolicyRouter{
		pool:      pool,
		knowledge: knowledge,
		slog:      logger.New("policy-router"),
		threshold: DefaultConfidenceThreshold,
	}
}

// Route validates the request shape, selects a policy, and executes it.
// Mode fallback is never an error: it surfaces through mode_executed and
// fallback_reason on the response.
func (r *PolicyRouter) Route(ctx context.Context, hdr httpx.Headers, req *ValidationRequest) (*ValidationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	// Workers and the knowledge service read propagated headers from the
	// context.
	ctx = httpx.WithHeaders(ctx, hdr)

	reg, err := r.pool.Resolve(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	decision := selectPolicy(req.EffectiveMode(), reg)
	promPolicyDecisions.WithLabelValues(string(decision)).Inc()

	started := time.Now()
	var resp *ValidationResponse
	switch decision {
	case DecisionConservative:
		resp, err = r.runConservative(ctx, hdr, req, "")
	case DecisionHybrid:
		resp, err = r.runHybrid(ctx, hdr, req)
	case DecisionAgentic:
		resp, err = r.runAgentic(ctx, hdr, req)
	default:
		return nil, fmt.Errorf("unknown policy decision %q", decision)
	}
	if err != nil {
		return nil, err
	}

	resp.Summary.ProcessingTimeMs = time.Since(started).Milliseconds()
	resp.CompletedAt = time.Now().UTC()
	resp.CorrelationID = hdr.CorrelationID
	if resp.FallbackReason != "" {
		promModeFallbacks.Inc()
	}
	promModeDuration.WithLabelValues(string(resp.ModeExecuted)).Observe(float64(resp.Summary.ProcessingTimeMs))
	return resp, nil
}

// selectPolicy maps the requested mode onto a policy decision. Agentic
// downgrades to hybrid when the pack's registration does not advertise it.
func selectPolicy(mode base.Mode, reg *registry.Registration) PolicyDecision {
	switch mode {
	case base.ModeHybrid:
		return DecisionHybrid
	case base.ModeAgentic:
		if reg.SupportsMode(base.ModeAgentic) {
			return DecisionAgentic
		}
		return DecisionHybrid
	default:
		return DecisionConservative
	}
}

// runConservative executes the JSON-authoritative path: worker validation
// with mode=static, then per-failure knowledge enrichment. Enrichment
// errors are logged and never fail the request.
func (r *PolicyRouter) runConservative(ctx context.Context, hdr httpx.Headers, req *ValidationRequest, fallbackReason string) (*ValidationResponse, error) {
	result, err := r.validateWorker(ctx, req)
	if err != nil {
		return nil, err
	}

	for i := range result.Failures {
		if result.Failures[i].Enriched() {
			continue
		}
		r.enrichFailure(ctx, hdr, req, &result.Failures[i])
	}

	resp := r.newResponse(req, result, base.ModeStatic)
	resp.FallbackReason = fallbackReason
	return resp, nil
}

// runHybrid fans out the worker and knowledge legs concurrently, waits for
// both, and merges. The legs never cancel each other; both outcomes are
// observed. JSON failures stay authoritative.
func (r *PolicyRouter) runHybrid(ctx context.Context, hdr httpx.Headers, req *ValidationRequest) (*ValidationResponse, error) {
	var (
		wg      sync.WaitGroup
		jsonRes *base.ValidationResult
		jsonErr error
		ragRes  *KnowledgeValidateResponse
		ragErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		jsonRes, jsonErr = r.validateWorker(ctx, req)
	}()
	go func() {
		defer wg.Done()
		ragRes, ragErr = r.knowledge.ValidateKnowledge(ctx, hdr, r.knowledgeRequest(hdr, req))
	}()
	wg.Wait()

	if jsonErr != nil {
		return nil, jsonErr
	}
	if ragErr != nil {
		r.slog.Warn(req.Options.TenantID, hdr.CorrelationID, "hybrid knowledge leg failed, serving rule pack result", map[string]interface{}{
			"domain": req.Domain,
			"error":  ragErr.Error(),
		})
		resp := r.newResponse(req, jsonRes, base.ModeStatic)
		resp.FallbackReason = fmt.Sprintf("RAG validation error: %v", ragErr)
		return resp, nil
	}

	avgConfidence := avgRAGConfidence(ragRes.Failures)
	mergeAIFields(jsonRes.Failures, ragRes.Failures)

	resp := r.newResponse(req, jsonRes, base.ModeHybrid)
	resp.ComparisonDelta = buildComparisonDelta(jsonRes.Failures, ragRes.Failures, avgConfidence)
	resp.Summary.AvgAIConfidence = &avgConfidence
	return resp, nil
}

// runAgentic serves the knowledge base result when its confidence clears
// the caller's threshold; otherwise it degrades to conservative with the
// reason recorded.
func (r *PolicyRouter) runAgentic(ctx context.Context, hdr httpx.Headers, req *ValidationRequest) (*ValidationResponse, error) {
	ragRes, err := r.knowledge.ValidateKnowledge(ctx, hdr, r.knowledgeRequest(hdr, req))
	if err != nil {
		r.slog.Warn(req.Options.TenantID, hdr.CorrelationID, "agentic knowledge validation failed, falling back", map[string]interface{}{
			"domain": req.Domain,
			"error":  err.Error(),
		})
		return r.runConservative(ctx, hdr, req, fmt.Sprintf("RAG validation error: %v", err))
	}

	threshold := req.Options.ConfidenceThreshold
	if threshold == 0 {
		threshold = r.threshold
	}
	avgConfidence := avgRAGConfidence(ragRes.Failures)
	if avgConfidence < threshold {
		return r.runConservative(ctx, hdr, req, fmt.Sprintf("Low RAG confidence: %.3f", avgConfidence))
	}

	resp := &ValidationResponse{
		RequestID:     req.RequestID,
		Domain:        req.Domain,
		Success:       successFrom(ragRes.Failures),
		Failures:      ragRes.Failures,
		ModeRequested: req.EffectiveMode(),
		ModeExecuted:  base.ModeAgentic,
		CorrelationID: hdr.CorrelationID,
		Summary: Summary{
			TotalRecords:     ragRes.RecordsProcessed,
			RecordsProcessed: ragRes.RecordsProcessed,
			CountsBySeverity: countsBySeverity(ragRes.Failures),
			ModeUsed:         base.ModeAgentic,
			AvgAIConfidence:  &avgConfidence,
		},
	}
	if resp.Failures == nil {
		resp.Failures = []base.Failure{}
	}
	return resp, nil
}

// validateWorker dispatches the static-mode job to the domain's worker.
// Worker errors here are fatal: there is no more conservative mode left.
func (r *PolicyRouter) validateWorker(ctx context.Context, req *ValidationRequest) (*base.ValidationResult, error) {
	worker, err := r.pool.Get(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	inputType := req.InputType
	if inputType == "" {
		inputType = base.InputRecords
	}
	job := &base.ValidationJob{
		RequestID:   req.RequestID,
		Domain:      req.Domain,
		Mode:        base.ModeStatic,
		InputType:   inputType,
		InputData:   req.InputData,
		InputRef:    req.InputRef,
		TenantID:    req.Options.TenantID,
		MaxFailures: req.Options.MaxFailures,
		SubmittedAt: req.SubmittedAt,
	}

	result, err := worker.Validate(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("%w: rule pack %s: %v", ErrUpstream, req.Domain, err)
	}
	return result, nil
}

// enrichFailure populates the AI fields of one failure from the knowledge
// base. Errors degrade to "no enrichment for this failure".
func (r *PolicyRouter) enrichFailure(ctx context.Context, hdr httpx.Headers, req *ValidationRequest, failure *base.Failure) {
	expl, err := r.knowledge.ExplainFailure(ctx, hdr, &FailureExplainRequest{
		Domain:        req.Domain,
		TenantID:      req.Options.TenantID,
		SuiteID:       req.Options.SuiteID,
		ModuleID:      req.Options.ModuleID,
		Failure:       failure,
		CorrelationID: hdr.CorrelationID,
	})
	if err != nil {
		r.slog.Warn(req.Options.TenantID, hdr.CorrelationID, "failure enrichment skipped", map[string]interface{}{
			"rule_id": failure.RuleID,
			"error":   err.Error(),
		})
		return
	}

	if failure.AIExplanation == "" {
		failure.AIExplanation = expl.Explanation
	}
	if failure.AIRecommendation == "" {
		failure.AIRecommendation = expl.Recommendation
	}
	if failure.AIConfidence == nil {
		confidence := expl.Confidence
		failure.AIConfidence = &confidence
	}
	if len(failure.PolicyReferences) == 0 {
		failure.PolicyReferences = expl.PolicyReferences
	}
	if len(failure.SuggestedActions) == 0 {
		failure.SuggestedActions = expl.SuggestedActions
	}
}

func (r *PolicyRouter) knowledgeRequest(hdr httpx.Headers, req *ValidationRequest) *KnowledgeValidateRequest {
	return &KnowledgeValidateRequest{
		Domain:        req.Domain,
		TenantID:      req.Options.TenantID,
		SuiteID:       req.Options.SuiteID,
		ModuleID:      req.Options.ModuleID,
		InputData:     req.InputData,
		CorrelationID: hdr.CorrelationID,
	}
}

// newResponse shapes a worker result into the response envelope.
func (r *PolicyRouter) newResponse(req *ValidationRequest, result *base.ValidationResult, executed base.Mode) *ValidationResponse {
	failures := result.Failures
	if failures == nil {
		failures = []base.Failure{}
	}

	resp := &ValidationResponse{
		RequestID:     req.RequestID,
		Domain:        req.Domain,
		Success:       result.Success,
		Failures:      failures,
		ModeRequested: req.EffectiveMode(),
		ModeExecuted:  executed,
		Summary: Summary{
			TotalRecords:     result.TotalRecords,
			RecordsProcessed: result.RecordsProcessed,
			RecordsFailed:    result.RecordsFailed,
			CountsBySeverity: countsBySeverity(failures),
			ModeUsed:         executed,
		},
	}
	if avg, ok := avgPresentConfidence(failures); ok {
		resp.Summary.AvgAIConfidence = &avg
	}
	return resp
}

// Health derives the router's aggregate status: unhealthy when the
// registry is unreachable, degraded when any connected worker fails its
// health check, healthy otherwise.
func (r *PolicyRouter) Health(ctx context.Context) (string, map[string]bool) {
	if err := r.pool.Ping(ctx); err != nil {
		return "unhealthy", map[string]bool{"registry": false}
	}

	components := map[string]bool{"registry": true}
	status := "healthy"
	for domain, hs := range r.pool.HealthCheckAll(ctx) {
		healthy := hs != nil && hs.Healthy
		components["worker:"+domain] = healthy
		if !healthy {
			status = "degraded"
		}
	}
	return status, components
}

// avgRAGConfidence is the agentic gate input: the mean per-failure
// ai_confidence, 1.0 for an empty set, 0.8 for any failure missing one.
func avgRAGConfidence(failures []base.Failure) float64 {
	if len(failures) == 0 {
		return 1.0
	}
	total := 0.0
	for _, f := range failures {
		if f.AIConfidence != nil {
			total += *f.AIConfidence
		} else {
			total += 0.8
		}
	}
	return total / float64(len(failures))
}

// avgPresentConfidence averages only the confidences actually present.
func avgPresentConfidence(failures []base.Failure) (float64, bool) {
	total, n := 0.0, 0
	for _, f := range failures {
		if f.AIConfidence != nil {
			total += *f.AIConfidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}

// successFrom treats fatal and error severities as validation failure.
func successFrom(failures []base.Failure) bool {
	for _, f := range failures {
		if f.Severity == base.SeverityFatal || f.Severity == base.SeverityError {
			return false
		}
	}
	return true
}

func countsBySeverity(failures []base.Failure) map[base.Severity]int {
	counts := make(map[base.Severity]int)
	for _, f := range failures {
		counts[f.Severity]++
	}
	return counts
}

// mergeAIFields copies knowledge base AI fields into matching worker
// failures when absent, joined on rule_id.
func mergeAIFields(jsonFailures []base.Failure, ragFailures []base.Failure) {
	byRule := make(map[string]*base.Failure, len(ragFailures))
	for i := range ragFailures {
		if _, seen := byRule[ragFailures[i].RuleID]; !seen {
			byRule[ragFailures[i].RuleID] = &ragFailures[i]
		}
	}

	for i := range jsonFailures {
		match, ok := byRule[jsonFailures[i].RuleID]
		if !ok {
			continue
		}
		if jsonFailures[i].AIExplanation == "" {
			jsonFailures[i].AIExplanation = match.AIExplanation
		}
		if jsonFailures[i].AIRecommendation == "" {
			jsonFailures[i].AIRecommendation = match.AIRecommendation
		}
		if jsonFailures[i].AIConfidence == nil && match.AIConfidence != nil {
			confidence := *match.AIConfidence
			jsonFailures[i].AIConfidence = &confidence
		}
		if len(jsonFailures[i].PolicyReferences) == 0 {
			jsonFailures[i].PolicyReferences = match.PolicyReferences
		}
		if len(jsonFailures[i].SuggestedActions) == 0 {
			jsonFailures[i].SuggestedActions = match.SuggestedActions
		}
	}
}

// buildComparisonDelta computes the hybrid agreement report. Membership
// keys on rule_id; agreement_rate is |∩| / max(|∪|, 1).
func buildComparisonDelta(jsonFailures, ragFailures []base.Failure, avgRAGConfidence float64) *ComparisonDelta {
	jsonRules := ruleSet(jsonFailures)
	ragRules := ruleSet(ragFailures)

	var jsonOnly, ragOnly, common []string
	union := 0
	for rule := range jsonRules {
		union++
		if ragRules[rule] {
			common = append(common, rule)
		} else {
			jsonOnly = append(jsonOnly, rule)
		}
	}
	for rule := range ragRules {
		if !jsonRules[rule] {
			union++
			ragOnly = append(ragOnly, rule)
		}
	}
	sort.Strings(jsonOnly)
	sort.Strings(ragOnly)
	sort.Strings(common)

	divisor := union
	if divisor < 1 {
		divisor = 1
	}

	return &ComparisonDelta{
		JSONOnly:          emptyIfNil(jsonOnly),
		RAGOnly:           emptyIfNil(ragOnly),
		Common:            emptyIfNil(common),
		AgreementRate:     float64(len(common)) / float64(divisor),
		AvgRAGConfidence:  avgRAGConfidence,
		JSONFailureCount:  len(jsonFailures),
		RAGFailureCount:   len(ragFailures),
		AnalysisTimestamp: time.Now().UTC(),
	}
}

func ruleSet(failures []base.Failure) map[string]bool {
	set := make(map[string]bool, len(failures))
	for _, f := range failures {
		set[f.RuleID] = true
	}
	return set
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
