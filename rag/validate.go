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

package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"credence/platform/rulepack/base"
)

// ValidateRequest asks the knowledge base to flag rule material that is
// semantically relevant to the submitted records.
type ValidateRequest struct {
	Domain        string          `json:"domain"`
	TenantID      string          `json:"tenant_id"`
	SuiteID       string          `json:"suite_id,omitempty"`
	ModuleID      string          `json:"module_id,omitempty"`
	InputData     json.RawMessage `json:"input_data"`
	TopK          int             `json:"top_k,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ValidateResponse carries knowledge-grounded failures. Failures use the
// shared failure model so callers merge them with rule pack output directly.
type ValidateResponse struct {
	Domain           string         `json:"domain"`
	Failures         []base.Failure `json:"failures"`
	AvgConfidence    float64        `json:"avg_confidence"`
	RecordsProcessed int            `json:"records_processed"`
	ChunksConsulted  int            `json:"chunks_consulted"`
}

// ExplainFailureRequest asks for knowledge base context on one failure.
type ExplainFailureRequest struct {
	Domain        string        `json:"domain"`
	TenantID      string        `json:"tenant_id"`
	SuiteID       string        `json:"suite_id,omitempty"`
	ModuleID      string        `json:"module_id,omitempty"`
	Failure       *base.Failure `json:"failure"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// ruleMetadata is the rule annotation a knowledge base document may carry.
// Documents without a rule_id contribute context but never produce failures.
type ruleMetadata struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Severity string `json:"severity"`
}

// maxInputQueryChars bounds how much of the input renders into the
// retrieval query.
const maxInputQueryChars = 2000

// Validate retrieves rule material relevant to the input records and emits
// one failure per matched rule document, keyed by rule_id with the match
// strength as ai_confidence. Rules retrieved more than once keep their
// strongest match.
func (e *Engine) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	if req.Domain == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}
	if len(req.InputData) == 0 {
		return nil, fmt.Errorf("%w: input_data is required", ErrInvalidInput)
	}

	topK := req.TopK
	if topK == 0 {
		topK = 10
	}
	chunks, err := e.Retrieve(ctx, &RetrieveRequest{
		Query:         validationQuery(req.Domain, req.InputData),
		TenantID:      req.TenantID,
		SuiteID:       req.SuiteID,
		ModuleID:      req.ModuleID,
		TopK:          topK,
		Hybrid:        true,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	byRule := make(map[string]*base.Failure)
	var order []string
	for _, c := range chunks {
		var meta ruleMetadata
		if len(c.Metadata) > 0 {
			_ = json.Unmarshal(c.Metadata, &meta)
		}
		if meta.RuleID == "" {
			continue
		}
		confidence := clamp01(c.FinalScore)
		if existing, ok := byRule[meta.RuleID]; ok {
			if existing.AIConfidence != nil && *existing.AIConfidence >= confidence {
				continue
			}
		} else {
			order = append(order, meta.RuleID)
		}

		severity := base.Severity(meta.Severity)
		if !severity.Valid() {
			severity = base.SeverityWarning
		}
		ruleName := meta.RuleName
		if ruleName == "" {
			ruleName = c.DocTitle
		}
		conf := confidence
		byRule[meta.RuleID] = &base.Failure{
			RuleID:           meta.RuleID,
			RuleName:         ruleName,
			Severity:         severity,
			Description:      firstSentence(c.Content),
			AIExplanation:    strings.TrimSpace(c.Content),
			AIConfidence:     &conf,
			PolicyReferences: []string{c.DocTitle},
		}
	}

	failures := make([]base.Failure, 0, len(byRule))
	var confSum float64
	for _, id := range order {
		f := byRule[id]
		failures = append(failures, *f)
		confSum += *f.AIConfidence
	}

	avg := 1.0
	if len(failures) > 0 {
		avg = confSum / float64(len(failures))
	}

	return &ValidateResponse{
		Domain:           req.Domain,
		Failures:         failures,
		AvgConfidence:    avg,
		RecordsProcessed: countRecords(req.InputData),
		ChunksConsulted:  len(chunks),
	}, nil
}

// ExplainFailure retrieves policy context for a failure and assembles an
// explanation. An empty knowledge base yields a zero-confidence answer
// rather than an error.
func (e *Engine) ExplainFailure(ctx context.Context, req *ExplainFailureRequest) (*base.Explanation, error) {
	if req.Failure == nil || req.Failure.RuleID == "" {
		return nil, fmt.Errorf("%w: failure with rule_id is required", ErrInvalidInput)
	}

	query := strings.TrimSpace(strings.Join([]string{
		req.Domain, req.Failure.RuleID, req.Failure.RuleName, req.Failure.Field, req.Failure.Description,
	}, " "))
	chunks, err := e.Retrieve(ctx, &RetrieveRequest{
		Query:         query,
		TenantID:      req.TenantID,
		SuiteID:       req.SuiteID,
		ModuleID:      req.ModuleID,
		TopK:          3,
		Hybrid:        true,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	exp := &base.Explanation{FailureID: req.Failure.FailureID}
	if len(chunks) == 0 {
		exp.Explanation = fmt.Sprintf("No policy guidance found for rule %s.", req.Failure.RuleID)
		return exp, nil
	}

	exp.Explanation = strings.TrimSpace(chunks[0].Content)
	exp.Confidence = clamp01(chunks[0].FinalScore)
	exp.Recommendation = fmt.Sprintf("Review %q against %s and correct the submitted value.",
		req.Failure.RuleName, chunks[0].DocTitle)

	seenRefs := make(map[string]bool)
	for _, c := range chunks {
		if !seenRefs[c.DocTitle] {
			seenRefs[c.DocTitle] = true
			exp.PolicyReferences = append(exp.PolicyReferences, c.DocTitle)
		}
		if c.Heading != "" && len(exp.SuggestedActions) < 3 {
			exp.SuggestedActions = append(exp.SuggestedActions, "See: "+c.DocTitle+" / "+c.Heading)
		}
	}
	return exp, nil
}

// validationQuery renders the domain and input into retrieval text.
func validationQuery(domain string, input json.RawMessage) string {
	text := string(input)
	if len(text) > maxInputQueryChars {
		text = text[:maxInputQueryChars]
	}
	return domain + " validation rules " + text
}

// countRecords treats a JSON array as its element count and anything else
// as a single record.
func countRecords(input json.RawMessage) int {
	var arr []json.RawMessage
	if err := json.Unmarshal(input, &arr); err == nil {
		return len(arr)
	}
	return 1
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '\n' {
			return strings.TrimSpace(text[:i+1])
		}
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
