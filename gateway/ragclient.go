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
	"strings"

	"credence/platform/rulepack/base"
	"credence/platform/shared/httpx"
)

// KnowledgeValidateRequest asks the knowledge base to validate input
// records against retrieved rule material.
type KnowledgeValidateRequest struct {
	Domain        string          `json:"domain"`
	TenantID      string          `json:"tenant_id,omitempty"`
	SuiteID       string          `json:"suite_id,omitempty"`
	ModuleID      string          `json:"module_id,omitempty"`
	InputData     json.RawMessage `json:"input_data"`
	TopK          int             `json:"top_k,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// KnowledgeValidateResponse carries rule_id-keyed failures with
// ai_confidence populated by the knowledge base.
type KnowledgeValidateResponse struct {
	Domain           string         `json:"domain"`
	Failures         []base.Failure `json:"failures"`
	AvgConfidence    float64        `json:"avg_confidence"`
	RecordsProcessed int            `json:"records_processed"`
	ChunksConsulted  int            `json:"chunks_consulted"`
}

// FailureExplainRequest asks the knowledge base to explain one failure.
type FailureExplainRequest struct {
	Domain        string        `json:"domain"`
	TenantID      string        `json:"tenant_id,omitempty"`
	SuiteID       string        `json:"suite_id,omitempty"`
	ModuleID      string        `json:"module_id,omitempty"`
	Failure       *base.Failure `json:"failure"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// KnowledgeService is the router's view of the RAG service. The router
// treats any error as a fallback trigger, never a caller-visible failure.
type KnowledgeService interface {
	ValidateKnowledge(ctx context.Context, hdr httpx.Headers, req *KnowledgeValidateRequest) (*KnowledgeValidateResponse, error)
	ExplainFailure(ctx context.Context, hdr httpx.Headers, req *FailureExplainRequest) (*base.Explanation, error)
}

// RAGClient talks to the RAG service over the platform HTTP client.
type RAGClient struct {
	baseURL string
	http    *httpx.Client
}

// NewRAGClient builds a client for the RAG service at baseURL.
func NewRAGClient(baseURL string) *RAGClient {
	return &RAGClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpx.New(),
	}
}

// ValidateKnowledge runs knowledge-grounded validation for the input.
func (c *RAGClient) ValidateKnowledge(ctx context.Context, hdr httpx.Headers, req *KnowledgeValidateRequest) (*KnowledgeValidateResponse, error) {
	var resp KnowledgeValidateResponse
	if _, err := c.http.Post(ctx, c.baseURL+"/api/v1/validate", hdr, req, &resp); err != nil {
		return nil, fmt.Errorf("rag validation failed: %w", err)
	}
	return &resp, nil
}

// ExplainFailure fetches knowledge base context for one failure.
func (c *RAGClient) ExplainFailure(ctx context.Context, hdr httpx.Headers, req *FailureExplainRequest) (*base.Explanation, error) {
	var resp base.Explanation
	if _, err := c.http.Post(ctx, c.baseURL+"/api/v1/explain-failure", hdr, req, &resp); err != nil {
		return nil, fmt.Errorf("rag explain failed: %w", err)
	}
	return &resp, nil
}

var _ KnowledgeService = (*RAGClient)(nil)
