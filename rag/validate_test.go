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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credence/platform/rulepack/base"
)

func TestValidateEmitsRuleFailures(t *testing.T) {
	engine, mock := newTestEngine(t, 0)

	ruleMeta := []byte(`{"rule_id":"LTV-001","rule_name":"LTV Cap","severity":"error"}`)
	weakerMeta := []byte(`{"rule_id":"LTV-001","rule_name":"LTV Cap","severity":"error"}`)
	badSeverityMeta := []byte(`{"rule_id":"DTI-002","severity":"blocker"}`)

	rows := candidateRows(true).
		AddRow("chunk-1", "doc-1", 0, "Loans must not exceed an 80 percent loan to value ratio. Exceptions need board approval.", "", "Lending Policy", "platform", "", "", "", ruleMeta, 0.80, 0.50).
		AddRow("chunk-2", "doc-2", 0, "General background with no rule annotation.", "", "Background", "platform", "", "", "", []byte(`{}`), 0.70, 0.40).
		AddRow("chunk-3", "doc-3", 0, "Debt to income guidance. Keep ratios under 43 percent.", "", "DTI Guide", "platform", "", "", "", badSeverityMeta, 0.60, 0.30).
		AddRow("chunk-4", "doc-4", 0, "Older restatement of the LTV rule.", "", "Archive", "platform", "", "", "", weakerMeta, 0.55, 0.10)

	mock.ExpectQuery(hybridSearchPattern).
		WillReturnRows(rows)
	expectStatsBump(mock, "doc-1", "doc-2", "doc-3", "doc-4")

	resp, err := engine.Validate(context.Background(), &ValidateRequest{
		Domain:    "mortgage",
		TenantID:  "tenant-1",
		InputData: json.RawMessage(`[{"loan_id":"L-1","ltv":0.92},{"loan_id":"L-2","ltv":0.75}]`),
	})
	require.NoError(t, err)

	require.Len(t, resp.Failures, 2)
	assert.Equal(t, 2, resp.RecordsProcessed)
	assert.Equal(t, 4, resp.ChunksConsulted)

	byRule := make(map[string]base.Failure)
	for _, f := range resp.Failures {
		byRule[f.RuleID] = f
	}

	ltv, ok := byRule["LTV-001"]
	require.True(t, ok)
	assert.Equal(t, "LTV Cap", ltv.RuleName)
	assert.Equal(t, base.SeverityError, ltv.Severity)
	require.NotNil(t, ltv.AIConfidence)
	// Strongest match wins: 0.7*0.80 + 0.3*0.50 = 0.71, not the archive hit.
	assert.InDelta(t, 0.71, *ltv.AIConfidence, 1e-9)
	assert.Equal(t, []string{"Lending Policy"}, ltv.PolicyReferences)
	assert.Contains(t, ltv.Description, "80 percent")

	dti, ok := byRule["DTI-002"]
	require.True(t, ok)
	assert.Equal(t, base.SeverityWarning, dti.Severity, "unknown severities default to warning")
	assert.Equal(t, "DTI Guide", dti.RuleName, "missing rule_name falls back to the document title")

	require.NotNil(t, dti.AIConfidence)
	expectedAvg := (*ltv.AIConfidence + *dti.AIConfidence) / 2
	assert.InDelta(t, expectedAvg, resp.AvgConfidence, 1e-9)
}

func TestValidateNoRuleDocuments(t *testing.T) {
	engine, mock := newTestEngine(t, 0)

	rows := candidateRows(true).
		AddRow("chunk-1", "doc-1", 0, "Background prose only.", "", "Background", "platform", "", "", "", []byte(`{}`), 0.75, 0.20)

	mock.ExpectQuery(hybridSearchPattern).WillReturnRows(rows)
	expectStatsBump(mock, "doc-1")

	resp, err := engine.Validate(context.Background(), &ValidateRequest{
		Domain:    "mortgage",
		TenantID:  "tenant-1",
		InputData: json.RawMessage(`{"loan_id":"L-1"}`),
	})
	require.NoError(t, err)

	assert.Empty(t, resp.Failures)
	assert.Equal(t, 1.0, resp.AvgConfidence)
	assert.Equal(t, 1, resp.RecordsProcessed)
}

func TestValidateInputValidation(t *testing.T) {
	engine, _ := newTestEngine(t, 0)
	ctx := context.Background()

	_, err := engine.Validate(ctx, &ValidateRequest{TenantID: "tenant-1", InputData: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.Validate(ctx, &ValidateRequest{Domain: "mortgage", TenantID: "tenant-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExplainFailure(t *testing.T) {
	engine, mock := newTestEngine(t, 0)

	rows := candidateRows(true).
		AddRow("chunk-1", "doc-1", 0, "The LTV cap exists to limit collateral risk on conforming loans.", "Rationale", "Lending Policy", "platform", "", "", "", []byte(`{}`), 0.82, 0.60).
		AddRow("chunk-2", "doc-2", 0, "File an exception request when LTV exceeds the cap.", "Exceptions", "Operations Manual", "platform", "", "", "", []byte(`{}`), 0.70, 0.40)

	mock.ExpectQuery(hybridSearchPattern).WillReturnRows(rows)
	expectStatsBump(mock, "doc-1", "doc-2")

	exp, err := engine.ExplainFailure(context.Background(), &ExplainFailureRequest{
		Domain:   "mortgage",
		TenantID: "tenant-1",
		Failure: &base.Failure{
			FailureID:   "f-1",
			RuleID:      "LTV-001",
			RuleName:    "LTV Cap",
			Description: "loan to value ratio above limit",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "f-1", exp.FailureID)
	assert.Contains(t, exp.Explanation, "collateral risk")
	assert.Contains(t, exp.Recommendation, "LTV Cap")
	assert.Greater(t, exp.Confidence, 0.0)
	assert.Equal(t, []string{"Lending Policy", "Operations Manual"}, exp.PolicyReferences)
	require.NotEmpty(t, exp.SuggestedActions)
	assert.Contains(t, exp.SuggestedActions[0], "Rationale")
}

func TestExplainFailureNoMatches(t *testing.T) {
	engine, mock := newTestEngine(t, 0)

	mock.ExpectQuery(hybridSearchPattern).WillReturnRows(candidateRows(true))

	exp, err := engine.ExplainFailure(context.Background(), &ExplainFailureRequest{
		Domain:   "mortgage",
		TenantID: "tenant-1",
		Failure:  &base.Failure{FailureID: "f-1", RuleID: "GHOST-1"},
	})
	require.NoError(t, err)

	assert.Contains(t, exp.Explanation, "GHOST-1")
	assert.Equal(t, 0.0, exp.Confidence)
	assert.Empty(t, exp.PolicyReferences)
}

func TestExplainFailureRequiresRuleID(t *testing.T) {
	engine, _ := newTestEngine(t, 0)

	_, err := engine.ExplainFailure(context.Background(), &ExplainFailureRequest{
		Domain:   "mortgage",
		TenantID: "tenant-1",
		Failure:  &base.Failure{},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCountRecords(t *testing.T) {
	assert.Equal(t, 3, countRecords(json.RawMessage(`[1,2,3]`)))
	assert.Equal(t, 1, countRecords(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, 0, countRecords(json.RawMessage(`[]`)))
}
