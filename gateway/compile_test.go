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
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"credence/platform/shared/httpx"
)

// fakeSubmitter records orchestrator job submissions.
type fakeSubmitter struct {
	jobID string
	err   error
	jobs  []*OrchestratorJob
}

func (s *fakeSubmitter) SubmitJob(_ context.Context, _ httpx.Headers, job *OrchestratorJob) (string, error) {
	s.jobs = append(s.jobs, job)
	if s.err != nil {
		return "", s.err
	}
	return s.jobID, nil
}

var _ JobSubmitter = (*fakeSubmitter)(nil)

func newTestCompiler(t *testing.T, submitter JobSubmitter) *Compiler {
	t.Helper()
	compiler, err := NewCompiler(nil, submitter)
	require.NoError(t, err)
	return compiler
}

func designerJSON(t *testing.T, rules ...DesignerRule) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(DesignerOutput{
		Name:    "Title Commitment Rules",
		Version: "1.2.0",
		Domain:  "title",
		Rules:   rules,
	})
	require.NoError(t, err)
	return raw
}

func eqRule(ruleID string) DesignerRule {
	return DesignerRule{
		RuleID:   ruleID,
		Name:     "state code",
		Severity: "error",
		Field:    "state",
		Operator: "eq",
		Value:    "NY",
		Message:  "state must be NY",
	}
}

func TestCompileProducesDeployableArtifact(t *testing.T) {
	submitter := &fakeSubmitter{jobID: "job-42"}
	compiler := newTestCompiler(t, submitter)

	resp, err := compiler.Compile(context.Background(), httpx.Headers{CorrelationID: "corr-c1"}, &CompileRequest{
		DesignerOutput: designerJSON(t, eqRule("TITLE-001")),
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusCompiled, resp.Status)
	assert.NotEmpty(t, resp.PackID)
	assert.Equal(t, "Title Commitment Rules", resp.PackName)
	assert.Equal(t, "1.2.0", resp.Version)
	assert.Equal(t, "yaml", resp.Format)
	assert.Equal(t, "corr-c1", resp.CorrelationID)
	require.NotNil(t, resp.OrchestratorJobID)
	assert.Equal(t, "job-42", *resp.OrchestratorJobID)

	require.Len(t, submitter.jobs, 1)
	assert.Equal(t, resp.PackID, submitter.jobs[0].PackID)
	assert.Equal(t, "title", submitter.jobs[0].Domain)
	assert.Equal(t, "yaml", submitter.jobs[0].Format)
}

func TestCompileReportsSchemaViolations(t *testing.T) {
	compiler := newTestCompiler(t, nil)

	// Missing version, empty rules array.
	raw := json.RawMessage(`{"name":"Broken Pack","domain":"title","rules":[]}`)
	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{DesignerOutput: raw})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusValidationError, resp.Status)
	require.NotEmpty(t, resp.Errors)

	joined := strings.Join(resp.Errors, "\n")
	assert.Contains(t, joined, "version")
	assert.Contains(t, joined, "/rules")
	assert.Empty(t, resp.PackID, "invalid output must not produce a pack")
}

func TestCompileSchemaValidationCanBeSkipped(t *testing.T) {
	compiler := newTestCompiler(t, nil)

	// "v1" violates the version pattern, so this only compiles with schema
	// validation off.
	raw := json.RawMessage(`{
		"name": "Prerelease Pack",
		"version": "v1",
		"domain": "title",
		"rules": [{"rule_id":"R1","name":"n","severity":"error","field":"state","operator":"eq","value":"NY"}]
	}`)

	strict, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{DesignerOutput: raw})
	require.NoError(t, err)
	assert.Equal(t, CompileStatusValidationError, strict.Status)

	skip := false
	relaxed, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: raw,
		ValidateSchema: &skip,
	})
	require.NoError(t, err)
	assert.Equal(t, CompileStatusCompiled, relaxed.Status)
}

func TestCompileRejectsDuplicateRuleIDs(t *testing.T) {
	compiler := newTestCompiler(t, nil)

	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: designerJSON(t, eqRule("TITLE-001"), eqRule("TITLE-001")),
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusFailed, resp.Status)
	assert.Contains(t, resp.Error, `duplicate rule id "TITLE-001"`)
}

func TestCompileRejectsUnknownOperator(t *testing.T) {
	compiler := newTestCompiler(t, nil)

	rule := eqRule("TITLE-001")
	rule.Operator = "sounds_like"
	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: designerJSON(t, rule),
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "unknown operator")
}

func TestCompileExpression(t *testing.T) {
	tests := []struct {
		name    string
		rule    DesignerRule
		want    string
		wantErr bool
	}{
		{"eq string", DesignerRule{Field: "state", Operator: "eq", Value: "NY"}, `state eq "NY"`, false},
		{"gt number", DesignerRule{Field: "amount", Operator: "gt", Value: float64(10000)}, "amount gt 10000", false},
		{"required", DesignerRule{Field: "legal_description", Operator: "required"}, "required(legal_description)", false},
		{"absent", DesignerRule{Field: "judgment", Operator: "absent"}, "absent(judgment)", false},
		{"in list", DesignerRule{Field: "state", Operator: "in", Value: []interface{}{"NY", "CA"}}, `state in ["NY", "CA"]`, false},
		{"in requires array", DesignerRule{Field: "state", Operator: "in", Value: "NY"}, "", true},
		{"comparison requires value", DesignerRule{Field: "state", Operator: "eq"}, "", true},
		{"unknown operator", DesignerRule{Field: "state", Operator: "near"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compileExpression(&tt.rule)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderArtifactFormats(t *testing.T) {
	artifact := &PackArtifact{
		Name:    "Title Commitment Rules",
		Version: "1.2.0",
		Domain:  "title",
		Rules: []CompiledRule{
			{RuleID: "TITLE-001", Name: "state code", Severity: "error", Expression: `state eq "NY"`},
		},
	}

	t.Run("json", func(t *testing.T) {
		rendered, err := renderArtifact(artifact, "json")
		require.NoError(t, err)
		var decoded PackArtifact
		require.NoError(t, json.Unmarshal(rendered, &decoded))
		assert.Equal(t, artifact.Name, decoded.Name)
		require.Len(t, decoded.Rules, 1)
		assert.Equal(t, `state eq "NY"`, decoded.Rules[0].Expression)
	})

	t.Run("yaml", func(t *testing.T) {
		rendered, err := renderArtifact(artifact, "yaml")
		require.NoError(t, err)
		var decoded PackArtifact
		require.NoError(t, yaml.Unmarshal(rendered, &decoded))
		assert.Equal(t, artifact.Version, decoded.Version)
		require.Len(t, decoded.Rules, 1)
		assert.Equal(t, "TITLE-001", decoded.Rules[0].RuleID)
	})
}

func TestCompileKeepsPackWhenSubmissionFails(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("orchestrator unreachable")}
	compiler := newTestCompiler(t, submitter)

	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: designerJSON(t, eqRule("TITLE-001")),
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusCompiled, resp.Status)
	assert.NotEmpty(t, resp.PackID)
	assert.Nil(t, resp.OrchestratorJobID)
	assert.Contains(t, resp.Message, "orchestrator submission failed")

	// The job id serializes as an explicit null, never an empty string.
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"orchestrator_job_id":null`)
}

func TestCompileWithoutOrchestrator(t *testing.T) {
	compiler := newTestCompiler(t, nil)

	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: designerJSON(t, eqRule("TITLE-001")),
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusCompiled, resp.Status)
	assert.Nil(t, resp.OrchestratorJobID)
	assert.Contains(t, resp.Message, "no orchestrator configured")
}

func TestCompileRejectsMalformedRequests(t *testing.T) {
	compiler := newTestCompiler(t, nil)

	t.Run("missing designer output", func(t *testing.T) {
		_, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
			DesignerOutput: designerJSON(t, eqRule("TITLE-001")),
			OutputFormat:   "toml",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCompilePersistsArtifact(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS compiled_packs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	packs, err := NewPackStoreWithDB(db)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO compiled_packs`).
		WithArgs(sqlmock.AnyArg(), "Title Commitment Rules", "1.2.0", "title", "json",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	compiler, err := NewCompiler(packs, nil)
	require.NoError(t, err)

	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: designerJSON(t, eqRule("TITLE-001")),
		OutputFormat:   "json",
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusCompiled, resp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompileReportsSaveFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS compiled_packs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	packs, err := NewPackStoreWithDB(db)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO compiled_packs`).
		WillReturnError(errors.New("disk full"))

	compiler, err := NewCompiler(packs, nil)
	require.NoError(t, err)

	resp, err := compiler.Compile(context.Background(), httpx.Headers{}, &CompileRequest{
		DesignerOutput: designerJSON(t, eqRule("TITLE-001")),
	})

	require.NoError(t, err)
	assert.Equal(t, CompileStatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "failed to save compiled pack")
}
