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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"credence/platform/shared/httpx"
	"credence/platform/shared/logger"
)

// designerSchemaURL anchors the embedded designer-output schema for the
// jsonschema compiler; it is never fetched.
const designerSchemaURL = "https://credence.schemas.local/designer/rulepack.schema.json"

// designerOutputSchema validates the raw graph exported by the visual rule
// designer before it is compiled into a deployable pack.
const designerOutputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "domain", "rules"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+(\\.[0-9]+)?$"},
    "domain": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["rule_id", "name", "severity", "field", "operator"],
        "properties": {
          "rule_id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "severity": {"enum": ["fatal", "error", "warning", "info"]},
          "field": {"type": "string", "minLength": 1},
          "operator": {"type": "string", "minLength": 1},
          "value": {},
          "message": {"type": "string"}
        }
      }
    }
  }
}`

// Compile statuses returned in the response body. Compilation problems are
// reported in-band so the designer UI can render them per field.
const (
	CompileStatusCompiled        = "compiled"
	CompileStatusValidationError = "validation_error"
	CompileStatusFailed          = "failed"
)

// compileOperators is the set of rule operators the executor understands.
var compileOperators = map[string]bool{
	"eq":       true,
	"ne":       true,
	"gt":       true,
	"gte":      true,
	"lt":       true,
	"lte":      true,
	"in":       true,
	"matches":  true,
	"required": true,
	"absent":   true,
}

// CompileRequest is the payload of POST /api/v1/designer/compile.
type CompileRequest struct {
	DesignerOutput json.RawMessage        `json:"designer_output"`
	OutputFormat   string                 `json:"output_format,omitempty"`
	ValidateSchema *bool                  `json:"validate_schema,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// CompileResponse reports the outcome of a compile. OrchestratorJobID is a
// pointer so a failed submission serializes as an explicit null.
type CompileResponse struct {
	Status            string   `json:"status"`
	PackID            string   `json:"pack_id,omitempty"`
	PackName          string   `json:"pack_name,omitempty"`
	Version           string   `json:"version,omitempty"`
	Format            string   `json:"format,omitempty"`
	OrchestratorJobID *string  `json:"orchestrator_job_id"`
	Errors            []string `json:"errors,omitempty"`
	Error             string   `json:"error,omitempty"`
	Message           string   `json:"message,omitempty"`
	CorrelationID     string   `json:"correlation_id,omitempty"`
}

// DesignerOutput is the decoded shape of the designer graph export.
type DesignerOutput struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Domain      string         `json:"domain"`
	Description string         `json:"description,omitempty"`
	Rules       []DesignerRule `json:"rules"`
}

// DesignerRule is a single rule node from the designer canvas.
type DesignerRule struct {
	RuleID   string      `json:"rule_id"`
	Name     string      `json:"name"`
	Severity string      `json:"severity"`
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// CompiledRule is the executable form a designer rule compiles down to.
type CompiledRule struct {
	RuleID     string `json:"rule_id" yaml:"rule_id"`
	Name       string `json:"name" yaml:"name"`
	Severity   string `json:"severity" yaml:"severity"`
	Expression string `json:"expression" yaml:"expression"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
}

// PackArtifact is the deployable rule pack document.
type PackArtifact struct {
	Name        string                 `json:"name" yaml:"name"`
	Version     string                 `json:"version" yaml:"version"`
	Domain      string                 `json:"domain" yaml:"domain"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	CompiledAt  time.Time              `json:"compiled_at" yaml:"compiled_at"`
	Rules       []CompiledRule         `json:"rules" yaml:"rules"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// JobSubmitter hands a compiled pack to the deployment orchestrator.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, hdr httpx.Headers, job *OrchestratorJob) (string, error)
}

// OrchestratorJob asks the orchestrator to roll a compiled pack out.
type OrchestratorJob struct {
	PackID   string `json:"pack_id"`
	PackName string `json:"pack_name"`
	Version  string `json:"version"`
	Domain   string `json:"domain"`
	Format   string `json:"format"`
}

type orchestratorJobResponse struct {
	JobID string `json:"job_id"`
}

// HTTPJobSubmitter submits deployment jobs to the orchestrator service.
type HTTPJobSubmitter struct {
	baseURL string
	http    *httpx.Client
}

// NewHTTPJobSubmitter builds a submitter for the orchestrator at baseURL.
func NewHTTPJobSubmitter(baseURL string) *HTTPJobSubmitter {
	return &HTTPJobSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpx.New(),
	}
}

// SubmitJob posts the job and returns the orchestrator-assigned job id.
func (s *HTTPJobSubmitter) SubmitJob(ctx context.Context, hdr httpx.Headers, job *OrchestratorJob) (string, error) {
	var resp orchestratorJobResponse
	if _, err := s.http.Post(ctx, s.baseURL+"/api/v1/jobs", hdr, job, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("orchestrator returned empty job id")
	}
	return resp.JobID, nil
}

var _ JobSubmitter = (*HTTPJobSubmitter)(nil)

// PackStore persists compiled pack artifacts.
type PackStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPackStoreWithDB wraps an existing connection and ensures the schema.
func NewPackStoreWithDB(db *sql.DB) (*PackStore, error) {
	s := &PackStore{
		db:     db,
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize pack schema: %w", err)
	}
	s.logger.Println("compiled pack schema ready")
	return s, nil
}

func (s *PackStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS compiled_packs (
		pack_id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		version VARCHAR(64) NOT NULL,
		domain VARCHAR(255) NOT NULL,
		format VARCHAR(16) NOT NULL,
		artifact TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_compiled_packs_domain ON compiled_packs(domain);
	CREATE INDEX IF NOT EXISTS idx_compiled_packs_name ON compiled_packs(name, version);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SavePack stores one compiled artifact and returns nothing but the error.
func (s *PackStore) SavePack(ctx context.Context, packID string, artifact *PackArtifact, format string, rendered []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compiled_packs (pack_id, name, version, domain, format, artifact, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		packID, artifact.Name, artifact.Version, artifact.Domain, format, string(rendered), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save compiled pack: %w", err)
	}
	return nil
}

// Compiler turns designer output into deployable rule packs.
type Compiler struct {
	schema    *jsonschema.Schema
	packs     *PackStore
	submitter JobSubmitter
	slog      *logger.Logger
}

// NewCompiler builds a Compiler. packs and submitter may be nil; compilation
// still works, persistence and deployment are skipped with a diagnostic.
func NewCompiler(packs *PackStore, submitter JobSubmitter) (*Compiler, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(designerSchemaURL, strings.NewReader(designerOutputSchema)); err != nil {
		return nil, fmt.Errorf("designer schema load failed: %w", err)
	}
	schema, err := c.Compile(designerSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("designer schema compile failed: %w", err)
	}
	return &Compiler{
		schema:    schema,
		packs:     packs,
		submitter: submitter,
		slog:      logger.New("pack-compiler"),
	}, nil
}

// Compile validates, compiles, persists, and submits a designer export.
// Validation and compile problems are reported in the response status, not
// as transport errors; only malformed requests return an error.
func (c *Compiler) Compile(ctx context.Context, hdr httpx.Headers, req *CompileRequest) (*CompileResponse, error) {
	if len(req.DesignerOutput) == 0 {
		return nil, fmt.Errorf("%w: designer_output is required", ErrInvalidInput)
	}
	format := strings.ToLower(req.OutputFormat)
	if format == "" {
		format = "yaml"
	}
	if format != "yaml" && format != "json" {
		return nil, fmt.Errorf("%w: output_format must be yaml or json, got %q", ErrInvalidInput, req.OutputFormat)
	}

	resp := &CompileResponse{Format: format, CorrelationID: hdr.CorrelationID}

	if req.ValidateSchema == nil || *req.ValidateSchema {
		if errs := c.validateDesignerOutput(req.DesignerOutput); len(errs) > 0 {
			resp.Status = CompileStatusValidationError
			resp.Errors = errs
			return resp, nil
		}
	}

	var output DesignerOutput
	if err := json.Unmarshal(req.DesignerOutput, &output); err != nil {
		resp.Status = CompileStatusValidationError
		resp.Errors = []string{fmt.Sprintf("designer_output is not valid JSON: %v", err)}
		return resp, nil
	}

	artifact, err := compilePack(&output, req.Metadata)
	if err != nil {
		resp.Status = CompileStatusFailed
		resp.Error = err.Error()
		return resp, nil
	}

	rendered, err := renderArtifact(artifact, format)
	if err != nil {
		resp.Status = CompileStatusFailed
		resp.Error = fmt.Sprintf("artifact rendering failed: %v", err)
		return resp, nil
	}

	packID := uuid.New().String()
	if c.packs != nil {
		if err := c.packs.SavePack(ctx, packID, artifact, format, rendered); err != nil {
			resp.Status = CompileStatusFailed
			resp.Error = err.Error()
			return resp, nil
		}
	}

	resp.Status = CompileStatusCompiled
	resp.PackID = packID
	resp.PackName = artifact.Name
	resp.Version = artifact.Version

	if c.submitter == nil {
		resp.Message = "orchestrator submission skipped: no orchestrator configured"
		return resp, nil
	}
	jobID, err := c.submitter.SubmitJob(ctx, hdr, &OrchestratorJob{
		PackID:   packID,
		PackName: artifact.Name,
		Version:  artifact.Version,
		Domain:   artifact.Domain,
		Format:   format,
	})
	if err != nil {
		// The pack is already persisted; deployment can be retried later.
		c.slog.Warn("", hdr.CorrelationID, "orchestrator submission failed", map[string]interface{}{
			"pack_id": packID,
			"error":   err.Error(),
		})
		resp.Message = fmt.Sprintf("orchestrator submission failed: %v", err)
		return resp, nil
	}
	resp.OrchestratorJobID = &jobID
	return resp, nil
}

// validateDesignerOutput runs the Draft 2020-12 schema and flattens the
// validation tree into one message per leaf cause.
func (c *Compiler) validateDesignerOutput(raw json.RawMessage) []string {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("designer_output is not valid JSON: %v", err)}
	}
	err := c.schema.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var errs []string
	collectValidationErrors(ve, &errs)
	sort.Strings(errs)
	return errs
}

func collectValidationErrors(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, cause := range ve.Causes {
		collectValidationErrors(cause, out)
	}
}

// compilePack lowers designer rules into executable expressions.
func compilePack(output *DesignerOutput, metadata map[string]interface{}) (*PackArtifact, error) {
	rules := make([]CompiledRule, 0, len(output.Rules))
	seen := make(map[string]bool, len(output.Rules))
	for _, r := range output.Rules {
		if seen[r.RuleID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.RuleID)
		}
		seen[r.RuleID] = true
		expr, err := compileExpression(&r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.RuleID, err)
		}
		rules = append(rules, CompiledRule{
			RuleID:     r.RuleID,
			Name:       r.Name,
			Severity:   r.Severity,
			Expression: expr,
			Message:    r.Message,
		})
	}
	return &PackArtifact{
		Name:        output.Name,
		Version:     output.Version,
		Domain:      output.Domain,
		Description: output.Description,
		CompiledAt:  time.Now().UTC(),
		Rules:       rules,
		Metadata:    metadata,
	}, nil
}

// compileExpression turns a designer rule node into the executor's
// field/operator expression string.
func compileExpression(r *DesignerRule) (string, error) {
	if !compileOperators[r.Operator] {
		return "", fmt.Errorf("unknown operator %q", r.Operator)
	}
	switch r.Operator {
	case "required", "absent":
		return fmt.Sprintf("%s(%s)", r.Operator, r.Field), nil
	case "in":
		vals, ok := r.Value.([]interface{})
		if !ok || len(vals) == 0 {
			return "", fmt.Errorf("operator %q requires a non-empty array value", r.Operator)
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = compileOperand(v)
		}
		return fmt.Sprintf("%s in [%s]", r.Field, strings.Join(parts, ", ")), nil
	default:
		if r.Value == nil {
			return "", fmt.Errorf("operator %q requires a value", r.Operator)
		}
		return fmt.Sprintf("%s %s %s", r.Field, r.Operator, compileOperand(r.Value)), nil
	}
}

func compileOperand(v interface{}) string {
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("%q", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// renderArtifact serializes the pack in the requested output format.
func renderArtifact(artifact *PackArtifact, format string) ([]byte, error) {
	if format == "json" {
		return json.MarshalIndent(artifact, "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(artifact); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
