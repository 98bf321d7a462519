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

package redact

import (
	"context"
	"log"
	"net/http"
	"os"

	"credence/platform/shared/httpx"
)

// Remote calls an external redaction service; on success its output
// supersedes the local heuristics, on any failure the local result is used
// without surfacing an error to the caller.
type Remote struct {
	endpoint string
	client   *httpx.Client
	local    *Local
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	RedactedText string `json:"redacted_text"`
}

// NewRemote returns a redactor backed by the service at endpoint, with
// local fallback.
func NewRemote(endpoint string, client *httpx.Client) *Remote {
	if client == nil {
		client = httpx.New()
	}
	return &Remote{
		endpoint: endpoint,
		client:   client,
		local:    NewLocal(),
	}
}

// RedactText masks PII through the remote service, falling back to the
// local heuristics on any transport, status, or decode failure.
func (r *Remote) RedactText(ctx context.Context, text string) string {
	var resp remoteResponse
	status, err := r.client.DoJSON(ctx, http.MethodPost, r.endpoint, httpx.Headers{}, remoteRequest{Text: text}, &resp)
	if err != nil || status != http.StatusOK {
		log.Printf("[REDACT] remote redaction unavailable, using local heuristics: %v", err)
		return r.local.RedactText(ctx, text)
	}
	return resp.RedactedText
}

// NewFromEnv returns the remote redactor when REDACTION_SERVICE_URL is set,
// otherwise the local heuristics.
func NewFromEnv() Redactor {
	if endpoint := os.Getenv("REDACTION_SERVICE_URL"); endpoint != "" {
		log.Printf("[REDACT] remote redaction service configured: %s", endpoint)
		return NewRemote(endpoint, nil)
	}
	return NewLocal()
}
