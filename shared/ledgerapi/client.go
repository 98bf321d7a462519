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

// Package ledgerapi is the HTTP client services use to append audit events
// to the ledger service.
package ledgerapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"credence/platform/shared/httpx"
)

// Appender is the append surface; consumers depend on this so tests can
// substitute a recorder.
type Appender interface {
	Append(ctx context.Context, hdr httpx.Headers, req *AppendRequest) (*AppendResponse, error)
}

// AppendRequest is the ledger append wire contract. EventData may be any
// JSON-encodable value.
type AppendRequest struct {
	TenantID      string      `json:"tenant_id"`
	EventType     string      `json:"event_type"`
	EventData     interface{} `json:"event_data"`
	UserID        string      `json:"user_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Description   string      `json:"description,omitempty"`
}

// AppendResponse acknowledges one appended event.
type AppendResponse struct {
	ID        string    `json:"id"`
	ChainHash string    `json:"chain_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Client talks to the ledger service over the platform HTTP client.
type Client struct {
	baseURL string
	http    *httpx.Client
}

// New builds a client for the ledger service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpx.New(),
	}
}

// Append writes one audit event.
func (c *Client) Append(ctx context.Context, hdr httpx.Headers, req *AppendRequest) (*AppendResponse, error) {
	var resp AppendResponse
	if _, err := c.http.Post(ctx, c.baseURL+"/api/v1/append", hdr, req, &resp); err != nil {
		return nil, fmt.Errorf("ledger append failed: %w", err)
	}
	return &resp, nil
}
