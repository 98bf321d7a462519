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

package ledgerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credence/platform/shared/httpx"
)

func TestClientAppend(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	var gotPath, gotAuth, gotCorr string
	var gotReq AppendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get(httpx.HeaderCorrelationID)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AppendResponse{
			ID:        "evt-42",
			ChainHash: "a3f1",
			CreatedAt: created,
		})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	hdr := httpx.Headers{Authorization: "Bearer svc-token", CorrelationID: "corr-77"}
	resp, err := c.Append(context.Background(), hdr, &AppendRequest{
		TenantID:      "tenant-1",
		EventType:     "validation_completed",
		EventData:     map[string]interface{}{"domain": "gtas", "request_id": "req-1"},
		UserID:        "analyst-1",
		CorrelationID: "corr-77",
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/append", gotPath)
	assert.Equal(t, "Bearer svc-token", gotAuth)
	assert.Equal(t, "corr-77", gotCorr)

	assert.Equal(t, "tenant-1", gotReq.TenantID)
	assert.Equal(t, "validation_completed", gotReq.EventType)
	assert.Equal(t, "analyst-1", gotReq.UserID)
	data, ok := gotReq.EventData.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "gtas", data["domain"])

	assert.Equal(t, "evt-42", resp.ID)
	assert.Equal(t, "a3f1", resp.ChainHash)
	assert.WithinDuration(t, created, resp.CreatedAt, 0)
}

func TestClientAppendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"event_type is required"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Append(context.Background(), httpx.Headers{}, &AppendRequest{TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger append failed")

	var httpErr *httpx.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, string(httpErr.Body), "event_type is required")
}
