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

package ledger

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credence/platform/shared/canonjson"
	"credence/platform/shared/logger"
	"credence/platform/shared/signing"
)

// setupHandlers points the package-level service state at a mock store.
func setupHandlers(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store = NewStoreWithDB(db)
	slog = logger.New("ledger")
	exportSigner = nil
	return mock
}

func TestAppendHandlerSuccess(t *testing.T) {
	mock := setupHandlers(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT chain_hash FROM ledger_events`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO ledger_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"tenant_id":"tenant-1","event_type":"workflow_submitted","event_data":{"workflow_id":"wf-1"},"correlation_id":"corr-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/append", strings.NewReader(body))
	rec := httptest.NewRecorder()

	appendHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
	assert.True(t, canonjson.ValidHex64(resp["chain_hash"].(string)))
	assert.NotEmpty(t, resp["created_at"])
}

func TestAppendHandlerRejectsMalformedBody(t *testing.T) {
	setupHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/append", strings.NewReader(`{"tenant_id":`))
	rec := httptest.NewRecorder()

	appendHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestAppendHandlerMissingTenant(t *testing.T) {
	setupHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/append",
		strings.NewReader(`{"event_type":"x","event_data":{}}`))
	rec := httptest.NewRecorder()

	appendHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant_id")
}

func TestEventsHandlerPaginationBounds(t *testing.T) {
	setupHandlers(t)

	tests := []struct {
		name  string
		query string
	}{
		{"limit zero", "tenant_id=t1&limit=0"},
		{"limit too large", "tenant_id=t1&limit=1001"},
		{"negative offset", "tenant_id=t1&offset=-1"},
		{"missing tenant", "limit=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events?"+tt.query, nil)
			rec := httptest.NewRecorder()

			eventsHandler(rec, req)

			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
}

func TestEventsHandlerDefaults(t *testing.T) {
	mock := setupHandlers(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ledger_events`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM ledger_events WHERE tenant_id = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("tenant-1", 100, 0).
		WillReturnRows(eventRows())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?tenant_id=tenant-1", nil)
	rec := httptest.NewRecorder()

	eventsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []json.RawMessage `json:"events"`
		Total  int               `json:"total"`
		Limit  int               `json:"limit"`
		Offset int               `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 100, resp.Limit, "limit defaults to 100")
	assert.NotNil(t, resp.Events, "events is an empty array, never null")
	assert.Equal(t, 0, resp.Total)
}

func TestVerifyHandlerTamperedChain(t *testing.T) {
	mock := setupHandlers(t)

	events := chainFixture(t, "tenant-1", 5)
	events[2].EventData = json.RawMessage(`{"seq":2,"actor":"attacker"}`)

	mock.ExpectQuery(`SELECT id, tenant_id, event_type, event_data`).
		WithArgs("tenant-1").
		WillReturnRows(eventRows(events...))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", strings.NewReader(`{"tenant_id":"tenant-1"}`))
	rec := httptest.NewRecorder()

	verifyHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBadOffset)
	assert.Equal(t, 2, *result.FirstBadOffset)
}

func TestExportHandlerSignsWhenConfigured(t *testing.T) {
	mock := setupHandlers(t)
	exportSigner = signing.New([]byte("export-test-key"))

	events := chainFixture(t, "tenant-1", 3)
	mock.ExpectQuery(`SELECT id, tenant_id, event_type, event_data`).
		WithArgs("tenant-1").
		WillReturnRows(eventRows(events...))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export?tenant_id=tenant-1", nil)
	rec := httptest.NewRecorder()

	exportHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	header := rec.Header().Get("X-Export-Signature")
	require.NotEmpty(t, header)
	env, err := signing.ParseHeader(header)
	require.NoError(t, err)
	assert.NoError(t, exportSigner.VerifyBytes(rec.Body.Bytes(), env), "signature covers the exact CSV bytes")

	firstLine := strings.SplitN(rec.Body.String(), "\n", 2)[0]
	assert.Equal(t, "id,tenant_id,event_type,created_at,content_hash,previous_hash,chain_hash,user_id,correlation_id,description", firstLine)
}

func TestExportHandlerRequiresTenant(t *testing.T) {
	setupHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export", nil)
	rec := httptest.NewRecorder()

	exportHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
