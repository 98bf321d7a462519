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

package ocr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRef(t *testing.T) {
	bucket, key, err := splitRef("s3://docs/loans/2026/app.pdf", "s3://")
	require.NoError(t, err)
	assert.Equal(t, "docs", bucket)
	assert.Equal(t, "loans/2026/app.pdf", key)

	for _, ref := range []string{"s3://bucketonly", "s3:///key", "s3://bucket/"} {
		_, _, err := splitRef(ref, "s3://")
		assert.ErrorIs(t, err, ErrInvalidInput, ref)
	}
}

func TestFetchRejectsUnknownScheme(t *testing.T) {
	f := NewFetcher()
	_, err := f.Fetch(context.Background(), "ftp://host/file.pdf")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 fetched document"))
	}))
	defer srv.Close()

	f := NewFetcher()
	data, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 fetched document"), data)
}

func TestFetchHTTPNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "status 404")
}

func TestFetchAzureRequiresAccountConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_CONNECTION_STRING", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), "az://container/blob.pdf")
	assert.ErrorContains(t, err, "AZURE_STORAGE_CONNECTION_STRING")
}
