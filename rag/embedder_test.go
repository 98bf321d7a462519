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
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEmbedderEmbed(t *testing.T) {
	vector := make([]float64, EmbeddingDim)
	for i := range vector {
		vector[i] = 2.0
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		assert.Equal(t, "lien release recorded", req.Prompt)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: vector})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL+"/", "all-minilm")
	vec, err := e.Embed(context.Background(), "lien release recorded")
	require.NoError(t, err)
	require.Len(t, vec, EmbeddingDim)

	// Uniform input components normalize to 1/sqrt(dim) each.
	want := 1.0 / math.Sqrt(float64(EmbeddingDim))
	assert.InDelta(t, want, float64(vec[0]), 1e-6)
	assert.InDelta(t, 1.0, dot(vec, vec), 1e-3, "vector must be unit normalized")
}

func TestHTTPEmbedderRejectsWrongWidth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "all-minilm")
	_, err := e.Embed(context.Background(), "short vector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 3 dimensions, expected 384")
}

func TestHTTPEmbedderServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "all-minilm")
	_, err := e.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNewEmbedderFromEnv(t *testing.T) {
	t.Run("local provider", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "local")
		_, ok := NewEmbedderFromEnv().(*LocalEmbedder)
		assert.True(t, ok, "EMBEDDING_PROVIDER=local must select the in-process embedder")
	})

	t.Run("http provider with endpoint", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "")
		t.Setenv("EMBEDDING_ENDPOINT", "http://embeddings:11434")
		t.Setenv("EMBEDDING_MODEL", "nomic-embed-text")

		e, ok := NewEmbedderFromEnv().(*HTTPEmbedder)
		require.True(t, ok)
		assert.Equal(t, "http://embeddings:11434", e.endpoint)
		assert.Equal(t, "nomic-embed-text", e.model)
	})

	t.Run("http provider defaults", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "")
		t.Setenv("EMBEDDING_ENDPOINT", "")
		t.Setenv("EMBEDDING_MODEL", "")

		e, ok := NewEmbedderFromEnv().(*HTTPEmbedder)
		require.True(t, ok)
		assert.Equal(t, "http://localhost:11434", e.endpoint)
		assert.Equal(t, "all-minilm", e.model)
	})
}

func TestLocalEmbedderEmptyText(t *testing.T) {
	e := NewLocalEmbedder()

	for _, text := range []string{"", "   ", "...!?"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		require.Len(t, vec, EmbeddingDim)
		assert.Equal(t, float32(1), vec[0], "empty text embeds to the fixed basis vector")
		assert.InDelta(t, 1.0, dot(vec, vec), 1e-6)
	}
}

func TestLocalEmbedderNormalizesTokens(t *testing.T) {
	e := NewLocalEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "Lien, RELEASE.")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "lien release")
	require.NoError(t, err)

	assert.Equal(t, a, b, "case and punctuation must not change the embedding")
}
