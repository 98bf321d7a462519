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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

// EmbeddingDim is the dimensionality every embedder must produce. The chunk
// store's vector columns are declared with this width.
const EmbeddingDim = 384

// Embedder converts text into a fixed-width vector. Implementations must
// return unit-normalized vectors of exactly EmbeddingDim dimensions.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NewEmbedderFromEnv selects an embedder from environment configuration.
// EMBEDDING_PROVIDER=local picks the deterministic in-process embedder;
// anything else uses the HTTP embedding service at EMBEDDING_ENDPOINT.
func NewEmbedderFromEnv() Embedder {
	if strings.EqualFold(os.Getenv("EMBEDDING_PROVIDER"), "local") {
		return NewLocalEmbedder()
	}
	endpoint := os.Getenv("EMBEDDING_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "all-minilm"
	}
	return NewHTTPEmbedder(endpoint, model)
}

// HTTPEmbedder calls an Ollama-compatible embedding endpoint
// (POST {endpoint}/api/embeddings).
type HTTPEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewHTTPEmbedder creates an embedder backed by the given service.
func NewHTTPEmbedder(endpoint, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Dimensions returns the expected vector width.
func (e *HTTPEmbedder) Dimensions() int { return EmbeddingDim }

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests a vector for the text and normalizes it to unit length.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var er embeddingResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(er.Embedding) != EmbeddingDim {
		return nil, fmt.Errorf("embedding service returned %d dimensions, expected %d", len(er.Embedding), EmbeddingDim)
	}

	vec := make([]float32, EmbeddingDim)
	for i, v := range er.Embedding {
		vec[i] = float32(v)
	}
	normalize(vec)
	return vec, nil
}

// LocalEmbedder is a deterministic in-process embedder. It hashes word and
// bigram features into a fixed-width vector, so identical text always embeds
// identically and texts sharing vocabulary land near each other. Meant for
// tests and environments without an embedding service; not a substitute for
// a trained model.
type LocalEmbedder struct{}

// NewLocalEmbedder creates a deterministic embedder.
func NewLocalEmbedder() *LocalEmbedder { return &LocalEmbedder{} }

// Dimensions returns the vector width.
func (e *LocalEmbedder) Dimensions() int { return EmbeddingDim }

// Embed produces a unit-normalized feature-hash vector for the text.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, EmbeddingDim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i, tok := range tokens {
		addFeature(vec, tok, 1.0)
		if i > 0 {
			addFeature(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'`")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	// Second hash bit decides the sign so collisions partially cancel.
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
