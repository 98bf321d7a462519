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
	"fmt"
	"sort"
	"strings"
	"time"

	"credence/platform/shared/canonjson"
	"credence/platform/shared/logger"
)

// Context boosts added to a candidate's score when the document's hierarchy
// level matches the caller's context. Narrower scope wins bigger boosts.
const (
	boostEntity = 0.15
	boostModule = 0.10
	boostSuite  = 0.05
)

// Scoring weights for hybrid retrieval: blended cosine similarity and
// full-text rank, then the context boost on top.
const (
	hybridVectorWeight  = 0.7
	hybridKeywordWeight = 0.3
)

// DefaultThreshold is the minimum cosine similarity for admission when the
// caller does not set one.
const DefaultThreshold = 0.5

const (
	maxTopK          = 100
	minCandidateSize = 50
)

// RetrieveRequest is the contract for one retrieval pass. TopK is required
// and must be positive; values above maxTopK are clamped.
type RetrieveRequest struct {
	Query         string   `json:"query"`
	TenantID      string   `json:"tenant_id"`
	SuiteID       string   `json:"suite_id,omitempty"`
	ModuleID      string   `json:"module_id,omitempty"`
	TopK          int      `json:"top_k"`
	Threshold     float64  `json:"threshold,omitempty"`
	AccessLevels  []string `json:"access_levels,omitempty"`
	Hybrid        bool     `json:"hybrid,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (r *RetrieveRequest) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if r.TopK < 1 {
		return fmt.Errorf("%w: top_k must be at least 1", ErrInvalidInput)
	}
	if r.TopK > maxTopK {
		r.TopK = maxTopK
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be between 0 and 1", ErrInvalidInput)
	}
	if r.Threshold == 0 {
		r.Threshold = DefaultThreshold
	}
	if len(r.AccessLevels) == 0 {
		r.AccessLevels = []string{string(AccessPublic), string(AccessInternal)}
	}
	for _, a := range r.AccessLevels {
		if !AccessLevel(a).Valid() {
			return fmt.Errorf("%w: unknown access level %q", ErrInvalidInput, a)
		}
	}
	return nil
}

// QueryRequest is the contract for the cached question-answering flow.
type QueryRequest struct {
	Query         string `json:"query"`
	TenantID      string `json:"tenant_id"`
	SuiteID       string `json:"suite_id,omitempty"`
	ModuleID      string `json:"module_id,omitempty"`
	TopK          int    `json:"top_k"`
	Hybrid        bool   `json:"hybrid,omitempty"`
	SkipCache     bool   `json:"skip_cache,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// QueryResponse carries the assembled answer and its provenance.
type QueryResponse struct {
	Answer    string         `json:"answer"`
	Sources   []*ScoredChunk `json:"sources"`
	SourceIDs []string       `json:"source_ids"`
	FromCache bool           `json:"from_cache"`
	CacheHits int            `json:"cache_hits,omitempty"`
}

// Engine runs hierarchical retrieval over the knowledge base: embed the
// query, fetch candidates, apply context boosts, rank, and record stats.
type Engine struct {
	store    *Store
	embedder Embedder
	cacheTTL time.Duration
	logger   *logger.Logger
}

// NewEngine wires a retrieval engine. cacheTTL bounds semantic cache
// entries; zero disables caching.
func NewEngine(store *Store, embedder Embedder, cacheTTL time.Duration) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		cacheTTL: cacheTTL,
		logger:   logger.New("rag"),
	}
}

// QueryHash is the cache key component for a query string: SHA-256 of the
// normalized text, so semantically identical queries share a cache entry.
func QueryHash(query string) string {
	return canonjson.HashBytes([]byte(canonjson.NormalizeQuery(query)))
}

// contextBoost returns the additive boost for a candidate given the
// caller's context. The boost is decided by the document's own level; a
// document whose scope does not match the caller gets nothing.
func contextBoost(c *candidateRow, req *RetrieveRequest) float64 {
	switch c.Level {
	case LevelEntity:
		if c.DocTenantID == req.TenantID {
			return boostEntity
		}
	case LevelModule:
		if req.ModuleID != "" && c.ModuleID == req.ModuleID {
			return boostModule
		}
	case LevelSuite:
		if req.SuiteID != "" && c.SuiteID == req.SuiteID {
			return boostSuite
		}
	}
	return 0
}

// Retrieve embeds the query, gathers candidates, scores them, and returns
// the top_k chunks by final score.
func (e *Engine) Retrieve(ctx context.Context, req *RetrieveRequest) ([]*ScoredChunk, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	embedding, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidateLimit := req.TopK * 4
	if candidateLimit < minCandidateSize {
		candidateLimit = minCandidateSize
	}

	var candidates []*candidateRow
	if req.Hybrid {
		candidates, err = e.store.SearchHybrid(ctx, embedding, req.Query, req.TenantID, req.AccessLevels, req.Threshold, candidateLimit)
	} else {
		candidates, err = e.store.SearchVector(ctx, embedding, req.TenantID, req.AccessLevels, candidateLimit)
	}
	if err != nil {
		return nil, err
	}

	scored := make([]*ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		boost := contextBoost(c, req)
		var final float64
		if req.Hybrid {
			// Hybrid admission already happened in SQL: keyword hit or
			// similarity at threshold.
			final = hybridVectorWeight*c.Similarity + hybridKeywordWeight*c.KeywordRank + boost
		} else {
			if c.Similarity < req.Threshold {
				continue
			}
			final = c.Similarity + boost
		}
		scored = append(scored, &ScoredChunk{
			ChunkID:      c.ChunkID,
			DocumentID:   c.DocumentID,
			Ord:          c.Ord,
			Content:      c.Content,
			Heading:      c.Heading,
			DocTitle:     c.DocTitle,
			Level:        c.Level,
			SuiteID:      c.SuiteID,
			ModuleID:     c.ModuleID,
			Metadata:     c.Metadata,
			Similarity:   c.Similarity,
			KeywordRank:  c.KeywordRank,
			ContextBoost: boost,
			FinalScore:   final,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	if len(scored) > req.TopK {
		scored = scored[:req.TopK]
	}

	e.bumpStats(ctx, req, scored)
	return scored, nil
}

// bumpStats records which documents served the retrieval. Stats failures
// are logged and never fail the request.
func (e *Engine) bumpStats(ctx context.Context, req *RetrieveRequest, chunks []*ScoredChunk) {
	if len(chunks) == 0 {
		return
	}
	seen := make(map[string]bool, len(chunks))
	var docIDs []string
	for _, c := range chunks {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	if err := e.store.BumpRetrievalStats(ctx, docIDs); err != nil {
		e.logger.Warn(req.TenantID, req.CorrelationID, "failed to record retrieval stats", map[string]interface{}{
			"error":     err.Error(),
			"documents": len(docIDs),
		})
	}
}

// Query answers a question from the knowledge base with semantic caching.
// Hits return the cached answer and bump the hit counter; misses retrieve,
// assemble an answer, and populate the cache.
func (e *Engine) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	retrieveReq := &RetrieveRequest{
		Query:         req.Query,
		TenantID:      req.TenantID,
		SuiteID:       req.SuiteID,
		ModuleID:      req.ModuleID,
		TopK:          req.TopK,
		Hybrid:        req.Hybrid,
		CorrelationID: req.CorrelationID,
	}
	if err := retrieveReq.validate(); err != nil {
		return nil, err
	}

	useCache := e.cacheTTL > 0 && !req.SkipCache
	queryHash := QueryHash(req.Query)

	if useCache {
		entry, err := e.store.CacheLookup(ctx, queryHash, req.TenantID, req.SuiteID, req.ModuleID)
		if err != nil {
			e.logger.Warn(req.TenantID, req.CorrelationID, "cache lookup failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else if entry != nil {
			return &QueryResponse{
				Answer:    entry.ResponseText,
				Sources:   []*ScoredChunk{},
				SourceIDs: entry.SourceIDs,
				FromCache: true,
				CacheHits: entry.HitCount,
			}, nil
		}
	}

	chunks, err := e.Retrieve(ctx, retrieveReq)
	if err != nil {
		return nil, err
	}

	answer := composeAnswer(req.Query, chunks)
	sourceIDs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		sourceIDs = append(sourceIDs, c.ChunkID)
	}

	if useCache {
		entry := &CacheEntry{
			QueryHash:    queryHash,
			TenantID:     req.TenantID,
			SuiteID:      req.SuiteID,
			ModuleID:     req.ModuleID,
			ResponseText: answer,
			SourceIDs:    sourceIDs,
			ExpiresAt:    time.Now().Add(e.cacheTTL),
		}
		if err := e.store.CacheStore(ctx, entry); err != nil {
			e.logger.Warn(req.TenantID, req.CorrelationID, "cache store failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return &QueryResponse{
		Answer:    answer,
		Sources:   chunks,
		SourceIDs: sourceIDs,
		FromCache: false,
	}, nil
}

const maxAnswerChars = 4000

// composeAnswer builds an extractive answer from the ranked chunks. Each
// source contributes its heading and content until the size cap.
func composeAnswer(query string, chunks []*ScoredChunk) string {
	if len(chunks) == 0 {
		return fmt.Sprintf("No knowledge base material matched the query %q.", query)
	}
	var b strings.Builder
	for i, c := range chunks {
		section := c.DocTitle
		if c.Heading != "" {
			section += " / " + c.Heading
		}
		entry := fmt.Sprintf("[%d] %s\n%s\n", i+1, section, strings.TrimSpace(c.Content))
		if b.Len()+len(entry) > maxAnswerChars && b.Len() > 0 {
			break
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(entry)
	}
	return strings.TrimRight(b.String(), "\n")
}
