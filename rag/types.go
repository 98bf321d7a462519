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
	"encoding/json"
	"time"
)

// Level places a document in the knowledge hierarchy. Retrieval boosts
// narrower levels when the caller's context matches.
type Level string

const (
	LevelPlatform Level = "platform" // universal guidance
	LevelSuite    Level = "suite"    // domain family (lending, securities)
	LevelModule   Level = "module"   // one module within a suite
	LevelEntity   Level = "entity"   // tenant-scoped material
)

// Valid reports whether the level is one of the known hierarchy levels.
func (l Level) Valid() bool {
	switch l {
	case LevelPlatform, LevelSuite, LevelModule, LevelEntity:
		return true
	}
	return false
}

// AccessLevel classifies who may retrieve a document.
type AccessLevel string

const (
	AccessPublic       AccessLevel = "public"
	AccessInternal     AccessLevel = "internal"
	AccessConfidential AccessLevel = "confidential"
	AccessRestricted   AccessLevel = "restricted"
)

// Valid reports whether the access level is known.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessPublic, AccessInternal, AccessConfidential, AccessRestricted:
		return true
	}
	return false
}

// DocStatus is a document's lifecycle state. Only active documents are
// retrievable.
type DocStatus string

const (
	DocActive   DocStatus = "active"
	DocArchived DocStatus = "archived"
	DocDeleted  DocStatus = "deleted"
)

// Document is one knowledge base entry. Entity-level documents belong to a
// tenant; all other levels are shared.
type Document struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Level       Level           `json:"level"`
	SuiteID     string          `json:"suite_id,omitempty"`
	ModuleID    string          `json:"module_id,omitempty"`
	Title       string          `json:"title"`
	SourceType  string          `json:"source_type"`
	AccessLevel AccessLevel     `json:"access_level"`
	Status      DocStatus       `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Chunk is one embedded slice of a document. (document_id, ord) is unique;
// content_hash deduplicates re-ingested text.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Ord         int       `json:"ord"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Heading     string    `json:"heading,omitempty"`
	PageNumber  *int      `json:"page_number,omitempty"`
	TokenCount  int       `json:"token_count"`
	Embedding   []float32 `json:"-"`
}

// ScoredChunk is a retrieval hit with its score decomposition. FinalScore
// is what results are ranked by; the components are kept for explainability.
type ScoredChunk struct {
	ChunkID      string          `json:"chunk_id"`
	DocumentID   string          `json:"document_id"`
	Ord          int             `json:"ord"`
	Content      string          `json:"content"`
	Heading      string          `json:"heading,omitempty"`
	DocTitle     string          `json:"document_title"`
	Level        Level           `json:"level"`
	SuiteID      string          `json:"suite_id,omitempty"`
	ModuleID     string          `json:"module_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Similarity   float64         `json:"similarity"`
	KeywordRank  float64         `json:"keyword_rank,omitempty"`
	ContextBoost float64         `json:"context_boost"`
	FinalScore   float64         `json:"final_score"`
}

// CacheEntry is one semantic query cache row.
type CacheEntry struct {
	QueryHash    string    `json:"query_hash"`
	TenantID     string    `json:"tenant_id"`
	SuiteID      string    `json:"suite_id,omitempty"`
	ModuleID     string    `json:"module_id,omitempty"`
	ResponseText string    `json:"response_text"`
	SourceIDs    []string  `json:"source_ids"`
	HitCount     int       `json:"hit_count"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SimilarDocument is one hit from average-chunk-embedding comparison.
type SimilarDocument struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Level      Level   `json:"level"`
	SuiteID    string  `json:"suite_id,omitempty"`
	ModuleID   string  `json:"module_id,omitempty"`
	Similarity float64 `json:"similarity"`
}
