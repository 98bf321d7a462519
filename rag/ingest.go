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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// IngestChunk is one caller-provided slice of document text.
type IngestChunk struct {
	Content    string `json:"content"`
	Heading    string `json:"heading,omitempty"`
	PageNumber *int   `json:"page_number,omitempty"`
}

// IngestRequest registers a document and its text with the knowledge base.
// Either pre-split chunks or raw content (auto-chunked) must be provided.
type IngestRequest struct {
	TenantID    string          `json:"tenant_id,omitempty"`
	Level       Level           `json:"level"`
	SuiteID     string          `json:"suite_id,omitempty"`
	ModuleID    string          `json:"module_id,omitempty"`
	Title       string          `json:"title"`
	SourceType  string          `json:"source_type,omitempty"`
	AccessLevel AccessLevel     `json:"access_level,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Content     string          `json:"content,omitempty"`
	Chunks      []IngestChunk   `json:"chunks,omitempty"`
}

// IngestResult reports what a single ingest stored.
type IngestResult struct {
	DocumentID    string `json:"document_id"`
	ChunksStored  int    `json:"chunks_stored"`
	ChunksSkipped int    `json:"chunks_skipped"`
}

// maxChunkChars bounds auto-chunking. Paragraphs are packed up to this size;
// oversized paragraphs are hard-split.
const maxChunkChars = 1200

// ContentHash is the dedupe key for chunk text: SHA-256 hex of the exact
// content bytes.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Ingest stores a document and embeds its chunks. Chunks whose content hash
// already exists on the document are skipped, so replayed ingests do not
// duplicate text.
func (e *Engine) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	chunks := req.Chunks
	if len(chunks) == 0 {
		if strings.TrimSpace(req.Content) == "" {
			return nil, fmt.Errorf("%w: content or chunks required", ErrInvalidInput)
		}
		for _, part := range splitContent(req.Content, maxChunkChars) {
			chunks = append(chunks, IngestChunk{Content: part})
		}
	}

	doc := &Document{
		TenantID:    req.TenantID,
		Level:       req.Level,
		SuiteID:     req.SuiteID,
		ModuleID:    req.ModuleID,
		Title:       req.Title,
		SourceType:  req.SourceType,
		AccessLevel: req.AccessLevel,
		Metadata:    req.Metadata,
	}
	if err := e.store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}

	result := &IngestResult{DocumentID: doc.ID}
	ord := 0
	for _, in := range chunks {
		content := strings.TrimSpace(in.Content)
		if content == "" {
			continue
		}
		hash := ContentHash(content)
		exists, err := e.store.ChunkExists(ctx, doc.ID, hash)
		if err != nil {
			return nil, err
		}
		if exists {
			result.ChunksSkipped++
			continue
		}

		embedding, err := e.embedder.Embed(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk %d: %w", ord, err)
		}
		chunk := &Chunk{
			DocumentID:  doc.ID,
			Ord:         ord,
			Content:     content,
			ContentHash: hash,
			Heading:     in.Heading,
			PageNumber:  in.PageNumber,
			TokenCount:  len(strings.Fields(content)),
			Embedding:   embedding,
		}
		if err := e.store.InsertChunk(ctx, chunk); err != nil {
			return nil, err
		}
		ord++
		result.ChunksStored++
	}

	if result.ChunksStored == 0 && result.ChunksSkipped == 0 {
		return nil, fmt.Errorf("%w: no non-empty chunks to store", ErrInvalidInput)
	}

	e.logger.Info(req.TenantID, "", "document ingested", map[string]interface{}{
		"document_id":    doc.ID,
		"level":          string(doc.Level),
		"chunks_stored":  result.ChunksStored,
		"chunks_skipped": result.ChunksSkipped,
	})
	return result, nil
}

// splitContent packs paragraphs into chunks no larger than max characters.
func splitContent(content string, max int) []string {
	paragraphs := strings.Split(content, "\n\n")
	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len(p) > max {
			flush()
			out = append(out, p[:max])
			p = strings.TrimSpace(p[max:])
		}
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > max {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return out
}
