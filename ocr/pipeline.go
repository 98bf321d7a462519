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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"credence/platform/shared/httpx"
	"credence/platform/shared/ledgerapi"
	"credence/platform/shared/logger"
)

// Default confidence thresholds on the 0-100 scale. The fast tier's result
// is accepted at or above FastThreshold; anything finishing below
// AIThreshold goes to human review.
const (
	DefaultFastThreshold = 80.0
	DefaultAIThreshold   = 85.0
)

// SubmitRequest is one extraction request. Exactly one of input_data
// (base64 document bytes) or input_ref (s3/az/gs/http reference) must be
// set.
type SubmitRequest struct {
	TenantID      string `json:"tenant_id"`
	InputData     string `json:"input_data,omitempty"`
	InputRef      string `json:"input_ref,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// PipelineConfig carries the tiering thresholds.
type PipelineConfig struct {
	FastThreshold float64
	AIThreshold   float64
}

// Pipeline runs the cost-aware tiering algorithm: cache, preprocess, fast
// OCR, vision OCR, human review.
type Pipeline struct {
	store    *Store
	fast     FastOCR
	vision   VisionOCR
	renderer PageRenderer
	fetcher  *Fetcher
	queue    *ReviewQueue
	ledger   ledgerapi.Appender

	fastThreshold float64
	aiThreshold   float64
	logger        *logger.Logger
}

// NewPipeline wires the tiers. vision, queue, and ledger may be nil: a nil
// vision tier fails escalation (degrading per the failure semantics), a nil
// queue skips dispatch, a nil ledger skips audit.
func NewPipeline(store *Store, fast FastOCR, vision VisionOCR, renderer PageRenderer, fetcher *Fetcher, queue *ReviewQueue, ledger ledgerapi.Appender, cfg PipelineConfig) *Pipeline {
	if cfg.FastThreshold <= 0 {
		cfg.FastThreshold = DefaultFastThreshold
	}
	if cfg.AIThreshold <= 0 {
		cfg.AIThreshold = DefaultAIThreshold
	}
	return &Pipeline{
		store:         store,
		fast:          fast,
		vision:        vision,
		renderer:      renderer,
		fetcher:       fetcher,
		queue:         queue,
		ledger:        ledger,
		fastThreshold: cfg.FastThreshold,
		aiThreshold:   cfg.AIThreshold,
		logger:        logger.New("ocr"),
	}
}

// DocumentHash is the cache key: SHA-256 hex of the raw document bytes.
func DocumentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Process runs one document through the pipeline and returns the finished
// job. The second return reports whether the result came from cache.
func (p *Pipeline) Process(ctx context.Context, req *SubmitRequest) (*Job, bool, error) {
	if req.TenantID == "" {
		return nil, false, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if (req.InputData == "") == (req.InputRef == "") {
		return nil, false, fmt.Errorf("%w: exactly one of input_data or input_ref is required", ErrInvalidInput)
	}

	document, err := p.acquire(ctx, req)
	if err != nil {
		return nil, false, err
	}

	hash := DocumentHash(document)
	job, err := p.store.CreateJob(ctx, req.TenantID, hash, req.CorrelationID)
	if err != nil {
		return nil, false, err
	}

	cached, err := p.store.CacheLookup(ctx, hash)
	if err != nil {
		p.logger.Warn(req.TenantID, req.CorrelationID, "cache lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if cached != nil {
		p.finishFromResult(ctx, job, &TierResult{
			Text:       cached.ExtractedText,
			Confidence: cached.Confidence,
			Tier:       cached.TierUsed,
			Warnings:   cached.Warnings,
		}, false)
		if err := p.store.FinishJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	result, degraded, perr := p.extract(ctx, job, document)
	if perr != nil {
		job.Status = StatusFailed
		job.Error = perr.Error()
		if err := p.store.FinishJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, false, nil
	}

	p.finishFromResult(ctx, job, result, degraded)

	// Every non-failed extraction is cacheable; review state is recomputed
	// from thresholds on later hits.
	if err := p.store.CacheStore(ctx, &CachedResult{
		DocumentHash:  hash,
		TierUsed:      job.TierUsed,
		Confidence:    result.Confidence,
		ExtractedText: result.Text,
		Warnings:      result.Warnings,
	}); err != nil {
		p.logger.Warn(req.TenantID, req.CorrelationID, "cache store failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := p.store.FinishJob(ctx, job); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func (p *Pipeline) acquire(ctx context.Context, req *SubmitRequest) ([]byte, error) {
	if req.InputData != "" {
		data, err := base64.StdEncoding.DecodeString(req.InputData)
		if err != nil {
			return nil, fmt.Errorf("%w: input_data is not valid base64: %v", ErrInvalidInput, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: input_data is empty", ErrInvalidInput)
		}
		return data, nil
	}
	if p.fetcher == nil {
		return nil, fmt.Errorf("input_ref fetching is not configured")
	}
	return p.fetcher.Fetch(ctx, req.InputRef)
}

// extract runs the per-page tier loop. It returns the merged document
// result and whether any page degraded (vision failure or a lost page),
// which forces human review regardless of confidence. An error means every
// page failed both tiers.
func (p *Pipeline) extract(ctx context.Context, job *Job, document []byte) (*TierResult, bool, error) {
	pages := [][]byte{document}
	if IsPDF(document) {
		if p.renderer == nil {
			return nil, false, fmt.Errorf("pdf rendering is not configured")
		}
		rendered, err := p.renderer.RenderPages(ctx, document)
		if err != nil {
			return nil, false, fmt.Errorf("pdf rendering failed: %w", err)
		}
		pages = rendered
	}

	if err := p.store.UpdateStatus(ctx, job.ID, StatusProcessingFast); err != nil {
		return nil, false, err
	}

	var (
		texts       []string
		warnings    []string
		maxConf     float64
		anySuccess  bool
		degraded    bool
		visionNoted bool
		failures    []string
	)
	docTier := TierTesseract

	for i, page := range pages {
		result, pageDegraded, err := p.extractPage(ctx, job, page, &visionNoted)
		if err != nil {
			failures = append(failures, fmt.Sprintf("page %d: %v", i+1, err))
			warnings = append(warnings, fmt.Sprintf("page %d failed: %v", i+1, err))
			degraded = true
			continue
		}
		anySuccess = true
		if pageDegraded {
			degraded = true
		}
		if result.Tier == TierAIVision {
			docTier = TierAIVision
		}
		texts = append(texts, result.Text)
		for _, w := range result.Warnings {
			if len(pages) > 1 {
				w = fmt.Sprintf("page %d: %s", i+1, w)
			}
			warnings = append(warnings, w)
		}
		if result.Confidence > maxConf {
			maxConf = result.Confidence
		}
	}

	if !anySuccess {
		return nil, false, fmt.Errorf("all pages failed: %s", strings.Join(failures, "; "))
	}

	return &TierResult{
		Text:       strings.Join(texts, "\n\n"),
		Confidence: maxConf,
		Tier:       docTier,
		Warnings:   warnings,
	}, degraded, nil
}

// extractPage applies the tier cascade to one page: preprocess, fast OCR,
// then vision when the fast tier is unconvincing or broken. A vision
// failure after a usable fast result degrades to the fast result; the
// degraded flag sends the job to review even when confidence would pass.
func (p *Pipeline) extractPage(ctx context.Context, job *Job, page []byte, visionNoted *bool) (*TierResult, bool, error) {
	processed, prepWarnings, err := Preprocess(page)
	if err != nil {
		// An undecodable page may still be readable by the vision model.
		prepWarnings = append(prepWarnings, fmt.Sprintf("preprocessing skipped: %v", err))
		processed = page
	}

	fastResult, fastErr := p.fast.ExtractText(ctx, processed)
	if fastErr == nil {
		fastResult.Warnings = append(prepWarnings, fastResult.Warnings...)
		if fastResult.Confidence >= p.fastThreshold {
			return fastResult, false, nil
		}
	} else {
		p.logger.Warn(job.TenantID, job.CorrelationID, "fast tier failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  fastErr.Error(),
		})
	}

	if !*visionNoted {
		*visionNoted = true
		if err := p.store.UpdateStatus(ctx, job.ID, StatusProcessingVision); err != nil {
			return nil, false, err
		}
	}

	if p.vision == nil {
		if fastResult != nil {
			fastResult.Warnings = append(fastResult.Warnings, "vision tier unavailable")
			return fastResult, true, nil
		}
		return nil, false, fmt.Errorf("fast tier failed (%v) and vision tier is not configured", fastErr)
	}

	visionResult, visionErr := p.vision.ExtractText(ctx, processed)
	if visionErr == nil {
		visionResult.Warnings = append(prepWarnings, visionResult.Warnings...)
		return visionResult, false, nil
	}

	if fastResult != nil {
		fastResult.Warnings = append(fastResult.Warnings, fmt.Sprintf("vision tier failed: %v", visionErr))
		return fastResult, true, nil
	}
	return nil, false, fmt.Errorf("fast tier failed (%v), vision tier failed (%v)", fastErr, visionErr)
}

// finishFromResult applies the review threshold and fills the job.
func (p *Pipeline) finishFromResult(ctx context.Context, job *Job, result *TierResult, degraded bool) {
	confidence := result.Confidence
	job.TierUsed = result.Tier
	job.Confidence = &confidence
	job.ExtractedText = result.Text
	job.Warnings = result.Warnings

	if confidence < p.aiThreshold || degraded {
		job.Status = StatusAwaitingReview
		p.enqueueReview(ctx, job)
	} else {
		job.Status = StatusCompleted
	}
}

// enqueueReview dispatches the job to reviewers. Queue trouble never blocks
// the transition; awaiting_review in the store is authoritative.
func (p *Pipeline) enqueueReview(ctx context.Context, job *Job) {
	if p.queue == nil {
		return
	}
	if err := p.queue.Enqueue(ctx, job.ID); err != nil {
		job.Warnings = append(job.Warnings, fmt.Sprintf("review dispatch: %v", err))
		p.logger.Warn(job.TenantID, job.CorrelationID, "review enqueue failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// CompleteReview stores the human correction, completes the job, removes it
// from the dispatch queue, and ledgers the action.
func (p *Pipeline) CompleteReview(ctx context.Context, review *Review) error {
	if err := p.store.SubmitReview(ctx, review); err != nil {
		return err
	}

	if p.queue != nil {
		if err := p.queue.Remove(ctx, review.JobID); err != nil {
			p.logger.Warn(review.TenantID, "", "queue cleanup failed", map[string]interface{}{
				"job_id": review.JobID,
				"error":  err.Error(),
			})
		}
	}

	if p.ledger != nil {
		_, err := p.ledger.Append(ctx, httpx.Headers{}, &ledgerapi.AppendRequest{
			TenantID:  review.TenantID,
			EventType: "ocr.review.completed",
			EventData: map[string]interface{}{
				"job_id":                  review.JobID,
				"review_id":               review.ID,
				"reviewer_id":             review.ReviewerID,
				"confidence_after_review": review.ConfidenceAfterReview,
			},
			UserID:      review.ReviewerID,
			Description: "human review completed",
		})
		if err != nil {
			p.logger.Warn(review.TenantID, "", "ledger append failed", map[string]interface{}{
				"job_id": review.JobID,
				"error":  err.Error(),
			})
		}
	}
	return nil
}
