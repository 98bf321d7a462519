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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"credence/platform/shared/ledgerapi"
	"credence/platform/shared/logger"
)

// Credence OCR - cost-tiered document text extraction

var (
	pipeline     *Pipeline
	ocrStore     *Store
	reviewQueue  *ReviewQueue
	slog         *logger.Logger
	serviceStart time.Time
)

// Prometheus metrics
var (
	promJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_ocr_jobs_total",
			Help: "Total number of OCR jobs by final status",
		},
		[]string{"status"},
	)
	promTierUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_ocr_tier_usage_total",
			Help: "Extraction tier that produced each job's result",
		},
		[]string{"tier"},
	)
	promCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_ocr_cache_total",
			Help: "Extraction cache lookups by result",
		},
		[]string{"result"},
	)
	promConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credence_ocr_confidence",
			Help:    "Final extraction confidence (0-100)",
			Buckets: []float64{10, 25, 50, 70, 80, 85, 90, 95, 99},
		},
	)
	promReviewsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credence_ocr_reviews_total",
			Help: "Total number of completed human reviews",
		},
	)
)

func init() {
	prometheus.MustRegister(promJobsTotal)
	prometheus.MustRegister(promTierUsage)
	prometheus.MustRegister(promCacheTotal)
	prometheus.MustRegister(promConfidence)
	prometheus.MustRegister(promReviewsTotal)
}

// Run starts the OCR service.
func Run() {
	log.Println("Starting Credence OCR...")

	initializeComponents()

	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/metrics", metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/submit", submitHandler).Methods("POST")
	r.HandleFunc("/api/v1/jobs", listJobsHandler).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", jobHandler).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}/review", reviewHandler).Methods("POST")
	r.HandleFunc("/api/v1/review-queue/next", queueNextHandler).Methods("GET")

	port := getEnv("PORT", "8086")
	handler := c.Handler(r)
	log.Printf("Credence OCR listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

func initializeComponents() {
	serviceStart = time.Now()
	slog = logger.New("ocr")

	dbURL := buildDatabaseURL()
	if dbURL == "" {
		log.Fatal("[OCR] no database configured: set DATABASE_HOST/DATABASE_PASSWORD or DATABASE_URL")
	}

	var err error
	ocrStore, err = NewStore(dbURL)
	if err != nil {
		log.Fatalf("[OCR] failed to initialize store: %v", err)
	}

	var vision VisionOCR
	bv, err := NewBedrockVision(os.Getenv("BEDROCK_REGION"), os.Getenv("BEDROCK_MODEL"))
	if err != nil {
		log.Printf("[OCR] vision tier unavailable: %v", err)
	} else {
		vision = bv
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		maxLen := int64(1000)
		if raw := os.Getenv("REVIEW_QUEUE_MAX"); raw != "" {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
				maxLen = parsed
			} else {
				log.Printf("[OCR] invalid REVIEW_QUEUE_MAX %q, using %d", raw, maxLen)
			}
		}
		reviewQueue, err = NewReviewQueue(redisURL, maxLen)
		if err != nil {
			log.Printf("[OCR] review queue unavailable: %v", err)
			reviewQueue = nil
		}
	} else {
		log.Println("[OCR] REDIS_URL not set, review dispatch disabled")
	}

	var ledger ledgerapi.Appender
	if ledgerURL := os.Getenv("LEDGER_URL"); ledgerURL != "" {
		ledger = ledgerapi.New(ledgerURL)
	} else {
		log.Println("[OCR] LEDGER_URL not set, review audit disabled")
	}

	cfg := PipelineConfig{
		FastThreshold: envFloat("TESSERACT_THRESHOLD", DefaultFastThreshold),
		AIThreshold:   envFloat("AI_THRESHOLD", DefaultAIThreshold),
	}
	pipeline = NewPipeline(ocrStore, NewTesseractCLI(), vision, NewPdftoppmRenderer(), NewFetcher(), reviewQueue, ledger, cfg)
	log.Printf("[OCR] thresholds: tesseract %.1f, ai %.1f", cfg.FastThreshold, cfg.AIThreshold)
}

// envFloat reads a float environment variable, keeping the default when the
// value is missing or unparsable.
func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		log.Printf("[OCR] invalid %s %q, using %.1f", key, raw, def)
		return def
	}
	return parsed
}

// buildDatabaseURL assembles a connection string from the standard
// DATABASE_* variables, falling back to DATABASE_URL.
func buildDatabaseURL() string {
	dbHost := os.Getenv("DATABASE_HOST")
	dbPort := os.Getenv("DATABASE_PORT")
	dbName := os.Getenv("DATABASE_NAME")
	dbUser := os.Getenv("DATABASE_USER")
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	dbSSLMode := os.Getenv("DATABASE_SSLMODE")

	dbURL := os.Getenv("DATABASE_URL")
	if dbHost != "" && dbPassword != "" {
		if dbPort == "" {
			dbPort = "5432"
		}
		if dbName == "" {
			dbName = "credence"
		}
		if dbUser == "" {
			dbUser = "credence_app"
		}
		if dbSSLMode == "" {
			dbSSLMode = "require"
		}
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			url.QueryEscape(dbUser), url.QueryEscape(dbPassword), dbHost, dbPort, dbName, dbSSLMode)
	}
	return dbURL
}

type submitResponse struct {
	*Job
	FromCache bool `json:"from_cache"`
}

func submitHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promJobsTotal.WithLabelValues("invalid").Inc()
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	job, fromCache, err := pipeline.Process(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			promJobsTotal.WithLabelValues("invalid").Inc()
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			promJobsTotal.WithLabelValues("error").Inc()
			slog.ErrorWithCode(req.TenantID, req.CorrelationID, "extraction failed", http.StatusInternalServerError, err, nil)
			sendError(w, "extraction failed", http.StatusInternalServerError)
		}
		return
	}

	promJobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.TierUsed != "" {
		promTierUsage.WithLabelValues(string(job.TierUsed)).Inc()
	}
	cacheLabel := "miss"
	if fromCache {
		cacheLabel = "hit"
	}
	promCacheTotal.WithLabelValues(cacheLabel).Inc()
	if job.Confidence != nil {
		promConfidence.Observe(*job.Confidence)
	}

	slog.InfoWithDuration(req.TenantID, req.CorrelationID, "document processed", float64(time.Since(startTime).Milliseconds()), map[string]interface{}{
		"job_id":     job.ID,
		"status":     job.Status,
		"tier":       job.TierUsed,
		"from_cache": fromCache,
	})
	sendJSON(w, http.StatusOK, submitResponse{Job: job, FromCache: fromCache})
}

func jobHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := ocrStore.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sendError(w, err.Error(), http.StatusNotFound)
		} else {
			slog.ErrorWithCode("", "", "job lookup failed", http.StatusInternalServerError, err, nil)
			sendError(w, "job lookup failed", http.StatusInternalServerError)
		}
		return
	}
	sendJSON(w, http.StatusOK, job)
}

func listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		sendError(w, "tenant_id is required", http.StatusUnprocessableEntity)
		return
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			sendError(w, "limit must be between 1 and 200", http.StatusUnprocessableEntity)
			return
		}
		limit = parsed
	}

	jobs, err := ocrStore.ListAwaitingReview(r.Context(), tenantID, limit)
	if err != nil {
		slog.ErrorWithCode(tenantID, "", "job list failed", http.StatusInternalServerError, err, nil)
		sendError(w, "job list failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

type reviewRequest struct {
	ReviewerID    string `json:"reviewer_id"`
	CorrectedText string `json:"corrected_text"`
	Notes         string `json:"notes,omitempty"`
}

func reviewHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	job, err := ocrStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sendError(w, err.Error(), http.StatusNotFound)
		} else {
			slog.ErrorWithCode("", "", "job lookup failed", http.StatusInternalServerError, err, nil)
			sendError(w, "job lookup failed", http.StatusInternalServerError)
		}
		return
	}

	review := &Review{
		JobID:         jobID,
		TenantID:      job.TenantID,
		ReviewerID:    req.ReviewerID,
		CorrectedText: req.CorrectedText,
		Notes:         req.Notes,
	}
	if err := pipeline.CompleteReview(r.Context(), review); err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrNotFound):
			sendError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrNotReviewable):
			sendError(w, err.Error(), http.StatusConflict)
		default:
			slog.ErrorWithCode(job.TenantID, job.CorrelationID, "review failed", http.StatusInternalServerError, err, nil)
			sendError(w, "review failed", http.StatusInternalServerError)
		}
		return
	}

	promReviewsTotal.Inc()
	promJobsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	promTierUsage.WithLabelValues(string(TierHumanReview)).Inc()
	slog.Info(job.TenantID, job.CorrelationID, "review completed", map[string]interface{}{
		"job_id":      jobID,
		"review_id":   review.ID,
		"reviewer_id": review.ReviewerID,
	})
	sendJSON(w, http.StatusOK, review)
}

func queueNextHandler(w http.ResponseWriter, r *http.Request) {
	if reviewQueue == nil {
		sendError(w, "review queue not configured", http.StatusServiceUnavailable)
		return
	}
	jobID, err := reviewQueue.Next(r.Context())
	if err != nil {
		slog.ErrorWithCode("", "", "queue pop failed", http.StatusInternalServerError, err, nil)
		sendError(w, "queue pop failed", http.StatusInternalServerError)
		return
	}
	if jobID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := ocrStore.Ping(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "credence-ocr",
		"timestamp": time.Now().UTC(),
	})
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "credence-ocr",
		"uptime_seconds": int64(time.Since(serviceStart).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[OCR] error encoding response: %v", err)
	}
}

func sendError(w http.ResponseWriter, detail string, status int) {
	sendJSON(w, status, map[string]string{"detail": detail})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
