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

	"credence/platform/shared/logger"
)

// Credence RAG - hierarchical retrieval over the compliance knowledge base

var (
	engine       *Engine
	ragStore     *Store
	slog         *logger.Logger
	serviceStart time.Time
)

// Prometheus metrics
var (
	promQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_rag_queries_total",
			Help: "Total number of knowledge base queries",
		},
		[]string{"status", "cache"},
	)
	promRetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credence_rag_retrieval_duration_milliseconds",
			Help:    "Retrieval duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)
	promIngestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_rag_ingests_total",
			Help: "Total number of document ingests",
		},
		[]string{"status"},
	)
	promValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_rag_validations_total",
			Help: "Total number of knowledge-grounded validation runs",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(promQueriesTotal)
	prometheus.MustRegister(promRetrievalDuration)
	prometheus.MustRegister(promIngestsTotal)
	prometheus.MustRegister(promValidationsTotal)
}

// Run starts the RAG service.
func Run() {
	log.Println("Starting Credence RAG...")

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

	r.HandleFunc("/api/v1/query", queryHandler).Methods("POST")
	r.HandleFunc("/api/v1/retrieve", retrieveHandler).Methods("POST")
	r.HandleFunc("/api/v1/validate", validateHandler).Methods("POST")
	r.HandleFunc("/api/v1/explain-failure", explainFailureHandler).Methods("POST")
	r.HandleFunc("/api/v1/documents", ingestHandler).Methods("POST")
	r.HandleFunc("/api/v1/documents/{id}", documentHandler).Methods("GET")
	r.HandleFunc("/api/v1/documents/{id}/similar", similarHandler).Methods("GET")

	port := getEnv("PORT", "8085")
	handler := c.Handler(r)
	log.Printf("Credence RAG listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

func initializeComponents() {
	serviceStart = time.Now()
	slog = logger.New("rag")

	dbURL := buildDatabaseURL()
	if dbURL == "" {
		log.Fatal("[RAG] no database configured: set DATABASE_HOST/DATABASE_PASSWORD or DATABASE_URL")
	}

	var err error
	ragStore, err = NewStore(dbURL)
	if err != nil {
		log.Fatalf("[RAG] failed to initialize store: %v", err)
	}

	cacheTTL := 3600
	if raw := os.Getenv("RAG_CACHE_TTL_SECONDS"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			cacheTTL = parsed
		} else {
			log.Printf("[RAG] invalid RAG_CACHE_TTL_SECONDS %q, using %d", raw, cacheTTL)
		}
	}

	embedder := NewEmbedderFromEnv()
	engine = NewEngine(ragStore, embedder, time.Duration(cacheTTL)*time.Second)
	log.Printf("[RAG] semantic cache TTL: %ds", cacheTTL)
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

func queryHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promQueriesTotal.WithLabelValues("invalid", "none").Inc()
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	resp, err := engine.Query(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			promQueriesTotal.WithLabelValues("invalid", "none").Inc()
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			promQueriesTotal.WithLabelValues("error", "none").Inc()
			slog.ErrorWithCode(req.TenantID, req.CorrelationID, "query failed", http.StatusInternalServerError, err, nil)
			sendError(w, "query failed", http.StatusInternalServerError)
		}
		return
	}

	cacheLabel := "miss"
	if resp.FromCache {
		cacheLabel = "hit"
	}
	promQueriesTotal.WithLabelValues("success", cacheLabel).Inc()
	promRetrievalDuration.Observe(float64(time.Since(startTime).Milliseconds()))
	slog.InfoWithDuration(req.TenantID, req.CorrelationID, "query answered", float64(time.Since(startTime).Milliseconds()), map[string]interface{}{
		"from_cache": resp.FromCache,
		"sources":    len(resp.SourceIDs),
	})

	sendJSON(w, http.StatusOK, resp)
}

func retrieveHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	chunks, err := engine.Retrieve(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			slog.ErrorWithCode(req.TenantID, req.CorrelationID, "retrieval failed", http.StatusInternalServerError, err, nil)
			sendError(w, "retrieval failed", http.StatusInternalServerError)
		}
		return
	}

	promRetrievalDuration.Observe(float64(time.Since(startTime).Milliseconds()))
	if chunks == nil {
		chunks = []*ScoredChunk{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"chunks": chunks,
		"count":  len(chunks),
	})
}

func validateHandler(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promValidationsTotal.WithLabelValues("invalid").Inc()
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	resp, err := engine.Validate(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			promValidationsTotal.WithLabelValues("invalid").Inc()
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			promValidationsTotal.WithLabelValues("error").Inc()
			slog.ErrorWithCode(req.TenantID, req.CorrelationID, "validation failed", http.StatusInternalServerError, err, nil)
			sendError(w, "validation failed", http.StatusInternalServerError)
		}
		return
	}

	promValidationsTotal.WithLabelValues("success").Inc()
	sendJSON(w, http.StatusOK, resp)
}

func explainFailureHandler(w http.ResponseWriter, r *http.Request) {
	var req ExplainFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	exp, err := engine.ExplainFailure(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			slog.ErrorWithCode(req.TenantID, req.CorrelationID, "explain failed", http.StatusInternalServerError, err, nil)
			sendError(w, "explain failed", http.StatusInternalServerError)
		}
		return
	}

	sendJSON(w, http.StatusOK, exp)
}

func ingestHandler(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promIngestsTotal.WithLabelValues("invalid").Inc()
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	result, err := engine.Ingest(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			promIngestsTotal.WithLabelValues("invalid").Inc()
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			promIngestsTotal.WithLabelValues("error").Inc()
			slog.ErrorWithCode(req.TenantID, "", "ingest failed", http.StatusInternalServerError, err, nil)
			sendError(w, "ingest failed", http.StatusInternalServerError)
		}
		return
	}

	promIngestsTotal.WithLabelValues("success").Inc()
	sendJSON(w, http.StatusCreated, result)
}

func documentHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := ragStore.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sendError(w, err.Error(), http.StatusNotFound)
		} else {
			slog.ErrorWithCode("", "", "document lookup failed", http.StatusInternalServerError, err, nil)
			sendError(w, "document lookup failed", http.StatusInternalServerError)
		}
		return
	}
	sendJSON(w, http.StatusOK, doc)
}

func similarHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	limit := 5
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			sendError(w, "limit must be between 1 and 50", http.StatusUnprocessableEntity)
			return
		}
		limit = parsed
	}
	threshold := 0.7
	if raw := q.Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			sendError(w, "threshold must be between 0 and 1", http.StatusUnprocessableEntity)
			return
		}
		threshold = parsed
	}

	centroid, err := ragStore.AvgEmbedding(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sendError(w, err.Error(), http.StatusNotFound)
		} else {
			slog.ErrorWithCode("", "", "similarity search failed", http.StatusInternalServerError, err, nil)
			sendError(w, "similarity search failed", http.StatusInternalServerError)
		}
		return
	}

	similar, err := ragStore.SimilarDocuments(r.Context(), id, centroid, threshold, limit)
	if err != nil {
		slog.ErrorWithCode("", "", "similarity search failed", http.StatusInternalServerError, err, nil)
		sendError(w, "similarity search failed", http.StatusInternalServerError)
		return
	}
	if similar == nil {
		similar = []*SimilarDocument{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": id,
		"similar":     similar,
		"count":       len(similar),
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := ragStore.Ping(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "credence-rag",
		"timestamp": time.Now().UTC(),
	})
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "credence-rag",
		"uptime_seconds": int64(time.Since(serviceStart).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[RAG] error encoding response: %v", err)
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
