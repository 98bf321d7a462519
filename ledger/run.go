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
	"credence/platform/shared/signing"
)

// Credence Ledger - append-only, hash-chained, tenant-partitioned audit log

var (
	store        *Store
	exportSigner *signing.Signer
	slog         *logger.Logger
	serviceStart time.Time
)

// Prometheus metrics
var (
	promAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_ledger_appends_total",
			Help: "Total number of ledger append attempts",
		},
		[]string{"status"},
	)
	promAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credence_ledger_append_duration_milliseconds",
			Help:    "Ledger append duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
	promVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_ledger_verifications_total",
			Help: "Total number of chain verification runs",
		},
		[]string{"result"},
	)
	promExportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credence_ledger_exports_total",
			Help: "Total number of CSV exports served",
		},
	)
)

func init() {
	prometheus.MustRegister(promAppendsTotal)
	prometheus.MustRegister(promAppendDuration)
	prometheus.MustRegister(promVerificationsTotal)
	prometheus.MustRegister(promExportsTotal)
}

// Run starts the ledger service.
func Run() {
	log.Println("Starting Credence Ledger...")

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

	r.HandleFunc("/api/v1/append", appendHandler).Methods("POST")
	r.HandleFunc("/api/v1/events", eventsHandler).Methods("GET")
	r.HandleFunc("/api/v1/export", exportHandler).Methods("GET")
	r.HandleFunc("/api/v1/verify", verifyHandler).Methods("POST")

	port := getEnv("PORT", "8084")
	handler := c.Handler(r)
	log.Printf("Credence Ledger listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

func initializeComponents() {
	serviceStart = time.Now()
	slog = logger.New("ledger")

	dbURL := buildDatabaseURL()
	if dbURL == "" {
		log.Fatal("[LEDGER] no database configured: set DATABASE_HOST/DATABASE_PASSWORD or DATABASE_URL")
	}

	var err error
	store, err = NewStore(dbURL)
	if err != nil {
		log.Fatalf("[LEDGER] failed to initialize store: %v", err)
	}

	if key := os.Getenv("LEDGER_EXPORT_SIGNING_KEY"); key != "" {
		exportSigner = signing.New([]byte(key))
		log.Println("[LEDGER] CSV export signing enabled")
	} else {
		log.Println("[LEDGER] LEDGER_EXPORT_SIGNING_KEY not set - exports are unsigned")
	}
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

func appendHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promAppendsTotal.WithLabelValues("invalid").Inc()
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	event, err := store.Append(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			promAppendsTotal.WithLabelValues("invalid").Inc()
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrConflict):
			promAppendsTotal.WithLabelValues("conflict").Inc()
			sendError(w, err.Error(), http.StatusConflict)
		default:
			promAppendsTotal.WithLabelValues("error").Inc()
			slog.ErrorWithCode(req.TenantID, req.CorrelationID, "append failed", http.StatusInternalServerError, err, nil)
			sendError(w, "failed to append event", http.StatusInternalServerError)
		}
		return
	}

	promAppendsTotal.WithLabelValues("success").Inc()
	promAppendDuration.Observe(float64(time.Since(startTime).Milliseconds()))
	slog.Info(event.TenantID, event.CorrelationID, "event appended", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.EventType,
	})

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"id":         event.ID,
		"chain_hash": event.ChainHash,
		"created_at": event.CreatedAt,
	})
}

func eventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			sendError(w, "limit must be an integer", http.StatusUnprocessableEntity)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			sendError(w, "offset must be an integer", http.StatusUnprocessableEntity)
			return
		}
		offset = parsed
	}

	params := &QueryParams{
		TenantID:      q.Get("tenant_id"),
		EventType:     q.Get("event_type"),
		CorrelationID: q.Get("correlation_id"),
		Limit:         limit,
		Offset:        offset,
	}

	events, total, err := store.Query(r.Context(), params)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		slog.ErrorWithCode(params.TenantID, "", "query failed", http.StatusInternalServerError, err, nil)
		sendError(w, "failed to query events", http.StatusInternalServerError)
		return
	}

	if events == nil {
		events = []*Event{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

func exportHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")

	events, err := store.Chain(r.Context(), tenantID, q.Get("event_type"))
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		slog.ErrorWithCode(tenantID, "", "export failed", http.StatusInternalServerError, err, nil)
		sendError(w, "failed to export events", http.StatusInternalServerError)
		return
	}

	csvBytes, err := ExportCSV(events)
	if err != nil {
		slog.ErrorWithCode(tenantID, "", "export rendering failed", http.StatusInternalServerError, err, nil)
		sendError(w, "failed to render export", http.StatusInternalServerError)
		return
	}

	promExportsTotal.Inc()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=ledger_%s.csv", tenantID))
	if exportSigner != nil {
		w.Header().Set("X-Export-Signature", exportSigner.SignBytes(csvBytes).Header())
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(csvBytes); err != nil {
		log.Printf("[LEDGER] error writing export: %v", err)
	}
}

func verifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	result, err := store.Verify(r.Context(), req.TenantID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			sendError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		slog.ErrorWithCode(req.TenantID, "", "verification failed", http.StatusInternalServerError, err, nil)
		sendError(w, "failed to verify chain", http.StatusInternalServerError)
		return
	}

	if result.OK {
		promVerificationsTotal.WithLabelValues("ok").Inc()
	} else {
		promVerificationsTotal.WithLabelValues("tampered").Inc()
		slog.Warn(req.TenantID, "", "chain verification failed", map[string]interface{}{
			"first_bad_offset": result.FirstBadOffset,
			"reason":           result.Reason,
		})
	}
	sendJSON(w, http.StatusOK, result)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]bool{"database": true}

	if err := store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		components["database"] = false
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, map[string]interface{}{
		"status":     status,
		"service":    "credence-ledger",
		"version":    "1.0.0",
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "credence-ledger",
		"uptime_seconds": int64(time.Since(serviceStart).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[LEDGER] error encoding response: %v", err)
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
