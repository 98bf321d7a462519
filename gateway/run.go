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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"credence/platform/rulepack/registry"
	"credence/platform/shared/ledgerapi"
	"credence/platform/shared/logger"
	"credence/platform/shared/redact"
	"credence/platform/shared/secrets"
)

// Credence Gateway - policy routing, workflow execution with human
// approval, designer compilation, and auth for the validation platform.

var (
	policyRouter    *PolicyRouter
	workflowEngine  *WorkflowEngine
	workerRegistry  *registry.Registry
	knowledgeClient KnowledgeService
	ledgerClient    ledgerapi.Appender
	workflowStore   *WorkflowStore
	decisionStore   *DecisionStore
	packCompiler    *Compiler
	tokenService    *TokenService
	rateLimiter     *RateLimiter
	slog            *logger.Logger
	serviceStart    time.Time
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_gateway_requests_total",
			Help: "Total gateway API requests by operation and status",
		},
		[]string{"operation", "status"},
	)
	promPolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_gateway_policy_decisions_total",
			Help: "Policy decisions by selected execution strategy",
		},
		[]string{"decision"},
	)
	promModeFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credence_gateway_mode_fallbacks_total",
			Help: "Validations that degraded to a more conservative mode",
		},
	)
	promModeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credence_gateway_validation_duration_milliseconds",
			Help:    "Validation duration in milliseconds by executed mode",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"mode"},
	)
	promWorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_gateway_workflows_total",
			Help: "Workflow submissions by resulting state",
		},
		[]string{"state"},
	)
	promApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_gateway_approvals_total",
			Help: "Approval decisions by outcome",
		},
		[]string{"outcome"},
	)
	promCompilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credence_gateway_compiles_total",
			Help: "Designer compilations by status",
		},
		[]string{"status"},
	)
	promRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credence_gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promPolicyDecisions)
	prometheus.MustRegister(promModeFallbacks)
	prometheus.MustRegister(promModeDuration)
	prometheus.MustRegister(promWorkflowsTotal)
	prometheus.MustRegister(promApprovalsTotal)
	prometheus.MustRegister(promCompilesTotal)
	prometheus.MustRegister(promRateLimited)
}

// Run starts the gateway service.
func Run() {
	log.Println("Starting Credence Gateway...")

	initializeComponents()

	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/metrics", metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/auth/token", tokenHandler).Methods("POST")
	r.HandleFunc("/api/v1/auth/refresh", refreshHandler).Methods("POST")

	r.Handle("/api/v1/jobs/validate", protect(validateHandler, ScopeValidate)).Methods("POST")
	r.Handle("/api/v1/explain", protect(explainHandler, ScopeValidate)).Methods("POST")
	r.Handle("/api/v1/failures/{failure_id}/decision", protect(decisionHandler, ScopeFeedback)).Methods("PUT")
	r.Handle("/api/v1/feedback/rag/{failure_id}", protect(ragFeedbackHandler, ScopeFeedback)).Methods("POST")
	r.Handle("/api/v1/execute-workflow", protect(executeWorkflowHandler, ScopeWorkflows)).Methods("POST")
	r.Handle("/api/v1/workflow/approve/{task_id}", protect(approveWorkflowHandler, ScopeWorkflows)).Methods("POST")
	r.Handle("/api/v1/workflow/status/{workflow_id}", protect(workflowStatusHandler, ScopeWorkflows)).Methods("GET")
	r.Handle("/api/v1/designer/compile", protect(compileHandler, ScopeDesigner)).Methods("POST")

	port := getEnv("PORT", "8080")
	handler := c.Handler(r)
	log.Printf("Credence Gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

// protect stacks the route middleware: authentication outermost, then the
// per-client rate limit keyed on the verified subject.
func protect(h http.HandlerFunc, scopes ...string) http.Handler {
	var handler http.Handler = h
	handler = RateLimitMiddleware(rateLimiter)(handler)
	handler = RequireScopes(tokenService, scopes...)(handler)
	return handler
}

func initializeComponents() {
	serviceStart = time.Now()
	slog = logger.New("gateway")
	ctx := context.Background()

	dbURL := buildDatabaseURL()
	if dbURL == "" {
		log.Fatal("[GATEWAY] no database configured: set DATABASE_HOST/DATABASE_PASSWORD or DATABASE_URL")
	}

	db, err := openWithRetry(dbURL, "[GATEWAY]")
	if err != nil {
		log.Fatalf("[GATEWAY] failed to connect to database: %v", err)
	}

	workflowStore = NewWorkflowStoreWithDB(db)
	if err := workflowStore.initSchema(); err != nil {
		log.Fatalf("[GATEWAY] failed to initialize workflow schema: %v", err)
	}
	decisionStore = NewDecisionStoreWithDB(db)
	if err := decisionStore.initSchema(); err != nil {
		log.Fatalf("[GATEWAY] failed to initialize decision schema: %v", err)
	}
	packStore, err := NewPackStoreWithDB(db)
	if err != nil {
		log.Fatalf("[GATEWAY] failed to initialize pack store: %v", err)
	}
	authStore, err := NewAuthStoreWithDB(db)
	if err != nil {
		log.Fatalf("[GATEWAY] failed to initialize auth store: %v", err)
	}

	// The registry manages its own pool so rule pack churn never starves
	// gateway stores of connections.
	registryStorage, err := registry.NewStorage(dbURL)
	if err != nil {
		log.Fatalf("[GATEWAY] failed to initialize rule pack registry: %v", err)
	}
	workerRegistry = registry.NewRegistry(registryStorage)

	if seedFile := os.Getenv("RULEPACK_SEED_FILE"); seedFile != "" {
		if err := workerRegistry.SeedFromFile(ctx, seedFile); err != nil {
			log.Printf("[GATEWAY] rule pack seeding failed: %v", err)
		} else {
			log.Printf("[GATEWAY] rule packs seeded from %s", seedFile)
		}
	}
	reloadSeconds, err := strconv.Atoi(getEnv("RULEPACK_RELOAD_INTERVAL_SECONDS", "60"))
	if err != nil || reloadSeconds <= 0 {
		reloadSeconds = 60
	}
	workerRegistry.StartPeriodicReload(ctx, time.Duration(reloadSeconds)*time.Second)

	knowledgeClient = NewRAGClient(getEnv("RAG_SERVICE_URL", "http://localhost:8085"))
	policyRouter = NewPolicyRouter(workerRegistry, knowledgeClient)

	ledgerClient = ledgerapi.New(getEnv("LEDGER_SERVICE_URL", "http://localhost:8084"))
	workflowEngine = NewWorkflowEngine(workflowStore, workerRegistry, ledgerClient, redact.NewFromEnv())

	var submitter JobSubmitter
	if endpoint := os.Getenv("ORCHESTRATOR_ENDPOINT"); endpoint != "" {
		submitter = NewHTTPJobSubmitter(endpoint)
	} else {
		log.Println("[GATEWAY] ORCHESTRATOR_ENDPOINT not set - compiled packs are stored but not deployed")
	}
	packCompiler, err = NewCompiler(packStore, submitter)
	if err != nil {
		log.Fatalf("[GATEWAY] failed to initialize compiler: %v", err)
	}

	initializeAuth(ctx, authStore)

	limit, err := strconv.Atoi(getEnv("RATE_LIMIT_PER_MINUTE", "0"))
	if err != nil {
		limit = 0
	}
	rateLimiter, err = NewRateLimiter(os.Getenv("REDIS_URL"), limit)
	if err != nil {
		log.Printf("[GATEWAY] rate limiter unavailable, running without limits: %v", err)
		rateLimiter = NewRateLimiterWithClient(nil, limit)
	}
	if rateLimiter.Enabled() {
		log.Println("[GATEWAY] Redis rate limiting enabled")
	}
}

// initializeAuth resolves the JWT secret and optionally seeds a bootstrap
// client. Without a secret the gateway runs unauthenticated.
func initializeAuth(ctx context.Context, authStore *AuthStore) {
	secret, err := secrets.ResolveKey(ctx, "JWT_SECRET", "JWT_SECRET_ARN")
	if err != nil {
		log.Fatalf("[GATEWAY] failed to resolve JWT secret: %v", err)
	}
	if secret == "" {
		log.Println("[GATEWAY] WARNING: JWT_SECRET not set - authentication is DISABLED")
		return
	}

	accessMinutes, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "30"))
	if err != nil || accessMinutes <= 0 {
		accessMinutes = 30
	}
	refreshHours, err := strconv.Atoi(getEnv("REFRESH_TOKEN_TTL_HOURS", "720"))
	if err != nil || refreshHours <= 0 {
		refreshHours = 720
	}
	tokenService = NewTokenService(authStore, []byte(secret),
		time.Duration(accessMinutes)*time.Minute,
		time.Duration(refreshHours)*time.Hour)

	seedID := os.Getenv("AUTH_SEED_CLIENT_ID")
	seedSecret := os.Getenv("AUTH_SEED_CLIENT_SECRET")
	if seedID == "" || seedSecret == "" {
		return
	}
	scopes := strings.Split(getEnv("AUTH_SEED_SCOPES",
		strings.Join([]string{ScopeValidate, ScopeWorkflows, ScopeDesigner, ScopeFeedback}, ",")), ",")
	err = authStore.UpsertClient(ctx, &AuthClient{
		ClientID: seedID,
		TenantID: getEnv("AUTH_SEED_TENANT", "default"),
		Role:     getEnv("AUTH_SEED_ROLE", "admin"),
		Scopes:   scopes,
		Enabled:  true,
	}, seedSecret)
	if err != nil {
		log.Printf("[GATEWAY] failed to seed auth client %s: %v", seedID, err)
	} else {
		log.Printf("[GATEWAY] auth client %s seeded", seedID)
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

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[GATEWAY] error encoding response: %v", err)
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
