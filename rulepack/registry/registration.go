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

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"credence/platform/rulepack/base"
)

// ErrNoRulePackForDomain is returned when no registration exists for a
// requested validation domain. Handlers surface it as NO_RULEPACK_FOR_DOMAIN.
var ErrNoRulePackForDomain = errors.New("no rule pack registered for domain")

// Registration is one rule pack's entry in the registry.
type Registration struct {
	Domain         string            `json:"domain"`
	Endpoint       string            `json:"endpoint"`
	Status         base.WorkerStatus `json:"status"`
	SupportedModes []base.Mode       `json:"supported_modes"`
	RuleCount      int               `json:"rule_count"`
	Categories     []string          `json:"categories"`
	RegisteredAt   time.Time         `json:"registered_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SupportsMode reports whether the registration advertises the given mode.
func (r *Registration) SupportsMode(m base.Mode) bool {
	for _, mode := range r.SupportedModes {
		if mode == m {
			return true
		}
	}
	return false
}

// Select applies the routing invariant to a domain's registrations, which
// must be ordered by registered_at: the first active registration wins; if
// none is active, the first registration regardless of status; if the slice
// is empty, ErrNoRulePackForDomain.
func Select(regs []*Registration) (*Registration, error) {
	for _, reg := range regs {
		if reg.Status == base.StatusActive {
			return reg, nil
		}
	}
	if len(regs) > 0 {
		return regs[0], nil
	}
	return nil, ErrNoRulePackForDomain
}

// Storage persists rule pack registrations in PostgreSQL so that every
// gateway replica routes against the same pack topology.
type Storage struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStorage connects to PostgreSQL and ensures the registration schema
// exists. Connection is retried to ride out container DNS warm-up.
func NewStorage(dbURL string) (*Storage, error) {
	maxRetries := 5
	var db *sql.DB
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		if attempt < maxRetries {
			backoff := time.Duration(attempt*2) * time.Second
			log.Printf("[REGISTRY] database connection failed (attempt %d/%d): %v, retrying in %v", attempt, maxRetries, err, backoff)
			time.Sleep(backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	storage := NewStorageWithDB(db)
	if err := storage.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return storage, nil
}

// NewStorageWithDB wraps an existing database handle. Schema creation is the
// caller's responsibility; tests use this with sqlmock.
func NewStorageWithDB(db *sql.DB) *Storage {
	return &Storage{
		db:     db,
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

func (s *Storage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS rulepack_registrations (
		domain VARCHAR(255) NOT NULL,
		endpoint VARCHAR(1024) NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'active',
		supported_modes JSONB NOT NULL DEFAULT '[]'::jsonb,
		rule_count INTEGER NOT NULL DEFAULT 0,
		categories JSONB NOT NULL DEFAULT '[]'::jsonb,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (domain, endpoint)
	);

	CREATE INDEX IF NOT EXISTS idx_rulepack_registrations_domain ON rulepack_registrations(domain, registered_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Println("registration schema initialized")
	return nil
}

// Save inserts or updates a registration. Status, modes, rule count, and
// categories are refreshed on conflict; registered_at is preserved.
func (s *Storage) Save(ctx context.Context, reg *Registration) error {
	if !reg.Status.Valid() {
		return fmt.Errorf("invalid registration status %q for domain %s", reg.Status, reg.Domain)
	}
	for _, m := range reg.SupportedModes {
		if !m.Valid() {
			return fmt.Errorf("invalid supported mode %q for domain %s", m, reg.Domain)
		}
	}

	modesJSON, err := json.Marshal(reg.SupportedModes)
	if err != nil {
		return fmt.Errorf("failed to marshal supported modes: %w", err)
	}
	categoriesJSON, err := json.Marshal(reg.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}

	query := `
		INSERT INTO rulepack_registrations (domain, endpoint, status, supported_modes, rule_count, categories)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain, endpoint) DO UPDATE SET
			status = EXCLUDED.status,
			supported_modes = EXCLUDED.supported_modes,
			rule_count = EXCLUDED.rule_count,
			categories = EXCLUDED.categories,
			updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query,
		reg.Domain,
		reg.Endpoint,
		string(reg.Status),
		modesJSON,
		reg.RuleCount,
		categoriesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}

	s.logger.Printf("saved registration: domain=%s endpoint=%s status=%s", reg.Domain, reg.Endpoint, reg.Status)
	return nil
}

// ListByDomain returns a domain's registrations ordered by registered_at,
// oldest first, matching the selection invariant.
func (s *Storage) ListByDomain(ctx context.Context, domain string) ([]*Registration, error) {
	query := `
		SELECT domain, endpoint, status, supported_modes, rule_count, categories, registered_at, updated_at
		FROM rulepack_registrations
		WHERE domain = $1
		ORDER BY registered_at
	`

	rows, err := s.db.QueryContext(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations for domain %s: %w", domain, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRegistrations(rows)
}

// List returns every registration ordered by domain then registration time.
func (s *Storage) List(ctx context.Context) ([]*Registration, error) {
	query := `
		SELECT domain, endpoint, status, supported_modes, rule_count, categories, registered_at, updated_at
		FROM rulepack_registrations
		ORDER BY domain, registered_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRegistrations(rows)
}

// UpdateStatus moves a registration through its lifecycle
// (active/draining/down).
func (s *Storage) UpdateStatus(ctx context.Context, domain, endpoint string, status base.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid registration status %q", status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE rulepack_registrations SET status = $3, updated_at = NOW() WHERE domain = $1 AND endpoint = $2`,
		domain, endpoint, string(status))
	if err != nil {
		return fmt.Errorf("failed to update registration status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("registration not found: %s %s", domain, endpoint)
	}

	s.logger.Printf("registration %s %s -> %s", domain, endpoint, status)
	return nil
}

// Delete removes a registration.
func (s *Storage) Delete(ctx context.Context, domain, endpoint string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM rulepack_registrations WHERE domain = $1 AND endpoint = $2`,
		domain, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("registration not found: %s %s", domain, endpoint)
	}

	s.logger.Printf("deleted registration: %s %s", domain, endpoint)
	return nil
}

// Domains returns the distinct set of registered domains.
func (s *Storage) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT domain FROM rulepack_registrations ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		domains = append(domains, domain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return domains, nil
}

// Ping verifies the registry database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanRegistrations(rows *sql.Rows) ([]*Registration, error) {
	var regs []*Registration
	for rows.Next() {
		var reg Registration
		var status string
		var modesJSON, categoriesJSON []byte

		if err := rows.Scan(&reg.Domain, &reg.Endpoint, &status, &modesJSON, &reg.RuleCount, &categoriesJSON, &reg.RegisteredAt, &reg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		reg.Status = base.WorkerStatus(status)
		if err := json.Unmarshal(modesJSON, &reg.SupportedModes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal supported modes: %w", err)
		}
		if err := json.Unmarshal(categoriesJSON, &reg.Categories); err != nil {
			return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
		}
		regs = append(regs, &reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return regs, nil
}
