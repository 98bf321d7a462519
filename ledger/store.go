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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"credence/platform/shared/canonjson"
)

// Sentinel errors surfaced by the store. Handlers map them to HTTP statuses.
var (
	ErrInvalidInput = errors.New("invalid ledger input")
	ErrConflict     = errors.New("ledger chain conflict")
)

// Event is one immutable row in a tenant's audit chain.
type Event struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	ContentHash   string          `json:"content_hash"`
	PreviousHash  string          `json:"previous_hash"`
	ChainHash     string          `json:"chain_hash"`
	CreatedAt     time.Time       `json:"created_at"`
	UserID        string          `json:"user_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// AppendRequest is the write contract for one event.
type AppendRequest struct {
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	UserID        string          `json:"user_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// QueryParams filters and paginates a tenant's events.
type QueryParams struct {
	TenantID      string
	EventType     string
	CorrelationID string
	Limit         int
	Offset        int
}

// Validate enforces the pagination bounds: limit 1..1000, offset >= 0.
func (p *QueryParams) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if p.Limit < 1 || p.Limit > 1000 {
		return fmt.Errorf("%w: limit must be between 1 and 1000", ErrInvalidInput)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	return nil
}

// VerifyResult reports a whole-chain verification walk.
type VerifyResult struct {
	OK             bool   `json:"ok"`
	EventCount     int    `json:"event_count"`
	FirstBadOffset *int   `json:"first_bad_offset,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Store persists tenant-partitioned hash chains in PostgreSQL. Appends for
// one tenant serialize on a row lock over that tenant's latest event;
// tenants never contend with each other.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore connects to PostgreSQL and ensures the ledger schema exists.
func NewStore(dbURL string) (*Store, error) {
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
			log.Printf("[LEDGER] database connection failed (attempt %d/%d): %v, retrying in %v", attempt, maxRetries, err, backoff)
			time.Sleep(backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	store := NewStoreWithDB(db)
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewStoreWithDB wraps an existing handle; tests use this with sqlmock.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_events (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(255) NOT NULL,
		event_data JSONB NOT NULL,
		content_hash CHAR(64) NOT NULL,
		previous_hash CHAR(64) NOT NULL,
		chain_hash CHAR(64) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		user_id VARCHAR(255),
		correlation_id VARCHAR(255),
		description TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_tenant_created ON ledger_events(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_events_tenant_type ON ledger_events(tenant_id, event_type);
	CREATE INDEX IF NOT EXISTS idx_ledger_events_tenant_correlation ON ledger_events(tenant_id, correlation_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Println("ledger schema initialized")
	return nil
}

// Append writes one event to the tenant's chain. The tenant's latest row is
// locked for the duration of the transaction so the previous_hash read
// cannot go stale; a chain_hash collision from a racing appender surfaces
// as ErrConflict and callers may retry.
func (s *Store) Append(ctx context.Context, req *AppendRequest) (*Event, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if req.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidInput)
	}
	if len(req.EventData) == 0 {
		return nil, fmt.Errorf("%w: event_data is required", ErrInvalidInput)
	}

	contentHash, err := canonjson.HashRaw(req.EventData)
	if err != nil {
		return nil, fmt.Errorf("%w: event_data is not valid JSON: %v", ErrInvalidInput, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	previousHash := canonjson.GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT chain_hash FROM ledger_events WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`,
		req.TenantID,
	).Scan(&previousHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	event := &Event{
		ID:            uuid.New().String(),
		TenantID:      req.TenantID,
		EventType:     req.EventType,
		EventData:     req.EventData,
		ContentHash:   contentHash,
		PreviousHash:  previousHash,
		ChainHash:     canonjson.ChainHash(contentHash, previousHash),
		CreatedAt:     time.Now().UTC(),
		UserID:        req.UserID,
		CorrelationID: req.CorrelationID,
		Description:   req.Description,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_events (id, tenant_id, event_type, event_data, content_hash, previous_hash, chain_hash, created_at, user_id, correlation_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.TenantID, event.EventType, []byte(event.EventData),
		event.ContentHash, event.PreviousHash, event.ChainHash, event.CreatedAt,
		nullable(event.UserID), nullable(event.CorrelationID), nullable(event.Description),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: stale previous_hash for tenant %s", ErrConflict, req.TenantID)
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return event, nil
}

// Query returns a page of events newest-first plus the unpaginated total.
func (s *Store) Query(ctx context.Context, params *QueryParams) ([]*Event, int, error) {
	if err := params.Validate(); err != nil {
		return nil, 0, err
	}

	where := `WHERE tenant_id = $1`
	args := []interface{}{params.TenantID}
	if params.EventType != "" {
		args = append(args, params.EventType)
		where += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if params.CorrelationID != "" {
		args = append(args, params.CorrelationID)
		where += fmt.Sprintf(" AND correlation_id = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	args = append(args, params.Limit, params.Offset)
	query := fmt.Sprintf(
		`SELECT id, tenant_id, event_type, event_data, content_hash, previous_hash, chain_hash, created_at, user_id, correlation_id, description
		 FROM ledger_events %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Chain returns a tenant's full chain in append order, optionally filtered
// by event type. Export and verification both walk this ordering.
func (s *Store) Chain(ctx context.Context, tenantID, eventType string) ([]*Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}

	query := `SELECT id, tenant_id, event_type, event_data, content_hash, previous_hash, chain_hash, created_at, user_id, correlation_id, description
		 FROM ledger_events WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if eventType != "" {
		args = append(args, eventType)
		query += ` AND event_type = $2`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// Verify recomputes every hash in a tenant's chain. The first row whose
// content hash, previous link, or chain hash deviates is reported by offset
// in append order.
func (s *Store) Verify(ctx context.Context, tenantID string) (*VerifyResult, error) {
	events, err := s.Chain(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}

	previousHash := canonjson.GenesisHash
	for i, event := range events {
		contentHash, err := canonjson.HashRaw(event.EventData)
		if err != nil {
			return bad(i, len(events), fmt.Sprintf("event_data is not canonicalizable: %v", err)), nil
		}
		if contentHash != event.ContentHash {
			return bad(i, len(events), "content hash mismatch"), nil
		}
		if event.PreviousHash != previousHash {
			return bad(i, len(events), "previous hash does not link to prior event"), nil
		}
		if expected := canonjson.ChainHash(contentHash, previousHash); expected != event.ChainHash {
			return bad(i, len(events), "chain hash mismatch"), nil
		}
		previousHash = event.ChainHash
	}

	return &VerifyResult{OK: true, EventCount: len(events)}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func bad(offset, count int, reason string) *VerifyResult {
	o := offset
	return &VerifyResult{OK: false, EventCount: count, FirstBadOffset: &o, Reason: fmt.Sprintf("%s at offset %d", reason, offset)}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var event Event
		var data []byte
		var userID, correlationID, description sql.NullString

		if err := rows.Scan(&event.ID, &event.TenantID, &event.EventType, &data,
			&event.ContentHash, &event.PreviousHash, &event.ChainHash, &event.CreatedAt,
			&userID, &correlationID, &description); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventData = json.RawMessage(data)
		event.UserID = userID.String
		event.CorrelationID = correlationID.String
		event.Description = description.String
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}
