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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"credence/platform/shared/logger"
)

// Route scopes. Tokens carry a comma-joined scopes claim; the middleware
// requires every scope listed for a route. Role admin passes all checks.
const (
	ScopeValidate  = "validate"
	ScopeWorkflows = "workflows"
	ScopeDesigner  = "designer"
	ScopeFeedback  = "feedback"
)

const (
	defaultAccessTokenTTL  = 30 * time.Minute
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Claims is the verified identity attached to a request.
type Claims struct {
	Subject  string
	TenantID string
	Role     string
	Scopes   []string
}

// HasScopes reports whether the claims satisfy every required scope.
func (c *Claims) HasScopes(required ...string) bool {
	if c.Role == "admin" {
		return true
	}
	have := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return false
		}
	}
	return true
}

type claimsContextKey struct{}

// WithClaims attaches verified claims to the request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims the auth middleware attached.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

// AuthClient is a registered API client. Secrets are stored as SHA-256
// hex digests, never in the clear.
type AuthClient struct {
	ClientID   string
	SecretHash string
	TenantID   string
	Role       string
	Scopes     []string
	Enabled    bool
}

// RefreshTokenRecord is one row of the refresh token family. A token is
// live while revoked_at is null and expires_at is in the future.
type RefreshTokenRecord struct {
	TokenHash  string
	ClientID   string
	TenantID   string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// AuthStore persists API clients and their refresh token families.
type AuthStore struct {
	db *sql.DB
}

// NewAuthStoreWithDB wraps an existing connection and ensures the schema.
func NewAuthStoreWithDB(db *sql.DB) (*AuthStore, error) {
	s := &AuthStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize auth schema: %w", err)
	}
	return s, nil
}

func (s *AuthStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS auth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		secret_hash CHAR(64) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		role VARCHAR(64) NOT NULL DEFAULT 'client',
		scopes TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS auth_refresh_tokens (
		token_hash CHAR(64) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		revoked_at TIMESTAMP WITH TIME ZONE,
		replaced_by CHAR(64),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_auth_refresh_tokens_client ON auth_refresh_tokens(client_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetClient loads one registered client.
func (s *AuthStore) GetClient(ctx context.Context, clientID string) (*AuthClient, error) {
	var c AuthClient
	var scopes string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, secret_hash, tenant_id, role, scopes, enabled
		FROM auth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ClientID, &c.SecretHash, &c.TenantID, &c.Role, &scopes, &c.Enabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	c.Scopes = splitScopes(scopes)
	return &c, nil
}

// UpsertClient registers or updates a client, hashing the given secret.
func (s *AuthStore) UpsertClient(ctx context.Context, client *AuthClient, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_clients (client_id, secret_hash, tenant_id, role, scopes, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id) DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			tenant_id = EXCLUDED.tenant_id,
			role = EXCLUDED.role,
			scopes = EXCLUDED.scopes,
			enabled = EXCLUDED.enabled`,
		client.ClientID, HashSecret(secret), client.TenantID, client.Role,
		strings.Join(client.Scopes, ","), client.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert client: %w", err)
	}
	return nil
}

// InsertRefreshToken records a freshly issued refresh token by hash.
func (s *AuthStore) InsertRefreshToken(ctx context.Context, tokenHash, clientID, tenantID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (token_hash, client_id, tenant_id, expires_at)
		VALUES ($1, $2, $3, $4)`,
		tokenHash, clientID, tenantID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken atomically revokes a live token, recording its
// successor. Returns the owning client id and whether this call won the
// rotation; a lost rotation means the token was already spent, revoked,
// or expired.
func (s *AuthStore) RotateRefreshToken(ctx context.Context, oldHash, newHash string) (string, bool, error) {
	var clientID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = NOW(), replaced_by = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
		RETURNING client_id`,
		oldHash, newHash,
	).Scan(&clientID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return clientID, true, nil
}

// GetRefreshToken loads one refresh token row by hash.
func (s *AuthStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, client_id, tenant_id, expires_at, revoked_at, replaced_by
		FROM auth_refresh_tokens WHERE token_hash = $1`, tokenHash,
	).Scan(&rec.TokenHash, &rec.ClientID, &rec.TenantID, &rec.ExpiresAt, &revokedAt, &replacedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.RevokedAt = &t
	}
	rec.ReplacedBy = replacedBy.String
	return &rec, nil
}

// RevokeClientTokens revokes every live refresh token a client holds.
// Used when reuse of a spent token shows the family is compromised.
func (s *AuthStore) RevokeClientTokens(ctx context.Context, clientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens SET revoked_at = NOW()
		WHERE client_id = $1 AND revoked_at IS NULL`, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke client tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// TokenRequest is the body of POST /api/v1/auth/token and /auth/refresh.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenResponse carries a freshly minted token pair.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	TenantID     string `json:"tenant_id,omitempty"`
}

// TokenService mints and verifies HS256 bearer tokens and manages the
// single-use refresh rotation.
type TokenService struct {
	secret     []byte
	store      *AuthStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	slog       *logger.Logger
	now        func() time.Time
}

// NewTokenService builds a token service over the given signing secret.
// Zero TTLs select the platform defaults (30m access, 30d refresh).
func NewTokenService(store *AuthStore, secret []byte, accessTTL, refreshTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTokenTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenTTL
	}
	return &TokenService{
		secret:     secret,
		store:      store,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		slog:       logger.New("auth"),
		now:        time.Now,
	}
}

// IssueToken handles both supported grants. client_credentials verifies
// the client secret; refresh_token spends a live refresh token. All
// credential failures surface as Unauthenticated without detail about
// which check failed.
func (s *TokenService) IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "client_credentials":
		return s.issueClientCredentials(ctx, req.ClientID, req.ClientSecret)
	case "refresh_token":
		return s.refresh(ctx, req.RefreshToken)
	default:
		return nil, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidInput, req.GrantType)
	}
}

func (s *TokenService) issueClientCredentials(ctx context.Context, clientID, clientSecret string) (*TokenResponse, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: client_id and client_secret are required", ErrInvalidInput)
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid client credentials", ErrUnauthenticated)
		}
		return nil, err
	}
	presented := HashSecret(clientSecret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(client.SecretHash)) != 1 {
		return nil, fmt.Errorf("%w: invalid client credentials", ErrUnauthenticated)
	}
	if !client.Enabled {
		return nil, fmt.Errorf("%w: client is disabled", ErrUnauthenticated)
	}
	return s.mintPair(ctx, client)
}

// refresh spends the presented token. The rotation is a single
// compare-and-set: losing it on a token that was already spent means the
// token leaked, and the whole family is revoked.
func (s *TokenService) refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidInput)
	}
	oldHash := HashSecret(refreshToken)
	newToken, newHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	clientID, applied, err := s.store.RotateRefreshToken(ctx, oldHash, newHash)
	if err != nil {
		return nil, err
	}
	if !applied {
		rec, err := s.store.GetRefreshToken(ctx, oldHash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown refresh token", ErrUnauthenticated)
			}
			return nil, err
		}
		if rec.RevokedAt != nil {
			revoked, revokeErr := s.store.RevokeClientTokens(ctx, rec.ClientID)
			if revokeErr != nil {
				return nil, revokeErr
			}
			s.slog.Warn(rec.TenantID, "", "refresh token reuse detected, family revoked", map[string]interface{}{
				"client_id":      rec.ClientID,
				"tokens_revoked": revoked,
			})
			return nil, fmt.Errorf("%w: refresh token reuse detected", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: refresh token expired", ErrUnauthenticated)
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: client no longer registered", ErrUnauthenticated)
		}
		return nil, err
	}
	if !client.Enabled {
		return nil, fmt.Errorf("%w: client is disabled", ErrUnauthenticated)
	}
	if err := s.store.InsertRefreshToken(ctx, newHash, client.ClientID, client.TenantID, s.now().Add(s.refreshTTL)); err != nil {
		return nil, err
	}
	access, err := s.mintAccessToken(client)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: newToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		TenantID:     client.TenantID,
	}, nil
}

func (s *TokenService) mintPair(ctx context.Context, client *AuthClient) (*TokenResponse, error) {
	access, err := s.mintAccessToken(client)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertRefreshToken(ctx, refreshHash, client.ClientID, client.TenantID, s.now().Add(s.refreshTTL)); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		TenantID:     client.TenantID,
	}, nil
}

func (s *TokenService) mintAccessToken(client *AuthClient) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       client.ClientID,
		"tenant_id": client.TenantID,
		"role":      client.Role,
		"scopes":    strings.Join(client.Scopes, ","),
		"iat":       now.Unix(),
		"exp":       now.Add(s.accessTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token and extracts its claims.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	return &Claims{
		Subject:  getClaimString(claims, "sub"),
		TenantID: getClaimString(claims, "tenant_id"),
		Role:     getClaimString(claims, "role"),
		Scopes:   getClaimStringArray(claims, "scopes"),
	}, nil
}

// RequireScopes is the per-route auth middleware. A nil TokenService
// disables authentication entirely (no JWT secret configured); run logs
// that loudly at startup.
func RequireScopes(ts *TokenService, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ts == nil {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				sendError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := ts.Verify(strings.TrimPrefix(auth, prefix))
			if err != nil {
				sendError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			if !claims.HasScopes(scopes...) {
				sendError(w, fmt.Sprintf("missing required scope: %s", strings.Join(scopes, ", ")), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// HashSecret returns the SHA-256 hex digest used for stored secrets and
// refresh token hashes.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	token = hex.EncodeToString(raw)
	return token, HashSecret(token), nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func getClaimStringArray(claims jwt.MapClaims, key string) []string {
	if val, ok := claims[key].(string); ok {
		if val == "" {
			return []string{}
		}
		return strings.Split(val, ",")
	}
	return []string{}
}

func splitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
