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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"credence/platform/shared/logger"
)

const defaultRateLimitPerMinute = 600

// RateLimiter enforces a per-client sliding window over Redis. A nil
// Redis client disables limiting; Redis errors fail open so a cache
// outage never blocks validation traffic.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	slog   *logger.Logger
}

// NewRateLimiter connects to redisURL and verifies the connection. An
// empty URL returns a disabled limiter. limitPerMinute <= 0 selects the
// platform default.
func NewRateLimiter(redisURL string, limitPerMinute int) (*RateLimiter, error) {
	if limitPerMinute <= 0 {
		limitPerMinute = defaultRateLimitPerMinute
	}
	rl := &RateLimiter{
		limit:  limitPerMinute,
		window: time.Minute,
		slog:   logger.New("rate-limiter"),
	}
	if redisURL == "" {
		return rl, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	rl.client = client
	return rl, nil
}

// NewRateLimiterWithClient wraps an existing Redis client.
func NewRateLimiterWithClient(client *redis.Client, limitPerMinute int) *RateLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = defaultRateLimitPerMinute
	}
	return &RateLimiter{
		client: client,
		limit:  limitPerMinute,
		window: time.Minute,
		slog:   logger.New("rate-limiter"),
	}
}

// Enabled reports whether a Redis backend is configured.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.client != nil
}

// Allow records one request for clientID and reports whether it fits in
// the window. The count after trimming includes the current request.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string) (bool, int64, error) {
	if !rl.Enabled() {
		return true, 0, nil
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", clientID)

	pipe := rl.client.Pipeline()
	minScore := now.Add(-rl.window).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, 2*rl.window)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		rl.slog.Warn("", "", "rate limit check failed, failing open", map[string]interface{}{
			"client_id": clientID,
			"error":     err.Error(),
		})
		return true, 0, nil
	}

	count := cmds[2].(*redis.IntCmd).Val()
	return count <= int64(rl.limit), count, nil
}

// Close releases the Redis connection.
func (rl *RateLimiter) Close() error {
	if rl.Enabled() {
		return rl.client.Close()
	}
	return nil
}

// Ping verifies the Redis backend is reachable. Disabled limiters are
// always healthy.
func (rl *RateLimiter) Ping(ctx context.Context) error {
	if !rl.Enabled() {
		return nil
	}
	return rl.client.Ping(ctx).Err()
}

// RateLimitMiddleware rejects requests over the per-client window with
// 429. The client key is the token subject when the request is
// authenticated, falling back to the remote address.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			clientID := r.RemoteAddr
			if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
				clientID = claims.Subject
			}
			allowed, count, _ := rl.Allow(r.Context(), clientID)
			if !allowed {
				promRateLimited.Inc()
				w.Header().Set("Retry-After", "60")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
				sendError(w, fmt.Sprintf("rate limit exceeded: %d requests/minute (limit: %d)", count, rl.limit),
					http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
