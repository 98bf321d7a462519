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
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// reviewQueueKey is the Redis list reviewers poll for pending jobs.
const reviewQueueKey = "credence:ocr:review_queue"

// ErrQueueFull means the queue is at capacity. The job still transitions
// to awaiting_review; only the notification is dropped.
var ErrQueueFull = errors.New("review queue is full")

// ReviewQueue is a bounded Redis-backed FIFO of job IDs awaiting human
// correction. The persistent awaiting_review status in the job store is
// authoritative; the queue is a work dispatch channel.
type ReviewQueue struct {
	client *redis.Client
	maxLen int64
}

// NewReviewQueue connects to Redis and verifies the connection.
func NewReviewQueue(redisURL string, maxLen int64) (*ReviewQueue, error) {
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

	return NewReviewQueueWithClient(client, maxLen), nil
}

// NewReviewQueueWithClient wraps an existing client; tests use this with
// miniredis.
func NewReviewQueueWithClient(client *redis.Client, maxLen int64) *ReviewQueue {
	return &ReviewQueue{client: client, maxLen: maxLen}
}

// Enqueue pushes a job ID unless the queue is at capacity.
func (q *ReviewQueue) Enqueue(ctx context.Context, jobID string) error {
	if q.maxLen > 0 {
		length, err := q.client.LLen(ctx, reviewQueueKey).Result()
		if err != nil {
			return fmt.Errorf("failed to check queue length: %w", err)
		}
		if length >= q.maxLen {
			return ErrQueueFull
		}
	}
	if err := q.client.LPush(ctx, reviewQueueKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Next pops the oldest queued job ID, or "" when the queue is empty.
func (q *ReviewQueue) Next(ctx context.Context) (string, error) {
	jobID, err := q.client.RPop(ctx, reviewQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop queue: %w", err)
	}
	return jobID, nil
}

// Remove drops a job from the queue after an out-of-band review.
func (q *ReviewQueue) Remove(ctx context.Context, jobID string) error {
	if err := q.client.LRem(ctx, reviewQueueKey, 0, jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove job from queue: %w", err)
	}
	return nil
}

// Length reports the current queue depth.
func (q *ReviewQueue) Length(ctx context.Context) (int64, error) {
	length, err := q.client.LLen(ctx, reviewQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return length, nil
}

// Close releases the Redis connection.
func (q *ReviewQueue) Close() error {
	return q.client.Close()
}
