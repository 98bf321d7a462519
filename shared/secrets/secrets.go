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

// Package secrets resolves signing and JWT keys either directly from
// environment variables or from AWS Secrets Manager by ARN, with a TTL
// cache so hot paths never block on AWS.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsAPI is the Secrets Manager surface the loader uses; narrowed for
// test fakes.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Loader fetches JSON secrets by ARN with a TTL cache.
type Loader struct {
	client secretsAPI
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// Options configures a Loader.
type Options struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewLoader creates a Secrets Manager backed loader.
func NewLoader(ctx context.Context, opts Options) (*Loader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Loader{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// newLoaderWithClient backs tests.
func newLoaderWithClient(client secretsAPI, ttl time.Duration, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Loader{client: client, cache: make(map[string]*cacheEntry), ttl: ttl, logger: logger}
}

// Get retrieves a secret by ARN. JSON object payloads decode to their
// key/value map; plain string payloads land under the "value" key.
func (l *Loader) Get(ctx context.Context, secretARN string) (map[string]string, error) {
	l.mu.RLock()
	entry, exists := l.cache[secretARN]
	l.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	var value map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &value); err != nil {
		// Single-value secrets are stored as a bare string.
		value = map[string]string{"value": *result.SecretString}
	}

	l.mu.Lock()
	l.cache[secretARN] = &cacheEntry{value: value, expiresAt: time.Now().Add(l.ttl)}
	l.mu.Unlock()

	l.logger.Printf("Retrieved and cached secret %s", maskARN(secretARN))
	return value, nil
}

// Invalidate removes a secret from the cache.
func (l *Loader) Invalidate(secretARN string) {
	l.mu.Lock()
	delete(l.cache, secretARN)
	l.mu.Unlock()
}

// maskARN masks the secret ARN for logging (shows only last 8 characters).
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}

// ResolveKey prefers a direct env value, then a Secrets Manager ARN env.
// envKey names the variable holding the literal key; arnEnvKey names the
// variable holding an ARN whose secret carries the key under "value".
// Returns "" when neither is set.
func ResolveKey(ctx context.Context, envKey, arnEnvKey string) (string, error) {
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	arn := os.Getenv(arnEnvKey)
	if arn == "" {
		return "", nil
	}

	loader, err := NewLoader(ctx, Options{Region: os.Getenv("AWS_REGION")})
	if err != nil {
		return "", err
	}
	secret, err := loader.Get(ctx, arn)
	if err != nil {
		return "", err
	}
	if v, ok := secret["value"]; ok && v != "" {
		return v, nil
	}
	if v, ok := secret[envKey]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s carries no usable key", maskARN(arn))
}
