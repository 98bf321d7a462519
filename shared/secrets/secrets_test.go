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

package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsClient struct {
	payload string
	err     error
	calls   int
}

func (f *fakeSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.payload)}, nil
}

func TestGetParsesJSONSecret(t *testing.T) {
	client := &fakeSecretsClient{payload: `{"value":"hmac-key","kid":"k1"}`}
	loader := newLoaderWithClient(client, time.Minute, nil)

	secret, err := loader.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123456789012:secret:ledger-export")
	require.NoError(t, err)
	assert.Equal(t, "hmac-key", secret["value"])
	assert.Equal(t, "k1", secret["kid"])
}

func TestGetWrapsPlainStringSecret(t *testing.T) {
	client := &fakeSecretsClient{payload: "raw-jwt-secret"}
	loader := newLoaderWithClient(client, time.Minute, nil)

	secret, err := loader.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123456789012:secret:gateway-jwt")
	require.NoError(t, err)
	assert.Equal(t, "raw-jwt-secret", secret["value"])
}

func TestGetCachesUntilTTL(t *testing.T) {
	client := &fakeSecretsClient{payload: `{"value":"v1"}`}
	loader := newLoaderWithClient(client, time.Minute, nil)

	arn := "arn:aws:secretsmanager:us-east-1:123456789012:secret:cached"
	_, err := loader.Get(context.Background(), arn)
	require.NoError(t, err)
	_, err = loader.Get(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "second read should hit the cache")

	loader.Invalidate(arn)
	_, err = loader.Get(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls, "invalidation should force a refetch")
}

func TestGetExpiredEntryRefetches(t *testing.T) {
	client := &fakeSecretsClient{payload: `{"value":"v1"}`}
	loader := newLoaderWithClient(client, time.Minute, nil)

	arn := "arn:aws:secretsmanager:us-east-1:123456789012:secret:expiring"
	_, err := loader.Get(context.Background(), arn)
	require.NoError(t, err)

	loader.mu.Lock()
	loader.cache[arn].expiresAt = time.Now().Add(-time.Second)
	loader.mu.Unlock()

	_, err = loader.Get(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestGetPropagatesClientError(t *testing.T) {
	client := &fakeSecretsClient{err: errors.New("access denied")}
	loader := newLoaderWithClient(client, time.Minute, nil)

	_, err := loader.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123456789012:secret:denied")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.NotContains(t, err.Error(), "secret:denied", "full ARN must not leak into errors")
}

func TestMaskARN(t *testing.T) {
	assert.Equal(t, "***", maskARN("short"))
	assert.Equal(t, "...ger-jwt1", maskARN("arn:aws:secretsmanager:us-east-1:123456789012:secret:ger-jwt1"))
}

func TestResolveKeyPrefersEnv(t *testing.T) {
	t.Setenv("TEST_SIGNING_KEY", "from-env")
	t.Setenv("TEST_SIGNING_KEY_ARN", "arn:aws:secretsmanager:us-east-1:123456789012:secret:unused")

	key, err := ResolveKey(context.Background(), "TEST_SIGNING_KEY", "TEST_SIGNING_KEY_ARN")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestResolveKeyEmptyWhenUnset(t *testing.T) {
	t.Setenv("TEST_SIGNING_KEY", "")
	t.Setenv("TEST_SIGNING_KEY_ARN", "")

	key, err := ResolveKey(context.Background(), "TEST_SIGNING_KEY", "TEST_SIGNING_KEY_ARN")
	require.NoError(t, err)
	assert.Equal(t, "", key)
}
