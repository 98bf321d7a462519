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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credence/platform/rulepack/base"
	"credence/platform/rulepack/sdk"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(NewStorageWithDB(db)), mock
}

func expectDomainLookup(mock sqlmock.Sqlmock, regs ...*Registration) {
	q := mock.ExpectQuery(`SELECT domain, endpoint, status, supported_modes, rule_count, categories, registered_at, updated_at\s+FROM rulepack_registrations\s+WHERE domain = \$1`)
	q.WillReturnRows(registrationRows(regs...))
}

func TestRegistryGetLazyConnects(t *testing.T) {
	reg, mock := newTestRegistry(t)

	expectDomainLookup(mock, &Registration{
		Domain: "gtas", Endpoint: "http://gtas-pack:8080", Status: base.StatusActive,
		SupportedModes: []base.Mode{base.ModeStatic}, RegisteredAt: time.Now(), UpdatedAt: time.Now(),
	})

	mockWorker := sdk.NewMockWorker("gtas")
	reg.SetFactory(func(domain string) base.Worker { return mockWorker })

	worker, err := reg.Get(context.Background(), "gtas")
	require.NoError(t, err)
	assert.Equal(t, "gtas", worker.Domain())
	assert.True(t, mockWorker.Initialized())
	assert.Equal(t, 1, reg.Count())

	// Second lookup hits the cache: no further storage queries expected.
	again, err := reg.Get(context.Background(), "gtas")
	require.NoError(t, err)
	assert.Same(t, worker, again)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryGetUnknownDomain(t *testing.T) {
	reg, mock := newTestRegistry(t)
	expectDomainLookup(mock)

	_, err := reg.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNoRulePackForDomain)
}

func TestRegistryGetInitializeFailure(t *testing.T) {
	reg, mock := newTestRegistry(t)

	expectDomainLookup(mock, &Registration{
		Domain: "gtas", Endpoint: "http://gtas-pack:8080", Status: base.StatusActive,
		RegisteredAt: time.Now(), UpdatedAt: time.Now(),
	})

	boom := errors.New("connection refused")
	reg.SetFactory(func(domain string) base.Worker { return sdk.NewFailingWorker(domain, boom) })

	_, err := reg.Get(context.Background(), "gtas")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var workerErr *base.WorkerError
	assert.ErrorAs(t, err, &workerErr)
	assert.Equal(t, 0, reg.Count(), "failed connects are not cached")
}

func TestRegistryConcurrentGetConnectsOnce(t *testing.T) {
	reg, mock := newTestRegistry(t)

	// Every racer may resolve the registration before one wins the write
	// lock, so allow a lookup per goroutine.
	for i := 0; i < 8; i++ {
		expectDomainLookup(mock, &Registration{
			Domain: "gtas", Endpoint: "http://gtas-pack:8080", Status: base.StatusActive,
			RegisteredAt: time.Now(), UpdatedAt: time.Now(),
		})
	}

	var connects int32
	reg.SetFactory(func(domain string) base.Worker {
		atomic.AddInt32(&connects, 1)
		return sdk.NewMockWorker(domain)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker, err := reg.Get(context.Background(), "gtas")
			assert.NoError(t, err)
			assert.NotNil(t, worker)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&connects), "creation is serialized per domain")
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryHealthCheckAll(t *testing.T) {
	reg, mock := newTestRegistry(t)

	expectDomainLookup(mock, &Registration{
		Domain: "gtas", Endpoint: "http://gtas-pack:8080", Status: base.StatusActive,
		RegisteredAt: time.Now(), UpdatedAt: time.Now(),
	})
	expectDomainLookup(mock, &Registration{
		Domain: "hmda", Endpoint: "http://hmda-pack:8080", Status: base.StatusActive,
		RegisteredAt: time.Now(), UpdatedAt: time.Now(),
	})

	healthy := sdk.NewMockWorker("gtas")
	sick := sdk.NewMockWorker("hmda")
	sick.SetHealthError(errors.New("deadline exceeded"))

	workers := map[string]base.Worker{"gtas": healthy, "hmda": sick}
	reg.SetFactory(func(domain string) base.Worker { return workers[domain] })

	_, err := reg.Get(context.Background(), "gtas")
	require.NoError(t, err)
	_, err = reg.Get(context.Background(), "hmda")
	require.NoError(t, err)

	results := reg.HealthCheckAll(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results["gtas"].Healthy)
	assert.False(t, results["hmda"].Healthy)
	assert.Contains(t, results["hmda"].Error, "deadline exceeded")
}

func TestRegistryDisconnectAll(t *testing.T) {
	reg, mock := newTestRegistry(t)

	expectDomainLookup(mock, &Registration{
		Domain: "gtas", Endpoint: "http://gtas-pack:8080", Status: base.StatusActive,
		RegisteredAt: time.Now(), UpdatedAt: time.Now(),
	})

	mockWorker := sdk.NewMockWorker("gtas")
	reg.SetFactory(func(domain string) base.Worker { return mockWorker })

	_, err := reg.Get(context.Background(), "gtas")
	require.NoError(t, err)

	reg.DisconnectAll(context.Background())
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 1, mockWorker.ShutdownCalls())
}

func TestRegistryRegisterDropsCachedClient(t *testing.T) {
	reg, mock := newTestRegistry(t)

	expectDomainLookup(mock, &Registration{
		Domain: "gtas", Endpoint: "http://old:8080", Status: base.StatusActive,
		RegisteredAt: time.Now(), UpdatedAt: time.Now(),
	})
	mock.ExpectExec(`INSERT INTO rulepack_registrations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mockWorker := sdk.NewMockWorker("gtas")
	reg.SetFactory(func(domain string) base.Worker { return mockWorker })

	_, err := reg.Get(context.Background(), "gtas")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Count())

	err = reg.Register(context.Background(), &Registration{
		Domain: "gtas", Endpoint: "http://new:8080", Status: base.StatusActive,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, reg.Count(), "re-registration invalidates the cached client")
	assert.Equal(t, 1, mockWorker.ShutdownCalls())
}

func TestParseSeed(t *testing.T) {
	t.Setenv("GTAS_PACK_ENDPOINT", "http://gtas-pack.internal:8080")

	manifest := []byte(`
version: "1.0"
rule_packs:
  gtas:
    endpoint: ${GTAS_PACK_ENDPOINT}
    status: active
    supported_modes: [static, agentic]
    rule_count: 42
    categories: [accounts, balances]
  hmda:
    endpoint: ${HMDA_PACK_ENDPOINT:-http://hmda-pack:8080}
  retired:
    endpoint: http://retired:8080
    enabled: false
`)

	regs, err := ParseSeed(manifest)
	require.NoError(t, err)
	require.Len(t, regs, 2, "disabled entries are skipped")

	byDomain := make(map[string]*Registration, len(regs))
	for _, r := range regs {
		byDomain[r.Domain] = r
	}

	gtas := byDomain["gtas"]
	require.NotNil(t, gtas)
	assert.Equal(t, "http://gtas-pack.internal:8080", gtas.Endpoint)
	assert.Equal(t, []base.Mode{base.ModeStatic, base.ModeAgentic}, gtas.SupportedModes)
	assert.Equal(t, 42, gtas.RuleCount)

	hmda := byDomain["hmda"]
	require.NotNil(t, hmda)
	assert.Equal(t, "http://hmda-pack:8080", hmda.Endpoint, "default applies when env var unset")
	assert.Equal(t, base.StatusActive, hmda.Status, "status defaults to active")
	assert.Equal(t, []base.Mode{base.ModeStatic}, hmda.SupportedModes, "modes default to static")
}

func TestParseSeedRejectsInvalidMode(t *testing.T) {
	_, err := ParseSeed([]byte(`
rule_packs:
  gtas:
    endpoint: http://gtas:8080
    supported_modes: [turbo]
`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestParseSeedRequiresEndpoint(t *testing.T) {
	_, err := ParseSeed([]byte(`
rule_packs:
  gtas:
    status: active
`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}
