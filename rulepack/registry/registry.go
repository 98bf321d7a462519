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
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"credence/platform/rulepack/base"
	"credence/platform/rulepack/sdk"
)

// WorkerFactory creates an uninitialized worker client for a domain. The
// default factory produces HTTP clients; tests substitute mocks.
type WorkerFactory func(domain string) base.Worker

// Registry resolves validation domains to connected rule pack workers.
// Lookups share a read lock; first-use connection is serialized per domain
// so concurrent callers never race duplicate connects.
type Registry struct {
	workers map[string]base.Worker
	storage *Storage
	factory WorkerFactory
	timeout time.Duration
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewRegistry creates a registry backed by persistent registration storage.
func NewRegistry(storage *Storage) *Registry {
	return &Registry{
		workers: make(map[string]base.Worker),
		storage: storage,
		factory: func(domain string) base.Worker { return sdk.NewHTTPWorker(domain) },
		timeout: 10 * time.Second,
		logger:  log.New(os.Stdout, "[REGISTRY] ", log.LstdFlags),
	}
}

// SetFactory overrides how worker clients are constructed.
func (r *Registry) SetFactory(factory WorkerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = factory
}

// Register persists a registration and drops any cached client for the
// domain so the next lookup reconnects against the fresh topology.
func (r *Registry) Register(ctx context.Context, reg *Registration) error {
	if err := r.storage.Save(ctx, reg); err != nil {
		return err
	}

	r.mu.Lock()
	worker, exists := r.workers[reg.Domain]
	delete(r.workers, reg.Domain)
	r.mu.Unlock()

	if exists {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := worker.Shutdown(shutdownCtx); err != nil {
			r.logger.Printf("error shutting down stale worker for domain '%s': %v", reg.Domain, err)
		}
	}

	r.logger.Printf("registered rule pack: domain=%s endpoint=%s", reg.Domain, reg.Endpoint)
	return nil
}

// Resolve returns the registration the routing invariant selects for a
// domain without connecting a client.
func (r *Registry) Resolve(ctx context.Context, domain string) (*Registration, error) {
	regs, err := r.storage.ListByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed for domain %s: %w", domain, err)
	}
	return Select(regs)
}

// Get returns a connected worker for the domain, lazy-connecting on first
// use. Returns ErrNoRulePackForDomain when nothing is registered.
func (r *Registry) Get(ctx context.Context, domain string) (base.Worker, error) {
	r.mu.RLock()
	worker, exists := r.workers[domain]
	r.mu.RUnlock()

	if exists {
		return worker, nil
	}

	return r.connect(ctx, domain)
}

// connect resolves the domain's registration and initializes a client under
// the write lock, double-checking for a concurrent connect.
func (r *Registry) connect(ctx context.Context, domain string) (base.Worker, error) {
	reg, err := r.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have connected while we resolved.
	if worker, exists := r.workers[domain]; exists {
		return worker, nil
	}

	r.logger.Printf("connecting rule pack worker: domain=%s endpoint=%s status=%s", domain, reg.Endpoint, reg.Status)

	worker := r.factory(domain)
	config := &base.WorkerConfig{
		Domain:   domain,
		Endpoint: reg.Endpoint,
		Timeout:  r.timeout,
	}
	if token := os.Getenv("RULEPACK_AUTH_TOKEN"); token != "" {
		config.Credentials = map[string]string{"token": token}
	}

	initCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := worker.Initialize(initCtx, config); err != nil {
		return nil, base.NewWorkerError(domain, "initialize", "failed to connect rule pack worker", err)
	}

	r.workers[domain] = worker
	return worker, nil
}

// HealthCheckAll probes every connected worker. Domains whose check errors
// report unhealthy with the error captured.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]*base.HealthStatus {
	r.mu.RLock()
	workers := make(map[string]base.Worker, len(r.workers))
	for domain, worker := range r.workers {
		workers[domain] = worker
	}
	r.mu.RUnlock()

	results := make(map[string]*base.HealthStatus, len(workers))
	for domain, worker := range workers {
		status, err := worker.HealthCheck(ctx)
		if err != nil {
			r.logger.Printf("health check failed for domain '%s': %v", domain, err)
			status = &base.HealthStatus{
				Healthy:   false,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			}
		}
		results[domain] = status
	}
	return results
}

// Ping verifies the backing registration storage is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.storage.Ping(ctx)
}

// Connected returns the domains with live worker clients.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domains := make([]string, 0, len(r.workers))
	for domain := range r.workers {
		domains = append(domains, domain)
	}
	return domains
}

// Count returns the number of connected worker clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// DisconnectAll shuts down every cached client and clears the pool.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for domain, worker := range r.workers {
		if err := worker.Shutdown(ctx); err != nil {
			r.logger.Printf("error disconnecting worker for domain '%s': %v", domain, err)
		}
	}
	r.workers = make(map[string]base.Worker)
	r.logger.Println("all rule pack workers disconnected")
}

// StartPeriodicReload refreshes worker info from registrations at the given
// interval so replicas converge on packs registered elsewhere. Cached
// clients whose endpoint changed are dropped and reconnect on next use.
func (r *Registry) StartPeriodicReload(ctx context.Context, interval time.Duration) {
	r.logger.Printf("starting periodic registration reload (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("stopping periodic registration reload")
				return
			case <-ticker.C:
				if err := r.reload(ctx); err != nil {
					r.logger.Printf("periodic reload failed: %v", err)
				}
			}
		}
	}()
}

func (r *Registry) reload(ctx context.Context) error {
	regs, err := r.storage.List(ctx)
	if err != nil {
		return err
	}

	selected := make(map[string]*Registration)
	byDomain := make(map[string][]*Registration)
	for _, reg := range regs {
		byDomain[reg.Domain] = append(byDomain[reg.Domain], reg)
	}
	for domain, domainRegs := range byDomain {
		if reg, err := Select(domainRegs); err == nil {
			selected[domain] = reg
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make(map[string]base.Worker)
	for domain, worker := range r.workers {
		reg, still := selected[domain]
		if !still {
			stale[domain] = worker
			delete(r.workers, domain)
			continue
		}
		// Endpoint moves force a reconnect; the client caches its endpoint
		// at Initialize time.
		if hw, ok := worker.(*sdk.HTTPWorker); ok && hw.Endpoint() != reg.Endpoint {
			stale[domain] = worker
			delete(r.workers, domain)
		}
	}

	for domain, worker := range stale {
		r.logger.Printf("dropping stale worker client for domain '%s'", domain)
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := worker.Shutdown(shutdownCtx); err != nil {
			r.logger.Printf("error shutting down stale worker for domain '%s': %v", domain, err)
		}
		cancel()
	}

	return nil
}
