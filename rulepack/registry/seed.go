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
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"credence/platform/rulepack/base"
)

// SeedFile is the root of a rule pack seed manifest. Deployments ship one to
// pre-register packs that have no self-registration path.
type SeedFile struct {
	Version   string               `yaml:"version"`
	RulePacks map[string]SeedEntry `yaml:"rule_packs"`
}

// SeedEntry describes one pack in the seed manifest, keyed by domain.
type SeedEntry struct {
	Endpoint       string   `yaml:"endpoint"`
	Status         string   `yaml:"status,omitempty"`
	SupportedModes []string `yaml:"supported_modes,omitempty"`
	RuleCount      int      `yaml:"rule_count,omitempty"`
	Categories     []string `yaml:"categories,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// LoadSeedFile parses a YAML seed manifest, expanding ${VAR} and
// ${VAR:-default} references against the environment.
func LoadSeedFile(path string) ([]*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed manifest bytes into registrations.
func ParseSeed(data []byte) ([]*Registration, error) {
	expanded := expandEnvVars(string(data))

	var file SeedFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	var regs []*Registration
	for domain, entry := range file.RulePacks {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		if entry.Endpoint == "" {
			return nil, fmt.Errorf("seed entry %q must specify an endpoint", domain)
		}

		status := base.WorkerStatus(entry.Status)
		if entry.Status == "" {
			status = base.StatusActive
		}
		if !status.Valid() {
			return nil, fmt.Errorf("seed entry %q has invalid status %q", domain, entry.Status)
		}

		modes := make([]base.Mode, 0, len(entry.SupportedModes))
		for _, m := range entry.SupportedModes {
			mode := base.Mode(m)
			if !mode.Valid() {
				return nil, fmt.Errorf("seed entry %q has invalid mode %q", domain, m)
			}
			modes = append(modes, mode)
		}
		if len(modes) == 0 {
			modes = []base.Mode{base.ModeStatic}
		}

		regs = append(regs, &Registration{
			Domain:         domain,
			Endpoint:       entry.Endpoint,
			Status:         status,
			SupportedModes: modes,
			RuleCount:      entry.RuleCount,
			Categories:     entry.Categories,
		})
	}
	return regs, nil
}

// SeedFromFile merges a seed manifest into storage. Domains that already
// have a registration are left untouched; the database is the source of
// truth once a pack has registered itself.
func (r *Registry) SeedFromFile(ctx context.Context, path string) error {
	regs, err := LoadSeedFile(path)
	if err != nil {
		return err
	}

	seeded := 0
	for _, reg := range regs {
		existing, err := r.storage.ListByDomain(ctx, reg.Domain)
		if err != nil {
			return fmt.Errorf("seed lookup failed for domain %s: %w", reg.Domain, err)
		}
		if len(existing) > 0 {
			continue
		}
		if err := r.storage.Save(ctx, reg); err != nil {
			return fmt.Errorf("failed to seed domain %s: %w", reg.Domain, err)
		}
		seeded++
	}

	r.logger.Printf("seeded %d rule pack registration(s) from %s", seeded, path)
	return nil
}

// envVarRegex matches ${VAR_NAME} references, optionally with a
// ${VAR_NAME:-default} fallback.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}
