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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credence/platform/rulepack/base"
)

func registrationRows(regs ...*Registration) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"domain", "endpoint", "status", "supported_modes", "rule_count", "categories", "registered_at", "updated_at",
	})
	for _, reg := range regs {
		modes := "[]"
		if len(reg.SupportedModes) > 0 {
			modes = `["` + string(reg.SupportedModes[0]) + `"`
			for _, m := range reg.SupportedModes[1:] {
				modes += `,"` + string(m) + `"`
			}
			modes += "]"
		}
		categories := "[]"
		if len(reg.Categories) > 0 {
			categories = `["` + reg.Categories[0] + `"`
			for _, c := range reg.Categories[1:] {
				categories += `,"` + c + `"`
			}
			categories += "]"
		}
		rows.AddRow(reg.Domain, reg.Endpoint, string(reg.Status), []byte(modes), reg.RuleCount, []byte(categories), reg.RegisteredAt, reg.UpdatedAt)
	}
	return rows
}

func TestSelect(t *testing.T) {
	now := time.Now()
	active := &Registration{Domain: "gtas", Endpoint: "http://a:8080", Status: base.StatusActive, RegisteredAt: now}
	draining := &Registration{Domain: "gtas", Endpoint: "http://b:8080", Status: base.StatusDraining, RegisteredAt: now.Add(-time.Hour)}
	down := &Registration{Domain: "gtas", Endpoint: "http://c:8080", Status: base.StatusDown, RegisteredAt: now.Add(-2 * time.Hour)}

	t.Run("first active wins even when older registrations exist", func(t *testing.T) {
		got, err := Select([]*Registration{down, draining, active})
		require.NoError(t, err)
		assert.Equal(t, "http://a:8080", got.Endpoint)
	})

	t.Run("no active falls back to first registration", func(t *testing.T) {
		got, err := Select([]*Registration{down, draining})
		require.NoError(t, err)
		assert.Equal(t, "http://c:8080", got.Endpoint)
	})

	t.Run("empty yields ErrNoRulePackForDomain", func(t *testing.T) {
		_, err := Select(nil)
		assert.ErrorIs(t, err, ErrNoRulePackForDomain)
	})
}

func TestStorageSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := NewStorageWithDB(db)

	mock.ExpectExec(`INSERT INTO rulepack_registrations`).
		WithArgs("gtas", "http://gtas-pack:8080", "active", []byte(`["static","agentic"]`), 42, []byte(`["accounts"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = storage.Save(context.Background(), &Registration{
		Domain:         "gtas",
		Endpoint:       "http://gtas-pack:8080",
		Status:         base.StatusActive,
		SupportedModes: []base.Mode{base.ModeStatic, base.ModeAgentic},
		RuleCount:      42,
		Categories:     []string{"accounts"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageSaveRejectsInvalidStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := NewStorageWithDB(db)

	err = storage.Save(context.Background(), &Registration{
		Domain:   "gtas",
		Endpoint: "http://gtas-pack:8080",
		Status:   base.WorkerStatus("retired"),
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no DB call on invalid status")
}

func TestStorageListByDomain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := NewStorageWithDB(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT domain, endpoint, status, supported_modes, rule_count, categories, registered_at, updated_at\s+FROM rulepack_registrations\s+WHERE domain = \$1`).
		WithArgs("hmda").
		WillReturnRows(registrationRows(
			&Registration{Domain: "hmda", Endpoint: "http://old:8080", Status: base.StatusDraining, SupportedModes: []base.Mode{base.ModeStatic}, RuleCount: 7, RegisteredAt: now.Add(-time.Hour), UpdatedAt: now},
			&Registration{Domain: "hmda", Endpoint: "http://new:8080", Status: base.StatusActive, SupportedModes: []base.Mode{base.ModeStatic, base.ModeHybrid}, RuleCount: 9, Categories: []string{"lending"}, RegisteredAt: now, UpdatedAt: now},
		))

	regs, err := storage.ListByDomain(context.Background(), "hmda")
	require.NoError(t, err)
	require.Len(t, regs, 2)

	assert.Equal(t, "http://old:8080", regs[0].Endpoint)
	assert.Equal(t, base.StatusDraining, regs[0].Status)
	assert.Equal(t, []base.Mode{base.ModeStatic, base.ModeHybrid}, regs[1].SupportedModes)
	assert.Equal(t, []string{"lending"}, regs[1].Categories)

	selected, err := Select(regs)
	require.NoError(t, err)
	assert.Equal(t, "http://new:8080", selected.Endpoint, "active registration selected over older draining one")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := NewStorageWithDB(db)

	mock.ExpectExec(`UPDATE rulepack_registrations SET status`).
		WithArgs("nmls", "http://gone:8080", "down").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = storage.UpdateStatus(context.Background(), "nmls", "http://gone:8080", base.StatusDown)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := NewStorageWithDB(db)

	mock.ExpectExec(`DELETE FROM rulepack_registrations`).
		WithArgs("gtas", "http://gtas-pack:8080").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = storage.Delete(context.Background(), "gtas", "http://gtas-pack:8080")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
