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
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// exportColumns is the frozen CSV column order. event_data is deliberately
// excluded: nested JSON does not survive CSV round-trips.
var exportColumns = []string{
	"id", "tenant_id", "event_type", "created_at",
	"content_hash", "previous_hash", "chain_hash",
	"user_id", "correlation_id", "description",
}

// ExportCSV renders a tenant's events (append order) as CSV bytes.
func ExportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(exportColumns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		record := []string{
			event.ID,
			event.TenantID,
			event.EventType,
			event.CreatedAt.UTC().Format(time.RFC3339Nano),
			event.ContentHash,
			event.PreviousHash,
			event.ChainHash,
			event.UserID,
			event.CorrelationID,
			event.Description,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}
