package transfer

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/google/uuid"
)

// MergeOptions stamps audit columns on merged rows.
type MergeOptions struct {
	Actor string
	Now   time.Time
}

// MergeResult reports what Merge did.
type MergeResult struct {
	Table    storage.Table
	Inserted int
	Updated  int
}

// Merge applies incoming rows to base keyed by base's identity column. Rows with a known
// identity replace the existing row, keeping its creation audit values; others are appended.
// Rows without identity get a new UUID.
func Merge(base, incoming storage.Table, opts MergeOptions) MergeResult {
	merged := base.Clone()
	idColumn := merged.IDColumn
	if idColumn == "" {
		idColumn = storage.DefaultIDColumn
		merged.IDColumn = idColumn
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	stamp := now.Format(time.RFC3339)

	positions := make(map[string]int, len(merged.Rows))
	for index, row := range merged.Rows {
		if id := strings.TrimSpace(row[idColumn]); id != "" {
			positions[id] = index
		}
	}

	result := MergeResult{}
	for _, source := range incoming.Rows {
		row := make(storage.Row, len(merged.Columns))
		for _, column := range merged.Columns {
			row[column] = source[column]
		}

		id := strings.TrimSpace(row[idColumn])
		if index, ok := positions[id]; ok && id != "" {
			existing := merged.Rows[index]
			row[idColumn] = id
			row[storage.ColumnCreatedAt] = existing[storage.ColumnCreatedAt]
			row[storage.ColumnCreatedBy] = existing[storage.ColumnCreatedBy]
			row[storage.ColumnUpdatedAt] = stamp
			row[storage.ColumnUpdatedBy] = opts.Actor
			merged.Rows[index] = row
			result.Updated++
			continue
		}

		if id == "" {
			id = uuid.NewString()
		}
		row[idColumn] = id
		row[storage.ColumnCreatedAt] = stamp
		row[storage.ColumnCreatedBy] = opts.Actor
		row[storage.ColumnUpdatedAt] = stamp
		row[storage.ColumnUpdatedBy] = opts.Actor
		positions[id] = len(merged.Rows)
		merged.Rows = append(merged.Rows, row)
		result.Inserted++
	}

	result.Table = merged.Normalize()
	return result
}
