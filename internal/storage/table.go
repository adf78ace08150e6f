package storage

import "strings"

// Audit columns appended to every effective column list.
const (
	ColumnCreatedAt = "Created_At"
	ColumnCreatedBy = "Created_By"
	ColumnUpdatedAt = "Updated_At"
	ColumnUpdatedBy = "Updated_By"
)

// DefaultIDColumn is the identity column used when a schema does not name one.
const DefaultIDColumn = "ID"

// AuditColumns lists the audit columns in the order they are appended.
var AuditColumns = []string{ColumnCreatedAt, ColumnCreatedBy, ColumnUpdatedAt, ColumnUpdatedBy}

// Schema declares the columns of a logical table.
type Schema struct {
	Columns  []string
	IDColumn string
}

// IdentityColumn returns the schema's identity column, defaulting to DefaultIDColumn.
func (s Schema) IdentityColumn() string {
	if strings.TrimSpace(s.IDColumn) == "" {
		return DefaultIDColumn
	}
	return s.IDColumn
}

// EffectiveColumns returns the declared columns followed by the audit columns that are not
// already declared. Order is preserved and duplicates are removed.
func EffectiveColumns(schema Schema) []string {
	seen := make(map[string]struct{}, len(schema.Columns)+len(AuditColumns))
	columns := make([]string, 0, len(schema.Columns)+len(AuditColumns))
	for _, group := range [][]string{schema.Columns, AuditColumns} {
		for _, column := range group {
			if _, ok := seen[column]; ok {
				continue
			}
			seen[column] = struct{}{}
			columns = append(columns, column)
		}
	}
	return columns
}

// Row maps column names to text cells. Absent keys read as "".
type Row map[string]string

// Table is an ordered, text-only table.
type Table struct {
	Columns  []string
	IDColumn string
	Rows     []Row
}

// NewTable returns an empty table with the given columns.
func NewTable(columns []string, idColumn string) Table {
	return Table{
		Columns:  append([]string(nil), columns...),
		IDColumn: idColumn,
		Rows:     []Row{},
	}
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// HasColumn reports whether the table declares the column.
func (t Table) HasColumn(name string) bool {
	for _, column := range t.Columns {
		if column == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate rows without touching the original.
func (t Table) Clone() Table {
	clone := Table{
		Columns:  append([]string(nil), t.Columns...),
		IDColumn: t.IDColumn,
		Rows:     make([]Row, len(t.Rows)),
	}
	for index, row := range t.Rows {
		copied := make(Row, len(row))
		for key, value := range row {
			copied[key] = value
		}
		clone.Rows[index] = copied
	}
	return clone
}

// Records returns the rows as string slices ordered by Columns, without the header.
func (t Table) Records() [][]string {
	records := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		record := make([]string, len(t.Columns))
		for index, column := range t.Columns {
			record[index] = row[column]
		}
		records = append(records, record)
	}
	return records
}

// Normalize restricts every row to the table's columns, materializes missing cells as "",
// turns CRLF line breaks inside cells into LF and drops rows whose cells are all blank.
// Backends store and read back exactly this form.
func (t Table) Normalize() Table {
	normalized := NewTable(t.Columns, t.IDColumn)
	for _, row := range t.Rows {
		cleaned := make(Row, len(t.Columns))
		blank := true
		for _, column := range t.Columns {
			cell := normalizeCell(row[column])
			if strings.TrimSpace(cell) != "" {
				blank = false
			}
			cleaned[column] = cell
		}
		if blank {
			continue
		}
		normalized.Rows = append(normalized.Rows, cleaned)
	}
	return normalized
}

func normalizeCell(cell string) string {
	return strings.ReplaceAll(cell, "\r\n", "\n")
}

func blankRow(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// tableFromRecords builds a table with exactly the given columns from a header and records.
// Columns missing from the header become "", extra header columns are dropped, short
// records are padded and records blank across columns are skipped.
func tableFromRecords(header []string, records [][]string, columns []string, idColumn string) Table {
	positions := make(map[string]int, len(header))
	for index, name := range header {
		name = strings.TrimSpace(name)
		if _, ok := positions[name]; ok {
			continue
		}
		positions[name] = index
	}

	table := NewTable(columns, idColumn)
	for _, record := range records {
		row := make(Row, len(columns))
		blank := true
		for _, column := range columns {
			position, ok := positions[column]
			if !ok || position >= len(record) {
				row[column] = ""
				continue
			}
			row[column] = normalizeCell(record[position])
			if strings.TrimSpace(row[column]) != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

// headerAndRecords serializes a table as a header row followed by its records.
func headerAndRecords(table Table) [][]string {
	values := make([][]string, 0, len(table.Rows)+1)
	values = append(values, append([]string(nil), table.Columns...))
	return append(values, table.Records()...)
}

// TableFromRecords shapes a header and its records to the schema's effective columns.
func TableFromRecords(header []string, records [][]string, schema Schema) Table {
	return tableFromRecords(header, records, EffectiveColumns(schema), schema.IdentityColumn())
}

// HeaderAndRecords returns the header followed by every record, as written to a backend.
func (t Table) HeaderAndRecords() [][]string {
	return headerAndRecords(t)
}
