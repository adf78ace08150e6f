package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"sort"
)

// EmptyFingerprint is recorded for tables without rows. It is not a valid hex digest, so it
// never collides with the fingerprint of a populated table.
const EmptyFingerprint = "empty"

// Fingerprint digests the identity and Updated_At columns of a table, ignoring row order.
// When neither column exists every column is digested instead.
func Fingerprint(table Table) string {
	if len(table.Rows) == 0 {
		return EmptyFingerprint
	}

	selected := fingerprintColumns(table)
	records := make([][]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		record := make([]string, len(selected))
		for index, column := range selected {
			record[index] = row[column]
		}
		records = append(records, record)
	}
	sort.SliceStable(records, func(left, right int) bool {
		return lessRecord(records[left], records[right])
	})

	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	// Writes into a bytes.Buffer cannot fail.
	_ = writer.Write(selected)
	_ = writer.WriteAll(records)

	digest := sha256.Sum256(buffer.Bytes())
	return hex.EncodeToString(digest[:])
}

func fingerprintColumns(table Table) []string {
	idColumn := table.IDColumn
	if idColumn == "" {
		idColumn = DefaultIDColumn
	}
	selected := make([]string, 0, 2)
	if table.HasColumn(idColumn) {
		selected = append(selected, idColumn)
	}
	if idColumn != ColumnUpdatedAt && table.HasColumn(ColumnUpdatedAt) {
		selected = append(selected, ColumnUpdatedAt)
	}
	if len(selected) == 0 {
		return append([]string(nil), table.Columns...)
	}
	return selected
}

func lessRecord(left, right []string) bool {
	for index := range left {
		if left[index] == right[index] {
			continue
		}
		return left[index] < right[index]
	}
	return false
}
