// Package transfer converts tables to and from CSV and XLSX files and merges imported rows
// into an existing table.
package transfer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Formats accepted by Export and Import.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var (
	// ErrUnsupportedFormat is returned for formats other than csv and xlsx.
	ErrUnsupportedFormat = errors.New("transfer: unsupported format")
	// ErrEmptyInput is returned when an imported file has no header row.
	ErrEmptyInput = errors.New("transfer: input has no header row")
)

// ContentType returns the MIME type of a format.
func ContentType(format string) string {
	switch format {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Export writes table in the requested format. sheet names the XLSX worksheet.
func Export(w io.Writer, table storage.Table, format, sheet string) error {
	switch normalizeFormat(format) {
	case FormatCSV:
		return ExportCSV(w, table)
	case FormatXLSX:
		return ExportXLSX(w, table, sheet)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Import reads a file in the requested format into the schema's effective columns.
func Import(r io.Reader, schema storage.Schema, format string) (storage.Table, error) {
	switch normalizeFormat(format) {
	case FormatCSV:
		return ImportCSV(r, schema)
	case FormatXLSX:
		return ImportXLSX(r, schema)
	default:
		return storage.Table{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ExportCSV writes the header and every row as UTF-8 CSV.
func ExportCSV(w io.Writer, table storage.Table) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(table.HeaderAndRecords()); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// ImportCSV reads CSV text, tolerating a UTF-8 or UTF-16 byte-order mark. Every cell stays
// text and blank rows are dropped.
func ImportCSV(r io.Reader, schema storage.Schema) (storage.Table, error) {
	reader := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return storage.Table{}, fmt.Errorf("read csv: %w", err)
	}
	return fromRows(records, schema)
}

func fromRows(rows [][]string, schema storage.Schema) (storage.Table, error) {
	if len(rows) == 0 || blank(rows[0]) {
		return storage.Table{}, ErrEmptyInput
	}
	records := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		records = append(records, row)
	}
	return storage.TableFromRecords(rows[0], records, schema), nil
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func normalizeFormat(format string) string {
	normalized := strings.ToLower(strings.TrimSpace(format))
	if normalized == "" {
		return FormatCSV
	}
	return normalized
}
