package transfer

import (
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/xuri/excelize/v2"
)

const defaultSheetName = "Sheet1"

// ExportXLSX writes the table to a single-sheet workbook. Every cell is written as a
// string so identifiers such as "007" keep their leading zeros.
func ExportXLSX(w io.Writer, table storage.Table, sheet string) error {
	sheet = sheetName(sheet)

	workbook := excelize.NewFile()
	defer workbook.Close()

	if sheet != defaultSheetName {
		if err := workbook.SetSheetName(defaultSheetName, sheet); err != nil {
			return fmt.Errorf("name sheet: %w", err)
		}
	}

	for rowIndex, record := range table.HeaderAndRecords() {
		for columnIndex, value := range record {
			cell, err := excelize.CoordinatesToCellName(columnIndex+1, rowIndex+1)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := workbook.SetCellStr(sheet, cell, value); err != nil {
				return fmt.Errorf("set %s: %w", cell, err)
			}
		}
	}

	if _, err := workbook.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// ImportXLSX reads the first worksheet of a workbook. Cells are read as their formatted
// text.
func ImportXLSX(r io.Reader, schema storage.Schema) (storage.Table, error) {
	workbook, err := excelize.OpenReader(r)
	if err != nil {
		return storage.Table{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return storage.Table{}, ErrEmptyInput
	}
	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return storage.Table{}, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return fromRows(rows, schema)
}

// sheetName trims a worksheet name to what Excel accepts.
func sheetName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultSheetName
	}
	name = strings.NewReplacer(":", "_", "\\", "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_").Replace(name)
	if runes := []rune(name); len(runes) > 31 {
		name = string(runes[:31])
	}
	return name
}
