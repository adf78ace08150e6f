package storage

import (
	"context"
	"errors"
	"path/filepath"
)

// Backend names accepted by StoreConfig.Backend.
const (
	BackendCSV     = "csv"
	BackendGSheets = "gsheets"
)

var (
	errMissingPath     = errors.New("no csv path registered for table")
	errMissingResolver = errors.New("no worksheet resolver configured")
	errMissingSession  = errors.New("session is required")
	errMissingColumns  = errors.New("table has no columns")
)

// sheetTitles is the fixed logical-name to worksheet-title map.
var sheetTitles = map[string]string{
	"contacts":    "contacts",
	"inter":       "interactions",
	"events":      "evenements",
	"parts":       "participations",
	"pay":         "paiements",
	"cert":        "certifications",
	"entreprises": "entreprises",
	"params":      "parametres",
	"users":       "users",
}

// SheetTitle returns the worksheet title for a logical table name. Unmapped names are used
// verbatim.
func SheetTitle(name string) string {
	if title, ok := sheetTitles[name]; ok {
		return title
	}
	return name
}

// DefaultCSVPaths maps every table to <dataDir>/<table>.csv.
func DefaultCSVPaths(dataDir string, tables []string) map[string]string {
	paths := make(map[string]string, len(tables))
	for _, table := range tables {
		paths[table] = filepath.Join(dataDir, table+".csv")
	}
	return paths
}

// Worksheet is a live handle on one worksheet of the remote spreadsheet.
type Worksheet interface {
	Title() string
	// ReadAll returns every populated row, header first, with formulas evaluated.
	ReadAll(ctx context.Context) ([][]string, error)
	// ReplaceAll clears the worksheet and writes values from the first cell.
	ReplaceAll(ctx context.Context, values [][]string) error
}

// WorksheetResolver returns a memoized worksheet handle per title, creating missing
// worksheets.
type WorksheetResolver interface {
	Resolve(ctx context.Context, title string) (Worksheet, error)
}

// readResult is what a backend observed for one table. found is false when the table has
// never been initialized (missing file, empty worksheet); degraded is true when existing
// content could not be parsed and an empty table was substituted.
type readResult struct {
	table    Table
	found    bool
	degraded bool
}

type tableBackend interface {
	kind() string
	read(ctx context.Context, name string, columns []string, idColumn string) (readResult, error)
	write(ctx context.Context, name string, table Table) error
}
