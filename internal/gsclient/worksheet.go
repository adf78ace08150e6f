package gsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"google.golang.org/api/sheets/v4"
)

const (
	opResolve   = "gsclient.resolve"
	opWorksheet = "gsclient.worksheet"

	// DefaultSpreadsheetTitle is opened when no spreadsheet id is configured.
	DefaultSpreadsheetTitle = "CRM Association"

	newWorksheetRows    int64 = 1000
	newWorksheetColumns int64 = 26

	spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"
)

var errSpreadsheetNotFound = errors.New("spreadsheet not found")

// spreadsheetAPI is the subset of the Sheets and Drive APIs the resolver needs.
type spreadsheetAPI interface {
	findSpreadsheet(ctx context.Context, title string) (string, error)
	sheetTitles(ctx context.Context, spreadsheetID string) ([]string, error)
	addSheet(ctx context.Context, spreadsheetID, title string, rows, columns int64) error
	getValues(ctx context.Context, spreadsheetID, rangeA1 string) ([][]any, error)
	clearValues(ctx context.Context, spreadsheetID, rangeA1 string) error
	updateValues(ctx context.Context, spreadsheetID, rangeA1 string, values [][]any) error
}

// ResolverConfig selects the spreadsheet to open.
type ResolverConfig struct {
	SpreadsheetID    string
	SpreadsheetTitle string
	Logger           *zap.Logger
}

// WorksheetResolver opens one spreadsheet and hands out memoized worksheet handles,
// creating missing worksheets.
type WorksheetResolver struct {
	api    spreadsheetAPI
	config ResolverConfig
	logger *zap.Logger

	mu            sync.Mutex
	spreadsheetID string
	existing      map[string]struct{}
	handles       map[string]*worksheetHandle
}

// NewWorksheetResolver builds a resolver over an authorized client.
func NewWorksheetResolver(client *Client, cfg ResolverConfig) *WorksheetResolver {
	return newWorksheetResolver(&googleAPI{client: client}, cfg)
}

func newWorksheetResolver(api spreadsheetAPI, cfg ResolverConfig) *WorksheetResolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.SpreadsheetID = strings.TrimSpace(cfg.SpreadsheetID)
	if strings.TrimSpace(cfg.SpreadsheetTitle) == "" {
		cfg.SpreadsheetTitle = DefaultSpreadsheetTitle
	}
	return &WorksheetResolver{
		api:     api,
		config:  cfg,
		logger:  logger,
		handles: make(map[string]*worksheetHandle),
	}
}

// Resolve returns the handle for title, creating the worksheet when the spreadsheet lacks it.
// Titles match case-insensitively, the way Sheets compares tab names.
func (r *WorksheetResolver) Resolve(ctx context.Context, title string) (storage.Worksheet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(title)
	if handle, ok := r.handles[key]; ok {
		return handle, nil
	}

	if err := r.openLocked(ctx); err != nil {
		return nil, err
	}

	resolved, ok := r.existingTitle(title)
	if !ok {
		if err := r.api.addSheet(ctx, r.spreadsheetID, title, newWorksheetRows, newWorksheetColumns); err != nil {
			return nil, r.fail("add_sheet_failed", err, zap.String("worksheet", title))
		}
		r.existing[title] = struct{}{}
		resolved = title
		r.logger.Info("worksheet created",
			zap.String("spreadsheet_id", r.spreadsheetID),
			zap.String("worksheet", title))
	}

	handle := &worksheetHandle{api: r.api, spreadsheetID: r.spreadsheetID, title: resolved}
	r.handles[key] = handle
	return handle, nil
}

func (r *WorksheetResolver) existingTitle(title string) (string, bool) {
	if _, ok := r.existing[title]; ok {
		return title, true
	}
	for existing := range r.existing {
		if strings.EqualFold(existing, title) {
			return existing, true
		}
	}
	return "", false
}

func (r *WorksheetResolver) openLocked(ctx context.Context) error {
	if r.existing != nil {
		return nil
	}

	spreadsheetID := r.config.SpreadsheetID
	if spreadsheetID == "" {
		found, err := r.api.findSpreadsheet(ctx, r.config.SpreadsheetTitle)
		if err != nil {
			return r.fail("find_spreadsheet_failed", err, zap.String("spreadsheet_title", r.config.SpreadsheetTitle))
		}
		spreadsheetID = found
	}

	titles, err := r.api.sheetTitles(ctx, spreadsheetID)
	if err != nil {
		return r.fail("open_spreadsheet_failed", err, zap.String("spreadsheet_id", spreadsheetID))
	}

	existing := make(map[string]struct{}, len(titles))
	for _, title := range titles {
		existing[title] = struct{}{}
	}
	r.spreadsheetID = spreadsheetID
	r.existing = existing
	r.logger.Info("spreadsheet opened",
		zap.String("spreadsheet_id", spreadsheetID),
		zap.Int("worksheets", len(titles)))
	return nil
}

func (r *WorksheetResolver) fail(reason string, err error, fields ...zap.Field) error {
	allFields := append([]zap.Field{
		zap.String("operation", opResolve),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	r.logger.Error("worksheet resolve error", allFields...)
	return storage.NewBackendError(opResolve, reason, err)
}

type worksheetHandle struct {
	api           spreadsheetAPI
	spreadsheetID string
	title         string
}

func (h *worksheetHandle) Title() string {
	return h.title
}

// ReadAll returns formatted values, so formulas come back evaluated.
func (h *worksheetHandle) ReadAll(ctx context.Context) ([][]string, error) {
	values, err := h.api.getValues(ctx, h.spreadsheetID, quoteSheetTitle(h.title))
	if err != nil {
		return nil, storage.NewBackendError(opWorksheet, "read_failed", err)
	}
	records := make([][]string, 0, len(values))
	for _, row := range values {
		record := make([]string, len(row))
		for i, cell := range row {
			record[i] = cast.ToString(cell)
		}
		records = append(records, record)
	}
	return records, nil
}

func (h *worksheetHandle) ReplaceAll(ctx context.Context, records [][]string) error {
	rangeA1 := quoteSheetTitle(h.title)
	if err := h.api.clearValues(ctx, h.spreadsheetID, rangeA1); err != nil {
		return storage.NewBackendError(opWorksheet, "clear_failed", err)
	}
	if len(records) == 0 {
		return nil
	}
	values := make([][]any, len(records))
	for i, record := range records {
		row := make([]any, len(record))
		for j, cell := range record {
			row[j] = cell
		}
		values[i] = row
	}
	if err := h.api.updateValues(ctx, h.spreadsheetID, rangeA1+"!A1", values); err != nil {
		return storage.NewBackendError(opWorksheet, "update_failed", err)
	}
	return nil
}

func quoteSheetTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// googleAPI adapts an authorized Client to spreadsheetAPI.
type googleAPI struct {
	client *Client
}

func (g *googleAPI) findSpreadsheet(ctx context.Context, title string) (string, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(title), spreadsheetMimeType)
	list, err := g.client.Drive.Files.List().
		Q(query).
		Fields("files(id, name)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", fmt.Errorf("%w: %q", errSpreadsheetNotFound, title)
	}
	return list.Files[0].Id, nil
}

func (g *googleAPI) sheetTitles(ctx context.Context, spreadsheetID string) ([]string, error) {
	spreadsheet, err := g.client.Sheets.Spreadsheets.Get(spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(spreadsheet.Sheets))
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil {
			titles = append(titles, sheet.Properties.Title)
		}
	}
	return titles, nil
}

func (g *googleAPI) addSheet(ctx context.Context, spreadsheetID, title string, rows, columns int64) error {
	request := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{
					Title: title,
					GridProperties: &sheets.GridProperties{
						RowCount:    rows,
						ColumnCount: columns,
					},
				},
			},
		}},
	}
	_, err := g.client.Sheets.Spreadsheets.BatchUpdate(spreadsheetID, request).Context(ctx).Do()
	return err
}

func (g *googleAPI) getValues(ctx context.Context, spreadsheetID, rangeA1 string) ([][]any, error) {
	response, err := g.client.Sheets.Spreadsheets.Values.Get(spreadsheetID, rangeA1).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return response.Values, nil
}

func (g *googleAPI) clearValues(ctx context.Context, spreadsheetID, rangeA1 string) error {
	_, err := g.client.Sheets.Spreadsheets.Values.Clear(spreadsheetID, rangeA1, &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	return err
}

func (g *googleAPI) updateValues(ctx context.Context, spreadsheetID, rangeA1 string, values [][]any) error {
	_, err := g.client.Sheets.Spreadsheets.Values.Update(spreadsheetID, rangeA1, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

func escapeQuery(value string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
}
