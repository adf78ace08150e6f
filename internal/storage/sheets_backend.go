package storage

import (
	"context"
	"fmt"
)

// sheetsBackend stores one worksheet per table, header in row 1.
type sheetsBackend struct {
	resolver WorksheetResolver
}

func (b *sheetsBackend) kind() string {
	return BackendGSheets
}

func (b *sheetsBackend) worksheet(ctx context.Context, name string) (Worksheet, error) {
	if b.resolver == nil {
		return nil, errMissingResolver
	}
	worksheet, err := b.resolver.Resolve(ctx, SheetTitle(name))
	if err != nil {
		return nil, fmt.Errorf("resolve worksheet %q: %w", SheetTitle(name), err)
	}
	return worksheet, nil
}

func (b *sheetsBackend) read(ctx context.Context, name string, columns []string, idColumn string) (readResult, error) {
	worksheet, err := b.worksheet(ctx, name)
	if err != nil {
		return readResult{}, err
	}

	values, err := worksheet.ReadAll(ctx)
	if err != nil {
		return readResult{}, fmt.Errorf("read worksheet %q: %w", worksheet.Title(), err)
	}
	if len(values) == 0 || blankRow(values[0]) {
		return readResult{table: NewTable(columns, idColumn), found: false}, nil
	}

	return readResult{
		table: tableFromRecords(values[0], values[1:], columns, idColumn),
		found: true,
	}, nil
}

func (b *sheetsBackend) write(ctx context.Context, name string, table Table) error {
	worksheet, err := b.worksheet(ctx, name)
	if err != nil {
		return err
	}
	if err := worksheet.ReplaceAll(ctx, headerAndRecords(table)); err != nil {
		return fmt.Errorf("write worksheet %q: %w", worksheet.Title(), err)
	}
	return nil
}
