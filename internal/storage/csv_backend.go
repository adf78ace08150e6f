package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// csvBackend stores one UTF-8 CSV file per table.
type csvBackend struct {
	fs     afero.Fs
	paths  map[string]string
	logger *zap.Logger
}

func newCSVBackend(fs afero.Fs, paths map[string]string, logger *zap.Logger) *csvBackend {
	copied := make(map[string]string, len(paths))
	for table, path := range paths {
		copied[table] = path
	}
	return &csvBackend{fs: fs, paths: copied, logger: logger}
}

func (b *csvBackend) kind() string {
	return BackendCSV
}

func (b *csvBackend) path(name string) (string, error) {
	path, ok := b.paths[name]
	if !ok || path == "" {
		return "", fmt.Errorf("%w: %s", errMissingPath, name)
	}
	return path, nil
}

func (b *csvBackend) read(_ context.Context, name string, columns []string, idColumn string) (readResult, error) {
	path, err := b.path(name)
	if err != nil {
		return readResult{}, err
	}

	exists, err := afero.Exists(b.fs, path)
	if err != nil {
		return readResult{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return readResult{table: NewTable(columns, idColumn), found: false}, nil
	}

	file, err := b.fs.Open(path)
	if err != nil {
		return readResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(transform.NewReader(file, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		b.logger.Warn("unreadable csv table replaced by empty table",
			zap.String("table", name),
			zap.String("path", path),
			zap.Error(err))
		return readResult{table: NewTable(columns, idColumn), found: true, degraded: true}, nil
	}
	if len(records) == 0 {
		return readResult{table: NewTable(columns, idColumn), found: true}, nil
	}

	return readResult{
		table: tableFromRecords(records[0], records[1:], columns, idColumn),
		found: true,
	}, nil
}

// write replaces the file atomically through a temp file, fsync and rename.
func (b *csvBackend) write(_ context.Context, name string, table Table) error {
	path, err := b.path(name)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(b.fs, dir, ".assocrm-*.csv.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	buffered := bufio.NewWriter(tmp)
	writer := csv.NewWriter(buffered)
	if err := writer.WriteAll(headerAndRecords(table)); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("writing records: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := b.fs.Rename(tmpName, path); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
