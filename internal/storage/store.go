package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const opNewStore = "storage.new"

var noOpLogger = zap.NewNop()

// StoreConfig selects the backend and its bindings. CSVPaths is only consulted by the csv
// backend and Resolver only by the gsheets backend; a missing binding surfaces as ErrConfig
// when a table is loaded or saved.
type StoreConfig struct {
	Backend        string
	CSVPaths       map[string]string
	Filesystem     afero.Fs
	Resolver       WorksheetResolver
	OptimisticLock bool
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Store loads and saves whole tables and guards saves with session fingerprints.
type Store struct {
	backend        tableBackend
	optimisticLock bool
	logger         *zap.Logger
	metrics        *Metrics
}

// SaveOptions tunes SaveTableTarget.
type SaveOptions struct {
	// Override skips the conflict check and overwrites the authoritative copy.
	Override bool
}

// NewStore builds a Store for the configured backend.
func NewStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var backend tableBackend
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendCSV, "":
		fs := cfg.Filesystem
		if fs == nil {
			fs = afero.NewOsFs()
		}
		backend = newCSVBackend(fs, cfg.CSVPaths, logger)
	case BackendGSheets:
		backend = &sheetsBackend{resolver: cfg.Resolver}
	default:
		return nil, NewConfigError(opNewStore, "unknown_backend", fmt.Errorf("unknown storage backend %q", cfg.Backend))
	}

	return &Store{
		backend:        backend,
		optimisticLock: cfg.OptimisticLock,
		logger:         logger,
		metrics:        cfg.Metrics,
	}, nil
}

// Backend returns the active backend name.
func (s *Store) Backend() string {
	return s.backend.kind()
}

// OptimisticLock reports the process-wide toggle.
func (s *Store) OptimisticLock() bool {
	return s.optimisticLock
}

// EnsureTableSource loads a table with exactly the schema's effective columns, creating the
// backing file or worksheet header on first touch, and records its fingerprint in session.
func (s *Store) EnsureTableSource(ctx context.Context, session *Session, name string, schema Schema) (Table, error) {
	if session == nil {
		return Table{}, s.fail(opEnsureTable, "missing_session", name, ErrConfig, errMissingSession)
	}

	columns := EffectiveColumns(schema)
	idColumn := schema.IdentityColumn()

	result, err := s.backend.read(ctx, name, columns, idColumn)
	if err != nil {
		s.metrics.observeLoad(name, s.backend.kind(), resultError)
		return Table{}, s.classify(opEnsureTable, "read_failed", name, err)
	}
	if result.degraded {
		s.metrics.observeDegraded(name, s.backend.kind())
	}

	if !result.found {
		empty := NewTable(columns, idColumn)
		if err := s.backend.write(ctx, name, empty); err != nil {
			s.metrics.observeLoad(name, s.backend.kind(), resultError)
			return Table{}, s.classify(opEnsureTable, "initialize_failed", name, err)
		}
		s.logger.Info("table initialized",
			zap.String("table", name),
			zap.String("backend", s.backend.kind()))
		result.table = empty
	}

	fingerprint := Fingerprint(result.table)
	session.Record(name, fingerprint)
	s.metrics.observeLoad(name, s.backend.kind(), resultOK)
	s.logger.Debug("table loaded",
		zap.String("table", name),
		zap.String("session_id", session.ID()),
		zap.Int("rows", result.table.Len()),
		zap.String("fingerprint", fingerprint))

	return result.table, nil
}

// SaveTableTarget overwrites the whole table. Unless opts.Override is set or optimistic
// locking is disabled, it first compares the fingerprint of the authoritative copy with the
// one recorded in session and returns a *ConflictError without writing when they differ.
// On success the fingerprint of the written table is recorded and returned.
func (s *Store) SaveTableTarget(ctx context.Context, session *Session, name string, table Table, opts SaveOptions) (string, error) {
	if session == nil {
		return "", s.fail(opSaveTable, "missing_session", name, ErrConfig, errMissingSession)
	}
	if len(table.Columns) == 0 {
		return "", s.fail(opSaveTable, "missing_columns", name, ErrConfig, errMissingColumns)
	}

	target := table.Normalize()
	if target.IDColumn == "" {
		target.IDColumn = DefaultIDColumn
	}

	current, err := s.backend.read(ctx, name, target.Columns, target.IDColumn)
	if err != nil {
		s.metrics.observeSave(name, s.backend.kind(), resultError)
		return "", s.classify(opSaveTable, "read_failed", name, err)
	}
	currentFingerprint := Fingerprint(current.table)
	expectedFingerprint, recorded := session.Fingerprint(name)

	if session.LockEnabled(s.optimisticLock) && !opts.Override && recorded && expectedFingerprint != currentFingerprint {
		s.metrics.observeSave(name, s.backend.kind(), resultConflict)
		s.logger.Warn("table save refused",
			zap.String("table", name),
			zap.String("session_id", session.ID()),
			zap.String("expected", expectedFingerprint),
			zap.String("current", currentFingerprint))
		return "", &ConflictError{Table: name, Expected: expectedFingerprint, Current: currentFingerprint}
	}

	if err := s.backend.write(ctx, name, target); err != nil {
		s.metrics.observeSave(name, s.backend.kind(), resultError)
		return "", s.classify(opSaveTable, "write_failed", name, err)
	}

	fingerprint := Fingerprint(target)
	session.Record(name, fingerprint)
	s.metrics.observeSave(name, s.backend.kind(), resultCommitted)
	s.logger.Info("table saved",
		zap.String("table", name),
		zap.String("session_id", session.ID()),
		zap.Int("rows", target.Len()),
		zap.Bool("override", opts.Override),
		zap.String("fingerprint", fingerprint))

	return fingerprint, nil
}

// classify maps missing bindings to ErrConfig and everything else to ErrBackend.
func (s *Store) classify(operation, reason, table string, err error) error {
	switch {
	case errors.Is(err, errMissingPath):
		return s.fail(operation, "missing_path", table, ErrConfig, err)
	case errors.Is(err, errMissingResolver):
		return s.fail(operation, "missing_resolver", table, ErrConfig, err)
	case errors.Is(err, ErrConfig):
		return s.fail(operation, "config", table, ErrConfig, err)
	default:
		return s.fail(operation, reason, table, ErrBackend, err)
	}
}

func (s *Store) fail(operation, reason, table string, kind, cause error) error {
	s.logger.Error("storage error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("table", table),
		zap.Error(cause))
	return newStoreError(operation, reason, kind, cause)
}
