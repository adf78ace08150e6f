// Package session persists per-session table fingerprints and lock preferences and issues
// the tokens that identify sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSession  = errors.New("session is required")
)

const (
	opRepositoryNew = "session.repository.new"
	opLoad          = "session.load"
	opSave          = "session.save"
)

// RepositoryError carries a stable code alongside the cause.
type RepositoryError struct {
	code string
	err  error
}

func (e *RepositoryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RepositoryError) Unwrap() error {
	return e.err
}

func (e *RepositoryError) Code() string {
	return e.code
}

func newRepositoryError(operation, reason string, cause error) error {
	return &RepositoryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RepositoryConfig configures a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository loads and saves storage sessions.
type Repository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRepository validates cfg and constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load restores a session. Unknown ids yield a fresh session with that id.
func (r *Repository) Load(ctx context.Context, sessionID string) (*storage.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newRepositoryError(opLoad, "missing_session_id", errMissingSessionID)
	}

	var record Record
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.NewSession(sessionID), nil
	}
	if err != nil {
		r.logError(opLoad, "session_query_failed", err, zap.String("session_id", sessionID))
		return nil, newRepositoryError(opLoad, "session_query_failed", err)
	}

	var fingerprints []FingerprintRecord
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&fingerprints).Error; err != nil {
		r.logError(opLoad, "fingerprint_query_failed", err, zap.String("session_id", sessionID))
		return nil, newRepositoryError(opLoad, "fingerprint_query_failed", err)
	}

	byTable := make(map[string]string, len(fingerprints))
	for _, fingerprint := range fingerprints {
		byTable[fingerprint.Table] = fingerprint.Fingerprint
	}
	return storage.RestoreSession(sessionID, byTable, record.LockOverride), nil
}

// Save persists what the session recorded, forgot or toggled since it was loaded. Tables the
// session did not touch are left as stored, so overlapping requests of one session do not
// erase each other's fingerprints.
func (r *Repository) Save(ctx context.Context, current *storage.Session) error {
	if current == nil {
		return newRepositoryError(opSave, "missing_session", errMissingSession)
	}

	now := r.clock().UTC()
	changes := current.Changes()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated := []string{"updated_at"}
		if changes.LockChanged {
			updated = append(updated, "lock_override")
		}
		record := Record{ID: current.ID(), LockOverride: changes.LockOverride}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns(updated),
		}).Create(&record).Error; err != nil {
			return newRepositoryError(opSave, "session_upsert_failed", err)
		}

		if len(changes.Forgotten) > 0 {
			if err := tx.Where("session_id = ? AND table_name IN ?", current.ID(), changes.Forgotten).
				Delete(&FingerprintRecord{}).Error; err != nil {
				return newRepositoryError(opSave, "fingerprint_delete_failed", err)
			}
		}
		if len(changes.Recorded) == 0 {
			return nil
		}

		rows := make([]FingerprintRecord, 0, len(changes.Recorded))
		for table, fingerprint := range changes.Recorded {
			rows = append(rows, FingerprintRecord{
				SessionID:        current.ID(),
				Table:            table,
				Fingerprint:      fingerprint,
				UpdatedAtSeconds: now.Unix(),
			})
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "table_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"fingerprint", "updated_at_s"}),
		}).Create(&rows).Error; err != nil {
			return newRepositoryError(opSave, "fingerprint_upsert_failed", err)
		}
		return nil
	})
	if err != nil {
		r.logError(opSave, "transaction_failed", err, zap.String("session_id", current.ID()))
		return err
	}
	current.MarkPersisted()
	return nil
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	r.logger.Error("session repository error", allFields...)
}
