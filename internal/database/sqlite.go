package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/session"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sessionBusyTimeoutMillis = 5000

var errMissingDatabasePath = errors.New("database path is required")

// sessionDSN appends the connection pragmas to path. Concurrent requests of one session hit the
// same rows, so writers wait on the lock instead of failing with SQLITE_BUSY.
func sessionDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, separator, sessionBusyTimeoutMillis)
}

// OpenSQLite opens the session database at path and brings its schema up to date.
// A nil logger discards migration output.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingDatabasePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sessionDSN(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open session database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("session database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	models := append(session.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("session database ready", zap.String("path", path), zap.Int("busy_timeout_ms", sessionBusyTimeoutMillis))
	return db, nil
}
