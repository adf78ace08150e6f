package session

import "time"

// Record is the persisted part of a session that is not per table.
type Record struct {
	ID           string    `gorm:"column:session_id;primaryKey;size:64;not null"`
	LockOverride *bool     `gorm:"column:lock_override"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing sessions.
func (Record) TableName() string {
	return "sessions"
}

// FingerprintRecord stores the fingerprint a session last observed for one table.
type FingerprintRecord struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:64;not null"`
	Table            string `gorm:"column:table_name;primaryKey;size:64;not null"`
	Fingerprint      string `gorm:"column:fingerprint;size:128;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing session fingerprints.
func (FingerprintRecord) TableName() string {
	return "session_fingerprints"
}

// Models lists the gorm models to migrate.
func Models() []any {
	return []any{&Record{}, &FingerprintRecord{}}
}
