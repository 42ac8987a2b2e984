package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// SessionBalance mirrors the session_balances table, the single source of
// truth for a session's capped consumable balance.
type SessionBalance struct {
	SessionID    string    `gorm:"primaryKey"`
	TotalCredits int64     `gorm:"not null"`
	UsedCredits  int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (SessionBalance) TableName() string { return "session_balances" }

// IdempotencyRecord mirrors the idempotency_records table. The outcome column
// is the JSON snapshot returned unchanged on replay.
type IdempotencyRecord struct {
	IdempotencyKey string         `gorm:"primaryKey"`
	SessionID      string         `gorm:"not null;index:idx_idempotency_session"`
	Source         string         `gorm:"not null"`
	Outcome        datatypes.JSON `gorm:"not null"`
	RecordedAt     time.Time      `gorm:"not null;index:idx_idempotency_recorded"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
