// Package audit persists session status transitions to a local sqlite
// database. Session state itself lives in memory; the audit log only exists
// so lab operators can reconstruct what happened to a session after the
// fact.
package audit

import (
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transition is one recorded status change.
type Transition struct {
	ID          uint      `gorm:"primarykey" json:"-"`
	SessionID   string    `gorm:"index" json:"session_id"`
	ChallengeID string    `json:"challenge_id"`
	UserID      string    `gorm:"index" json:"user_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Log is the write side of the audit trail.
type Log struct {
	db *gorm.DB
}

// InitDB opens (or creates) the audit database and migrates the schema.
func InitDB(dbPath string) (*gorm.DB, error) {
	// Add busy_timeout and WAL mode for better concurrency
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(log.Default(), logger.Config{
			LogLevel:      logger.Warn,
			SlowThreshold: 200 * time.Millisecond,
		},
		),
	})
	if err != nil {
		return nil, err
	}

	// Limit connection pool to 1 to avoid SQLite concurrency issues
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, db.AutoMigrate(Transition{})
}

func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Record appends one transition. Failures are returned, not fatal; callers
// log and move on since the audit trail must never block teardown.
func (l *Log) Record(sessionID, challengeID, userID, from, to, reason string) error {
	return l.db.Create(&Transition{
		SessionID:   sessionID,
		ChallengeID: challengeID,
		UserID:      userID,
		From:        from,
		To:          to,
		Reason:      reason,
	}).Error
}

// ForSession returns the transitions of one session in the order they
// happened.
func (l *Log) ForSession(sessionID string) ([]Transition, error) {
	var transitions []Transition
	err := l.db.Where("session_id = ?", sessionID).Order("id asc").Find(&transitions).Error
	return transitions, err
}

// Recent returns the newest transitions across all sessions, newest first.
func (l *Log) Recent(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	var transitions []Transition
	err := l.db.Order("id desc").Limit(limit).Find(&transitions).Error
	return transitions, err
}
