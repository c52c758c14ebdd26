// Package history keeps a durable log of finished calls in PostgreSQL
package history

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mossy-p/callagent/internal/call"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// CallLog is one finished call as seen by SelfID
type CallLog struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	CallID          string     `json:"callId" gorm:"size:64;uniqueIndex:idx_call_self"`
	SelfID          string     `json:"selfId" gorm:"size:128;uniqueIndex:idx_call_self;index"`
	PeerID          string     `json:"peerId" gorm:"size:128"`
	PeerDisplayName string     `json:"peerDisplayName"`
	Role            string     `json:"role" gorm:"size:16"`
	IsVideo         bool       `json:"isVideo"`
	FinalStatus     string     `json:"finalStatus" gorm:"size:16"`
	StartedAt       time.Time  `json:"startedAt" gorm:"index"`
	ConnectedAt     *time.Time `json:"connectedAt"`
	EndedAt         time.Time  `json:"endedAt"`
	DurationSeconds int64      `json:"durationSeconds"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Store reads and writes call logs
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// Migrate creates or updates the call log table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CallLog{})
}

// New wraps an already migrated connection
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record stores a finished call. It satisfies call.Recorder.
func (s *Store) Record(ctx context.Context, sum call.Summary) error {
	entry := fromSummary(sum)
	return s.db.WithContext(ctx).Create(&entry).Error
}

// Recent lists selfID's calls, newest first
func (s *Store) Recent(ctx context.Context, selfID string, limit int) ([]CallLog, error) {
	var logs []CallLog
	if err := s.recent(ctx, selfID, limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) recent(ctx context.Context, selfID string, limit int) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("self_id = ?", selfID).
		Order("started_at DESC").
		Limit(clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func fromSummary(s call.Summary) CallLog {
	entry := CallLog{
		CallID:          s.CallID,
		SelfID:          s.Self.ID,
		PeerID:          s.Peer.ID,
		PeerDisplayName: s.Peer.DisplayName,
		Role:            string(s.Role),
		IsVideo:         s.IsVideo,
		FinalStatus:     string(s.FinalStatus),
		StartedAt:       s.StartedAt,
		ConnectedAt:     s.ConnectedAt,
		EndedAt:         s.EndedAt,
	}
	if s.ConnectedAt != nil {
		entry.DurationSeconds = int64(s.EndedAt.Sub(*s.ConnectedAt) / time.Second)
	}
	return entry
}
