package storage

import (
	"time"
)

// ChatSession is the persisted row for one chat's session. Only durable
// fields live here; execution state and pending approvals are transient
// and rebuilt empty after a restart.
type ChatSession struct {
	ChatID           string    `gorm:"primaryKey"`
	Cwd              string    `gorm:"not null;default:''"`
	MessageCount     int       `gorm:"not null;default:0"`
	ResumeToken      string    `gorm:"not null;default:''"`
	SessionCreatedAt time.Time `gorm:"not null;index:idx_session_created_at"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
