package domain

import "time"

// Transfer directions recorded in the sync journal.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// SyncEvent is one journaled transfer attempt between the local working copy
// and the remote mirror.
//
// Fields:
//   - Direction: "download" or "upload".
//   - RemoteName / LocalPath: the mirror pair involved.
//   - OK / Error: outcome; Error is empty on success.
//   - Bytes: bytes transferred (0 on failure).
type SyncEvent struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	Direction  string    `json:"direction"   gorm:"type:varchar(16);not null;check:direction IN ('download','upload')"`
	RemoteName string    `json:"remote_name" gorm:"type:varchar(255);not null;index"`
	LocalPath  string    `json:"local_path"  gorm:"type:text;not null"`
	OK         bool      `json:"ok"          gorm:"not null"`
	Error      string    `json:"error,omitempty" gorm:"type:text"`
	Bytes      int64     `json:"bytes"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index"`
}

// TableName returns the database table name for SyncEvent.
func (SyncEvent) TableName() string { return "sync_events" }
