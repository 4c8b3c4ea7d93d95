package models

import "time"

const (
	ProgressEventEntityStarted   = "entity_started"
	ProgressEventEntityCompleted = "entity_completed"
	ProgressEventEntityFailed    = "entity_failed"
	ProgressEventJobCompleted    = "job_completed"
	ProgressEventJobFailed       = "job_failed"
	ProgressEventJobCancelled    = "job_cancelled"
)

// SyncProgressEvent is one observable milestone for a SyncJob. Rows are
// append-only; the streaming endpoint drains them in id order and deletes
// what it delivered, so the auto-increment id doubles as the cursor.
type SyncProgressEvent struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncJobId   uint      `gorm:"index;not null" json:"sync_job_id"`
	EventType   string    `gorm:"size:50;not null" json:"event_type"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
