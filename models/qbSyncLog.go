package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	SyncLogStatusSuccess = "success"
	SyncLogStatusFailed  = "failed"
)

const (
	SyncLogTypeCDC  = "cdc"
	SyncLogTypeFull = "full"
)

// SyncScopeAll marks a log row whose fetch covered every supported entity
// type. Narrower runs record their own sorted entity list instead, so their
// checkpoints never stand in for windows they did not fetch.
const SyncScopeAll = "all"

// QbSyncLog records one fetch+apply cycle per realm. The checkpoint for the
// next CDC window is the sync_started_at of the latest success row covering
// the same entity scope, so a crash mid-fetch leaves the prior checkpoint
// intact.
type QbSyncLog struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	RealmId       string    `gorm:"index;size:64;not null" json:"realm_id"`
	SyncType      string    `gorm:"size:20;not null" json:"sync_type"`
	Status        string    `gorm:"size:20;index;not null" json:"status"`
	EntityScope   string    `gorm:"size:255;index;not null;default:all" json:"entity_scope"`
	SyncStartedAt time.Time `gorm:"index;not null" json:"sync_started_at"`
	TotalChanges  int       `json:"total_changes"`
	CreatedCount  int       `json:"created_count"`
	UpdatedCount  int       `json:"updated_count"`
	DeletedCount  int       `json:"deleted_count"`
	ErrorCount    int       `json:"error_count"`
	DurationMs    int64     `json:"duration_ms"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetCheckpoint returns the timestamp lower bound for the next CDC fetch of
// the given entity scope. Checkpoints only ever advance via successful log
// rows, so the returned value is monotonically non-decreasing per
// (realm, scope). A full-scope success covers every narrower scope's window,
// so those rows count for any scope; a narrow run never counts for entity
// types it did not fetch. A realm with no matching history returns nil and
// the caller falls back to a fixed lookback window.
func GetCheckpoint(ctx context.Context, db *gorm.DB, realmId, entityScope string) (*time.Time, error) {
	scopes := []string{SyncScopeAll}
	if entityScope != SyncScopeAll {
		scopes = append(scopes, entityScope)
	}
	var logRow QbSyncLog
	err := db.WithContext(ctx).
		Where("realm_id = ? AND status = ? AND entity_scope IN ?", realmId, SyncLogStatusSuccess, scopes).
		Order("sync_started_at desc").
		Take(&logRow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &logRow.SyncStartedAt, nil
}
