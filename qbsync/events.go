package qbsync

import (
	"context"
	"encoding/json"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"gorm.io/gorm"
)

// EmitProgress appends one milestone event for a job. Events are best-effort
// observability: a failed insert never fails the work that produced it, so
// the error is returned for logging only.
func EmitProgress(ctx context.Context, db *gorm.DB, syncJobId uint, eventType string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		payloadJSON, _ = json.Marshal(payload)
	}
	event := models.SyncProgressEvent{
		SyncJobId:   syncJobId,
		EventType:   eventType,
		PayloadJSON: payloadJSON,
	}
	return db.WithContext(ctx).Create(&event).Error
}

// FetchProgressEvents reads events after the cursor in creation (id) order.
func FetchProgressEvents(ctx context.Context, db *gorm.DB, syncJobId uint, afterId uint, limit int) ([]models.SyncProgressEvent, error) {
	var events []models.SyncProgressEvent
	err := db.WithContext(ctx).
		Where("sync_job_id = ? AND id > ?", syncJobId, afterId).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// DeleteProgressEvents removes delivered events to bound storage growth.
func DeleteProgressEvents(ctx context.Context, db *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&models.SyncProgressEvent{}).Error
}
