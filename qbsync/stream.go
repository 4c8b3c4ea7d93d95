package qbsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	streamPollInterval = time.Second
	streamFetchLimit   = 100
)

type streamEvent struct {
	Type      string          `json:"type"`
	JobId     uint            `json:"jobId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// StreamJobHandler streams a job's progress milestones over server-sent
// events. It polls the event table, delivers new rows in order, deletes what
// it delivered, and closes with a summary event once the job reaches a
// terminal state.
func StreamJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := parseJobId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		db := config.GetDB()
		var job models.SyncJob
		if err := db.WithContext(c.Request.Context()).Where("id = ?", jobId).Take(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		c.SSEvent("connected", streamEvent{
			Type:      "connected",
			JobId:     jobId,
			Timestamp: time.Now().Format(time.RFC3339),
		})
		c.Writer.Flush()

		var cursor uint
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case <-ticker.C:
			}

			ctx := c.Request.Context()
			cursor = drainEvents(c, db, jobId, cursor)

			var current models.SyncJob
			if err := db.WithContext(ctx).Where("id = ?", jobId).Take(&current).Error; err != nil {
				c.SSEvent("error", gin.H{"error": err.Error()})
				return false
			}
			if !current.IsTerminal() {
				return true
			}

			// The job finished between polls; deliver anything emitted after
			// the last drain before summarizing.
			drainEvents(c, db, jobId, cursor)

			summary := gin.H{
				"status":            current.Status,
				"completedEntities": current.CompletedEntities,
				"failedEntities":    current.FailedEntities,
				"processedRecords":  current.ProcessedRecords,
				"errorRecords":      current.ErrorRecords,
				"elapsedMs":         current.ElapsedMs(),
			}
			if current.ErrorMessage != "" {
				summary["error"] = current.ErrorMessage
			}
			if current.Status == models.SyncJobStatusCompleted {
				c.SSEvent("complete", summary)
			} else {
				c.SSEvent("error", summary)
			}
			c.SSEvent("done", gin.H{"jobId": jobId})
			return false
		})
	}
}

func drainEvents(c *gin.Context, db *gorm.DB, jobId uint, cursor uint) uint {
	ctx := c.Request.Context()
	for {
		events, err := FetchProgressEvents(ctx, db, jobId, cursor, streamFetchLimit)
		if err != nil || len(events) == 0 {
			return cursor
		}

		delivered := make([]uint, 0, len(events))
		for _, event := range events {
			c.SSEvent("progress", streamEvent{
				Type:      event.EventType,
				JobId:     jobId,
				Payload:   event.PayloadJSON,
				Timestamp: event.CreatedAt.Format(time.RFC3339),
			})
			delivered = append(delivered, event.ID)
			cursor = event.ID
		}
		c.Writer.Flush()
		_ = DeleteProgressEvents(ctx, db, delivered)

		if len(events) < streamFetchLimit {
			return cursor
		}
	}
}
