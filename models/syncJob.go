package models

import (
	"encoding/json"
	"time"
)

const (
	SyncJobStatusPending   = "pending"
	SyncJobStatusRunning   = "running"
	SyncJobStatusCompleted = "completed"
	SyncJobStatusFailed    = "failed"
	SyncJobStatusCancelled = "cancelled"
)

const (
	SyncTypeFull           = "full"
	SyncTypeIncremental    = "incremental"
	SyncTypeEntitySpecific = "entity_specific"
)

const (
	EntityJobStatusPending   = "pending"
	EntityJobStatusRunning   = "running"
	EntityJobStatusCompleted = "completed"
	EntityJobStatusFailed    = "failed"
)

// EntityJobTypeCDC marks the single unit of work an incremental sync job
// carries: one batched change-data-capture sweep across the whole requested
// entity set, so the realm checkpoint advances exactly once per run.
const EntityJobTypeCDC = "cdc"

// SyncJob is one backfill or incremental run for one QuickBooks realm.
// It owns one SyncEntityJob per entity type; the terminal state is derived
// from the child outcomes unless the job is cancelled out-of-band.
type SyncJob struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	RealmId           string     `gorm:"index;size:64;not null" json:"realm_id"`
	Status            string     `gorm:"size:20;index;not null" json:"status"`
	SyncType          string     `gorm:"size:20;not null" json:"sync_type"`
	StartDate         *time.Time `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
	EntityTypesJSON   []byte     `gorm:"type:json" json:"entity_types"`
	TotalEntities     int        `json:"total_entities"`
	CompletedEntities int        `json:"completed_entities"`
	FailedEntities    int        `json:"failed_entities"`
	TotalRecords      int        `json:"total_records"`
	ProcessedRecords  int        `json:"processed_records"`
	ErrorRecords      int        `json:"error_records"`
	ErrorMessage      string     `gorm:"type:text" json:"error_message"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncEntityJob is one entity type's unit of work within a SyncJob.
// Exactly one row exists per (sync_job_id, entity_type).
type SyncEntityJob struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	SyncJobId      uint       `gorm:"uniqueIndex:idx_sync_entity_job,priority:1;not null" json:"sync_job_id"`
	RealmId        string     `gorm:"index;size:64;not null" json:"realm_id"`
	EntityType     string     `gorm:"uniqueIndex:idx_sync_entity_job,priority:2;size:50;not null" json:"entity_type"`
	TableName      string     `gorm:"size:64" json:"table_name"`
	Status         string     `gorm:"size:20;index;not null" json:"status"`
	BatchSize      int        `json:"batch_size"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	ErrorCount     int        `json:"error_count"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *SyncJob) IsTerminal() bool {
	switch j.Status {
	case SyncJobStatusCompleted, SyncJobStatusFailed, SyncJobStatusCancelled:
		return true
	}
	return false
}

// EntityTypes decodes the requested entity set. A missing or malformed list
// means "all supported types"; the scheduler resolves that.
func (j *SyncJob) EntityTypes() []string {
	if len(j.EntityTypesJSON) == 0 {
		return nil
	}
	var types []string
	if err := json.Unmarshal(j.EntityTypesJSON, &types); err != nil {
		return nil
	}
	return types
}

// ProgressPercent computes completed work over total child jobs, rounded
// down. A job with no children reports zero.
func (j *SyncJob) ProgressPercent() int {
	if j.TotalEntities <= 0 {
		return 0
	}
	done := j.CompletedEntities + j.FailedEntities
	if done > j.TotalEntities {
		done = j.TotalEntities
	}
	return done * 100 / j.TotalEntities
}

// ElapsedMs reports wall-clock time from start to completion, or to now for
// a job still in flight.
func (j *SyncJob) ElapsedMs() int64 {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt).Milliseconds()
}
