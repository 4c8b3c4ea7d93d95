package qbsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultProcessBudget bounds one processing invocation well under any
// hosting platform's hard request limit; remaining pending entity jobs are
// picked up by the next invocation.
const DefaultProcessBudget = 50 * time.Second

var (
	ErrJobNotFound  = errors.New("sync job not found")
	ErrJobTerminal  = errors.New("sync job already in a terminal state")
	ErrInvalidInput = errors.New("invalid sync request")
)

// Scheduler owns the SyncJob/SyncEntityJob lifecycle: it fans a sync request
// out into one entity job per entity type and drains pending entity jobs one
// at a time under a wall-clock budget. The relational store is the only job
// state that survives between invocations.
type Scheduler struct {
	importer *Importer
	cdc      *CDCSyncer
	tokens   *TokenManager
	logger   *logrus.Logger
	budget   time.Duration
}

func NewScheduler(importer *Importer, cdc *CDCSyncer, tokens *TokenManager, logger *logrus.Logger, budget time.Duration) *Scheduler {
	if budget <= 0 {
		budget = DefaultProcessBudget
	}
	return &Scheduler{
		importer: importer,
		cdc:      cdc,
		tokens:   tokens,
		logger:   logger,
		budget:   budget,
	}
}

// CreateSyncJob validates the request, inserts the parent job plus its
// pending entity jobs, then flips the parent to running. Full and
// entity-specific syncs fan out into one entity job per resolved type; an
// incremental sync gets exactly one child covering the whole set, because
// change data capture is a single batched fetch whose checkpoint must move
// once per run, not once per entity type. Processing happens later, in
// ProcessPending.
func (s *Scheduler) CreateSyncJob(ctx context.Context, db *gorm.DB, req StartSyncRequest) (*models.SyncJob, error) {
	switch req.SyncType {
	case models.SyncTypeFull, models.SyncTypeIncremental, models.SyncTypeEntitySpecific:
	default:
		return nil, fmt.Errorf("%w: unknown sync type %q", ErrInvalidInput, req.SyncType)
	}
	if req.SyncType == models.SyncTypeEntitySpecific && len(req.Entities) == 0 {
		return nil, fmt.Errorf("%w: entity_specific sync requires an entity list", ErrInvalidInput)
	}

	hasCred, err := s.tokens.HasActiveCredential(ctx, db, req.RealmId)
	if err != nil {
		return nil, err
	}
	if !hasCred {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, req.RealmId)
	}

	entityTypes, unsupported := ResolveEntityTypes(req.Entities)
	if len(unsupported) > 0 {
		return nil, fmt.Errorf("%w: unsupported entity types %v", ErrInvalidInput, unsupported)
	}
	if len(entityTypes) == 0 {
		return nil, fmt.Errorf("%w: no entity types resolved", ErrInvalidInput)
	}

	startDate := utils.ParseTimePtr(req.StartDate)
	endDate := utils.ParseTimePtr(req.EndDate)

	totalEntities := len(entityTypes)
	if req.SyncType == models.SyncTypeIncremental {
		totalEntities = 1
	}

	job := models.SyncJob{
		RealmId:         req.RealmId,
		Status:          models.SyncJobStatusPending,
		SyncType:        req.SyncType,
		StartDate:       startDate,
		EndDate:         endDate,
		EntityTypesJSON: utils.MarshalToJSON(entityTypes),
		TotalEntities:   totalEntities,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		if req.SyncType == models.SyncTypeIncremental {
			entityJob := models.SyncEntityJob{
				SyncJobId:  job.ID,
				RealmId:    req.RealmId,
				EntityType: models.EntityJobTypeCDC,
				Status:     models.EntityJobStatusPending,
			}
			if err := tx.Create(&entityJob).Error; err != nil {
				return err
			}
		} else {
			for _, entityType := range entityTypes {
				info, _ := models.LookupEntityType(entityType)
				entityJob := models.SyncEntityJob{
					SyncJobId:  job.ID,
					RealmId:    req.RealmId,
					EntityType: entityType,
					TableName:  info.TableName,
					Status:     models.EntityJobStatusPending,
					BatchSize:  s.importer.BatchSize(),
				}
				if err := tx.Create(&entityJob).Error; err != nil {
					return err
				}
			}
		}
		now := time.Now()
		return tx.Model(&job).Updates(map[string]interface{}{
			"status":     models.SyncJobStatusRunning,
			"started_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ProcessPending claims and executes pending entity jobs one at a time until
// none remain or the wall-clock budget is spent. It is safe to run multiple
// invocations concurrently: the claim is a conditional update, so a unit of
// work is never executed twice.
func (s *Scheduler) ProcessPending(ctx context.Context, db *gorm.DB) ProcessResponse {
	started := time.Now()
	deadline := started.Add(s.budget)
	resp := ProcessResponse{Errors: []string{}}

	for time.Now().Before(deadline) {
		entityJob, err := s.claimNext(ctx, db)
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			break
		}
		if entityJob == nil {
			break
		}
		if err := s.runEntityJob(ctx, db, entityJob); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s/%s: %v", entityJob.RealmId, entityJob.EntityType, err))
		}
		resp.Processed++
	}

	resp.ElapsedMs = time.Since(started).Milliseconds()
	return resp
}

// claimNext atomically claims the oldest pending entity job across all sync
// jobs. The conditional pending->running update is the concurrency guard;
// losing a race simply moves on to the next candidate.
func (s *Scheduler) claimNext(ctx context.Context, db *gorm.DB) (*models.SyncEntityJob, error) {
	for {
		var candidate models.SyncEntityJob
		err := db.WithContext(ctx).
			Where("status = ?", models.EntityJobStatusPending).
			Order("id asc").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res := db.WithContext(ctx).Model(&models.SyncEntityJob{}).
			Where("id = ? AND status = ?", candidate.ID, models.EntityJobStatusPending).
			Updates(map[string]interface{}{
				"status":     models.EntityJobStatusRunning,
				"started_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the claim to a concurrent invocation; try the next one.
			continue
		}
		candidate.Status = models.EntityJobStatusRunning
		candidate.StartedAt = &now
		return &candidate, nil
	}
}

func (s *Scheduler) runEntityJob(ctx context.Context, db *gorm.DB, entityJob *models.SyncEntityJob) error {
	var parent models.SyncJob
	err := db.WithContext(ctx).Where("id = ?", entityJob.SyncJobId).Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Integrity fault: an entity job must never outlive its parent.
		s.failEntityJob(ctx, db, entityJob, "parent sync job missing")
		return fmt.Errorf("entity job %d has no parent sync job %d", entityJob.ID, entityJob.SyncJobId)
	}
	if err != nil {
		s.failEntityJob(ctx, db, entityJob, err.Error())
		return err
	}
	if parent.Status == models.SyncJobStatusCancelled {
		// Never resurrect a cancelled job's children.
		s.failEntityJob(ctx, db, entityJob, "parent sync job cancelled")
		return nil
	}

	_ = EmitProgress(ctx, db, parent.ID, models.ProgressEventEntityStarted, map[string]any{
		"entityType": entityJob.EntityType,
	})

	var (
		processed  int
		total      int
		errorCount int
		runErr     error
	)
	switch parent.SyncType {
	case models.SyncTypeIncremental:
		// One batched sweep over the parent's whole entity set; the
		// checkpoint moves once for the run.
		result, err := s.cdc.Run(ctx, db, entityJob.RealmId, parent.EntityTypes())
		processed = result.Stats.TotalChanges()
		total = processed
		errorCount = result.Stats.Errors
		runErr = err
	default:
		result, err := s.importer.ImportEntity(ctx, db, entityJob.RealmId, entityJob.EntityType, parent.StartDate, parent.EndDate)
		processed = result.Imported
		total = result.Total
		errorCount = result.Errors
		runErr = err
	}

	now := time.Now()
	if runErr != nil {
		if err := db.WithContext(ctx).Model(entityJob).Updates(map[string]interface{}{
			"status":          models.EntityJobStatusFailed,
			"total_count":     total,
			"processed_count": processed,
			"error_count":     errorCount,
			"error_message":   runErr.Error(),
			"completed_at":    now,
		}).Error; err != nil {
			config.LogError(s.logger, "scheduler.go", "runEntityJob", "marking entity job failed", entityJob.ID, err)
		}
		_ = EmitProgress(ctx, db, parent.ID, models.ProgressEventEntityFailed, map[string]any{
			"entityType": entityJob.EntityType,
			"error":      runErr.Error(),
		})
	} else {
		if err := db.WithContext(ctx).Model(entityJob).Updates(map[string]interface{}{
			"status":          models.EntityJobStatusCompleted,
			"total_count":     total,
			"processed_count": processed,
			"error_count":     errorCount,
			"completed_at":    now,
		}).Error; err != nil {
			config.LogError(s.logger, "scheduler.go", "runEntityJob", "marking entity job completed", entityJob.ID, err)
		}
		_ = EmitProgress(ctx, db, parent.ID, models.ProgressEventEntityCompleted, map[string]any{
			"entityType": entityJob.EntityType,
			"processed":  processed,
			"total":      total,
			"errors":     errorCount,
		})
	}

	if err := s.finalizeParent(ctx, db, &parent); err != nil {
		config.LogError(s.logger, "scheduler.go", "runEntityJob", "finalizing parent job", parent.ID, err)
	}
	return runErr
}

func (s *Scheduler) failEntityJob(ctx context.Context, db *gorm.DB, entityJob *models.SyncEntityJob, message string) {
	now := time.Now()
	if err := db.WithContext(ctx).Model(entityJob).Updates(map[string]interface{}{
		"status":        models.EntityJobStatusFailed,
		"error_message": message,
		"completed_at":  now,
	}).Error; err != nil {
		config.LogError(s.logger, "scheduler.go", "failEntityJob", message, entityJob.ID, err)
	}
}

// finalizeParent recomputes the parent's aggregate counts and flips it to a
// terminal state once no child is pending or running. A cancelled parent is
// left alone: cancellation is terminal regardless of child outcomes, and the
// parent snapshot may be stale, so the terminal write below re-checks status
// in the WHERE clause rather than trusting the snapshot.
func (s *Scheduler) finalizeParent(ctx context.Context, db *gorm.DB, parent *models.SyncJob) error {
	if parent.IsTerminal() {
		return nil
	}
	syncJobId := parent.ID

	var children []models.SyncEntityJob
	if err := db.WithContext(ctx).Where("sync_job_id = ?", syncJobId).Find(&children).Error; err != nil {
		return err
	}

	var completed, failed, totalRecords, processedRecords, errorRecords int
	remaining := 0
	for _, child := range children {
		switch child.Status {
		case models.EntityJobStatusCompleted:
			completed++
		case models.EntityJobStatusFailed:
			failed++
		default:
			remaining++
		}
		totalRecords += child.TotalCount
		processedRecords += child.ProcessedCount
		errorRecords += child.ErrorCount
	}

	updates := map[string]interface{}{
		"completed_entities": completed,
		"failed_entities":    failed,
		"total_records":      totalRecords,
		"processed_records":  processedRecords,
		"error_records":      errorRecords,
	}

	if remaining == 0 {
		now := time.Now()
		updates["completed_at"] = now
		if failed == 0 {
			updates["status"] = models.SyncJobStatusCompleted
		} else {
			updates["status"] = models.SyncJobStatusFailed
			updates["error_message"] = fmt.Sprintf("%d of %d entity jobs failed", failed, len(children))
		}
	}

	// Conditional like the claim in claimNext: a cancel landing between the
	// snapshot read and this write must win, never be overwritten.
	res := db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status NOT IN ?", syncJobId, []string{
			models.SyncJobStatusCompleted,
			models.SyncJobStatusFailed,
			models.SyncJobStatusCancelled,
		}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}

	if remaining == 0 && res.RowsAffected > 0 {
		eventType := models.ProgressEventJobCompleted
		if failed > 0 {
			eventType = models.ProgressEventJobFailed
		}
		_ = EmitProgress(ctx, db, syncJobId, eventType, map[string]any{
			"completedEntities": completed,
			"failedEntities":    failed,
			"processedRecords":  processedRecords,
			"errorRecords":      errorRecords,
		})
	}
	return nil
}

// CancelJob is an external, out-of-band terminal transition. Workers do not
// observe it mid-entity-job, but a cancelled job's remaining children are
// never resurrected.
func (s *Scheduler) CancelJob(ctx context.Context, db *gorm.DB, syncJobId uint) (*models.SyncJob, error) {
	var job models.SyncJob
	err := db.WithContext(ctx).Where("id = ?", syncJobId).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrJobTerminal, job.Status)
	}

	now := time.Now()
	if err := db.WithContext(ctx).Model(&job).Updates(map[string]interface{}{
		"status":       models.SyncJobStatusCancelled,
		"completed_at": now,
	}).Error; err != nil {
		return nil, err
	}
	_ = EmitProgress(ctx, db, job.ID, models.ProgressEventJobCancelled, nil)

	job.Status = models.SyncJobStatusCancelled
	job.CompletedAt = &now
	return &job, nil
}

// JobStatus assembles the parent job with child detail, computed progress
// percentage and elapsed time.
func (s *Scheduler) JobStatus(ctx context.Context, db *gorm.DB, syncJobId uint) (*JobStatusResponse, error) {
	var job models.SyncJob
	err := db.WithContext(ctx).Where("id = ?", syncJobId).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var children []models.SyncEntityJob
	if err := db.WithContext(ctx).
		Where("sync_job_id = ?", syncJobId).
		Order("id asc").
		Find(&children).Error; err != nil {
		return nil, err
	}

	resp := JobStatusResponse{
		ID:                job.ID,
		RealmId:           job.RealmId,
		Status:            job.Status,
		SyncType:          job.SyncType,
		ProgressPercent:   job.ProgressPercent(),
		ElapsedMs:         job.ElapsedMs(),
		TotalEntities:     job.TotalEntities,
		CompletedEntities: job.CompletedEntities,
		FailedEntities:    job.FailedEntities,
		TotalRecords:      job.TotalRecords,
		ProcessedRecords:  job.ProcessedRecords,
		ErrorRecords:      job.ErrorRecords,
		ErrorMessage:      job.ErrorMessage,
		EntityJobs:        make([]EntityJobStatus, 0, len(children)),
	}
	for _, child := range children {
		resp.EntityJobs = append(resp.EntityJobs, EntityJobStatus{
			EntityType:     child.EntityType,
			Status:         child.Status,
			TotalCount:     child.TotalCount,
			ProcessedCount: child.ProcessedCount,
			ErrorCount:     child.ErrorCount,
			ErrorMessage:   child.ErrorMessage,
		})
	}
	return &resp, nil
}
