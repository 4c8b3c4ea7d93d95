package qbsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultLookback bounds the first CDC fetch for a realm that has no
// checkpoint yet, instead of scanning all time.
const DefaultLookback = 30 * 24 * time.Hour

// CDCSyncer drives one incremental fetch-and-apply cycle per realm: read the
// checkpoint, issue one batched ChangeDataCapture request across the tracked
// entity types, apply upserts and tombstones, and write the sync log row
// whose timestamp becomes the next checkpoint. Per-item failures increment
// the error count and processing continues; only a failed fetch fails the
// run (and leaves the checkpoint untouched).
type CDCSyncer struct {
	client *Client
	logger *logrus.Logger
}

func NewCDCSyncer(client *Client, logger *logrus.Logger) *CDCSyncer {
	return &CDCSyncer{client: client, logger: logger}
}

// checkpointScope canonicalizes an entity set into the scope key stored on
// QbSyncLog rows: the full supported set collapses to SyncScopeAll, anything
// narrower becomes its sorted, deduplicated entity list. Two runs fetch the
// same window if and only if they share a scope key.
func checkpointScope(entityTypes []string) string {
	unique := utils.UniqueSlice(entityTypes)
	if len(unique) >= len(models.SupportedEntityTypes()) {
		return models.SyncScopeAll
	}
	sort.Strings(unique)
	return strings.Join(unique, ",")
}

// Run executes one CDC cycle. entityFilter narrows the tracked set (used by
// entity-specific on-demand sweeps); nil means all supported types. A
// narrowed run reads and advances only its own scope's checkpoint, so it can
// never swallow the unfetched window of the other entity types.
func (s *CDCSyncer) Run(ctx context.Context, db *gorm.DB, realmId string, entityFilter []string) (CDCResult, error) {
	started := time.Now()

	entityTypes := entityFilter
	if len(entityTypes) == 0 {
		entityTypes = models.SupportedEntityTypes()
	}
	scope := checkpointScope(entityTypes)

	qbEntities := make([]string, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		info, ok := models.LookupEntityType(entityType)
		if !ok {
			continue
		}
		qbEntities = append(qbEntities, info.QbEntity)
	}

	since, err := models.GetCheckpoint(ctx, db, realmId, scope)
	if err != nil {
		return CDCResult{}, err
	}
	changedSince := started.Add(-DefaultLookback)
	if since != nil {
		changedSince = *since
	}

	changes, err := s.client.ChangeDataCapture(ctx, realmId, qbEntities, changedSince)
	if err != nil {
		logRow := models.QbSyncLog{
			RealmId:       realmId,
			SyncType:      models.SyncLogTypeCDC,
			Status:        models.SyncLogStatusFailed,
			EntityScope:   scope,
			SyncStartedAt: started,
			DurationMs:    time.Since(started).Milliseconds(),
			ErrorMessage:  err.Error(),
		}
		_ = db.WithContext(ctx).Create(&logRow).Error
		return CDCResult{}, err
	}

	var stats CDCStats
	synced := make([]string, 0, len(changes))
	for qbEntity, items := range changes {
		entityType, ok := models.EntityTypeForQbEntity(qbEntity)
		if !ok {
			// CDC can return entity types outside the tracked set; skip.
			continue
		}
		synced = append(synced, entityType)

		for _, raw := range items {
			if qbId, deleted := IsTombstone(raw); deleted {
				if err := deleteEntityRow(ctx, db, entityType, realmId, qbId); err != nil {
					stats.Errors++
					config.LogError(s.logger, "cdc.go", "Run", "deleting "+entityType+" "+qbId, realmId, err)
					continue
				}
				stats.Deleted++
				continue
			}

			row, err := PrepareEntity(raw, entityType, realmId)
			if err != nil {
				stats.Errors++
				config.LogError(s.logger, "cdc.go", "Run", "preparing "+entityType+" "+entityIdForLog(raw), realmId, err)
				continue
			}
			if row == nil {
				continue
			}
			created, err := upsertEntityRow(ctx, db, entityType, row)
			if err != nil {
				stats.Errors++
				config.LogError(s.logger, "cdc.go", "Run", "upserting "+entityType+" "+entityIdForLog(raw), realmId, err)
				continue
			}
			if created {
				stats.Created++
			} else {
				stats.Updated++
			}
		}
	}

	// The checkpoint advances to the fetch start time even on a zero-change
	// window, so the next run never re-scans it. Per-item errors do not
	// demote the run: the batch fetch itself succeeded.
	logRow := models.QbSyncLog{
		RealmId:       realmId,
		SyncType:      models.SyncLogTypeCDC,
		Status:        models.SyncLogStatusSuccess,
		EntityScope:   scope,
		SyncStartedAt: started,
		TotalChanges:  stats.TotalChanges(),
		CreatedCount:  stats.Created,
		UpdatedCount:  stats.Updated,
		DeletedCount:  stats.Deleted,
		ErrorCount:    stats.Errors,
		DurationMs:    time.Since(started).Milliseconds(),
	}
	if err := db.WithContext(ctx).Create(&logRow).Error; err != nil {
		return CDCResult{}, err
	}

	return CDCResult{
		Stats:          stats,
		DurationMs:     logRow.DurationMs,
		EntitiesSynced: synced,
	}, nil
}

// UpsertEntity applies one normalized row outside a capture sweep, with the
// same idempotent (realm_id, qb_id) semantics.
func UpsertEntity(ctx context.Context, db *gorm.DB, entityType string, row EntityRow) (bool, error) {
	return upsertEntityRow(ctx, db, entityType, row)
}

// upsertEntityRow applies one normalized row idempotently on
// (realm_id, qb_id). Returns whether a new row was created.
func upsertEntityRow(ctx context.Context, db *gorm.DB, entityType string, row EntityRow) (bool, error) {
	info, ok := models.LookupEntityType(entityType)
	if !ok {
		return false, errors.New("unsupported entity type: " + entityType)
	}
	realmId, qbId := row.EntityKey()

	existing := info.NewRow()
	err := db.WithContext(ctx).
		Where("realm_id = ? AND qb_id = ?", realmId, qbId).
		Take(existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, db.WithContext(ctx).Create(row).Error
	}
	if err != nil {
		return false, err
	}
	// Keep the surrogate id (and create time) stable across re-applies.
	// reconciliation_id is local linkage state, never present in the
	// normalized payload, so a re-apply must not clear it.
	return false, db.WithContext(ctx).Model(existing).
		Select("*").Omit("id", "created_at", "reconciliation_id").
		Updates(row).Error
}

// deleteEntityRow hard-deletes by external id; the source of truth already
// removed the record, so no tombstone row is kept.
func deleteEntityRow(ctx context.Context, db *gorm.DB, entityType string, realmId, qbId string) error {
	info, ok := models.LookupEntityType(entityType)
	if !ok {
		return errors.New("unsupported entity type: " + entityType)
	}
	return db.WithContext(ctx).
		Where("realm_id = ? AND qb_id = ?", realmId, qbId).
		Delete(info.NewRow()).Error
}
