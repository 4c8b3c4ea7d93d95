package qbsync

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultBatchSize = 100

type ImportResult struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Errors   int `json:"errors"`
}

// Importer runs the paginated historical backfill for one entity type.
// Upsert semantics make it safely re-invocable: resuming after a timeout
// re-applies pages without duplicating records.
type Importer struct {
	client    *Client
	logger    *logrus.Logger
	batchSize int
}

func NewImporter(client *Client, logger *logrus.Logger, batchSize int) *Importer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Importer{client: client, logger: logger, batchSize: batchSize}
}

func (imp *Importer) BatchSize() int {
	return imp.batchSize
}

func dateBoundClause(startDate, endDate *time.Time) string {
	clause := ""
	if startDate != nil {
		clause = fmt.Sprintf("MetaData.LastUpdatedTime >= '%s'", startDate.UTC().Format(time.RFC3339))
	}
	if endDate != nil {
		if clause != "" {
			clause += " AND "
		}
		clause += fmt.Sprintf("MetaData.LastUpdatedTime <= '%s'", endDate.UTC().Format(time.RFC3339))
	}
	return clause
}

// ImportEntity pages through the external API for one entity type, applying
// the normalizer and upserting each record. Per-record failures are counted
// and paging continues; only a failed page fetch aborts with the counts so
// far.
func (imp *Importer) ImportEntity(ctx context.Context, db *gorm.DB, realmId, entityType string, startDate, endDate *time.Time) (ImportResult, error) {
	info, ok := models.LookupEntityType(entityType)
	if !ok {
		return ImportResult{}, fmt.Errorf("unsupported entity type: %s", entityType)
	}

	whereClause := dateBoundClause(startDate, endDate)

	result := ImportResult{}
	if total, err := imp.client.CountEntities(ctx, realmId, info.QbEntity, whereClause); err == nil {
		result.Total = total
	}

	startPosition := 1
	for {
		items, err := imp.client.QueryEntities(ctx, realmId, info.QbEntity, whereClause, startPosition, imp.batchSize)
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			break
		}

		for _, raw := range items {
			row, err := PrepareEntity(raw, entityType, realmId)
			if err != nil {
				result.Errors++
				config.LogError(imp.logger, "importer.go", "ImportEntity", "preparing "+entityType+" "+entityIdForLog(raw), realmId, err)
				continue
			}
			if row == nil {
				continue
			}
			if _, err := upsertEntityRow(ctx, db, entityType, row); err != nil {
				result.Errors++
				config.LogError(imp.logger, "importer.go", "ImportEntity", "upserting "+entityType+" "+entityIdForLog(raw), realmId, err)
				continue
			}
			result.Imported++
		}

		if len(items) < imp.batchSize {
			break
		}
		startPosition += len(items)
	}

	if result.Total < result.Imported {
		result.Total = result.Imported
	}
	return result, nil
}
