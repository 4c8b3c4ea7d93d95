package qbsync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"gorm.io/gorm"
)

// VerifyEntityCounts compares the remote record count with the local table
// count for each requested entity type. A count mismatch is a signal to run a
// full sync for that entity, not an error.
func VerifyEntityCounts(ctx context.Context, client *Client, db *gorm.DB, realmId string, requested []string) ([]VerifyEntityCount, error) {
	entityTypes, unsupported := ResolveEntityTypes(requested)
	if len(unsupported) > 0 {
		return nil, fmt.Errorf("%w: unsupported entity types %v", ErrInvalidInput, unsupported)
	}

	results := make([]VerifyEntityCount, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		info, _ := models.LookupEntityType(entityType)

		qbCount, err := client.CountEntities(ctx, realmId, info.QbEntity, "")
		if err != nil {
			return nil, fmt.Errorf("counting %s in quickbooks: %w", entityType, err)
		}

		var localCount int64
		if err := db.WithContext(ctx).Table(info.TableName).
			Where("realm_id = ?", realmId).
			Count(&localCount).Error; err != nil {
			return nil, fmt.Errorf("counting local %s rows: %w", entityType, err)
		}

		results = append(results, VerifyEntityCount{
			EntityType: entityType,
			QbCount:    qbCount,
			LocalCount: int(localCount),
			Match:      qbCount == int(localCount),
		})
	}
	return results, nil
}
