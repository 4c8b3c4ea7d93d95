package qbsync

import (
	"strings"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
)

type StartSyncRequest struct {
	RealmId   string   `json:"realmId" binding:"required"`
	SyncType  string   `json:"syncType" binding:"required"`
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
	Entities  []string `json:"entities"`
}

type StartSyncResponse struct {
	JobId uint `json:"jobId"`
}

type ProcessResponse struct {
	Processed int      `json:"processed"`
	ElapsedMs int64    `json:"elapsedMs"`
	Errors    []string `json:"errors"`
}

type EntityJobStatus struct {
	EntityType     string `json:"entityType"`
	Status         string `json:"status"`
	TotalCount     int    `json:"totalCount"`
	ProcessedCount int    `json:"processedCount"`
	ErrorCount     int    `json:"errorCount"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

type JobStatusResponse struct {
	ID                uint              `json:"id"`
	RealmId           string            `json:"realmId"`
	Status            string            `json:"status"`
	SyncType          string            `json:"syncType"`
	ProgressPercent   int               `json:"progressPercent"`
	ElapsedMs         int64             `json:"elapsedMs"`
	TotalEntities     int               `json:"totalEntities"`
	CompletedEntities int               `json:"completedEntities"`
	FailedEntities    int               `json:"failedEntities"`
	TotalRecords      int               `json:"totalRecords"`
	ProcessedRecords  int               `json:"processedRecords"`
	ErrorRecords      int               `json:"errorRecords"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	EntityJobs        []EntityJobStatus `json:"entityJobs"`
}

type CDCStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

func (s CDCStats) TotalChanges() int {
	return s.Created + s.Updated + s.Deleted
}

type CDCResult struct {
	Stats          CDCStats `json:"stats"`
	DurationMs     int64    `json:"durationMs"`
	EntitiesSynced []string `json:"entitiesSynced"`
}

type VerifyEntityCount struct {
	EntityType string `json:"entityType"`
	QbCount    int    `json:"qbCount"`
	LocalCount int    `json:"localCount"`
	Match      bool   `json:"match"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type ProcessPubSubPayload struct {
	JobId   uint   `json:"job_id"`
	RealmId string `json:"realm_id"`
}

// ResolveEntityTypes normalizes a requested entity list, deduplicated and
// lowercased. An empty request means the full supported set. Unsupported
// names are reported back so the caller can reject the request instead of
// silently dropping work.
func ResolveEntityTypes(requested []string) (resolved []string, unsupported []string) {
	if len(requested) == 0 {
		return models.SupportedEntityTypes(), nil
	}
	seen := make(map[string]struct{}, len(requested))
	for _, raw := range requested {
		entityType := strings.ToLower(strings.TrimSpace(raw))
		if entityType == "" {
			continue
		}
		if _, dup := seen[entityType]; dup {
			continue
		}
		seen[entityType] = struct{}{}
		if _, ok := models.LookupEntityType(entityType); !ok {
			unsupported = append(unsupported, entityType)
			continue
		}
		resolved = append(resolved, entityType)
	}
	return resolved, unsupported
}
