package qbsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
)

// cdcLockTTL guards against overlapping change-data-capture runs for the
// same realm across service instances.
const cdcLockTTL = 2 * time.Minute

func resolveRealmId(c *gin.Context) (string, error) {
	realmId := strings.TrimSpace(c.Query("realmId"))
	if realmId == "" {
		realmId = strings.TrimSpace(c.Query("realm_id"))
	}
	if realmId == "" {
		realmId = strings.TrimSpace(c.GetHeader("X-Realm-Id"))
	}
	if realmId == "" {
		return "", errors.New("realmId is required")
	}
	return realmId, nil
}

func parseJobId(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, errors.New("invalid job id")
	}
	return uint(id), nil
}

func StartSyncHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		c.Request = c.Request.WithContext(utils.SetRealmIdInContext(c.Request.Context(), req.RealmId))
		ctx := c.Request.Context()
		db := config.GetDB()

		job, err := s.CreateSyncJob(ctx, db, req)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidInput):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, ErrNoCredential):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		if err := PublishProcessRequest(ctx, job.ID, req.RealmId); err != nil {
			// The job stays pending; the next process invocation picks it up.
			config.LogError(config.GetLogger(), "handlers.go", "StartSyncHandler", "publishing process request", job.ID, err)
		}

		c.JSON(http.StatusAccepted, StartSyncResponse{JobId: job.ID})
	}
}

func ProcessHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := s.ProcessPending(c.Request.Context(), config.GetDB())
		c.JSON(http.StatusOK, resp)
	}
}

func JobStatusHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := parseJobId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := s.JobStatus(c.Request.Context(), config.GetDB(), jobId)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func CancelJobHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := parseJobId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		job, err := s.CancelJob(c.Request.Context(), config.GetDB(), jobId)
		if err != nil {
			switch {
			case errors.Is(err, ErrJobNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, ErrJobTerminal):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": job.ID, "status": job.Status})
	}
}

func VerifyHandler(client *Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		realmId, err := resolveRealmId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		requested := utils.SplitAndTrim(c.Query("entities"))
		c.Request = c.Request.WithContext(utils.SetRealmIdInContext(c.Request.Context(), realmId))
		ctx := c.Request.Context()

		results, err := VerifyEntityCounts(ctx, client, config.GetDB(), realmId, requested)
		if err != nil {
			if errors.Is(err, ErrInvalidInput) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"realmId": realmId, "entities": results})
	}
}

// CDCHandler runs an on-demand incremental sweep for one realm. A redis lock
// keyed by realm prevents two sweeps from interleaving their checkpoint
// writes.
func CDCHandler(cdc *CDCSyncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		realmId, err := resolveRealmId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		requested := utils.SplitAndTrim(c.Query("entities"))
		if len(requested) > 0 {
			if _, unsupported := ResolveEntityTypes(requested); len(unsupported) > 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported entity types"})
				return
			}
		}

		c.Request = c.Request.WithContext(utils.SetRealmIdInContext(c.Request.Context(), realmId))
		ctx := c.Request.Context()
		lock, err := config.GetRedisLock().Obtain(ctx, "qbcdc:"+realmId, cdcLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			c.JSON(http.StatusConflict, gin.H{"error": "a cdc sync is already running for this realm"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer lock.Release(ctx)

		result, err := cdc.Run(ctx, config.GetDB(), realmId, requested)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
