package reconcile

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func parseReconciliationId(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, errors.New("invalid reconciliation id")
	}
	return uint(id), nil
}

// ListHandler returns reconciliation rows for a realm, optionally filtered
// by match status.
func ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		realmId := strings.TrimSpace(c.Query("realmId"))
		if realmId == "" {
			realmId = strings.TrimSpace(c.Query("realm_id"))
		}
		if realmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "realmId is required"})
			return
		}

		c.Request = c.Request.WithContext(utils.SetRealmIdInContext(c.Request.Context(), realmId))
		ctx := c.Request.Context()
		query := config.GetDB().WithContext(ctx).Where("realm_id = ?", realmId)
		if status := strings.TrimSpace(c.Query("status")); status != "" {
			query = query.Where("match_status = ?", status)
		}

		var recs []models.InvoiceReconciliation
		if err := query.Order("id asc").Find(&recs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"realmId": realmId, "reconciliations": recs})
	}
}

// ScanHandler recomputes match status for every reconciliation in a realm.
func ScanHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		realmId := strings.TrimSpace(c.Query("realmId"))
		if realmId == "" {
			realmId = strings.TrimSpace(c.Query("realm_id"))
		}
		if realmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "realmId is required"})
			return
		}

		c.Request = c.Request.WithContext(utils.SetRealmIdInContext(c.Request.Context(), realmId))
		ctx := c.Request.Context()
		checked, err := e.ScanDrift(ctx, config.GetDB(), realmId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "checked": checked})
			return
		}
		c.JSON(http.StatusOK, gin.H{"realmId": realmId, "checked": checked})
	}
}

// CreateInvoiceHandler creates the missing QuickBooks invoice for one
// no_qb_invoice reconciliation.
func CreateInvoiceHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseReconciliationId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := e.CreateInvoice(c.Request.Context(), config.GetDB(), id)
		if err != nil {
			switch {
			case errors.Is(err, ErrReconciliationNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, ErrPreconditionFailed):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

type bulkUpdateRequest struct {
	InvoiceIds   []string        `json:"invoiceIds"`
	TargetAmount decimal.Decimal `json:"targetAmount"`
}

// BulkUpdateHandler redistributes a target amount across the invoices of one
// amount_mismatch reconciliation. Partial failure still returns 200; the
// body carries per-invoice outcomes.
func BulkUpdateHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseReconciliationId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req bulkUpdateRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		result, err := e.BulkUpdateInvoices(c.Request.Context(), config.GetDB(), id, req.InvoiceIds, req.TargetAmount)
		if err != nil {
			switch {
			case errors.Is(err, ErrReconciliationNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, ErrPreconditionFailed):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
