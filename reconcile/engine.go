package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"bitbucket.org/mmdatafocus/qbsync_backend/qbsync"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// defaultWriteDelay spaces consecutive QuickBooks writes in a bulk update so
// a large reconciliation does not trip the per-minute throttle.
const defaultWriteDelay = 500 * time.Millisecond

var (
	ErrReconciliationNotFound = errors.New("reconciliation not found")
	ErrPreconditionFailed     = errors.New("reconciliation is not in the required state for this action")
)

type EngineConfig struct {
	// ItemRef is the QuickBooks item used on generated invoice lines.
	ItemRef    string
	WriteDelay time.Duration
}

func EngineConfigFromEnv() EngineConfig {
	itemRef := strings.TrimSpace(os.Getenv("QB_RENT_ITEM_REF"))
	if itemRef == "" {
		itemRef = "1"
	}
	return EngineConfig{
		ItemRef:    itemRef,
		WriteDelay: defaultWriteDelay,
	}
}

// Engine performs corrective writes against QuickBooks for reconciliation
// rows: creating the missing invoice, or redistributing invoice amounts to
// match the authoritative ledger total.
type Engine struct {
	cfg    EngineConfig
	client *qbsync.Client
	logger *logrus.Logger
}

func NewEngine(cfg EngineConfig, client *qbsync.Client, logger *logrus.Logger) *Engine {
	if cfg.ItemRef == "" {
		cfg.ItemRef = "1"
	}
	if cfg.WriteDelay <= 0 {
		cfg.WriteDelay = defaultWriteDelay
	}
	return &Engine{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

type InvoiceUpdateResult struct {
	QbInvoiceId string `json:"qbInvoiceId"`
	OldAmount   string `json:"oldAmount"`
	NewAmount   string `json:"newAmount"`
	Skipped     bool   `json:"skipped"`
	Error       string `json:"error,omitempty"`
}

type BulkUpdateResult struct {
	Success      bool                  `json:"success"`
	UpdatedCount int                   `json:"updatedCount"`
	SkippedCount int                   `json:"skippedCount"`
	FailedCount  int                   `json:"failedCount"`
	MatchStatus  string                `json:"matchStatus"`
	Results      []InvoiceUpdateResult `json:"results"`
}

// CreateInvoice creates the missing QuickBooks invoice for a reconciliation
// in no_qb_invoice state, links the new invoice locally, and recomputes the
// match status.
func (e *Engine) CreateInvoice(ctx context.Context, db *gorm.DB, reconciliationId uint) (*models.InvoiceReconciliation, error) {
	rec, err := loadReconciliation(ctx, db, reconciliationId)
	if err != nil {
		return nil, err
	}
	if rec.MatchStatus != models.MatchStatusNoQbInvoice {
		return nil, fmt.Errorf("%w: status is %s, want %s", ErrPreconditionFailed, rec.MatchStatus, models.MatchStatusNoQbInvoice)
	}
	if rec.CustomerQbId == "" {
		return nil, fmt.Errorf("%w: reconciliation has no linked customer", ErrPreconditionFailed)
	}
	if rec.LtAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ledger amount must be positive", ErrPreconditionFailed)
	}

	amount := rec.LtAmount.Round(2)
	payload := map[string]any{
		"CustomerRef": map[string]any{"value": rec.CustomerQbId},
		"Line": []map[string]any{
			{
				"DetailType":  "SalesItemLineDetail",
				"Amount":      amount.InexactFloat64(),
				"Description": fmt.Sprintf("Rent %s (%s)", rec.BillingMonth, rec.LeaseRef),
				"SalesItemLineDetail": map[string]any{
					"ItemRef": map[string]any{"value": e.cfg.ItemRef},
				},
			},
		},
		"PrivateNote": fmt.Sprintf("lease:%s month:%s", rec.LeaseRef, rec.BillingMonth),
	}

	raw, err := e.client.CreateInvoice(ctx, rec.RealmId, payload)
	if err != nil {
		return nil, fmt.Errorf("creating invoice for lease %s: %w", rec.LeaseRef, err)
	}

	row, err := qbsync.PrepareEntity(raw, models.EntityTypeInvoice, rec.RealmId)
	if err != nil {
		return nil, fmt.Errorf("normalizing created invoice: %w", err)
	}
	if _, err := qbsync.UpsertEntity(ctx, db, models.EntityTypeInvoice, row); err != nil {
		return nil, fmt.Errorf("persisting created invoice: %w", err)
	}

	_, qbId := row.EntityKey()
	if err := db.WithContext(ctx).Model(&models.QbInvoice{}).
		Where("realm_id = ? AND qb_id = ?", rec.RealmId, qbId).
		Update("reconciliation_id", rec.ID).Error; err != nil {
		return nil, err
	}

	if err := e.recompute(ctx, db, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// BulkUpdateInvoices redistributes targetAmount across the named invoices of
// an amount_mismatch reconciliation. Empty invoiceIds means every linked
// invoice; a zero targetAmount means the ledger amount. Each invoice keeps
// its share of the original proportions; updates are applied serially with a
// fixed delay and stale-token or transport failures on one invoice do not
// stop the rest. A cancelled context stops issuing new writes but still
// returns the partial result, with the untouched invoices marked failed and
// the match status recomputed over whatever was written.
func (e *Engine) BulkUpdateInvoices(ctx context.Context, db *gorm.DB, reconciliationId uint, invoiceIds []string, targetAmount decimal.Decimal) (*BulkUpdateResult, error) {
	rec, err := loadReconciliation(ctx, db, reconciliationId)
	if err != nil {
		return nil, err
	}
	if rec.MatchStatus != models.MatchStatusAmountMismatch {
		return nil, fmt.Errorf("%w: status is %s, want %s", ErrPreconditionFailed, rec.MatchStatus, models.MatchStatusAmountMismatch)
	}

	linked, err := linkedInvoices(ctx, db, rec)
	if err != nil {
		return nil, err
	}
	if len(linked) == 0 {
		return nil, fmt.Errorf("%w: no invoices linked to reconciliation %d", ErrPreconditionFailed, rec.ID)
	}

	invoices := linked
	if len(invoiceIds) > 0 {
		byQbId := make(map[string]models.QbInvoice, len(linked))
		for _, inv := range linked {
			byQbId[inv.QbId] = inv
		}
		invoices = make([]models.QbInvoice, 0, len(invoiceIds))
		for _, qbId := range invoiceIds {
			inv, ok := byQbId[qbId]
			if !ok {
				return nil, fmt.Errorf("%w: invoice %s is not linked to reconciliation %d", ErrPreconditionFailed, qbId, rec.ID)
			}
			invoices = append(invoices, inv)
		}
	}

	if targetAmount.Sign() == 0 {
		targetAmount = rec.LtAmount
	}
	if targetAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: target amount must be positive", ErrPreconditionFailed)
	}

	amounts := make([]decimal.Decimal, len(invoices))
	for i, inv := range invoices {
		amounts[i] = inv.TotalAmt
	}
	targets := CalculateAmountDistribution(targetAmount, amounts)

	result := BulkUpdateResult{Results: make([]InvoiceUpdateResult, 0, len(invoices))}
	cancelled := false
	for i, inv := range invoices {
		item := InvoiceUpdateResult{
			QbInvoiceId: inv.QbId,
			OldAmount:   inv.TotalAmt.StringFixed(2),
			NewAmount:   targets[i].StringFixed(2),
		}

		if targets[i].Sub(inv.TotalAmt).Abs().LessThan(amountEpsilon) {
			item.Skipped = true
			result.SkippedCount++
			result.Results = append(result.Results, item)
			continue
		}

		if !cancelled && i > 0 {
			select {
			case <-ctx.Done():
				cancelled = true
			case <-time.After(e.cfg.WriteDelay):
			}
		}
		if cancelled {
			// Invoices already written stay written; record the rest as
			// failed so the caller sees exactly how far the run got.
			item.Error = ctx.Err().Error()
			result.FailedCount++
			result.Results = append(result.Results, item)
			continue
		}

		if err := e.updateInvoiceAmount(ctx, db, rec.RealmId, &invoices[i], targets[i]); err != nil {
			item.Error = err.Error()
			result.FailedCount++
			config.LogError(e.logger, "engine.go", "BulkUpdateInvoices", "updating invoice "+inv.QbId, rec.ID, err)
		} else {
			result.UpdatedCount++
		}
		result.Results = append(result.Results, item)
	}

	// Recompute must run even after a cancellation: some invoices may have
	// been rewritten, and the stored match status has to reflect them.
	if err := e.recompute(context.WithoutCancel(ctx), db, rec); err != nil {
		return nil, err
	}
	result.Success = result.FailedCount == 0
	result.MatchStatus = rec.MatchStatus
	return &result, nil
}

// updateInvoiceAmount sends one sparse amount update and refreshes the local
// row from the authoritative response, picking up the advanced SyncToken.
func (e *Engine) updateInvoiceAmount(ctx context.Context, db *gorm.DB, realmId string, inv *models.QbInvoice, amount decimal.Decimal) error {
	payload := map[string]any{
		"Id":        inv.QbId,
		"SyncToken": inv.SyncToken,
		"Line": []map[string]any{
			{
				"DetailType": "SalesItemLineDetail",
				"Amount":     amount.InexactFloat64(),
				"SalesItemLineDetail": map[string]any{
					"ItemRef": map[string]any{"value": e.cfg.ItemRef},
				},
			},
		},
	}

	raw, err := e.client.SparseUpdateInvoice(ctx, realmId, payload)
	if err != nil {
		return err
	}

	row, err := qbsync.PrepareEntity(raw, models.EntityTypeInvoice, realmId)
	if err != nil {
		return fmt.Errorf("normalizing updated invoice: %w", err)
	}
	if _, err := qbsync.UpsertEntity(ctx, db, models.EntityTypeInvoice, row); err != nil {
		return fmt.Errorf("persisting updated invoice: %w", err)
	}
	// The upsert matches on (realm_id, qb_id), so the linkage column written
	// before the update survives; re-assert it anyway in case the row was
	// recreated.
	return db.WithContext(ctx).Model(&models.QbInvoice{}).
		Where("realm_id = ? AND qb_id = ?", realmId, inv.QbId).
		Update("reconciliation_id", inv.ReconciliationId).Error
}

// recompute rereads the linked invoice set and derives the current match
// status and totals. Called after every corrective write so the stored
// status never goes stale.
func (e *Engine) recompute(ctx context.Context, db *gorm.DB, rec *models.InvoiceReconciliation) error {
	invoices, err := linkedInvoices(ctx, db, rec)
	if err != nil {
		return err
	}

	totalAmount := decimal.Zero
	totalBalance := decimal.Zero
	for _, inv := range invoices {
		totalAmount = totalAmount.Add(inv.TotalAmt)
		totalBalance = totalBalance.Add(inv.Balance)
	}

	var status string
	switch {
	case rec.LtAmount.Sign() <= 0:
		status = models.MatchStatusNoLtAmount
	case len(invoices) == 0:
		status = models.MatchStatusNoQbInvoice
	case totalAmount.Sub(rec.LtAmount).Abs().LessThan(amountEpsilon):
		status = models.MatchStatusMatched
	default:
		status = models.MatchStatusAmountMismatch
	}

	now := time.Now()
	rec.QbTotalAmount = totalAmount
	rec.QbTotalBalance = totalBalance
	rec.MatchStatus = status
	rec.LastCheckedAt = &now

	return db.WithContext(ctx).Model(&models.InvoiceReconciliation{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"qb_total_amount":  totalAmount,
			"qb_total_balance": totalBalance,
			"match_status":     status,
			"last_checked_at":  now,
		}).Error
}

func loadReconciliation(ctx context.Context, db *gorm.DB, id uint) (*models.InvoiceReconciliation, error) {
	var rec models.InvoiceReconciliation
	err := db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReconciliationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func linkedInvoices(ctx context.Context, db *gorm.DB, rec *models.InvoiceReconciliation) ([]models.QbInvoice, error) {
	var invoices []models.QbInvoice
	err := db.WithContext(ctx).
		Where("realm_id = ? AND reconciliation_id = ?", rec.RealmId, rec.ID).
		Order("id asc").
		Find(&invoices).Error
	return invoices, err
}

// ScanDrift recomputes match status for every reconciliation row in a realm.
// It is the only path that assigns multiple_invoices; corrective actions
// always resolve back to one of the other states.
func (e *Engine) ScanDrift(ctx context.Context, db *gorm.DB, realmId string) (int, error) {
	var recs []models.InvoiceReconciliation
	if err := db.WithContext(ctx).
		Where("realm_id = ?", realmId).
		Order("id asc").
		Find(&recs).Error; err != nil {
		return 0, err
	}

	checked := 0
	for i := range recs {
		rec := &recs[i]
		invoices, err := linkedInvoices(ctx, db, rec)
		if err != nil {
			return checked, err
		}

		totalAmount := decimal.Zero
		totalBalance := decimal.Zero
		for _, inv := range invoices {
			totalAmount = totalAmount.Add(inv.TotalAmt)
			totalBalance = totalBalance.Add(inv.Balance)
		}

		var status string
		switch {
		case rec.LtAmount.Sign() <= 0:
			status = models.MatchStatusNoLtAmount
		case len(invoices) == 0:
			status = models.MatchStatusNoQbInvoice
		case len(invoices) > 1:
			status = models.MatchStatusMultipleInvoices
		case totalAmount.Sub(rec.LtAmount).Abs().LessThan(amountEpsilon):
			status = models.MatchStatusMatched
		default:
			status = models.MatchStatusAmountMismatch
		}

		now := time.Now()
		if err := db.WithContext(ctx).Model(&models.InvoiceReconciliation{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"qb_total_amount":  totalAmount,
				"qb_total_balance": totalBalance,
				"match_status":     status,
				"last_checked_at":  now,
			}).Error; err != nil {
			return checked, err
		}
		checked++
	}
	return checked, nil
}
