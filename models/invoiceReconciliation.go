package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MatchStatusMatched          = "matched"
	MatchStatusAmountMismatch   = "amount_mismatch"
	MatchStatusNoQbInvoice      = "no_qb_invoice"
	MatchStatusMultipleInvoices = "multiple_invoices"
	MatchStatusNoLtAmount       = "no_lt_amount"
)

// InvoiceReconciliation compares the authoritative lease-ledger amount for
// one (lease, billing period) against the QuickBooks invoices linked to it.
// match_status is always recomputed from the post-action invoice set after
// any corrective write, never left stale.
type InvoiceReconciliation struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	RealmId        string          `gorm:"uniqueIndex:idx_invoice_reconciliation,priority:1;size:64;not null" json:"realm_id"`
	LeaseRef       string          `gorm:"uniqueIndex:idx_invoice_reconciliation,priority:2;size:100;not null" json:"lease_ref"`
	CustomerQbId   string          `gorm:"size:64;index" json:"customer_qb_id"`
	BillingMonth   string          `gorm:"uniqueIndex:idx_invoice_reconciliation,priority:3;size:7;not null" json:"billing_month"`
	LtAmount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"lt_amount"`
	QbTotalAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qb_total_amount"`
	QbTotalBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qb_total_balance"`
	MatchStatus    string          `gorm:"size:30;index;not null" json:"match_status"`
	LastCheckedAt  *time.Time      `json:"last_checked_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
