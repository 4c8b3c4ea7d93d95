package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity type keys as used in job rows, CDC stats and the trigger API.
const (
	EntityTypeCustomer    = "customer"
	EntityTypeVendor      = "vendor"
	EntityTypeAccount     = "account"
	EntityTypeInvoice     = "invoice"
	EntityTypePayment     = "payment"
	EntityTypeBill        = "bill"
	EntityTypeCompanyInfo = "company_info"
	EntityTypeClass       = "class"
	EntityTypeDepartment  = "department"
	EntityTypeItem        = "item"
	EntityTypeEmployee    = "employee"
)

// Every normalized table is keyed by (realm_id, qb_id); upserts are
// idempotent on that key and tombstones hard-delete by the same key.

type QbCustomer struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	RealmId     string          `gorm:"uniqueIndex:idx_qb_customer,priority:1;size:64;not null" json:"realm_id"`
	QbId        string          `gorm:"uniqueIndex:idx_qb_customer,priority:2;size:64;not null" json:"qb_id"`
	SyncToken   string          `gorm:"size:20" json:"sync_token"`
	DisplayName string          `gorm:"size:255" json:"display_name"`
	CompanyName string          `gorm:"size:255" json:"company_name"`
	Email       string          `gorm:"size:255" json:"email"`
	Phone       string          `gorm:"size:50" json:"phone"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	Active      bool            `gorm:"default:true" json:"active"`
	QbCreatedAt *time.Time      `json:"qb_created_at"`
	QbUpdatedAt *time.Time      `json:"qb_updated_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbVendor struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	RealmId     string          `gorm:"uniqueIndex:idx_qb_vendor,priority:1;size:64;not null" json:"realm_id"`
	QbId        string          `gorm:"uniqueIndex:idx_qb_vendor,priority:2;size:64;not null" json:"qb_id"`
	SyncToken   string          `gorm:"size:20" json:"sync_token"`
	DisplayName string          `gorm:"size:255" json:"display_name"`
	CompanyName string          `gorm:"size:255" json:"company_name"`
	Email       string          `gorm:"size:255" json:"email"`
	Phone       string          `gorm:"size:50" json:"phone"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	Active      bool            `gorm:"default:true" json:"active"`
	QbUpdatedAt *time.Time      `json:"qb_updated_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbAccount struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	RealmId        string          `gorm:"uniqueIndex:idx_qb_account,priority:1;size:64;not null" json:"realm_id"`
	QbId           string          `gorm:"uniqueIndex:idx_qb_account,priority:2;size:64;not null" json:"qb_id"`
	SyncToken      string          `gorm:"size:20" json:"sync_token"`
	Name           string          `gorm:"size:255" json:"name"`
	AccountType    string          `gorm:"size:100" json:"account_type"`
	AccountSubType string          `gorm:"size:100" json:"account_sub_type"`
	Classification string          `gorm:"size:50" json:"classification"`
	CurrentBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_balance"`
	Active         bool            `gorm:"default:true" json:"active"`
	QbUpdatedAt    *time.Time      `json:"qb_updated_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbInvoice struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	RealmId          string          `gorm:"uniqueIndex:idx_qb_invoice,priority:1;size:64;not null" json:"realm_id"`
	QbId             string          `gorm:"uniqueIndex:idx_qb_invoice,priority:2;size:64;not null" json:"qb_id"`
	SyncToken        string          `gorm:"size:20" json:"sync_token"`
	DocNumber        string          `gorm:"size:50;index" json:"doc_number"`
	CustomerQbId     string          `gorm:"size:64;index" json:"customer_qb_id"`
	TxnDate          *time.Time      `json:"txn_date"`
	DueDate          *time.Time      `json:"due_date"`
	TotalAmt         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amt"`
	Balance          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	PrivateNote      string          `gorm:"type:text" json:"private_note"`
	ReconciliationId *uint           `gorm:"index" json:"reconciliation_id"`
	QbUpdatedAt      *time.Time      `json:"qb_updated_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbPayment struct {
	ID           uint            `gorm:"primary_key" json:"id"`
	RealmId      string          `gorm:"uniqueIndex:idx_qb_payment,priority:1;size:64;not null" json:"realm_id"`
	QbId         string          `gorm:"uniqueIndex:idx_qb_payment,priority:2;size:64;not null" json:"qb_id"`
	SyncToken    string          `gorm:"size:20" json:"sync_token"`
	CustomerQbId string          `gorm:"size:64;index" json:"customer_qb_id"`
	TxnDate      *time.Time      `json:"txn_date"`
	TotalAmt     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amt"`
	UnappliedAmt decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unapplied_amt"`
	QbUpdatedAt  *time.Time      `json:"qb_updated_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbBill struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	RealmId     string          `gorm:"uniqueIndex:idx_qb_bill,priority:1;size:64;not null" json:"realm_id"`
	QbId        string          `gorm:"uniqueIndex:idx_qb_bill,priority:2;size:64;not null" json:"qb_id"`
	SyncToken   string          `gorm:"size:20" json:"sync_token"`
	VendorQbId  string          `gorm:"size:64;index" json:"vendor_qb_id"`
	TxnDate     *time.Time      `json:"txn_date"`
	DueDate     *time.Time      `json:"due_date"`
	TotalAmt    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amt"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	QbUpdatedAt *time.Time      `json:"qb_updated_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbCompanyInfo struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	RealmId     string     `gorm:"uniqueIndex:idx_qb_company_info,priority:1;size:64;not null" json:"realm_id"`
	QbId        string     `gorm:"uniqueIndex:idx_qb_company_info,priority:2;size:64;not null" json:"qb_id"`
	SyncToken   string     `gorm:"size:20" json:"sync_token"`
	CompanyName string     `gorm:"size:255" json:"company_name"`
	LegalName   string     `gorm:"size:255" json:"legal_name"`
	Country     string     `gorm:"size:50" json:"country"`
	Email       string     `gorm:"size:255" json:"email"`
	QbUpdatedAt *time.Time `json:"qb_updated_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbClass struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	RealmId            string     `gorm:"uniqueIndex:idx_qb_class,priority:1;size:64;not null" json:"realm_id"`
	QbId               string     `gorm:"uniqueIndex:idx_qb_class,priority:2;size:64;not null" json:"qb_id"`
	SyncToken          string     `gorm:"size:20" json:"sync_token"`
	Name               string     `gorm:"size:255" json:"name"`
	FullyQualifiedName string     `gorm:"size:255" json:"fully_qualified_name"`
	Active             bool       `gorm:"default:true" json:"active"`
	QbUpdatedAt        *time.Time `json:"qb_updated_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbDepartment struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	RealmId            string     `gorm:"uniqueIndex:idx_qb_department,priority:1;size:64;not null" json:"realm_id"`
	QbId               string     `gorm:"uniqueIndex:idx_qb_department,priority:2;size:64;not null" json:"qb_id"`
	SyncToken          string     `gorm:"size:20" json:"sync_token"`
	Name               string     `gorm:"size:255" json:"name"`
	FullyQualifiedName string     `gorm:"size:255" json:"fully_qualified_name"`
	Active             bool       `gorm:"default:true" json:"active"`
	QbUpdatedAt        *time.Time `json:"qb_updated_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbItem struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	RealmId     string          `gorm:"uniqueIndex:idx_qb_item,priority:1;size:64;not null" json:"realm_id"`
	QbId        string          `gorm:"uniqueIndex:idx_qb_item,priority:2;size:64;not null" json:"qb_id"`
	SyncToken   string          `gorm:"size:20" json:"sync_token"`
	Name        string          `gorm:"size:255" json:"name"`
	Type        string          `gorm:"size:50" json:"type"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Active      bool            `gorm:"default:true" json:"active"`
	QbUpdatedAt *time.Time      `json:"qb_updated_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type QbEmployee struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	RealmId     string     `gorm:"uniqueIndex:idx_qb_employee,priority:1;size:64;not null" json:"realm_id"`
	QbId        string     `gorm:"uniqueIndex:idx_qb_employee,priority:2;size:64;not null" json:"qb_id"`
	SyncToken   string     `gorm:"size:20" json:"sync_token"`
	DisplayName string     `gorm:"size:255" json:"display_name"`
	GivenName   string     `gorm:"size:100" json:"given_name"`
	FamilyName  string     `gorm:"size:100" json:"family_name"`
	Email       string     `gorm:"size:255" json:"email"`
	Active      bool       `gorm:"default:true" json:"active"`
	QbUpdatedAt *time.Time `json:"qb_updated_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r *QbCustomer) EntityKey() (string, string)    { return r.RealmId, r.QbId }
func (r *QbVendor) EntityKey() (string, string)      { return r.RealmId, r.QbId }
func (r *QbAccount) EntityKey() (string, string)     { return r.RealmId, r.QbId }
func (r *QbInvoice) EntityKey() (string, string)     { return r.RealmId, r.QbId }
func (r *QbPayment) EntityKey() (string, string)     { return r.RealmId, r.QbId }
func (r *QbBill) EntityKey() (string, string)        { return r.RealmId, r.QbId }
func (r *QbCompanyInfo) EntityKey() (string, string) { return r.RealmId, r.QbId }
func (r *QbClass) EntityKey() (string, string)       { return r.RealmId, r.QbId }
func (r *QbDepartment) EntityKey() (string, string)  { return r.RealmId, r.QbId }
func (r *QbItem) EntityKey() (string, string)        { return r.RealmId, r.QbId }
func (r *QbEmployee) EntityKey() (string, string)    { return r.RealmId, r.QbId }

// EntityTypeInfo binds an entity type key to its QuickBooks API entity name,
// its local table, and a fresh row prototype for deletes and counts.
type EntityTypeInfo struct {
	QbEntity  string
	TableName string
	NewRow    func() any
}

var entityTypeRegistry = map[string]EntityTypeInfo{
	EntityTypeCustomer:    {QbEntity: "Customer", TableName: "qb_customers", NewRow: func() any { return &QbCustomer{} }},
	EntityTypeVendor:      {QbEntity: "Vendor", TableName: "qb_vendors", NewRow: func() any { return &QbVendor{} }},
	EntityTypeAccount:     {QbEntity: "Account", TableName: "qb_accounts", NewRow: func() any { return &QbAccount{} }},
	EntityTypeInvoice:     {QbEntity: "Invoice", TableName: "qb_invoices", NewRow: func() any { return &QbInvoice{} }},
	EntityTypePayment:     {QbEntity: "Payment", TableName: "qb_payments", NewRow: func() any { return &QbPayment{} }},
	EntityTypeBill:        {QbEntity: "Bill", TableName: "qb_bills", NewRow: func() any { return &QbBill{} }},
	EntityTypeCompanyInfo: {QbEntity: "CompanyInfo", TableName: "qb_company_infos", NewRow: func() any { return &QbCompanyInfo{} }},
	EntityTypeClass:       {QbEntity: "Class", TableName: "qb_classes", NewRow: func() any { return &QbClass{} }},
	EntityTypeDepartment:  {QbEntity: "Department", TableName: "qb_departments", NewRow: func() any { return &QbDepartment{} }},
	EntityTypeItem:        {QbEntity: "Item", TableName: "qb_items", NewRow: func() any { return &QbItem{} }},
	EntityTypeEmployee:    {QbEntity: "Employee", TableName: "qb_employees", NewRow: func() any { return &QbEmployee{} }},
}

// syncOrder keeps reference entities ahead of the transactions that point at
// them during a full backfill.
var syncOrder = []string{
	EntityTypeCompanyInfo,
	EntityTypeAccount,
	EntityTypeClass,
	EntityTypeDepartment,
	EntityTypeItem,
	EntityTypeCustomer,
	EntityTypeVendor,
	EntityTypeEmployee,
	EntityTypeInvoice,
	EntityTypePayment,
	EntityTypeBill,
}

func SupportedEntityTypes() []string {
	out := make([]string, len(syncOrder))
	copy(out, syncOrder)
	return out
}

func LookupEntityType(entityType string) (EntityTypeInfo, bool) {
	info, ok := entityTypeRegistry[entityType]
	return info, ok
}

// EntityTypeForQbEntity reverses the registry for CDC responses, which key
// changes by QuickBooks entity name.
func EntityTypeForQbEntity(qbEntity string) (string, bool) {
	for key, info := range entityTypeRegistry {
		if info.QbEntity == qbEntity {
			return key, true
		}
	}
	return "", false
}
