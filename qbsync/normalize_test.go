package qbsync

import (
	"encoding/json"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
)

func TestPrepareEntity_Customer(t *testing.T) {
	raw := json.RawMessage(`{
		"Id": " 42 ",
		"SyncToken": "3",
		"DisplayName": "Acme Properties",
		"CompanyName": "Acme Pte Ltd",
		"PrimaryEmailAddr": {"Address": "billing@acme.example"},
		"PrimaryPhone": {"FreeFormNumber": "+65 1234 5678"},
		"Balance": 1250.75,
		"Active": true,
		"MetaData": {"CreateTime": "2024-01-15T08:30:00Z", "LastUpdatedTime": "2024-06-01T10:00:00Z"}
	}`)

	row, err := PrepareEntity(raw, models.EntityTypeCustomer, "realm-1")
	if err != nil {
		t.Fatalf("PrepareEntity error: %v", err)
	}
	customer, ok := row.(*models.QbCustomer)
	if !ok {
		t.Fatalf("expected *models.QbCustomer, got %T", row)
	}
	if customer.QbId != "42" {
		t.Fatalf("expected trimmed qb id 42, got %q", customer.QbId)
	}
	if customer.RealmId != "realm-1" {
		t.Fatalf("expected realm-1, got %q", customer.RealmId)
	}
	if customer.Email != "billing@acme.example" {
		t.Fatalf("expected email, got %q", customer.Email)
	}
	if customer.Balance.String() != "1250.75" {
		t.Fatalf("expected balance 1250.75, got %s", customer.Balance)
	}
	if customer.QbCreatedAt == nil || customer.QbUpdatedAt == nil {
		t.Fatalf("expected metadata timestamps to parse")
	}

	realmId, qbId := customer.EntityKey()
	if realmId != "realm-1" || qbId != "42" {
		t.Fatalf("unexpected entity key (%s, %s)", realmId, qbId)
	}
}

func TestPrepareEntity_InvoiceAmounts(t *testing.T) {
	raw := json.RawMessage(`{
		"Id": "301",
		"SyncToken": "0",
		"DocNumber": "INV-2024-06",
		"TxnDate": "2024-06-01",
		"DueDate": "2024-06-15",
		"TotalAmt": 333.34,
		"Balance": 100,
		"CustomerRef": {"value": "42", "name": "Acme"},
		"MetaData": {"LastUpdatedTime": "2024-06-02T00:00:00Z"}
	}`)

	row, err := PrepareEntity(raw, models.EntityTypeInvoice, "realm-1")
	if err != nil {
		t.Fatalf("PrepareEntity error: %v", err)
	}
	invoice := row.(*models.QbInvoice)
	if invoice.TotalAmt.String() != "333.34" {
		t.Fatalf("expected total 333.34, got %s", invoice.TotalAmt)
	}
	if invoice.Balance.String() != "100" {
		t.Fatalf("expected balance 100, got %s", invoice.Balance)
	}
	if invoice.CustomerQbId != "42" {
		t.Fatalf("expected customer ref 42, got %q", invoice.CustomerQbId)
	}
	if invoice.TxnDate == nil || invoice.DueDate == nil {
		t.Fatalf("expected date-only txn and due dates to parse")
	}
}

func TestPrepareEntity_DefensiveParsing(t *testing.T) {
	// Missing Active means active; missing amounts and malformed dates
	// degrade to zero values instead of failing the record.
	raw := json.RawMessage(`{
		"Id": "7",
		"DisplayName": "No Extras",
		"MetaData": {"LastUpdatedTime": "garbage"}
	}`)

	row, err := PrepareEntity(raw, models.EntityTypeCustomer, "realm-1")
	if err != nil {
		t.Fatalf("PrepareEntity error: %v", err)
	}
	customer := row.(*models.QbCustomer)
	if !customer.Active {
		t.Fatalf("expected missing Active to default to true")
	}
	if !customer.Balance.IsZero() {
		t.Fatalf("expected malformed balance to normalize to zero, got %s", customer.Balance)
	}
	if customer.QbUpdatedAt != nil {
		t.Fatalf("expected malformed timestamp to normalize to nil")
	}
}

func TestPrepareEntity_MissingId(t *testing.T) {
	raw := json.RawMessage(`{"DisplayName": "No Id"}`)
	if _, err := PrepareEntity(raw, models.EntityTypeCustomer, "realm-1"); !errors.Is(err, errMissingId) {
		t.Fatalf("expected missing-id error, got %v", err)
	}
	raw = json.RawMessage(`{"Id": "   "}`)
	if _, err := PrepareEntity(raw, models.EntityTypeInvoice, "realm-1"); !errors.Is(err, errMissingId) {
		t.Fatalf("expected missing-id error for blank id, got %v", err)
	}
}

func TestPrepareEntity_UnsupportedTypeIsSkipped(t *testing.T) {
	row, err := PrepareEntity(json.RawMessage(`{"Id": "1"}`), "journalentry", "realm-1")
	if err != nil {
		t.Fatalf("expected unsupported type to be skipped, got error %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil row for unsupported type, got %T", row)
	}
}

func TestPrepareEntity_AllSupportedTypes(t *testing.T) {
	for _, entityType := range models.SupportedEntityTypes() {
		row, err := PrepareEntity(json.RawMessage(`{"Id": "99"}`), entityType, "realm-1")
		if err != nil {
			t.Fatalf("PrepareEntity(%s) error: %v", entityType, err)
		}
		if row == nil {
			t.Fatalf("PrepareEntity(%s) returned no row", entityType)
		}
		realmId, qbId := row.EntityKey()
		if realmId != "realm-1" || qbId != "99" {
			t.Fatalf("PrepareEntity(%s) key (%s, %s)", entityType, realmId, qbId)
		}
	}
}

func TestIsTombstone(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantId   string
		wantTomb bool
	}{
		{"deleted", `{"Id": "15", "status": "Deleted"}`, "15", true},
		{"case insensitive", `{"Id": "16", "status": "deleted"}`, "16", true},
		{"live record", `{"Id": "17", "DisplayName": "Still Here"}`, "", false},
		{"other status", `{"Id": "18", "status": "Voided"}`, "", false},
		{"malformed", `not json`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, tomb := IsTombstone(json.RawMessage(tc.raw))
			if tomb != tc.wantTomb || id != tc.wantId {
				t.Fatalf("IsTombstone(%s) = (%q, %v), want (%q, %v)", tc.raw, id, tomb, tc.wantId, tc.wantTomb)
			}
		})
	}
}
