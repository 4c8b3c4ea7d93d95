package qbsync

import (
	"testing"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
)

func TestResolveEntityTypes_EmptyMeansFullSet(t *testing.T) {
	resolved, unsupported := ResolveEntityTypes(nil)
	if len(unsupported) != 0 {
		t.Fatalf("unexpected unsupported types: %v", unsupported)
	}
	if len(resolved) != len(models.SupportedEntityTypes()) {
		t.Fatalf("expected the full supported set, got %v", resolved)
	}
	// Reference entities come before the transactions that point at them.
	pos := make(map[string]int, len(resolved))
	for i, entityType := range resolved {
		pos[entityType] = i
	}
	if pos[models.EntityTypeCustomer] > pos[models.EntityTypeInvoice] {
		t.Fatalf("customers must sync before invoices: %v", resolved)
	}
	if pos[models.EntityTypeVendor] > pos[models.EntityTypeBill] {
		t.Fatalf("vendors must sync before bills: %v", resolved)
	}
}

func TestResolveEntityTypes_NormalizesAndDeduplicates(t *testing.T) {
	resolved, unsupported := ResolveEntityTypes([]string{" Customer ", "INVOICE", "customer", "", "  "})
	if len(unsupported) != 0 {
		t.Fatalf("unexpected unsupported types: %v", unsupported)
	}
	if len(resolved) != 2 || resolved[0] != "customer" || resolved[1] != "invoice" {
		t.Fatalf("expected [customer invoice], got %v", resolved)
	}
}

func TestResolveEntityTypes_ReportsUnsupported(t *testing.T) {
	resolved, unsupported := ResolveEntityTypes([]string{"customer", "journalentry", "bogus"})
	if len(resolved) != 1 || resolved[0] != "customer" {
		t.Fatalf("expected [customer], got %v", resolved)
	}
	if len(unsupported) != 2 || unsupported[0] != "journalentry" || unsupported[1] != "bogus" {
		t.Fatalf("expected [journalentry bogus], got %v", unsupported)
	}
}

func TestCDCStatsTotalChanges(t *testing.T) {
	stats := CDCStats{Created: 3, Updated: 5, Deleted: 2, Errors: 7}
	if stats.TotalChanges() != 10 {
		t.Fatalf("expected 10 changes (errors excluded), got %d", stats.TotalChanges())
	}
}
