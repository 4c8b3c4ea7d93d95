package qbsync

import (
	"testing"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
)

func TestCheckpointScope(t *testing.T) {
	cases := []struct {
		name  string
		types []string
		want  string
	}{
		{"full set collapses to all", models.SupportedEntityTypes(), models.SyncScopeAll},
		{"subset is sorted", []string{"vendor", "customer"}, "customer,vendor"},
		{"duplicates drop out", []string{"customer", "customer", "bill"}, "bill,customer"},
		{"single type", []string{"invoice"}, "invoice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := checkpointScope(tc.types); got != tc.want {
				t.Fatalf("checkpointScope(%v) = %q, want %q", tc.types, got, tc.want)
			}
		})
	}
}

// Two different narrow sets must never share a scope key: a shared key would
// let one set's checkpoint swallow the other's unfetched window.
func TestCheckpointScopeDistinctSubsets(t *testing.T) {
	a := checkpointScope([]string{"customer"})
	b := checkpointScope([]string{"vendor"})
	if a == b {
		t.Fatalf("distinct subsets mapped to the same scope %q", a)
	}
	if a == models.SyncScopeAll || b == models.SyncScopeAll {
		t.Fatalf("narrow subset mapped to the full scope: %q / %q", a, b)
	}
}
