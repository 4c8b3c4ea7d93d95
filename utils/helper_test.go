package utils

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSplitAndTrim(t *testing.T) {
	cases := []struct {
		in       string
		expected []string
	}{
		{"", nil},
		{"   ", nil},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , , b ", []string{"a", "b"}},
	}
	for _, tc := range cases {
		got := SplitAndTrim(tc.in)
		if len(got) != len(tc.expected) {
			t.Fatalf("SplitAndTrim(%q) = %v, want %v", tc.in, got, tc.expected)
		}
		for i := range got {
			if got[i] != tc.expected[i] {
				t.Fatalf("SplitAndTrim(%q) = %v, want %v", tc.in, got, tc.expected)
			}
		}
	}
}

func TestDecimalFromNumber(t *testing.T) {
	cases := []struct {
		in       json.Number
		expected string
	}{
		{"", "0"},
		{"0", "0"},
		{"333.34", "333.34"},
		{"-12.5", "-12.5"},
		{"nonsense", "0"},
	}
	for _, tc := range cases {
		if got := DecimalFromNumber(tc.in); got.String() != tc.expected {
			t.Fatalf("DecimalFromNumber(%q) = %s, want %s", tc.in, got, tc.expected)
		}
	}
}

func TestParseTimePtr(t *testing.T) {
	if got := ParseTimePtr(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	if got := ParseTimePtr("garbage"); got != nil {
		t.Fatalf("expected nil for malformed input, got %v", got)
	}

	got := ParseTimePtr("2024-06-01T10:30:00Z")
	if got == nil || !got.Equal(time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected RFC3339 parse result: %v", got)
	}

	got = ParseTimePtr("2024-06-01")
	if got == nil || !got.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date-only parse result: %v", got)
	}
}

func TestUniqueSlice(t *testing.T) {
	got := UniqueSlice([]string{"a", "b", "a", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("UniqueSlice kept wrong elements: %v", got)
	}
}
