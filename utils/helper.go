package utils

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func UniqueSlice[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// DecimalFromNumber parses a json.Number defensively: empty or malformed
// values become zero, never an error.
func DecimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

// ParseTimePtr parses an RFC3339 or date-only timestamp; missing or malformed
// values become nil, never an error.
func ParseTimePtr(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return &t
	}
	return nil
}

// MarshalToJSON marshals a generic struct, swallowing the impossible error
// for values built from plain maps and structs.
func MarshalToJSON[T any](input T) []byte {
	b, _ := json.Marshal(input)
	return b
}
