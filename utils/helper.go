package utils

import (
	"time"

	"github.com/shopspring/decimal"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	result := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func MergeStringSlices(slice1, slice2 []string) []string {
	merged := make([]string, 0, len(slice1)+len(slice2))
	merged = append(merged, slice1...)
	for _, v := range slice2 {
		found := false
		for _, m := range merged {
			if m == v {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, v)
		}
	}
	return merged
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

// ConvertToDate truncates a timestamp to midnight in the given timezone,
// returned in UTC.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "Asia/Yangon"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, location)
	return day.UTC(), nil
}

func ParseDecimal(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

// ClampPercentage bounds a ratio-derived percentage into [0, 100].
func ClampPercentage(p decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if p.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}
