// Package utils provides utility functions for the forecasting backend.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateExecutionID generates a unique pipeline execution ID.
func GenerateExecutionID() string {
	return GenerateID("exec")
}

// ParseISODate parses a YYYY-MM-DD date as UTC midnight.
func ParseISODate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatISODate renders a time as its UTC calendar date.
func FormatISODate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SameUTCDay reports whether two instants fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// BackoffDelay returns the capped exponential backoff delay for a retry
// attempt (0-based): base, 2*base, 4*base, ... up to max.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// MeanDecimal calculates the mean of decimal values at the given scale.
func MeanDecimal(values []decimal.Decimal, scale int32) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))).Round(scale)
}
