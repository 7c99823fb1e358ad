// Package numeric compares decimal strings without going through float64.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string, treating malformed input as zero.
func Parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Valid reports whether s is a well-formed decimal string.
func Valid(s string) bool {
	_, err := decimal.NewFromString(s)
	return err == nil
}

// Cmp returns -1, 0 or 1 as a is less than, equal to or greater than b.
func Cmp(a, b string) int {
	return Parse(a).Cmp(Parse(b))
}

// IsZero reports whether s is numerically zero.
func IsZero(s string) bool {
	return Parse(s).IsZero()
}

// Fixed formats s with exactly places decimals.
func Fixed(s string, places int32) string {
	return Parse(s).StringFixed(places)
}

// NormalizeChecksum strips the decimal point and any leading zeros so
// "0.05000" becomes "5000". An all-zero input normalizes to "0".
func NormalizeChecksum(s string) string {
	n := strings.TrimLeft(strings.Replace(s, ".", "", 1), "0")
	if n == "" {
		return "0"
	}
	return n
}
