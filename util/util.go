// Package util contains misc internal utilities.
package util

import (
	"math"
	"strings"
	"time"
)

// AllElementsNumbers returns true if every rune of s is a digit or a decimal point
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	return strings.Trim(s, "0123456789.") == ""
}

// ParseDuration parses a duration as time.ParseDuration does, treating a bare
// number as seconds
func ParseDuration(s string) (time.Duration, error) {
	if AllElementsNumbers(s) {
		s = s + "s"
	}
	return time.ParseDuration(s)
}

// Clamp limits input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	return math.Max(low, math.Min(high, input))
}

// SecsToDuration converts a float64 number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
