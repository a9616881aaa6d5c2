// Package util contains misc internal utilities.
package util

import (
	"strings"
	"time"
	"unicode"
)

// SecsToDuration converts a floating point number of seconds to a duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	if secs < 0 {
		return -time.Duration(-secs*1e9 + 0.5)
	}
	return time.Duration(secs*1e9 + 0.5)
}

// AllElementsNumbers returns true if every rune in s is a digit or a decimal
// point.  The empty string is not a number.
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}

// ParseDuration parses anything time.ParseDuration accepts, and bare numbers
// as seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if AllElementsNumbers(s) {
		s += "s"
	}
	return time.ParseDuration(s)
}
