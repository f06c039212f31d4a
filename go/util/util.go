// Package util holds small helpers with no better home.
package util

import (
	"io"

	"go.shortlink.dev/infra/go/sklog"
)

// Close wraps an io.Closer and logs an error if one is returned, for use
// in defer statements where the error would otherwise be dropped.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %v", err)
	}
}

// In returns true if |s| is *in* |a| slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// MinInt returns the smaller of x or y.
func MinInt(x, y int) int {
	if x < y {
		return x
	}
	return y
}

// Truncate returns the given string shortened to at most length runes,
// with "..." appended when shortening occurred.
func Truncate(s string, length int) string {
	if len(s) > length {
		if length < 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	}
	return s
}
