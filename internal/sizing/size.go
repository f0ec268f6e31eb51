// Package sizing provides checked size arithmetic for on-disk counts and
// offsets.
package sizing

import (
	"math"
)

// MaxTableCount bounds any single table or array count read from disk.
const MaxTableCount = 1 << 26

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt32 converts an int64 to int32, returning overflowErr if it doesn't fit.
func ToInt32(v int64, overflowErr error) (int32, error) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, overflowErr
	}
	return int32(v), nil
}

// Count validates a count read from disk against remaining bytes, assuming
// each element occupies at least minElemSize bytes.
func Count(n int32, remaining int64, minElemSize int64, corruptErr error) (int, error) {
	if n < 0 || n > MaxTableCount {
		return 0, corruptErr
	}
	if minElemSize > 0 && int64(n)*minElemSize > remaining {
		return 0, corruptErr
	}
	return int(n), nil
}

// AddInt64 adds two non-negative int64 values, returning (result, false) on overflow.
func AddInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
