// Package backoff computes retry delays. One pure function shared by every
// job family; only base and cap vary.
package backoff

import (
	"math"
	"time"
)

// Delay returns min(cap, base * 2^(attempt-1)) for a 1-indexed attempt count.
// Attempt values below 1 are treated as 1.
func Delay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(cap) {
		return cap
	}
	return time.Duration(exp)
}
