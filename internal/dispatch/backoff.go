package dispatch

import (
	"math"
	"time"
)

// RetryDelay computes the backoff before the next delivery attempt:
// 100ms × 1.5^retryCount.
func RetryDelay(retryCount int) time.Duration {
	return time.Duration(float64(100*time.Millisecond) * math.Pow(1.5, float64(retryCount)))
}
