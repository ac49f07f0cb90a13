package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 150 * time.Millisecond},
		{2, 225 * time.Millisecond},
		{3, 337500 * time.Microsecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestRetryDelayGrows(t *testing.T) {
	prev := RetryDelay(0)
	for i := 1; i < 10; i++ {
		d := RetryDelay(i)
		assert.Greater(t, d, prev)
		prev = d
	}
}
