package session

import (
	"testing"
	"time"

	"github.com/traceline-io/traceline/config"
)

func TestBackoffDelayDoublesToCap(t *testing.T) {
	policy := config.ReconnectConfig{
		BackoffBase: config.Dur(100 * time.Millisecond),
		BackoffCap:  config.Dur(5 * time.Second),
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		// Past the 63rd doubling a bare shift would wrap negative; the
		// delay must stay pinned at the cap no matter the budget.
		{64, 5 * time.Second},
		{1000, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(policy, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
