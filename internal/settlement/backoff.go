package settlement

import (
	"time"

	"github.com/smallbiznis/vilokanam/internal/config"
)

// Backoff returns the delay before retry number attempts (1-based):
// base * 2^(attempts-1), capped at max.
func Backoff(p config.SettlementPolicy, attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffMax || d <= 0 {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}
