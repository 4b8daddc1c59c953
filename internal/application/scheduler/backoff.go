package scheduler

import "time"

// Backoff returns the delay before retry number attempt (1-based): the base
// delay doubled per prior attempt, capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d < 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
