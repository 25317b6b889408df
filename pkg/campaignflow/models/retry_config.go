package models

import "time"

type RetryConfig struct {
	MaxAttempts      int
	RetryIntervalMin time.Duration
	RetryIntervalMax time.Duration
}

// SlidingInterval returns a retry interval between min and max based on the current retry attempt.
func (rc *RetryConfig) SlidingInterval(retryNum int) time.Duration {
	if retryNum <= 0 {
		return rc.RetryIntervalMin
	}
	if retryNum >= rc.MaxAttempts {
		return rc.RetryIntervalMax
	}
	scale := float64(retryNum) / float64(rc.MaxAttempts)
	return rc.RetryIntervalMin + time.Duration(scale*float64(rc.RetryIntervalMax-rc.RetryIntervalMin))
}

// Backoff doubles the minimum interval per attempt, capped at the maximum.
func (rc *RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return rc.RetryIntervalMin
	}
	d := rc.RetryIntervalMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rc.RetryIntervalMax || d <= 0 {
			return rc.RetryIntervalMax
		}
	}
	return d
}

// Exhausted reports whether attempt has used up the retry budget.
func (rc *RetryConfig) Exhausted(attempt int) bool {
	return rc.MaxAttempts > 0 && attempt >= rc.MaxAttempts
}
