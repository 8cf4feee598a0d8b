package queue

import "time"

// DispatchDelay computes the scheduling delay for the position-th job of a
// batch under the tenant's rate limit: consecutive jobs are spaced
// ceil(1000/rps) ms apart, with the tenant's base delay added on top.
func DispatchDelay(position int, cfg TenantConfig) time.Duration {
	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	if cfg.RateLimitPerSecond > 0 {
		spacingMs := (1000 + int64(cfg.RateLimitPerSecond) - 1) / int64(cfg.RateLimitPerSecond)
		spaced := int64(position) * spacingMs
		if spaced > 0 {
			delay += time.Duration(spaced) * time.Millisecond
		}
	}
	if delay < 0 {
		return 0
	}
	return delay
}
