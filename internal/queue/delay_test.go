package queue

import (
	"testing"
	"time"
)

func TestDispatchDelay(t *testing.T) {
	tests := []struct {
		name     string
		position int
		cfg      TenantConfig
		expected time.Duration
	}{
		{
			name:     "no rate limit, no base delay",
			position: 5,
			cfg:      TenantConfig{RateLimitPerSecond: 0, DelayMs: 0},
			expected: 0,
		},
		{
			name:     "no rate limit, base delay only",
			position: 5,
			cfg:      TenantConfig{RateLimitPerSecond: 0, DelayMs: 250},
			expected: 250 * time.Millisecond,
		},
		{
			name:     "100 rps spaces 10ms apart",
			position: 3,
			cfg:      TenantConfig{RateLimitPerSecond: 100},
			expected: 30 * time.Millisecond,
		},
		{
			name:     "first job has no spacing",
			position: 0,
			cfg:      TenantConfig{RateLimitPerSecond: 100, DelayMs: 0},
			expected: 0,
		},
		{
			name:     "spacing rounds up for non-divisible rates",
			position: 1,
			cfg:      TenantConfig{RateLimitPerSecond: 3},
			expected: 334 * time.Millisecond,
		},
		{
			name:     "spacing plus base delay",
			position: 2,
			cfg:      TenantConfig{RateLimitPerSecond: 10, DelayMs: 500},
			expected: 700 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DispatchDelay(tt.position, tt.cfg); got != tt.expected {
				t.Errorf("DispatchDelay(%d, %+v) = %v, want %v", tt.position, tt.cfg, got, tt.expected)
			}
		})
	}
}

func TestDefaultTenantConfig(t *testing.T) {
	cfg := DefaultTenantConfig()
	if cfg.Priority != 5 {
		t.Errorf("default priority = %d, want 5", cfg.Priority)
	}
	if cfg.MaxConcurrent != 50 {
		t.Errorf("default max_concurrent = %d, want 50", cfg.MaxConcurrent)
	}
	if cfg.RateLimitPerSecond != 100 {
		t.Errorf("default rate_limit_per_second = %d, want 100", cfg.RateLimitPerSecond)
	}
	if cfg.DelayMs != 0 {
		t.Errorf("default delay_ms = %d, want 0", cfg.DelayMs)
	}
}
