package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
)

// TenantConfig is the per-tenant pacing configuration. At enqueue time
// DelayMs and RateLimitPerSecond set each job's dispatch delay and Priority
// is copied onto the dispatch message; dispatch order does not depend on
// Priority, and MaxConcurrent is stored and normalized but limits nothing.
type TenantConfig struct {
	Priority           int   `json:"priority"`
	DelayMs            int64 `json:"delay_ms"`
	MaxConcurrent      int   `json:"max_concurrent"`
	RateLimitPerSecond int   `json:"rate_limit_per_second"`
}

func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		Priority:           5,
		DelayMs:            0,
		MaxConcurrent:      50,
		RateLimitPerSecond: 100,
	}
}

const tenantConfigTTL = 24 * time.Hour

// ConfigCache is the tenant-config store: an explicit object over Redis, not
// a module-level singleton.
type ConfigCache struct {
	redis  *db.RedisDB
	logger *zap.Logger
}

func NewConfigCache(redis *db.RedisDB, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{redis: redis, logger: logger}
}

func tenantConfigKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("pipeline:tenant_config:%s", tenantID)
}

// Get returns the tenant's config, falling back to defaults on a miss or a
// cache error.
func (c *ConfigCache) Get(ctx context.Context, tenantID uuid.UUID) TenantConfig {
	raw, err := c.redis.Get(ctx, tenantConfigKey(tenantID)).Result()
	if err != nil {
		return DefaultTenantConfig()
	}

	var cfg TenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		c.logger.Warn("invalid tenant config in cache, using defaults",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return DefaultTenantConfig()
	}
	if cfg.Priority < 1 || cfg.Priority > 10 {
		cfg.Priority = DefaultTenantConfig().Priority
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultTenantConfig().MaxConcurrent
	}
	return cfg
}

func (c *ConfigCache) Set(ctx context.Context, tenantID uuid.UUID, cfg TenantConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant config: %w", err)
	}
	if err := c.redis.Set(ctx, tenantConfigKey(tenantID), raw, tenantConfigTTL).Err(); err != nil {
		return fmt.Errorf("failed to store tenant config: %w", err)
	}
	return nil
}

func (c *ConfigCache) Clear(ctx context.Context, tenantID uuid.UUID) error {
	return c.redis.Del(ctx, tenantConfigKey(tenantID)).Err()
}
