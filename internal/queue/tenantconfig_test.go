package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campaign-pipeline/internal/db"
)

func newTestCache(t *testing.T) *ConfigCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewConfigCache(&db.RedisDB{Client: client}, zap.NewNop())
}

func TestConfigCacheDefaultsOnMiss(t *testing.T) {
	cache := newTestCache(t)

	cfg := cache.Get(context.Background(), uuid.New())
	if cfg != DefaultTenantConfig() {
		t.Errorf("miss should return defaults, got %+v", cfg)
	}
}

func TestConfigCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	tenantID := uuid.New()

	want := TenantConfig{
		Priority:           2,
		DelayMs:            100,
		MaxConcurrent:      10,
		RateLimitPerSecond: 25,
	}
	if err := cache.Set(context.Background(), tenantID, want); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got := cache.Get(context.Background(), tenantID)
	if got != want {
		t.Errorf("get = %+v, want %+v", got, want)
	}

	// Another tenant is unaffected.
	other := cache.Get(context.Background(), uuid.New())
	if other != DefaultTenantConfig() {
		t.Errorf("other tenant should see defaults, got %+v", other)
	}
}

func TestConfigCacheClear(t *testing.T) {
	cache := newTestCache(t)
	tenantID := uuid.New()

	cfg := DefaultTenantConfig()
	cfg.Priority = 1
	if err := cache.Set(context.Background(), tenantID, cfg); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := cache.Clear(context.Background(), tenantID); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if got := cache.Get(context.Background(), tenantID); got != DefaultTenantConfig() {
		t.Errorf("cleared tenant should see defaults, got %+v", got)
	}
}

func TestConfigCacheNormalizesBadValues(t *testing.T) {
	cache := newTestCache(t)
	tenantID := uuid.New()

	if err := cache.Set(context.Background(), tenantID, TenantConfig{
		Priority:      42,
		MaxConcurrent: -1,
	}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got := cache.Get(context.Background(), tenantID)
	if got.Priority != DefaultTenantConfig().Priority {
		t.Errorf("out-of-range priority should normalize, got %d", got.Priority)
	}
	if got.MaxConcurrent != DefaultTenantConfig().MaxConcurrent {
		t.Errorf("non-positive max_concurrent should normalize, got %d", got.MaxConcurrent)
	}
}
