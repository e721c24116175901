package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"legal-rag-backend/internal/config"
)

// unreachableKVStore points the client at a port nothing listens on, so every
// command fails with a connection error.
func unreachableKVStore() *KVStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	cfg := &config.Config{
		QuotaTokensPerMonth:    1000,
		QuotaQueriesPerMonth:   10,
		QuotaDocumentsPerMonth: 5,
		UsageRetentionMonths:   12,
	}
	return NewKVStore(rdb, cfg)
}

func TestCheckQuotaFailsOpenOnStoreError(t *testing.T) {
	s := unreachableKVStore()
	ctx := context.Background()

	if !s.CheckQuota(ctx, "user-1", UsageQueries, 1) {
		t.Error("quota check must fail open when the store is unreachable")
	}
	if err := s.EnforceQuota(ctx, "user-1", UsageQueries, 1); err != nil {
		t.Errorf("EnforceQuota = %v, want nil on a store error", err)
	}
}

func TestCheckQuotaUnknownKindAllowed(t *testing.T) {
	s := unreachableKVStore()

	if !s.CheckQuota(context.Background(), "user-1", "unknown", 1) {
		t.Error("unknown usage kind must not block requests")
	}
}

func TestIncrementUsageSwallowsStoreErrors(t *testing.T) {
	s := unreachableKVStore()

	// Must return without error or panic; the increment is logged and dropped.
	s.IncrementUsage(context.Background(), "user-1", UsageTokens, 5)
	s.IncrementUsage(context.Background(), "user-1", UsageQueries, 1)
}
