package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"legal-rag-backend/internal/config"
	"legal-rag-backend/internal/logger"
	"legal-rag-backend/models"
	"legal-rag-backend/utils"
)

// Usage kinds tracked per user per month.
const (
	UsageTokens    = "tokens"
	UsageQueries   = "queries"
	UsageDocuments = "documents"
)

var usageFields = map[string]string{
	UsageTokens:    "tokens_used",
	UsageQueries:   "queries_count",
	UsageDocuments: "documents_indexed",
}

// KVStore is the Redis-backed store for PII mappings, the query result cache
// and usage counters. Key namespaces: pii:<request_id>, cache:<key>,
// usage:<user_id>:<YYYY-MM>.
type KVStore struct {
	rdb *redis.Client
	cfg *config.Config
}

func NewKVStore(rdb *redis.Client, cfg *config.Config) *KVStore {
	return &KVStore{rdb: rdb, cfg: cfg}
}

// --- PII mappings ---

func piiKey(requestID string) string {
	return "pii:" + requestID
}

func (s *KVStore) SaveMapping(ctx context.Context, requestID string, mapping map[string]string, ttl time.Duration) error {
	payload, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to encode pii mapping: %w", err)
	}
	return s.rdb.Set(ctx, piiKey(requestID), payload, ttl).Err()
}

func (s *KVStore) GetMapping(ctx context.Context, requestID string) (map[string]string, error) {
	payload, err := s.rdb.Get(ctx, piiKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pii mapping: %w", err)
	}

	var mapping map[string]string
	if err := json.Unmarshal(payload, &mapping); err != nil {
		return nil, fmt.Errorf("failed to decode pii mapping: %w", err)
	}
	return mapping, nil
}

func (s *KVStore) DeleteMapping(ctx context.Context, requestID string) error {
	return s.rdb.Del(ctx, piiKey(requestID)).Err()
}

func (s *KVStore) MappingExists(ctx context.Context, requestID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, piiKey(requestID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Query result cache ---

// Cached values are JSON compressed with brotli above a size floor. A one-byte
// algorithm prefix keeps the entry self-describing.
const (
	cacheAlgRaw    = 'r'
	cacheAlgBrotli = 'b'
)

func cacheKey(key string) string {
	return "cache:" + key
}

func (s *KVStore) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	compressed, alg, err := utils.CompressText(string(value))
	if err != nil {
		return fmt.Errorf("failed to compress cache entry: %w", err)
	}

	prefix := byte(cacheAlgRaw)
	if alg == utils.CompressionBrotli {
		prefix = cacheAlgBrotli
	}

	payload := append([]byte{prefix}, compressed...)
	return s.rdb.Set(ctx, cacheKey(key), payload, ttl).Err()
}

// CacheGet returns (nil, nil) on a miss.
func (s *KVStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	alg := utils.CompressionNone
	if payload[0] == cacheAlgBrotli {
		alg = utils.CompressionBrotli
	}

	text, err := utils.DecompressText(payload[1:], alg)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cache entry: %w", err)
	}
	return []byte(text), nil
}

// --- Quotas & usage ---

func usageKey(userID string, t time.Time) string {
	return fmt.Sprintf("usage:%s:%s", userID, t.UTC().Format("2006-01"))
}

func (s *KVStore) quotaFor(kind string) int64 {
	switch kind {
	case UsageTokens:
		return s.cfg.QuotaTokensPerMonth
	case UsageQueries:
		return s.cfg.QuotaQueriesPerMonth
	case UsageDocuments:
		return s.cfg.QuotaDocumentsPerMonth
	default:
		return 0
	}
}

// CheckQuota reports whether the user's counter plus amount fits the monthly
// quota. Store errors fail OPEN: a request is never blocked because the
// telemetry backend is down.
func (s *KVStore) CheckQuota(ctx context.Context, userID, kind string, amount int64) bool {
	field, ok := usageFields[kind]
	if !ok {
		return true
	}

	current, err := s.rdb.HGet(ctx, usageKey(userID, time.Now()), field).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn("Quota check failed open", "user_id", userID, "kind", kind, "error", err)
		return true
	}

	return current+amount <= s.quotaFor(kind)
}

// EnforceQuota raises ErrQuotaExceeded when the check fails.
func (s *KVStore) EnforceQuota(ctx context.Context, userID, kind string, amount int64) error {
	if !s.CheckQuota(ctx, userID, kind, amount) {
		return fmt.Errorf("%w: %s quota for user %s", models.ErrQuotaExceeded, kind, userID)
	}
	return nil
}

// IncrementUsage is additive and non-blocking; failures are logged and
// swallowed.
func (s *KVStore) IncrementUsage(ctx context.Context, userID, kind string, amount int64) {
	field, ok := usageFields[kind]
	if !ok || amount == 0 {
		return
	}

	if err := s.rdb.HIncrBy(ctx, usageKey(userID, time.Now()), field, amount).Err(); err != nil {
		logger.Warn("Usage increment dropped", "user_id", userID, "kind", kind, "error", err)
	}
}

// GetUsage returns the current month's usage bucket for a user.
func (s *KVStore) GetUsage(ctx context.Context, userID string) (*models.UserUsage, error) {
	now := time.Now().UTC()
	values, err := s.rdb.HGetAll(ctx, usageKey(userID, now)).Result()
	if err != nil {
		return nil, err
	}

	usage := &models.UserUsage{
		UserID: userID,
		Month:  now.Format("2006-01"),
	}
	fmt.Sscanf(values["tokens_used"], "%d", &usage.TokensUsed)
	fmt.Sscanf(values["queries_count"], "%d", &usage.QueriesCount)
	fmt.Sscanf(values["documents_indexed"], "%d", &usage.DocumentsIndexed)
	return usage, nil
}

// PurgeExpiredUsage deletes usage buckets older than the retention window.
// Runs from the background worker.
func (s *KVStore) PurgeExpiredUsage(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, -s.cfg.UsageRetentionMonths, 0)
	purged := 0

	iter := s.rdb.Scan(ctx, 0, "usage:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			continue
		}
		month, err := time.Parse("2006-01", parts[2])
		if err != nil {
			continue
		}
		if month.Before(cutoff) {
			if err := s.rdb.Del(ctx, key).Err(); err == nil {
				purged++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return purged, err
	}

	return purged, nil
}
