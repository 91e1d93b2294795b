package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fm_server/server/common/log"
	"fm_server/server/worker/domain"
)

const defaultLedgerCacheTTL = 24 * time.Hour

// CachedLedger keeps positive IsProcessed answers in redis. Negative answers
// are never cached, so a redis outage only costs a round trip to the backing
// ledger.
type CachedLedger struct {
	next  Ledger
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedLedger(next Ledger, client *redis.Client, ttl time.Duration) *CachedLedger {
	if ttl <= 0 {
		ttl = defaultLedgerCacheTTL
	}
	return &CachedLedger{next: next, redis: client, ttl: ttl}
}

func (l *CachedLedger) IsProcessed(ctx context.Context, tenantID string, configID int64, fingerprint string) (bool, error) {
	key := processedCacheKey(tenantID, configID, fingerprint)
	_, err := l.redis.Get(ctx, key).Result()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Warnf("event=ledger_cache action=get_failed tenant_id=%s config_id=%d err=%v", tenantID, configID, err)
	}

	processed, err := l.next.IsProcessed(ctx, tenantID, configID, fingerprint)
	if err != nil || !processed {
		return processed, err
	}
	l.remember(ctx, key)
	return true, nil
}

func (l *CachedLedger) MarkProcessed(ctx context.Context, tenantID string, record domain.ProcessedFileRecord) error {
	err := l.next.MarkProcessed(ctx, tenantID, record)
	if err != nil && !errors.Is(err, ErrLedgerConflict) {
		return err
	}
	l.remember(ctx, processedCacheKey(tenantID, record.ConfigID, record.Fingerprint))
	return err
}

func (l *CachedLedger) remember(ctx context.Context, key string) {
	if err := l.redis.Set(ctx, key, "1", l.ttl).Err(); err != nil {
		log.Warnf("event=ledger_cache action=set_failed key=%s err=%v", key, err)
	}
}

func processedCacheKey(tenantID string, configID int64, fingerprint string) string {
	return fmt.Sprintf("fm:processed:%s:%d:%s", tenantID, configID, fingerprint)
}
