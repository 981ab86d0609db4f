/**
 * @description
 * This file implements the Redis read-through cache for credit accounts. The
 * cache exists purely for read responsiveness on the account endpoint; the
 * Postgres row is always authoritative, and every mutating ledger operation
 * reads the balance fresh inside its atomic section and invalidates the cache
 * after commit. The TTL bounds how stale a cached read can ever be.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ecoquest/credits-service/internal/domain"
)

const defaultBalanceCachePrefix = "ecoquest:credits:account"

// BalanceCache mirrors credit accounts in Redis with a bounded staleness
// window. All failures degrade to cache misses; the caller falls through to
// the database.
type BalanceCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewBalanceCache creates a cache with the given key prefix and TTL.
func NewBalanceCache(client redis.UniversalClient, prefix string, ttl time.Duration) *BalanceCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = defaultBalanceCachePrefix
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{
		client: client,
		prefix: trimmed,
		ttl:    ttl,
	}
}

// Get returns the cached account for a user, or (nil, false) on a miss or
// any cache failure.
func (c *BalanceCache) Get(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	payload, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("level=warn component=balance_cache msg=\"cache read failed\" user_id=%s err=%v", userID, err)
		}
		return nil, false
	}

	var account domain.CreditAccount
	if err := json.Unmarshal(payload, &account); err != nil {
		log.Printf("level=warn component=balance_cache msg=\"cache entry corrupt; dropping\" user_id=%s err=%v", userID, err)
		c.Invalidate(ctx, userID)
		return nil, false
	}
	return &account, true
}

// Set stores the account with the configured TTL. Best effort.
func (c *BalanceCache) Set(ctx context.Context, account *domain.CreditAccount) {
	if c == nil || c.client == nil || account == nil {
		return
	}

	payload, err := json.Marshal(account)
	if err != nil {
		log.Printf("level=warn component=balance_cache msg=\"cache encode failed\" user_id=%s err=%v", account.UserID, err)
		return
	}
	if err := c.client.Set(ctx, c.key(account.UserID), payload, c.ttl).Err(); err != nil {
		log.Printf("level=warn component=balance_cache msg=\"cache write failed\" user_id=%s err=%v", account.UserID, err)
	}
}

// Invalidate drops the cached account after a ledger mutation. Best effort.
func (c *BalanceCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		log.Printf("level=warn component=balance_cache msg=\"cache invalidation failed\" user_id=%s err=%v", userID, err)
	}
}

func (c *BalanceCache) key(userID uuid.UUID) string {
	return c.prefix + ":" + userID.String()
}
