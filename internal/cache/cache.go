// Package cache wraps the shared KV store (Redis) that backs the tracked
// symbol set, price/quote entries, cached positions, the last computed
// portfolio snapshot per account, and the leader-election lease keys.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// Cache is the single-writer-per-key KV surface every subsystem shares.
// It is an interface so the calculator, symbol collector and leader
// election packages can be unit tested against an in-memory fake instead
// of a live Redis instance.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// CompareAndDelete deletes key only if its current value equals want,
	// mirroring Redis's "release lease if I'm still the owner" idiom.
	CompareAndDelete(ctx context.Context, key, want string) error
	// CompareAndExpire extends key's TTL only if its current value equals
	// want, used by the leader's heartbeat.
	CompareAndExpire(ctx context.Context, key, want string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = redis.Nil

const (
	keyTrackedSymbols           = "tracked_symbols"
	keyAccountPositionsFmt      = "account_positions:%s"
	keyPriceFmt                 = "price:%s"
	keyQuoteFmt                 = "quote:%s"
	keyLastPortfolioFmt         = "last_portfolio:%s"
	keySymbolCollectionUpdated  = "symbol_collection_last_updated"
	keyLeaderFmt                = "%s:leader"
)

// RedisCache is the production Cache implementation.
type RedisCache struct {
	client *redis.Client
}

// New creates a RedisCache from a go-redis client.
func New(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// compareAndDeleteScript deletes KEYS[1] only if its value is ARGV[1].
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// compareAndExpireScript extends the TTL of KEYS[1] only if its value is
// ARGV[1].
const compareAndExpireScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

func (c *RedisCache) CompareAndDelete(ctx context.Context, key, want string) error {
	return c.client.Eval(ctx, compareAndDeleteScript, []string{key}, want).Err()
}

func (c *RedisCache) CompareAndExpire(ctx context.Context, key, want string, ttl time.Duration) (bool, error) {
	res, err := c.client.Eval(ctx, compareAndExpireScript, []string{key}, want, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Store wraps a Cache with the portfolio core's typed key helpers, so
// callers never hand-format a cache key.
type Store struct {
	Cache
}

func NewStore(c Cache) *Store {
	return &Store{Cache: c}
}

func (s *Store) SetTrackedSymbols(ctx context.Context, symbols []string) error {
	if symbols == nil {
		symbols = []string{}
	}
	data, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("cache: marshal tracked symbols: %w", err)
	}
	return s.Set(ctx, keyTrackedSymbols, string(data), 0)
}

func (s *Store) GetTrackedSymbols(ctx context.Context) ([]string, error) {
	raw, err := s.Get(ctx, keyTrackedSymbols)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var symbols []string
	if err := json.Unmarshal([]byte(raw), &symbols); err != nil {
		return nil, fmt.Errorf("cache: unmarshal tracked symbols: %w", err)
	}
	return symbols, nil
}

func (s *Store) SetAccountPositions(ctx context.Context, accountID string, payload []byte) error {
	return s.Set(ctx, fmt.Sprintf(keyAccountPositionsFmt, accountID), string(payload), time.Hour)
}

func (s *Store) GetAccountPositions(ctx context.Context, accountID string) ([]byte, error) {
	raw, err := s.Get(ctx, fmt.Sprintf(keyAccountPositionsFmt, accountID))
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func (s *Store) SetPrice(ctx context.Context, symbol, price string, ttl time.Duration) error {
	return s.Set(ctx, fmt.Sprintf(keyPriceFmt, symbol), price, ttl)
}

func (s *Store) GetPrice(ctx context.Context, symbol string) (string, error) {
	return s.Get(ctx, fmt.Sprintf(keyPriceFmt, symbol))
}

func (s *Store) SetQuote(ctx context.Context, symbol string, payload []byte, ttl time.Duration) error {
	return s.Set(ctx, fmt.Sprintf(keyQuoteFmt, symbol), string(payload), ttl)
}

func (s *Store) GetQuote(ctx context.Context, symbol string) ([]byte, error) {
	raw, err := s.Get(ctx, fmt.Sprintf(keyQuoteFmt, symbol))
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func (s *Store) DeletePriceAndQuote(ctx context.Context, symbol string) error {
	return s.Delete(ctx, fmt.Sprintf(keyPriceFmt, symbol), fmt.Sprintf(keyQuoteFmt, symbol))
}

func (s *Store) SetLastPortfolio(ctx context.Context, accountID string, payload []byte) error {
	return s.Set(ctx, fmt.Sprintf(keyLastPortfolioFmt, accountID), string(payload), 0)
}

func (s *Store) GetLastPortfolio(ctx context.Context, accountID string) ([]byte, error) {
	raw, err := s.Get(ctx, fmt.Sprintf(keyLastPortfolioFmt, accountID))
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func (s *Store) SetSymbolCollectionUpdated(ctx context.Context, at time.Time) error {
	return s.Set(ctx, keySymbolCollectionUpdated, at.Format(time.RFC3339), 0)
}

// LatestTotalValue reads the cached raw_value field of an account's
// last_portfolio snapshot, satisfying internal/snapshot's AccountEquity
// interface for the EOD writer — it values an account at close from the
// Calculator's last computed snapshot rather than a fresh broker call.
func (s *Store) LatestTotalValue(ctx context.Context, accountID string) (string, bool, error) {
	raw, err := s.GetLastPortfolio(ctx, accountID)
	if err == ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var snap struct {
		RawValue decimal.Decimal `json:"raw_value"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", false, fmt.Errorf("cache: unmarshal last_portfolio for %s: %w", accountID, err)
	}
	return snap.RawValue.String(), true, nil
}

// LeaderKey returns the cache key used to elect a leader for serviceName.
func LeaderKey(serviceName string) string {
	return fmt.Sprintf(keyLeaderFmt, serviceName)
}
