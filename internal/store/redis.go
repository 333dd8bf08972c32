package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/athlex/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for pools, wallets and market stats. Writes go to the primary store
// and invalidate the affected keys after commit; reads check Redis first
// then fall back to the primary. Concurrent misses for the same key share
// one primary read.
//
// Order book and lot reads are never cached: matching must see committed
// state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, athleteID string, fn func(tx Tx) error) error {
	var touched *trackingTx
	err := s.primary.Atomic(ctx, athleteID, func(tx Tx) error {
		touched = &trackingTx{Tx: tx, users: make(map[string]struct{})}
		return fn(touched)
	})
	if err != nil {
		return err
	}

	keys := []string{poolKey(athleteID), statsKey(athleteID)}
	if touched != nil {
		for uid := range touched.users {
			keys = append(keys, walletKey(uid))
		}
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, poolKey(p.AthleteID), p)
	return nil
}

func (s *CachedStore) ApplyFiat(ctx context.Context, ft *model.FiatTransaction) (*model.Wallet, error) {
	w, err := s.primary.ApplyFiat(ctx, ft)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, walletKey(ft.UserID))
	return w, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, athleteID string) (*model.Pool, error) {
	var p model.Pool
	err := s.readThrough(ctx, poolKey(athleteID), &p, func() (any, error) {
		return s.primary.GetPool(ctx, athleteID)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.readThrough(ctx, walletKey(userID), &w, func() (any, error) {
		return s.primary.GetWallet(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetStats returns cached market stats for an athlete. ok is false on a miss.
func (s *CachedStore) GetStats(ctx context.Context, athleteID string) (stats *model.MarketStats, ok bool) {
	data, err := s.rdb.Get(ctx, statsKey(athleteID)).Bytes()
	if err != nil {
		return nil, false
	}
	var st model.MarketStats
	if json.Unmarshal(data, &st) != nil {
		return nil, false
	}
	return &st, true
}

// SetStats caches market stats until the next trade on the athlete or ttl,
// whichever comes first.
func (s *CachedStore) SetStats(ctx context.Context, stats *model.MarketStats, ttl time.Duration) {
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}
	if data, err := json.Marshal(stats); err == nil {
		s.rdb.Set(ctx, statsKey(stats.AthleteID), data, ttl)
	}
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListUserOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.Order, error) {
	return s.primary.ListUserOrders(ctx, userID, status)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context, athleteID string, side model.Side) ([]model.Order, error) {
	return s.primary.ListPendingOrders(ctx, athleteID, side)
}

func (s *CachedStore) ListUserLots(ctx context.Context, userID string) ([]model.Lot, error) {
	return s.primary.ListUserLots(ctx, userID)
}

func (s *CachedStore) ListAthleteTransactions(ctx context.Context, athleteID string, since time.Time) ([]model.Transaction, error) {
	return s.primary.ListAthleteTransactions(ctx, athleteID, since)
}

func (s *CachedStore) LastAthleteTransaction(ctx context.Context, athleteID string, typ model.Side, before time.Time) (*model.Transaction, error) {
	return s.primary.LastAthleteTransaction(ctx, athleteID, typ, before)
}

func (s *CachedStore) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListUserTransactions(ctx, userID)
}

func (s *CachedStore) ListFiatTransactions(ctx context.Context, userID string, limit int) ([]model.FiatTransaction, error) {
	return s.primary.ListFiatTransactions(ctx, userID, limit)
}

// --- Cache helpers ---

// versionTTL bounds how long an invalidation is remembered. It only has to
// outlive a primary read.
const versionTTL = time.Hour

// setIfVersion caches a loaded value only if the key's version has not moved
// since the load started, so a read that raced a commit cannot store the
// pre-commit value.
var setIfVersion = redis.NewScript(`
local v = redis.call("GET", KEYS[2]) or ""
if v == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// readThrough decodes key into dst, loading and caching it via load on a
// miss. Redis errors degrade to a primary read.
func (s *CachedStore) readThrough(ctx context.Context, key string, dst any, load func() (any, error)) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, dst) == nil {
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("cache read failed", "key", key, "err", err)
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		version, err := s.rdb.Get(ctx, versionKey(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "key", versionKey(key), "err", err)
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		keys := []string{key, versionKey(key)}
		if err := setIfVersion.Run(ctx, s.rdb, keys, version, data, s.ttl.Milliseconds()).Err(); err != nil {
			slog.Warn("cache write failed", "key", key, "err", err)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidate drops keys and bumps their versions so in-flight loads that
// started before the write do not repopulate them.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, k := range keys {
			pipe.Incr(ctx, versionKey(k))
			pipe.Expire(ctx, versionKey(k), versionTTL)
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// trackingTx records which wallets a transaction touched.
type trackingTx struct {
	Tx
	mu    sync.Mutex
	users map[string]struct{}
}

func (t *trackingTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	if err := t.Tx.AdjustBalance(ctx, userID, delta); err != nil {
		return err
	}
	t.mu.Lock()
	t.users[userID] = struct{}{}
	t.mu.Unlock()
	return nil
}

func poolKey(athleteID string) string  { return fmt.Sprintf("pool:%s", athleteID) }
func walletKey(userID string) string   { return fmt.Sprintf("wallet:%s", userID) }
func statsKey(athleteID string) string { return fmt.Sprintf("stats:%s", athleteID) }
func versionKey(key string) string       { return key + ":v" }
