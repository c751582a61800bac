package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/predictly/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. Concurrent
// misses for the same market share a single primary read.
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

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) SetMarketState(ctx context.Context, id string, from, to model.MarketState) error {
	err := s.primary.SetMarketState(ctx, id, from, to)
	s.invalidate(ctx, id)
	return err
}

// ApplyTrade invalidates the cached market after a commit and also after a
// conflict, so the retry reads the fresh version from the primary.
func (s *CachedStore) ApplyTrade(ctx context.Context, delta *model.TradeDelta) error {
	err := s.primary.ApplyTrade(ctx, delta)
	if err == nil || errors.Is(err, ErrConflict) {
		s.invalidate(ctx, delta.Market.ID)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("redis market read failed, using primary", "market_id", id, "err", err)
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		m, err := s.primary.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheMarket(ctx, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	copy := *v.(*model.Market)
	return &copy, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.GetUserPositions(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	if err := s.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		slog.Warn("redis market invalidation failed", "market_id", id, "err", err)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
