package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/predictly/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[string]*model.Position // key: userID/marketID
	trades    []model.TradeRecord
	ledger    []model.LedgerEntry

	// failApply, when set, makes the next ApplyTrade call fail with it.
	failApply error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func positionKey(userID, marketID string) string {
	return userID + "/" + marketID
}

// FailNextApply makes the next ApplyTrade return err without writing
// anything. Tests use it to simulate storage failures.
func (s *MemoryStore) FailNextApply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply = err
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) SetMarketState(_ context.Context, id string, from, to model.MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if m.State != from {
		return fmt.Errorf("market %s is %s, not %s: %w", id, m.State, from, ErrConflict)
	}
	m.State = to
	m.Version++
	return nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, delta *model.TradeDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failApply; err != nil {
		s.failApply = nil
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	m, ok := s.markets[delta.Market.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", delta.Market.ID, ErrNotFound)
	}
	if m.Version != delta.ExpectedVersion {
		return fmt.Errorf("market %s at version %d, trade computed at %d: %w",
			m.ID, m.Version, delta.ExpectedVersion, ErrConflict)
	}

	// All checks passed; nothing below can fail.
	m.QYes = delta.Market.QYes
	m.QNo = delta.Market.QNo
	m.Version++

	pos := delta.Position
	s.positions[positionKey(pos.UserID, pos.MarketID)] = &pos
	s.trades = append(s.trades, delta.Trade)
	s.ledger = append(s.ledger, delta.Ledger...)
	return nil
}

func (s *MemoryStore) GetTradesByMarket(_ context.Context, marketID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}
