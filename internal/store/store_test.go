package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictly/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testMarket(id string) *model.Market {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Market{
		ID:        id,
		Title:     "Will it rain tomorrow?",
		CloseTime: now.Add(24 * time.Hour),
		State:     model.StateActive,
		QYes:      decimal.Zero,
		QNo:       decimal.Zero,
		B:         d(10),
		FeeRate:   d(0.01),
		CreatedAt: now,
	}
}

func testDelta(m *model.Market, userID, tradeID string) *model.TradeDelta {
	now := time.Now().UTC().Truncate(time.Microsecond)
	next := *m
	next.QYes = m.QYes.Add(d(5))

	pos := model.NewPosition(userID, m.ID).Add(model.SideYes, d(5))
	pos.UpdatedAt = now

	entry := func(id, account, user string, amount decimal.Decimal, credit bool) model.LedgerEntry {
		return model.LedgerEntry{
			ID: id, TradeID: tradeID, UserID: user, MarketID: m.ID, Account: account,
			Amount: amount, IsCredit: credit, Description: account, Timestamp: now,
		}
	}
	return &model.TradeDelta{
		ExpectedVersion: m.Version,
		Market:          next,
		Position:        pos,
		Trade: model.TradeRecord{
			ID: tradeID, UserID: userID, MarketID: m.ID, Side: model.SideYes,
			Shares: d(5), BaseCost: d(2.8), Fee: d(0.028), Price: d(0.62), Timestamp: now,
		},
		Ledger: []model.LedgerEntry{
			entry(tradeID+"-debit", model.AccountUser, userID, d(2.828), false),
			entry(tradeID+"-collateral", model.AccountCollateral, "", d(2.8), true),
			entry(tradeID+"-fee", model.AccountProtocolFee, "", d(0.028), true),
		},
	}
}

// backends returns every Store implementation that runs without external
// services.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_MarketRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := testMarket("m1")
			require.NoError(t, st.CreateMarket(ctx, m))

			got, err := st.GetMarket(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, m.Title, got.Title)
			assert.Equal(t, model.StateActive, got.State)
			assert.True(t, got.B.Equal(d(10)))
			assert.True(t, got.FeeRate.Equal(d(0.01)))
			assert.Equal(t, int64(0), got.Version)

			err = st.CreateMarket(ctx, m)
			assert.True(t, errors.Is(err, ErrAlreadyExists), "got %v", err)

			_, err = st.GetMarket(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

			markets, err := st.ListMarkets(ctx)
			require.NoError(t, err)
			assert.Len(t, markets, 1)
		})
	}
}

func TestStore_ApplyTrade(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := testMarket("m1")
			require.NoError(t, st.CreateMarket(ctx, m))

			require.NoError(t, st.ApplyTrade(ctx, testDelta(m, "alice", "t1")))

			got, err := st.GetMarket(ctx, "m1")
			require.NoError(t, err)
			assert.True(t, got.QYes.Equal(d(5)), "q_yes=%s", got.QYes)
			assert.Equal(t, int64(1), got.Version)

			pos, err := st.GetPosition(ctx, "alice", "m1")
			require.NoError(t, err)
			assert.True(t, pos.YesShares.Equal(d(5)))
			assert.True(t, pos.NoShares.IsZero())

			trades, err := st.GetTradesByMarket(ctx, "m1")
			require.NoError(t, err)
			require.Len(t, trades, 1)
			assert.Equal(t, model.SideYes, trades[0].Side)
			assert.True(t, trades[0].Fee.Equal(d(0.028)))

			ledger, err := st.GetLedgerEntriesByMarket(ctx, "m1")
			require.NoError(t, err)
			require.Len(t, ledger, 3)
			assert.True(t, model.LedgerBalanced(ledger))
			for _, e := range ledger {
				if e.IsCredit {
					assert.Empty(t, e.UserID)
				} else {
					assert.Equal(t, "alice", e.UserID)
				}
			}

			positions, err := st.GetUserPositions(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, positions, 1)
		})
	}
}

func TestStore_ApplyTradeStaleVersion(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := testMarket("m1")
			require.NoError(t, st.CreateMarket(ctx, m))

			first := testDelta(m, "alice", "t1")
			stale := testDelta(m, "bob", "t2")
			require.NoError(t, st.ApplyTrade(ctx, first))

			err := st.ApplyTrade(ctx, stale)
			assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

			// Nothing from the rejected trade is visible.
			_, err = st.GetPosition(ctx, "bob", "m1")
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
			trades, err := st.GetTradesByMarket(ctx, "m1")
			require.NoError(t, err)
			assert.Len(t, trades, 1)
			ledger, err := st.GetLedgerEntriesByMarket(ctx, "m1")
			require.NoError(t, err)
			assert.Len(t, ledger, 3)
		})
	}
}

func TestStore_SetMarketState(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := testMarket("m1")
			require.NoError(t, st.CreateMarket(ctx, m))

			require.NoError(t, st.SetMarketState(ctx, "m1", model.StateActive, model.StateFrozen))
			got, err := st.GetMarket(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, model.StateFrozen, got.State)
			assert.Equal(t, int64(1), got.Version)

			err = st.SetMarketState(ctx, "m1", model.StateActive, model.StateCanceled)
			assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

			err = st.SetMarketState(ctx, "missing", model.StateActive, model.StateFrozen)
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

			// A trade computed before the freeze no longer applies.
			err = st.ApplyTrade(ctx, testDelta(m, "alice", "t1"))
			assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
		})
	}
}

func TestMemoryStore_FailNextApply(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	m := testMarket("m1")
	require.NoError(t, st.CreateMarket(ctx, m))

	st.FailNextApply(errors.New("disk full"))
	err := st.ApplyTrade(ctx, testDelta(m, "alice", "t1"))
	assert.True(t, errors.Is(err, ErrCommitFailed), "got %v", err)

	got, err := st.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.QYes.IsZero())
	assert.Equal(t, int64(0), got.Version)

	// The failure is one-shot.
	require.NoError(t, st.ApplyTrade(ctx, testDelta(m, "alice", "t1")))
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "./app.db", SQLitePath("sqlite:///./app.db"))
	assert.Equal(t, ":memory:", SQLitePath(":memory:"))
	assert.Equal(t, "/var/lib/app.db", SQLitePath("/var/lib/app.db"))
}
