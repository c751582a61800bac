// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/predictly/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a market whose ID is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned when a market changed between the read a
	// write was computed from and the write itself. Callers recompute
	// against a fresh snapshot and retry.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrCommitFailed is returned when the atomic apply of a trade was
	// rejected by the storage backend. Nothing from the trade is persisted.
	ErrCommitFailed = errors.New("store: commit failed")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID, including its version.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// SetMarketState moves a market from one lifecycle state to another and
	// bumps its version. Returns ErrConflict if the market is no longer in
	// state from.
	SetMarketState(ctx context.Context, id string, from, to model.MarketState) error

	// --- Trades ---

	// ApplyTrade atomically writes the new inventory, the position, the
	// trade record and the ledger entries of delta. It fails with
	// ErrConflict unless the stored market version equals
	// delta.ExpectedVersion; on success the version is incremented.
	ApplyTrade(ctx context.Context, delta *model.TradeDelta) error

	// GetTradesByMarket returns all trades for a market in execution order.
	GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error)

	// GetLedgerEntriesByMarket returns all ledger rows for a market.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	// --- Positions ---

	// GetPosition returns the user's position in a market or ErrNotFound.
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	// GetUserPositions returns every position held by a user.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)
}
