// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a trade buys shares of.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Market is a binary prediction market together with its LMSR inventory.
// QYes/QNo change only through a committed trade; B and FeeRate are fixed
// at creation. Version increases by one on every committed trade and is
// used for optimistic concurrency by the store.
type Market struct {
	ID          string          `json:"id" db:"id"`
	Title       string          `json:"title" db:"title"`
	Description string          `json:"description,omitempty" db:"description"`
	CloseTime   time.Time       `json:"close_time" db:"close_time"`
	State       MarketState     `json:"state" db:"state"`
	QYes        decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo         decimal.Decimal `json:"q_no" db:"q_no"`
	B           decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	FeeRate     decimal.Decimal `json:"fee_rate" db:"fee_rate"`
	Version     int64           `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's accumulated shares in one market. Shares only grow:
// the engine models buys, not sells or redemptions.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	YesShares decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares" db:"no_shares"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// NewPosition returns the empty position used when a user trades a market
// for the first time.
func NewPosition(userID, marketID string) Position {
	return Position{
		UserID:    userID,
		MarketID:  marketID,
		YesShares: decimal.Zero,
		NoShares:  decimal.Zero,
	}
}

// Add returns a copy of p with dq shares added to side.
func (p Position) Add(side Side, dq decimal.Decimal) Position {
	if side == SideYes {
		p.YesShares = p.YesShares.Add(dq)
	} else {
		p.NoShares = p.NoShares.Add(dq)
	}
	return p
}

// TradeRecord is an immutable audit row for one executed trade.
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	BaseCost  decimal.Decimal `json:"base_cost" db:"base_cost"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Price     decimal.Decimal `json:"price" db:"price"` // YES price after the trade
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Ledger accounts that balance a user debit.
const (
	AccountUser        = "user"
	AccountCollateral  = "collateral"
	AccountProtocolFee = "protocol_fee"
)

// LedgerEntry is an immutable double-entry accounting row. An empty UserID
// means the row belongs to the market pool or the protocol, named by Account.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	TradeID     string          `json:"trade_id" db:"trade_id"`
	UserID      string          `json:"user_id,omitempty" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Account     string          `json:"account" db:"account"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	IsCredit    bool            `json:"is_credit" db:"is_credit"`
	Description string          `json:"description" db:"description"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// LedgerBalanced reports whether the debits and credits in entries sum to
// the same amount.
func LedgerBalanced(entries []LedgerEntry) bool {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.IsCredit {
			credit = credit.Add(e.Amount)
		} else {
			debit = debit.Add(e.Amount)
		}
	}
	return debit.Equal(credit)
}

// TradeDelta is everything one trade changes. The store applies it as a
// single unit or not at all.
type TradeDelta struct {
	// ExpectedVersion is the market version the delta was computed from.
	ExpectedVersion int64
	Market          Market
	Position        Position
	Trade           TradeRecord
	Ledger          []LedgerEntry
}
