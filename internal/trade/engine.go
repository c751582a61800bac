package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictly/market-engine/internal/lmsr"
	"github.com/predictly/market-engine/internal/model"
)

var (
	ErrInvalidQuantity   = errors.New("trade: quantity must be positive")
	ErrInvalidSide       = errors.New("trade: side must be YES or NO")
	ErrInvalidUser       = errors.New("trade: user id is required")
	ErrMarketNotTradable = errors.New("trade: market is not open for trading")
	ErrInvalidTransition = errors.New("trade: market state transition not allowed")
	ErrRetriesExhausted  = errors.New("trade: retries exhausted")
	errUnbalancedLedger  = errors.New("trade: ledger entries do not balance")
)

// Quote is the fee-inclusive cost of a hypothetical trade against one
// inventory snapshot. QYes/QNo are the inventory after the trade and Price
// is the YES price there.
type Quote struct {
	BaseCost decimal.Decimal `json:"base_cost"`
	Fee      decimal.Decimal `json:"fee"`
	Total    decimal.Decimal `json:"total"`
	Price    decimal.Decimal `json:"price"`
	QYes     decimal.Decimal `json:"q_yes"`
	QNo      decimal.Decimal `json:"q_no"`
}

func checkRequest(side model.Side, dq decimal.Decimal) error {
	if !dq.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidQuantity, dq)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidSide, side)
	}
	return nil
}

// ComputeQuote prices buying dq shares of side against m. It does not
// modify m and returns the same result for the same snapshot.
func ComputeQuote(m *model.Market, side model.Side, dq decimal.Decimal) (Quote, error) {
	if err := checkRequest(side, dq); err != nil {
		return Quote{}, err
	}
	if !m.State.Tradable() {
		return Quote{}, fmt.Errorf("%w: market %s is %s", ErrMarketNotTradable, m.ID, m.State)
	}
	if err := lmsr.ValidateParams(m.B, m.FeeRate); err != nil {
		return Quote{}, fmt.Errorf("market %s: %w", m.ID, err)
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return Quote{}, err
	}
	if !mm.InRange(m.QYes) || !mm.InRange(m.QNo) {
		return Quote{}, fmt.Errorf("%w: market %s inventory outside pricing range", lmsr.ErrInvalidParameter, m.ID)
	}

	newQYes, newQNo := m.QYes, m.QNo
	if side == model.SideYes {
		newQYes = newQYes.Add(dq)
	} else {
		newQNo = newQNo.Add(dq)
	}
	if !mm.InRange(dq) || !mm.InRange(newQYes) || !mm.InRange(newQNo) {
		return Quote{}, fmt.Errorf("%w: %s is too large for liquidity %s", ErrInvalidQuantity, dq, m.B)
	}

	var baseCost decimal.Decimal
	if side == model.SideYes {
		baseCost = mm.TradeCost(m.QYes, m.QNo, dq)
	} else {
		baseCost = mm.TradeCostNo(m.QYes, m.QNo, dq)
	}
	fee := baseCost.Mul(m.FeeRate)

	return Quote{
		BaseCost: baseCost,
		Fee:      fee,
		Total:    baseCost.Add(fee),
		Price:    mm.PriceYes(newQYes, newQNo),
		QYes:     newQYes,
		QNo:      newQNo,
	}, nil
}

// Settle computes everything a trade changes: the new inventory, the
// user's updated position, the trade record and its three ledger rows. pos
// is the user's current position in m (model.NewPosition on a first trade).
// Nothing is persisted; the returned delta must be applied as one unit.
func Settle(m *model.Market, pos model.Position, userID string, side model.Side, dq decimal.Decimal, now time.Time) (*model.TradeDelta, Quote, error) {
	if userID == "" {
		return nil, Quote{}, ErrInvalidUser
	}
	q, err := ComputeQuote(m, side, dq)
	if err != nil {
		return nil, Quote{}, err
	}

	next := *m
	next.QYes = q.QYes
	next.QNo = q.QNo

	pos.UserID = userID
	pos.MarketID = m.ID
	pos = pos.Add(side, dq)
	pos.UpdatedAt = now

	tradeID := uuid.New().String()
	record := model.TradeRecord{
		ID:        tradeID,
		UserID:    userID,
		MarketID:  m.ID,
		Side:      side,
		Shares:    dq,
		BaseCost:  q.BaseCost,
		Fee:       q.Fee,
		Price:     q.Price,
		Timestamp: now,
	}

	entry := func(account, user string, amount decimal.Decimal, credit bool, desc string) model.LedgerEntry {
		return model.LedgerEntry{
			ID:          uuid.New().String(),
			TradeID:     tradeID,
			UserID:      user,
			MarketID:    m.ID,
			Account:     account,
			Amount:      amount,
			IsCredit:    credit,
			Description: desc,
			Timestamp:   now,
		}
	}
	ledger := []model.LedgerEntry{
		entry(model.AccountUser, userID, q.Total, false, "Trade debit"),
		entry(model.AccountCollateral, "", q.BaseCost, true, "Market collateral"),
		entry(model.AccountProtocolFee, "", q.Fee, true, "Protocol fee"),
	}
	if !model.LedgerBalanced(ledger) {
		return nil, Quote{}, errUnbalancedLedger
	}

	return &model.TradeDelta{
		ExpectedVersion: m.Version,
		Market:          next,
		Position:        pos,
		Trade:           record,
		Ledger:          ledger,
	}, q, nil
}
