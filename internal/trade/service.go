// Package trade executes binary-market trades against the LMSR market maker
// and exposes them over HTTP.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictly/market-engine/internal/lmsr"
	"github.com/predictly/market-engine/internal/lock"
	"github.com/predictly/market-engine/internal/metrics"
	"github.com/predictly/market-engine/internal/model"
	"github.com/predictly/market-engine/internal/store"
)

// Options tunes trade execution and market defaults.
type Options struct {
	// MaxRetries bounds how many times a trade is recomputed after a
	// version conflict, a lock held by another instance or a rolled-back
	// commit.
	MaxRetries   int
	RetryBackoff time.Duration
	LockTTL      time.Duration
	// CommitTimeout bounds the store write once a trade has been computed.
	// The write is detached from the caller's context so a disconnecting
	// client cannot leave a half-applied trade.
	CommitTimeout time.Duration

	DefaultB       decimal.Decimal
	DefaultFeeRate decimal.Decimal
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     5,
		RetryBackoff:   10 * time.Millisecond,
		LockTTL:        5 * time.Second,
		CommitTimeout:  5 * time.Second,
		DefaultB:       decimal.NewFromInt(10),
		DefaultFeeRate: decimal.NewFromFloat(0.01),
	}
}

// Service handles market operations. Trades on one market are serialised
// through a lock.Locker keyed by market ID; the store's version check
// catches anything the lock misses.
type Service struct {
	store  store.Store
	locker lock.Locker
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	opts   Options
	now    func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, locker lock.Locker, hub *WSHub, opts Options) *Service {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = def.CommitTimeout
	}
	if opts.DefaultB.IsZero() {
		opts.DefaultB = def.DefaultB
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		store:  st,
		locker: locker,
		wsHub:  hub,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// TradeResult is returned for a committed trade.
type TradeResult struct {
	Quote
	TradeID  string          `json:"trade_id"`
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Shares   decimal.Decimal `json:"shares"`
	Position model.Position  `json:"position"`
}

// Quote prices a hypothetical trade against the current market snapshot
// without changing anything.
func (s *Service) Quote(ctx context.Context, marketID string, side model.Side, dq decimal.Decimal) (Quote, error) {
	if err := checkRequest(side, dq); err != nil {
		return Quote{}, err
	}
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return Quote{}, err
	}
	q, err := ComputeQuote(m, side, dq)
	if err != nil {
		return Quote{}, err
	}
	metrics.QuotesTotal.WithLabelValues(string(side)).Inc()
	return q, nil
}

// Trade buys dq shares of side in market marketID for userID. Either the
// whole trade is committed or nothing is.
func (s *Service) Trade(ctx context.Context, marketID, userID string, side model.Side, dq decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	res, err := s.trade(ctx, marketID, userID, side, dq)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(marketID, string(side)).Add(dq.InexactFloat64())
	metrics.FeesCollected.Add(res.Fee.InexactFloat64())
	return res, nil
}

func (s *Service) trade(ctx context.Context, marketID, userID string, side model.Side, dq decimal.Decimal) (*TradeResult, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if err := checkRequest(side, dq); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.TradeRetries.Inc()
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		res, err := s.attempt(ctx, marketID, userID, side, dq)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		slog.Debug("trade retry",
			"market", marketID,
			"user", userID,
			"attempt", attempt+1,
			"err", err,
		)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: market %s after %d attempts: %w",
		ErrRetriesExhausted, marketID, s.opts.MaxRetries+1, lastErr)
}

// retryable reports whether a failed attempt left no trace and may be
// recomputed. Every ApplyTrade rolls back before returning ErrCommitFailed.
func retryable(err error) bool {
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, lock.ErrLockHeld) ||
		errors.Is(err, store.ErrCommitFailed)
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	if s.opts.RetryBackoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(attempt) * s.opts.RetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt runs one lock → read → compute → commit cycle.
func (s *Service) attempt(ctx context.Context, marketID, userID string, side model.Side, dq decimal.Decimal) (*TradeResult, error) {
	unlock, err := s.locker.Acquire(ctx, "market:"+marketID, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pos := model.NewPosition(userID, marketID)
	if p, err := s.store.GetPosition(ctx, userID, marketID); err == nil {
		pos = *p
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	delta, q, err := Settle(m, pos, userID, side, dq, s.now())
	if err != nil {
		return nil, err
	}

	// Last point at which a cancelled request leaves no trace.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CommitTimeout)
	defer cancel()
	if err := s.store.ApplyTrade(commitCtx, delta); err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", delta.Trade.ID,
		"user", userID,
		"market", marketID,
		"side", side,
		"shares", dq.String(),
		"base_cost", q.BaseCost.String(),
		"fee", q.Fee.String(),
		"new_price_yes", q.Price.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: marketID,
			PriceYes: q.Price.String(),
			PriceNo:  decimal.NewFromInt(1).Sub(q.Price).String(),
			QYes:     q.QYes.String(),
			QNo:      q.QNo.String(),
			Side:     string(side),
			Shares:   dq.String(),
		})
	}

	return &TradeResult{
		Quote:    q,
		TradeID:  delta.Trade.ID,
		UserID:   userID,
		MarketID: marketID,
		Side:     side,
		Shares:   dq,
		Position: delta.Position,
	}, nil
}

// CreateMarketParams describes a new market. Nil B or FeeRate take the
// service defaults.
type CreateMarketParams struct {
	Title       string
	Description string
	CloseTime   time.Time
	B           *decimal.Decimal
	FeeRate     *decimal.Decimal
	Draft       bool
}

// CreateMarket persists a new market with empty inventory. It opens ACTIVE
// unless p.Draft is set.
func (s *Service) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	b := s.opts.DefaultB
	if p.B != nil {
		b = *p.B
	}
	fee := s.opts.DefaultFeeRate
	if p.FeeRate != nil {
		fee = *p.FeeRate
	}
	if err := lmsr.ValidateParams(b, fee); err != nil {
		return nil, err
	}

	state := model.StateActive
	if p.Draft {
		state = model.StateDraft
	}
	m := &model.Market{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		CloseTime:   p.CloseTime.UTC(),
		State:       state,
		QYes:        decimal.Zero,
		QNo:         decimal.Zero,
		B:           b,
		FeeRate:     fee,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}

	slog.Info("market created",
		"id", m.ID,
		"title", m.Title,
		"state", m.State,
		"b", b.String(),
		"fee_rate", fee.String(),
	)
	return m, nil
}

// SetMarketState moves a market along its lifecycle.
func (s *Service) SetMarketState(ctx context.Context, marketID string, to model.MarketState) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.State.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, to)
	}
	if err := s.store.SetMarketState(ctx, marketID, m.State, to); err != nil {
		return nil, err
	}

	slog.Info("market state changed", "id", marketID, "from", m.State, "to", to)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_state",
			MarketID: marketID,
			State:    string(to),
		})
	}
	return s.store.GetMarket(ctx, marketID)
}

// GetMarket returns a market by ID.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return s.store.GetMarket(ctx, marketID)
}

// ListMarkets returns all markets, newest first, optionally only those in
// state. An empty state lists everything.
func (s *Service) ListMarkets(ctx context.Context, state model.MarketState) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if state == "" {
		return markets, nil
	}
	filtered := markets[:0]
	for _, m := range markets {
		if m.State == state {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Trades returns a market's trades in execution order.
func (s *Service) Trades(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	return s.store.GetTradesByMarket(ctx, marketID)
}

// Ledger returns a market's ledger rows.
func (s *Service) Ledger(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.store.GetLedgerEntriesByMarket(ctx, marketID)
}

// Positions returns every position held by a user.
func (s *Service) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.store.GetUserPositions(ctx, userID)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, ErrMarketNotTradable):
		return "not_tradable"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, store.ErrCommitFailed):
		return "commit_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
