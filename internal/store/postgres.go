package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictly/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as TEXT into decimal.Decimal.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const marketSelectCols = `id, title, description, close_time, state,
	q_yes::TEXT, q_no::TEXT, b::TEXT, fee_rate::TEXT, version, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.CloseTime, &m.State,
		&m.QYes, &m.QNo, &m.B, &m.FeeRate, &m.Version, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, description, close_time, state, q_yes, q_no, b, fee_rate, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		m.ID, m.Title, m.Description, m.CloseTime, string(m.State),
		m.QYes.String(), m.QNo.String(), m.B.String(), m.FeeRate.String(),
		m.Version, m.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert market: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SetMarketState(ctx context.Context, id string, from, to model.MarketState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET state = $3, version = version + 1
		 WHERE id = $1 AND state = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("postgres: set market state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMarket(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("market %s is not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// ApplyTrade writes the whole delta in one transaction. The conditional
// UPDATE on the market row takes a row lock and checks the version, so a
// concurrent trade on the same market either waits or fails with
// ErrConflict.
func (s *PostgresStore) ApplyTrade(ctx context.Context, delta *model.TradeDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrCommitFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := delta.Market
	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $4`,
		m.ID, m.QYes.String(), m.QNo.String(), delta.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("%w: update market: %v", ErrCommitFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s changed since version %d: %w", m.ID, delta.ExpectedVersion, ErrConflict)
	}

	p := delta.Position
	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares, no_shares = EXCLUDED.no_shares, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(), p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("%w: upsert position: %v", ErrCommitFailed, err)
	}

	t := delta.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, side, shares, base_cost, fee, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.MarketID, string(t.Side),
		t.Shares.String(), t.BaseCost.String(), t.Fee.String(), t.Price.String(), t.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: insert trade: %v", ErrCommitFailed, err)
	}

	for _, e := range delta.Ledger {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, trade_id, user_id, market_id, account, amount, is_credit, description, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
			e.ID, e.TradeID, nullString(e.UserID), e.MarketID, e.Account,
			e.Amount.String(), e.IsCredit, e.Description, e.Timestamp,
		); err != nil {
			return fmt.Errorf("%w: insert ledger entry: %v", ErrCommitFailed, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrCommitFailed, err)
	}
	return nil
}

func (s *PostgresStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, side,
		        shares::TEXT, base_cost::TEXT, fee::TEXT, price::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get trades: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Side,
			&t.Shares, &t.BaseCost, &t.Fee, &t.Price, &t.Timestamp); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trade_id, COALESCE(user_id, ''), market_id, account,
		        amount::TEXT, is_credit, description, timestamp
		 FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TradeID, &e.UserID, &e.MarketID, &e.Account,
			&e.Amount, &e.IsCredit, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	var p model.Position
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2`, userID, marketID).
		Scan(&p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get position: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, yes_shares::TEXT, no_shares::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
