package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/predictly/market-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT so no precision is lost; a single connection serialises writers.
type SQLiteStore struct {
	db *sql.DB
}

// SQLitePath turns a "sqlite:///./app.db" style URL into a file path.
// Plain paths and ":memory:" are returned unchanged.
func SQLitePath(url string) string {
	for _, prefix := range []string{"sqlite:///", "sqlite://", "sqlite:"} {
		if strings.HasPrefix(url, prefix) {
			return strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("sqlite: creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteMarketCols = `id, title, description, close_time, state,
	q_yes, q_no, b, fee_rate, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.CloseTime, &m.State,
		&m.QYes, &m.QNo, &m.B, &m.FeeRate, &m.Version, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markets (`+sqliteMarketCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.Description, m.CloseTime, string(m.State),
		m.QYes.String(), m.QNo.String(), m.B.String(), m.FeeRate.String(),
		m.Version, m.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: insert market: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanSQLiteMarket(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMarketCols+` FROM markets WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMarketCols+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) SetMarketState(ctx context.Context, id string, from, to model.MarketState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET state = ?, version = version + 1 WHERE id = ? AND state = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set market state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetMarket(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("market %s is not %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) ApplyTrade(ctx context.Context, delta *model.TradeDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrCommitFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	m := delta.Market
	res, err := tx.ExecContext(ctx,
		`UPDATE markets SET q_yes = ?, q_no = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		m.QYes.String(), m.QNo.String(), m.ID, delta.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("%w: update market: %v", ErrCommitFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market %s changed since version %d: %w", m.ID, delta.ExpectedVersion, ErrConflict)
	}

	p := delta.Position
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET yes_shares = excluded.yes_shares, no_shares = excluded.no_shares, updated_at = excluded.updated_at`,
		p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(), p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("%w: upsert position: %v", ErrCommitFailed, err)
	}

	t := delta.Trade
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, market_id, side, shares, base_cost, fee, price, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.MarketID, string(t.Side),
		t.Shares.String(), t.BaseCost.String(), t.Fee.String(), t.Price.String(), t.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: insert trade: %v", ErrCommitFailed, err)
	}

	for _, e := range delta.Ledger {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, trade_id, user_id, market_id, account, amount, is_credit, description, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TradeID, nullString(e.UserID), e.MarketID, e.Account,
			e.Amount.String(), e.IsCredit, e.Description, e.Timestamp,
		); err != nil {
			return fmt.Errorf("%w: insert ledger entry: %v", ErrCommitFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrCommitFailed, err)
	}
	return nil
}

func (s *SQLiteStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, market_id, side, shares, base_cost, fee, price, timestamp
		 FROM trades WHERE market_id = ? ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get trades: %w", err)
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

func (s *SQLiteStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trade_id, COALESCE(user_id, ''), market_id, account,
		        amount, is_credit, description, timestamp
		 FROM ledger_entries WHERE market_id = ? ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get ledger: %w", err)
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

func (s *SQLiteStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	var p model.Position
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, market_id, yes_shares, no_shares, updated_at
		 FROM positions WHERE user_id = ? AND market_id = ?`, userID, marketID).
		Scan(&p.UserID, &p.MarketID, &p.YesShares, &p.NoShares, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: get position: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, market_id, yes_shares, no_shares, updated_at
		 FROM positions WHERE user_id = ? ORDER BY market_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get positions: %w", err)
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
