package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpredict/marketd/internal/domain"
)

// LedgerStore implements domain.LedgerStore on PostgreSQL. Append is the one
// write path: the entry insert and the cached balance update share a
// transaction so the two can never disagree on a committed state.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerSelectCols = `id, user_id, market_id, order_id, entry_type, amount_micros, description, created_at`

func scanLedgerFromRow(row rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.MarketID, &e.OrderID, &e.Type,
		&e.AmountMicros, &e.Description, &e.CreatedAt)
	return e, err
}

func scanLedgerRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerFromRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// appendEntryTx inserts a ledger entry and moves the user's cached balance in
// the same transaction. The caller must already hold the user's balance lock
// if it read the balance earlier in the transaction.
func appendEntryTx(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (user_id, market_id, order_id, entry_type, amount_micros, description)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+ledgerSelectCols,
		e.UserID, e.MarketID, e.OrderID, e.Type, e.AmountMicros, e.Description)
	inserted, err := scanLedgerFromRow(row)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance_micros = balance_micros + $1, updated_at = NOW() WHERE id = $2`,
		e.AmountMicros, e.UserID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return inserted, nil
}

// Append writes one entry and applies its amount to the cached balance. This
// is also how external deposit and withdrawal flows feed the engine.
func (s *LedgerStore) Append(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	var inserted domain.LedgerEntry
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT balance_micros FROM users WHERE id = $1 FOR UPDATE`, e.UserID,
		).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock balance: %w", err)
		}
		if e.AmountMicros < 0 && balance+e.AmountMicros < 0 {
			return domain.ErrInsufficientFunds
		}
		inserted, err = appendEntryTx(ctx, tx, e)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInsufficientFunds) {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, fmt.Errorf("postgres: append ledger entry: %w", err)
	}
	return inserted, nil
}

// GetBalance reads the materialized balance cache.
func (s *LedgerStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance_micros FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get balance: %w", err)
	}
	return balance, nil
}

// ListByUser returns a user's entries, newest first.
func (s *LedgerStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerSelectCols + ` FROM ledger_entries WHERE user_id = $1`
	args := []any{userID}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger by user: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger by user: %w", err)
	}
	return entries, nil
}

// ListByMarket returns every entry attributed to the market, oldest first, so
// settlement exports read in event order.
func (s *LedgerStore) ListByMarket(ctx context.Context, marketID string) ([]domain.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerSelectCols+` FROM ledger_entries
		 WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger by market: %w", err)
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger by market: %w", err)
	}
	return entries, nil
}

// FindDrift compares every cached balance against its ledger sum in a single
// query and returns the users whose numbers disagree.
func (s *LedgerStore) FindDrift(ctx context.Context) ([]domain.BalanceDrift, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.balance_micros, COALESCE(l.total, 0)
		 FROM users u
		 LEFT JOIN (
		     SELECT user_id, SUM(amount_micros) AS total
		     FROM ledger_entries GROUP BY user_id
		 ) l ON l.user_id = u.id
		 WHERE u.balance_micros <> COALESCE(l.total, 0)
		 ORDER BY u.id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: find balance drift: %w", err)
	}
	defer rows.Close()

	var drifts []domain.BalanceDrift
	for rows.Next() {
		var d domain.BalanceDrift
		if err := rows.Scan(&d.UserID, &d.BalanceMicros, &d.LedgerSumMicros); err != nil {
			return nil, fmt.Errorf("postgres: scan balance drift: %w", err)
		}
		drifts = append(drifts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate balance drift: %w", err)
	}
	return drifts, nil
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)
