package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpredict/marketd/internal/domain"
)

// ResolutionStore reads resolution history. Rows are appended only inside the
// SettlementStore's resolve and correction transactions.
type ResolutionStore struct {
	pool *pgxpool.Pool
}

// NewResolutionStore creates a new ResolutionStore backed by the given pool.
func NewResolutionStore(pool *pgxpool.Pool) *ResolutionStore {
	return &ResolutionStore{pool: pool}
}

const resolutionSelectCols = `id, market_id, outcome, correction, previous_outcome, correction_reason,
	resolved_by, notes, holders_count, winners_count, losers_count, total_payout_micros,
	cancelled_orders, created_at`

func scanResolutionFromRow(row rowScanner) (domain.ResolutionRecord, error) {
	var r domain.ResolutionRecord
	err := row.Scan(&r.ID, &r.MarketID, &r.Outcome, &r.Correction, &r.PreviousOutcome,
		&r.CorrectionReason, &r.ResolvedBy, &r.Notes, &r.HoldersCount, &r.WinnersCount,
		&r.LosersCount, &r.TotalPayoutMicros, &r.CancelledOrders, &r.CreatedAt)
	return r, err
}

// insertResolutionTx appends one history row within the caller's transaction.
func insertResolutionTx(ctx context.Context, tx pgx.Tx, r domain.ResolutionRecord) (domain.ResolutionRecord, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO resolution_history
		 (market_id, outcome, correction, previous_outcome, correction_reason,
		  resolved_by, notes, holders_count, winners_count, losers_count,
		  total_payout_micros, cancelled_orders)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+resolutionSelectCols,
		r.MarketID, r.Outcome, r.Correction, r.PreviousOutcome, r.CorrectionReason,
		r.ResolvedBy, r.Notes, r.HoldersCount, r.WinnersCount, r.LosersCount,
		r.TotalPayoutMicros, r.CancelledOrders)
	inserted, err := scanResolutionFromRow(row)
	if err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("insert resolution record: %w", err)
	}
	return inserted, nil
}

// ListByMarket returns the market's resolution history, oldest first, so the
// correction chain reads in order.
func (s *ResolutionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.ResolutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resolutionSelectCols+` FROM resolution_history
		 WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolutions: %w", err)
	}
	defer rows.Close()

	var records []domain.ResolutionRecord
	for rows.Next() {
		r, err := scanResolutionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan resolution: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate resolutions: %w", err)
	}
	return records, nil
}

// Latest returns the most recent resolution or correction row for the market.
func (s *ResolutionStore) Latest(ctx context.Context, marketID string) (domain.ResolutionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resolutionSelectCols+` FROM resolution_history
		 WHERE market_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, marketID)
	r, err := scanResolutionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ResolutionRecord{}, domain.ErrNotFound
		}
		return domain.ResolutionRecord{}, fmt.Errorf("postgres: latest resolution: %w", err)
	}
	return r, nil
}

// Compile-time interface check.
var _ domain.ResolutionStore = (*ResolutionStore)(nil)
