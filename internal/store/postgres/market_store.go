package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpredict/marketd/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, question, slug, outcomes, status, closing_at, outcome,
	paused_at, pause_reason, resolved_at, resolved_by, resolution_notes,
	scheduled_resolution_at, scheduled_outcome, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanMarketFromRow(scanner rowScanner) (domain.Market, error) {
	var m domain.Market
	var status string

	err := scanner.Scan(
		&m.ID, &m.Question, &m.Slug, &m.Outcomes, &status, &m.ClosingAt, &m.Outcome,
		&m.PausedAt, &m.PauseReason, &m.ResolvedAt, &m.ResolvedBy, &m.ResolutionNotes,
		&m.ScheduledResolutionAt, &m.ScheduledOutcome, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

func scanMarketRows(rows pgx.Rows) ([]domain.Market, error) {
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarketFromRow(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, slug, outcomes, status, closing_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Slug, m.Outcomes, string(m.Status), m.ClosingAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a single market by ID.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)

	m, err := scanMarketFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetBySlug retrieves a single market by its slug.
func (s *MarketStore) GetBySlug(ctx context.Context, slug string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE slug = $1`, slug)

	m, err := scanMarketFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by slug %s: %w", slug, err)
	}
	return m, nil
}

// List returns markets, optionally filtered by status, with pagination.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}

	query += " ORDER BY closing_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets: %w", err)
	}
	return markets, nil
}

// ListExpired returns open markets whose closing time has passed.
func (s *MarketStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = 'open' AND closing_at <= $1
		 ORDER BY closing_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired markets: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired markets: %w", err)
	}
	return markets, nil
}

// ListScheduledDue returns closed markets whose scheduled resolution time has
// arrived.
func (s *MarketStore) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE status = 'closed'
		   AND scheduled_resolution_at IS NOT NULL
		   AND scheduled_resolution_at <= $1
		   AND scheduled_outcome IS NOT NULL
		 ORDER BY scheduled_resolution_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list scheduled resolutions: %w", err)
	}
	defer rows.Close()

	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan scheduled resolutions: %w", err)
	}
	return markets, nil
}

// Pause moves an open market to paused. The transition is conditioned on the
// current status so a concurrent close or resolve wins cleanly.
func (s *MarketStore) Pause(ctx context.Context, id, reason string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE markets
		 SET status = 'paused', paused_at = NOW(), pause_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+marketSelectCols, id, reason)

	m, err := scanMarketFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: pause market %s: %w", id, domain.ErrMarketNotOpen)
		}
		return domain.Market{}, fmt.Errorf("postgres: pause market %s: %w", id, err)
	}
	return m, nil
}

// Resume moves a paused market back to open.
func (s *MarketStore) Resume(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE markets
		 SET status = 'open', paused_at = NULL, pause_reason = '', updated_at = NOW()
		 WHERE id = $1 AND status = 'paused'
		 RETURNING `+marketSelectCols, id)

	m, err := scanMarketFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: resume market %s: %w", id, domain.ErrMarketPaused)
		}
		return domain.Market{}, fmt.Errorf("postgres: resume market %s: %w", id, err)
	}
	return m, nil
}

// ScheduleResolution records a future resolution for a market that is not yet
// resolved.
func (s *MarketStore) ScheduleResolution(ctx context.Context, id string, at time.Time, outcome string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE markets
		 SET scheduled_resolution_at = $2, scheduled_outcome = $3, updated_at = NOW()
		 WHERE id = $1 AND status <> 'resolved'
		 RETURNING `+marketSelectCols, id, at, outcome)

	m, err := scanMarketFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: schedule resolution %s: %w", id, domain.ErrAlreadyResolved)
		}
		return domain.Market{}, fmt.Errorf("postgres: schedule resolution %s: %w", id, err)
	}
	return m, nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
