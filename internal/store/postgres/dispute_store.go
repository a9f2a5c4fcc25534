package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpredict/marketd/internal/domain"
)

// DisputeStore implements domain.DisputeStore on PostgreSQL. The
// one-open-dispute-per-(user, market) rule is enforced by a partial unique
// index so it holds under concurrent filings.
type DisputeStore struct {
	pool *pgxpool.Pool
}

// NewDisputeStore creates a new DisputeStore backed by the given pool.
func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool}
}

const disputeSelectCols = `id, market_id, user_id, dispute_type, reason, evidence,
	status, priority, upvotes, proposed_outcome, reviewed_by, review_notes,
	resolution_action, reviewed_at, created_at, updated_at`

func scanDisputeFromRow(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	err := row.Scan(&d.ID, &d.MarketID, &d.UserID, &d.Type, &d.Reason, &d.Evidence,
		&d.Status, &d.Priority, &d.Upvotes, &d.ProposedOutcome, &d.ReviewedBy,
		&d.ReviewNotes, &d.ResolutionAction, &d.ReviewedAt, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func scanDisputeRows(rows pgx.Rows) ([]domain.Dispute, error) {
	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDisputeFromRow(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// uniqueViolation is the PostgreSQL error code for a unique index conflict.
const uniqueViolation = "23505"

// Create inserts a pending dispute. A second open dispute by the same user on
// the same market trips the partial unique index and maps to
// domain.ErrDuplicateDispute.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) (domain.Dispute, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = domain.DisputeStatusPending
	}
	if d.Priority == "" {
		d.Priority = domain.DisputePriorityNormal
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO disputes
		 (id, market_id, user_id, dispute_type, reason, evidence, status, priority, proposed_outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+disputeSelectCols,
		d.ID, d.MarketID, d.UserID, d.Type, d.Reason, d.Evidence, d.Status, d.Priority, d.ProposedOutcome)
	inserted, err := scanDisputeFromRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Dispute{}, domain.ErrDuplicateDispute
		}
		return domain.Dispute{}, fmt.Errorf("postgres: create dispute: %w", err)
	}
	return inserted, nil
}

// GetByID retrieves one dispute.
func (s *DisputeStore) GetByID(ctx context.Context, id string) (domain.Dispute, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+disputeSelectCols+` FROM disputes WHERE id = $1`, id)
	d, err := scanDisputeFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrNotFound
		}
		return domain.Dispute{}, fmt.Errorf("postgres: get dispute: %w", err)
	}
	return d, nil
}

func (s *DisputeStore) list(ctx context.Context, where string, arg any, opts domain.ListOpts) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeSelectCols + ` FROM disputes WHERE ` + where +
		` ORDER BY created_at DESC`
	args := []any{arg}
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
		return nil, fmt.Errorf("postgres: list disputes: %w", err)
	}
	defer rows.Close()

	disputes, err := scanDisputeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan disputes: %w", err)
	}
	return disputes, nil
}

// ListByMarket returns disputes filed against the market, newest first.
func (s *DisputeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	return s.list(ctx, "market_id = $1", marketID, opts)
}

// ListByUser returns disputes filed by the user, newest first.
func (s *DisputeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	return s.list(ctx, "user_id = $1", userID, opts)
}

// ListByStatus returns the review queue for a status, urgent first within it.
func (s *DisputeStore) ListByStatus(ctx context.Context, status domain.DisputeStatus, opts domain.ListOpts) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeSelectCols + ` FROM disputes WHERE status = $1
		 ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 ELSE 2 END, created_at`
	args := []any{status}
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
		return nil, fmt.Errorf("postgres: list disputes by status: %w", err)
	}
	defer rows.Close()

	disputes, err := scanDisputeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan disputes by status: %w", err)
	}
	return disputes, nil
}

// Upvote increments the counter and applies escalation in one transaction.
// The row lock makes concurrent upvotes serialize, so each threshold crossing
// reports escalated exactly once.
func (s *DisputeStore) Upvote(ctx context.Context, id string) (domain.Dispute, bool, error) {
	var (
		updated   domain.Dispute
		escalated bool
	)
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+disputeSelectCols+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
		d, err := scanDisputeFromRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock dispute: %w", err)
		}
		if !d.Status.Open() {
			return domain.ErrDisputeClosed
		}

		newUpvotes := d.Upvotes + 1
		newPriority := domain.EscalatedPriority(d.Priority, newUpvotes)
		escalated = newPriority != d.Priority

		row = tx.QueryRow(ctx,
			`UPDATE disputes SET upvotes = $2, priority = $3, updated_at = NOW()
			 WHERE id = $1 RETURNING `+disputeSelectCols,
			id, newUpvotes, newPriority)
		updated, err = scanDisputeFromRow(row)
		if err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrDisputeClosed) {
			return domain.Dispute{}, false, err
		}
		return domain.Dispute{}, false, fmt.Errorf("postgres: upvote dispute: %w", err)
	}
	return updated, escalated, nil
}

// StartReview claims a pending dispute for a reviewer. The status predicate
// makes concurrent claims resolve to a single winner.
func (s *DisputeStore) StartReview(ctx context.Context, id, reviewer string) (domain.Dispute, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE disputes SET status = 'under_review', reviewed_by = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+disputeSelectCols, id, reviewer)
	d, err := scanDisputeFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrDisputeNotReviewable
		}
		return domain.Dispute{}, fmt.Errorf("postgres: start dispute review: %w", err)
	}
	return d, nil
}

// Review closes an under-review dispute with a verdict of approved, rejected
// or resolved.
func (s *DisputeStore) Review(ctx context.Context, id, reviewer string, verdict domain.DisputeStatus, notes, action string) (domain.Dispute, error) {
	switch verdict {
	case domain.DisputeStatusApproved, domain.DisputeStatusRejected, domain.DisputeStatusResolved:
	default:
		return domain.Dispute{}, fmt.Errorf("postgres: review dispute: invalid verdict %q", verdict)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE disputes
		 SET status = $2, reviewed_by = $3, review_notes = $4, resolution_action = $5,
		     reviewed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'under_review'
		 RETURNING `+disputeSelectCols,
		id, verdict, reviewer, notes, action)
	d, err := scanDisputeFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrDisputeNotReviewable
		}
		return domain.Dispute{}, fmt.Errorf("postgres: review dispute: %w", err)
	}
	return d, nil
}

// Compile-time interface check.
var _ domain.DisputeStore = (*DisputeStore)(nil)
