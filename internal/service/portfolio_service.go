package service

import (
	"context"
	"log/slog"

	"github.com/openpredict/marketd/internal/domain"
)

// Portfolio is a user's consolidated view: cached balance, open share
// positions and live orders.
type Portfolio struct {
	UserID        string
	BalanceMicros int64
	Positions     []domain.Position
	OpenOrders    []domain.Order
}

// PortfolioService answers read-only balance, position and history queries.
type PortfolioService struct {
	ledger    domain.LedgerStore
	positions domain.PositionStore
	orders    domain.OrderStore
	logger    *slog.Logger
}

// NewPortfolioService creates a PortfolioService.
func NewPortfolioService(
	ledger domain.LedgerStore,
	positions domain.PositionStore,
	orders domain.OrderStore,
	logger *slog.Logger,
) *PortfolioService {
	return &PortfolioService{
		ledger:    ledger,
		positions: positions,
		orders:    orders,
		logger:    logger,
	}
}

// Get assembles the user's portfolio.
func (s *PortfolioService) Get(ctx context.Context, userID string) (Portfolio, error) {
	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return Portfolio{}, err
	}
	positions, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return Portfolio{}, err
	}
	open, err := s.orders.ListOpenByUser(ctx, userID)
	if err != nil {
		return Portfolio{}, err
	}
	return Portfolio{
		UserID:        userID,
		BalanceMicros: balance,
		Positions:     positions,
		OpenOrders:    open,
	}, nil
}

// Balance returns the user's cached balance.
func (s *PortfolioService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// Ledger returns the user's monetary history, newest first.
func (s *PortfolioService) Ledger(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	return s.ledger.ListByUser(ctx, userID, opts)
}

// Orders returns the user's order history, newest first.
func (s *PortfolioService) Orders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	return s.orders.ListByUser(ctx, userID, opts)
}

// Deposit credits external funds to the user through the ledger, the single
// entry point for all balance movement.
func (s *PortfolioService) Deposit(ctx context.Context, userID string, amountMicros int64, description string) (domain.LedgerEntry, error) {
	if amountMicros <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	return s.ledger.Append(ctx, domain.LedgerEntry{
		UserID:       userID,
		Type:         domain.EntryTypeAdjustment,
		AmountMicros: amountMicros,
		Description:  description,
	})
}

// Withdraw debits funds from the user; the ledger refuses to take the cached
// balance negative.
func (s *PortfolioService) Withdraw(ctx context.Context, userID string, amountMicros int64, description string) (domain.LedgerEntry, error) {
	if amountMicros <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	return s.ledger.Append(ctx, domain.LedgerEntry{
		UserID:       userID,
		Type:         domain.EntryTypeAdjustment,
		AmountMicros: -amountMicros,
		Description:  description,
	})
}
