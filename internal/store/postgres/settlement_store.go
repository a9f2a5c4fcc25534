package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpredict/marketd/internal/domain"
)

// SettlementStore implements domain.SettlementStore: every method is one pgx
// transaction covering all the order, position, ledger and market rows it
// touches. Balance changes always lock the owning user row first, and status
// transitions are conditioned on the status read inside the same transaction,
// so a race produces exactly one terminal transition and at most one refund.
//
// Lock order within a transaction is market, then orders, then user balances,
// to keep concurrent sweeps and cancels from deadlocking.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

func getMarketTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	m, err := scanMarketFromRow(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("get market: %w", err)
	}
	return m, nil
}

func getOrderTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrderFromRow(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func lockBalanceTx(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance_micros FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	return balance, nil
}

// lockPositionTx locks the position row and returns its quantity; a missing
// row reads as zero without creating it.
func lockPositionTx(ctx context.Context, tx pgx.Tx, userID, marketID, outcome string) (int64, error) {
	var qty int64
	err := tx.QueryRow(ctx,
		`SELECT quantity FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 FOR UPDATE`,
		userID, marketID, outcome,
	).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("lock position: %w", err)
	}
	return qty, nil
}

// addPositionTx moves a position quantity by delta, creating the row on first
// touch. The caller must have locked the row (or know it does not exist yet).
func addPositionTx(ctx context.Context, tx pgx.Tx, userID, marketID, outcome string, delta int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome, quantity, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id, market_id, outcome)
		 DO UPDATE SET quantity = positions.quantity + $4, updated_at = NOW()`,
		userID, marketID, outcome, delta)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

func strPtr(s string) *string { return &s }

// PlaceOrder reserves funds or shares and inserts the order, all in one
// transaction. A BUY debits RemainingQuantity x ReserveTicks as a stake
// entry; a SELL moves the quantity out of the position.
func (s *SettlementStore) PlaceOrder(ctx context.Context, o domain.Order) (domain.PlaceResult, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = domain.OrderStatusOpen

	var res domain.PlaceResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := getMarketTx(ctx, tx, o.MarketID, false)
		if err != nil {
			return err
		}
		switch m.Status {
		case domain.MarketStatusOpen:
		case domain.MarketStatusPaused:
			return domain.ErrMarketPaused
		default:
			return domain.ErrMarketNotOpen
		}
		if !m.HasOutcome(o.Outcome) {
			return domain.ErrUnknownOutcome
		}

		switch o.Side {
		case domain.OrderSideBuy:
			if o.ReserveTicks <= 0 {
				return fmt.Errorf("%w: missing reserve price", domain.ErrInvalidOrder)
			}
			reserve := o.Quantity * o.ReserveTicks
			balance, err := lockBalanceTx(ctx, tx, o.UserID)
			if err != nil {
				return err
			}
			if balance < reserve {
				return domain.ErrInsufficientFunds
			}
			if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
				UserID:       o.UserID,
				MarketID:     &o.MarketID,
				OrderID:      &o.ID,
				Type:         domain.EntryTypeStake,
				AmountMicros: -reserve,
				Description:  "order placement stake",
			}); err != nil {
				return err
			}
			res.ReservedMicros = reserve
			res.NewBalanceMicros = balance - reserve

		case domain.OrderSideSell:
			held, err := lockPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome)
			if err != nil {
				return err
			}
			if held < o.Quantity {
				return domain.ErrInsufficientShares
			}
			if err := addPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome, -o.Quantity); err != nil {
				return err
			}
			balance, err := lockBalanceTx(ctx, tx, o.UserID)
			if err != nil {
				return err
			}
			res.ReservedShares = o.Quantity
			res.NewBalanceMicros = balance

		default:
			return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidOrder, o.Side)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO orders
			 (id, user_id, market_id, outcome, side, order_type, time_in_force,
			  quantity, filled_quantity, price_ticks, reserve_ticks, trigger_ticks,
			  expires_at, parent_order_id, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $13, 'open')
			 RETURNING `+orderSelectCols,
			o.ID, o.UserID, o.MarketID, o.Outcome, o.Side, o.Type, o.TimeInForce,
			o.Quantity, o.PriceTicks, o.ReserveTicks, o.TriggerTicks,
			o.ExpiresAt, o.ParentOrderID)
		res.Order, err = scanOrderFromRow(row)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.PlaceResult{}, wrapStoreErr("place order", err)
	}
	return res, nil
}

// AmendOrder changes the remaining quantity and/or limit price of an OPEN
// order, settling the reservation difference against the balance or position.
func (s *SettlementStore) AmendOrder(ctx context.Context, orderID, userID string, quantity int64, priceTicks *int64) (domain.AmendResult, error) {
	var res domain.AmendResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOrderTx(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return domain.ErrUnauthorized
		}
		if o.Status != domain.OrderStatusOpen {
			if o.IsTerminal() {
				return domain.ErrOrderTerminal
			}
			return fmt.Errorf("%w: only open orders can be amended", domain.ErrInvalidOrder)
		}
		if quantity <= o.FilledQuantity {
			return fmt.Errorf("%w: quantity must exceed the filled quantity", domain.ErrInvalidOrder)
		}

		newPrice := o.PriceTicks
		if priceTicks != nil {
			switch o.Type {
			case domain.OrderTypeLimit, domain.OrderTypeStopLimit:
				if *priceTicks <= 0 || *priceTicks > domain.MicrosPerUnit {
					return fmt.Errorf("%w: limit price required in (0, 1]", domain.ErrInvalidOrder)
				}
				newPrice = priceTicks
			default:
				return fmt.Errorf("%w: price not allowed for %s orders", domain.ErrInvalidOrder, o.Type)
			}
		}

		newReserve := o.ReserveTicks
		if newPrice != nil {
			newReserve = *newPrice
		}

		switch o.Side {
		case domain.OrderSideBuy:
			oldReserved := o.RemainingReservedMicros()
			newReserved := (quantity - o.FilledQuantity) * newReserve
			delta := newReserved - oldReserved
			if delta != 0 {
				balance, err := lockBalanceTx(ctx, tx, o.UserID)
				if err != nil {
					return err
				}
				if delta > 0 && balance < delta {
					return domain.ErrInsufficientFunds
				}
				if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
					UserID:       o.UserID,
					MarketID:     &o.MarketID,
					OrderID:      &o.ID,
					Type:         domain.EntryTypeAdjustment,
					AmountMicros: -delta,
					Description:  "order amendment reserve change",
				}); err != nil {
					return err
				}
				res.NewBalanceMicros = balance - delta
			} else {
				balance, err := lockBalanceTx(ctx, tx, o.UserID)
				if err != nil {
					return err
				}
				res.NewBalanceMicros = balance
			}
			res.ReserveDeltaMicros = delta

		case domain.OrderSideSell:
			shareDelta := quantity - o.Quantity
			if shareDelta != 0 {
				held, err := lockPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome)
				if err != nil {
					return err
				}
				if shareDelta > 0 && held < shareDelta {
					return domain.ErrInsufficientShares
				}
				if err := addPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome, -shareDelta); err != nil {
					return err
				}
			}
			balance, err := lockBalanceTx(ctx, tx, o.UserID)
			if err != nil {
				return err
			}
			res.ShareDelta = shareDelta
			res.NewBalanceMicros = balance
		}

		row := tx.QueryRow(ctx,
			`UPDATE orders
			 SET quantity = $2, price_ticks = $3, reserve_ticks = $4, updated_at = NOW()
			 WHERE id = $1 AND status = 'open'
			 RETURNING `+orderSelectCols,
			orderID, quantity, newPrice, newReserve)
		res.Order, err = scanOrderFromRow(row)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AmendResult{}, wrapStoreErr("amend order", err)
	}
	return res, nil
}

// cancelLockedTx moves an already-locked live order to the given terminal
// status and refunds its unfilled remainder. The caller has verified the
// order is cancellable.
func cancelLockedTx(ctx context.Context, tx pgx.Tx, o domain.Order, status domain.OrderStatus, reason domain.CancelReason) (domain.CancelResult, error) {
	res := domain.CancelResult{Reason: reason}

	switch o.Side {
	case domain.OrderSideBuy:
		refund := o.RemainingReservedMicros()
		balance, err := lockBalanceTx(ctx, tx, o.UserID)
		if err != nil {
			return res, err
		}
		if refund > 0 {
			if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
				UserID:       o.UserID,
				MarketID:     &o.MarketID,
				OrderID:      &o.ID,
				Type:         domain.EntryTypeRefund,
				AmountMicros: refund,
				Description:  "order " + string(status) + " refund",
			}); err != nil {
				return res, err
			}
		}
		res.RefundType = domain.RefundTypeBalance
		res.RefundMicros = refund
		res.NewBalanceMicros = balance + refund

	case domain.OrderSideSell:
		shares := o.RemainingQuantity()
		if shares > 0 {
			if _, err := lockPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome); err != nil {
				return res, err
			}
			if err := addPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome, shares); err != nil {
				return res, err
			}
		}
		balance, err := lockBalanceTx(ctx, tx, o.UserID)
		if err != nil {
			return res, err
		}
		res.RefundType = domain.RefundTypeShares
		res.SharesReturned = shares
		res.NewBalanceMicros = balance
	}

	row := tx.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2, cancel_reason = $3, cancelled_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('open', 'triggered')
		 RETURNING `+orderSelectCols,
		o.ID, status, reason)
	updated, err := scanOrderFromRow(row)
	if err != nil {
		return res, fmt.Errorf("update order: %w", err)
	}
	res.Order = updated
	return res, nil
}

// CancelOrder cancels an OPEN or TRIGGERED order and refunds the unfilled
// remainder. A user-requested cancel of a terminal order is an error; system
// cancellations racing a fill report Skipped instead.
func (s *SettlementStore) CancelOrder(ctx context.Context, orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
	var res domain.CancelResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOrderTx(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if requestedBy != "" && o.UserID != requestedBy {
			return domain.ErrUnauthorized
		}
		if !o.Cancellable() {
			if reason == domain.CancelReasonUserRequested {
				return domain.ErrNotCancellable
			}
			res = domain.CancelResult{Order: o, Reason: reason, Skipped: true}
			return nil
		}
		res, err = cancelLockedTx(ctx, tx, o, domain.OrderStatusCancelled, reason)
		return err
	})
	if err != nil {
		return domain.CancelResult{}, wrapStoreErr("cancel order", err)
	}
	return res, nil
}

// ExpireOrder moves a GTD order past its expiry to EXPIRED with the same
// refund rule as cancellation. An order that is no longer open reports
// Skipped; the sweep races user cancels and fills all the time.
func (s *SettlementStore) ExpireOrder(ctx context.Context, orderID string) (domain.CancelResult, error) {
	var res domain.CancelResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOrderTx(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusOpen || o.TimeInForce != domain.TimeInForceGTD {
			res = domain.CancelResult{Order: o, Reason: domain.CancelReasonExpired, Skipped: true}
			return nil
		}
		res, err = cancelLockedTx(ctx, tx, o, domain.OrderStatusExpired, domain.CancelReasonExpired)
		return err
	})
	if err != nil {
		return domain.CancelResult{}, wrapStoreErr("expire order", err)
	}
	return res, nil
}

// ApplyFill applies an externally matched fill to an open order. A BUY gains
// shares and releases the gap between the reserved and the fill price; a SELL
// is credited proceeds at the fill price.
func (s *SettlementStore) ApplyFill(ctx context.Context, orderID string, quantity, priceTicks int64) (domain.FillResult, error) {
	if quantity <= 0 || priceTicks <= 0 {
		return domain.FillResult{}, fmt.Errorf("postgres: apply fill: %w: non-positive quantity or price", domain.ErrInvalidOrder)
	}

	var res domain.FillResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOrderTx(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusOpen {
			if o.IsTerminal() {
				return domain.ErrOrderTerminal
			}
			return fmt.Errorf("%w: order is not fillable", domain.ErrInvalidOrder)
		}
		if quantity > o.RemainingQuantity() {
			return domain.ErrOverfill
		}
		// FOK is all-or-nothing: a partial match never commits.
		if o.TimeInForce == domain.TimeInForceFOK && quantity < o.RemainingQuantity() {
			return domain.ErrPartialFOK
		}

		balance, err := lockBalanceTx(ctx, tx, o.UserID)
		if err != nil {
			return err
		}

		switch o.Side {
		case domain.OrderSideBuy:
			if _, err := lockPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome); err != nil {
				return err
			}
			if err := addPositionTx(ctx, tx, o.UserID, o.MarketID, o.Outcome, quantity); err != nil {
				return err
			}
			// Reserved at ReserveTicks, filled at priceTicks: settle the gap.
			adj := (o.ReserveTicks - priceTicks) * quantity
			if adj != 0 {
				if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
					UserID:       o.UserID,
					MarketID:     &o.MarketID,
					OrderID:      &o.ID,
					Type:         domain.EntryTypeAdjustment,
					AmountMicros: adj,
					Description:  "fill price adjustment",
				}); err != nil {
					return err
				}
			}
			res.AdjustmentMicros = adj
			res.NewBalanceMicros = balance + adj

		case domain.OrderSideSell:
			proceeds := priceTicks * quantity
			if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
				UserID:       o.UserID,
				MarketID:     &o.MarketID,
				OrderID:      &o.ID,
				Type:         domain.EntryTypeProceeds,
				AmountMicros: proceeds,
				Description:  "fill proceeds",
			}); err != nil {
				return err
			}
			res.ProceedsMicros = proceeds
			res.NewBalanceMicros = balance + proceeds
		}

		newFilled := o.FilledQuantity + quantity
		complete := newFilled == o.Quantity
		var row pgx.Row
		if complete {
			row = tx.QueryRow(ctx,
				`UPDATE orders
				 SET filled_quantity = $2, status = 'filled', filled_at = NOW(), updated_at = NOW()
				 WHERE id = $1 RETURNING `+orderSelectCols,
				orderID, newFilled)
		} else {
			row = tx.QueryRow(ctx,
				`UPDATE orders SET filled_quantity = $2, updated_at = NOW()
				 WHERE id = $1 RETURNING `+orderSelectCols,
				orderID, newFilled)
		}
		res.Order, err = scanOrderFromRow(row)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		res.AppliedQuantity = quantity
		res.Complete = complete
		return nil
	})
	if err != nil {
		return domain.FillResult{}, wrapStoreErr("apply fill", err)
	}
	return res, nil
}

// MarkTriggered moves a dormant conditional order OPEN -> TRIGGERED. The
// status predicate makes concurrent trigger evaluations fire exactly once.
func (s *SettlementStore) MarkTriggered(ctx context.Context, orderID string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE orders SET status = 'triggered', triggered_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'open'
		   AND order_type IN ('STOP_LOSS', 'TAKE_PROFIT', 'STOP_LIMIT')
		 RETURNING `+orderSelectCols, orderID)
	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, s.explainMissedTransition(ctx, orderID)
		}
		return domain.Order{}, fmt.Errorf("postgres: mark triggered: %w", err)
	}
	return o, nil
}

// ActivateTriggered moves TRIGGERED -> OPEN as the underlying order type,
// ready for the matching engine.
func (s *SettlementStore) ActivateTriggered(ctx context.Context, orderID string) (domain.Order, error) {
	var activated domain.Order
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := getOrderTx(ctx, tx, orderID, true)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusTriggered {
			if o.IsTerminal() {
				return domain.ErrOrderTerminal
			}
			return fmt.Errorf("%w: order is not triggered", domain.ErrInvalidOrder)
		}
		row := tx.QueryRow(ctx,
			`UPDATE orders SET status = 'open', order_type = $2, updated_at = NOW()
			 WHERE id = $1 RETURNING `+orderSelectCols,
			orderID, o.UnderlyingType())
		activated, err = scanOrderFromRow(row)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapStoreErr("activate triggered", err)
	}
	return activated, nil
}

// cancelLiveOrdersTx cancels every open or triggered order on the market with
// the given reason, inside the caller's transaction. The market row is
// already locked, which orders the sweep against concurrent placements.
func cancelLiveOrdersTx(ctx context.Context, tx pgx.Tx, marketID string, reason domain.CancelReason) ([]domain.CancelResult, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'triggered')
		 ORDER BY id FOR UPDATE`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list live orders: %w", err)
	}
	live, err := scanOrderRows(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("scan live orders: %w", err)
	}

	results := make([]domain.CancelResult, 0, len(live))
	for _, o := range live {
		r, err := cancelLockedTx(ctx, tx, o, domain.OrderStatusCancelled, reason)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// CloseMarket force-closes an open market and cancels all of its live orders
// with reason market_closed, in one transaction. A market that is no longer
// open reports Skipped so concurrent sweeps stay idempotent.
func (s *SettlementStore) CloseMarket(ctx context.Context, marketID string) (domain.CloseResult, error) {
	var res domain.CloseResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := getMarketTx(ctx, tx, marketID, true)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusOpen {
			res = domain.CloseResult{Market: m, Skipped: true}
			return nil
		}

		row := tx.QueryRow(ctx,
			`UPDATE markets SET status = 'closed', updated_at = NOW()
			 WHERE id = $1 RETURNING `+marketSelectCols, marketID)
		res.Market, err = scanMarketFromRow(row)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		res.Cancellations, err = cancelLiveOrdersTx(ctx, tx, marketID, domain.CancelReasonMarketClosed)
		return err
	})
	if err != nil {
		return domain.CloseResult{}, wrapStoreErr("close market", err)
	}
	return res, nil
}

// ResolveMarket settles a market to a final outcome: residual live orders are
// cancelled with reason market_resolved, every winning position is paid
// settlementValue per share, the market moves to resolved and one resolution
// row is appended. An open market is closed on the way; a paused one refuses.
func (s *SettlementStore) ResolveMarket(ctx context.Context, req domain.ResolveRequest) (domain.ResolveResult, error) {
	value := req.SettlementValueMicros
	if value <= 0 {
		value = domain.DefaultSettlementValueMicros
	}

	var res domain.ResolveResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := getMarketTx(ctx, tx, req.MarketID, true)
		if err != nil {
			return err
		}
		switch m.Status {
		case domain.MarketStatusResolved:
			return domain.ErrAlreadyResolved
		case domain.MarketStatusPaused:
			return domain.ErrMarketPaused
		}
		if !m.HasOutcome(req.Outcome) {
			return domain.ErrUnknownOutcome
		}

		res.Cancellations, err = cancelLiveOrdersTx(ctx, tx, req.MarketID, domain.CancelReasonMarketResolved)
		if err != nil {
			return err
		}

		positions, err := listPositionsTx(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		res.Summary = domain.ComputeResolution(req.MarketID, req.Outcome, positions, value)

		for _, line := range res.Summary.Payouts {
			if _, err := lockBalanceTx(ctx, tx, line.UserID); err != nil {
				return err
			}
			if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
				UserID:       line.UserID,
				MarketID:     &req.MarketID,
				Type:         domain.EntryTypePayout,
				AmountMicros: line.AmountMicros,
				Description:  "resolution payout: " + req.Outcome,
			}); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx,
			`UPDATE markets
			 SET status = 'resolved', outcome = $2, resolved_at = NOW(), resolved_by = $3,
			     resolution_notes = $4, scheduled_resolution_at = NULL, scheduled_outcome = NULL,
			     updated_at = NOW()
			 WHERE id = $1 RETURNING `+marketSelectCols,
			req.MarketID, req.Outcome, req.ResolvedBy, req.Notes)
		res.Market, err = scanMarketFromRow(row)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		res.Record, err = insertResolutionTx(ctx, tx, domain.ResolutionRecord{
			MarketID:          req.MarketID,
			Outcome:           req.Outcome,
			ResolvedBy:        req.ResolvedBy,
			Notes:             req.Notes,
			HoldersCount:      res.Summary.HoldersCount,
			WinnersCount:      res.Summary.WinnersCount,
			LosersCount:       res.Summary.LosersCount,
			TotalPayoutMicros: res.Summary.TotalPayoutMicros,
			CancelledOrders:   countCancelled(res.Cancellations),
		})
		return err
	})
	if err != nil {
		return domain.ResolveResult{}, wrapStoreErr("resolve market", err)
	}
	return res, nil
}

// ApplyCorrection re-resolves an already-resolved market to a new outcome.
// Prior payouts are reversed from the ledger's own record of them, which
// makes repeated corrections safe: each reversal takes back exactly the net
// amount the market has paid the user so far. Balances may go negative here;
// the reconciler reports them and operators chase the debt.
func (s *SettlementStore) ApplyCorrection(ctx context.Context, req domain.CorrectionRequest) (domain.ResolveResult, error) {
	if req.Reason == "" {
		return domain.ResolveResult{}, fmt.Errorf("postgres: apply correction: %w", domain.ErrReasonRequired)
	}
	value := req.SettlementValueMicros
	if value <= 0 {
		value = domain.DefaultSettlementValueMicros
	}

	var res domain.ResolveResult
	err := runInTx(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := getMarketTx(ctx, tx, req.MarketID, true)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusResolved || m.Outcome == nil {
			return domain.ErrNotResolved
		}
		if *m.Outcome == req.NewOutcome {
			return domain.ErrSameOutcome
		}
		if !m.HasOutcome(req.NewOutcome) {
			return domain.ErrUnknownOutcome
		}
		previous := *m.Outcome

		// Net settlement paid so far, straight from the ledger.
		rows, err := tx.Query(ctx,
			`SELECT user_id, SUM(amount_micros) FROM ledger_entries
			 WHERE market_id = $1 AND entry_type IN ('payout', 'reversal')
			 GROUP BY user_id HAVING SUM(amount_micros) <> 0
			 ORDER BY user_id`, req.MarketID)
		if err != nil {
			return fmt.Errorf("sum prior payouts: %w", err)
		}
		type netLine struct {
			userID string
			amount int64
		}
		var nets []netLine
		for rows.Next() {
			var n netLine
			if err := rows.Scan(&n.userID, &n.amount); err != nil {
				rows.Close()
				return fmt.Errorf("scan prior payouts: %w", err)
			}
			nets = append(nets, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate prior payouts: %w", err)
		}

		for _, n := range nets {
			if _, err := lockBalanceTx(ctx, tx, n.userID); err != nil {
				return err
			}
			if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
				UserID:       n.userID,
				MarketID:     &req.MarketID,
				Type:         domain.EntryTypeReversal,
				AmountMicros: -n.amount,
				Description:  "correction reversal: " + previous,
			}); err != nil {
				return err
			}
			res.Reversals = append(res.Reversals, domain.PayoutLine{
				UserID:       n.userID,
				AmountMicros: n.amount,
			})
		}

		positions, err := listPositionsTx(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		res.Summary = domain.ComputeResolution(req.MarketID, req.NewOutcome, positions, value)

		for _, line := range res.Summary.Payouts {
			if _, err := lockBalanceTx(ctx, tx, line.UserID); err != nil {
				return err
			}
			if _, err := appendEntryTx(ctx, tx, domain.LedgerEntry{
				UserID:       line.UserID,
				MarketID:     &req.MarketID,
				Type:         domain.EntryTypePayout,
				AmountMicros: line.AmountMicros,
				Description:  "correction payout: " + req.NewOutcome,
			}); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx,
			`UPDATE markets
			 SET outcome = $2, resolved_at = NOW(), resolved_by = $3, updated_at = NOW()
			 WHERE id = $1 RETURNING `+marketSelectCols,
			req.MarketID, req.NewOutcome, req.ResolvedBy)
		res.Market, err = scanMarketFromRow(row)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		res.Record, err = insertResolutionTx(ctx, tx, domain.ResolutionRecord{
			MarketID:          req.MarketID,
			Outcome:           req.NewOutcome,
			Correction:        true,
			PreviousOutcome:   strPtr(previous),
			CorrectionReason:  req.Reason,
			ResolvedBy:        req.ResolvedBy,
			HoldersCount:      res.Summary.HoldersCount,
			WinnersCount:      res.Summary.WinnersCount,
			LosersCount:       res.Summary.LosersCount,
			TotalPayoutMicros: res.Summary.TotalPayoutMicros,
		})
		return err
	})
	if err != nil {
		return domain.ResolveResult{}, wrapStoreErr("apply correction", err)
	}
	return res, nil
}

func listPositionsTx(ctx context.Context, tx pgx.Tx, marketID string) ([]domain.Position, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE market_id = $1 AND quantity > 0
		 ORDER BY user_id, outcome`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

func countCancelled(results []domain.CancelResult) int {
	n := 0
	for _, r := range results {
		if !r.Skipped {
			n++
		}
	}
	return n
}

// explainMissedTransition distinguishes a missing order from one whose status
// no longer permits the transition, after a predicate UPDATE matched nothing.
func (s *SettlementStore) explainMissedTransition(ctx context.Context, orderID string) error {
	o := &OrderStore{pool: s.pool}
	got, err := o.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if got.IsTerminal() {
		return domain.ErrOrderTerminal
	}
	return fmt.Errorf("postgres: order %s in status %s: %w", orderID, got.Status, domain.ErrInvalidOrder)
}

// wrapStoreErr keeps domain sentinels bare for errors.Is while giving raw
// storage failures a postgres prefix.
func wrapStoreErr(op string, err error) error {
	if domain.Reason(err) != "internal" {
		return err
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// Compile-time interface check.
var _ domain.SettlementStore = (*SettlementStore)(nil)
