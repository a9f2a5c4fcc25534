package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

// These tests run against a real PostgreSQL instance. Point
// MARKETD_TEST_DATABASE_DSN at a scratch database to enable them; migrations
// are idempotent and every test keys its rows by fresh UUIDs, so a shared
// database is fine.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("MARKETD_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("MARKETD_TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()
	client, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

func createTestUser(t *testing.T, client *Client, balanceMicros int64) string {
	t.Helper()
	id := "u-" + uuid.NewString()
	_, err := client.Pool().Exec(context.Background(),
		`INSERT INTO users (id, balance_micros) VALUES ($1, $2)`, id, balanceMicros)
	require.NoError(t, err)
	return id
}

func createTestMarket(t *testing.T, client *Client) string {
	t.Helper()
	id := "m-" + uuid.NewString()
	err := NewMarketStore(client.Pool()).Create(context.Background(), domain.Market{
		ID:        id,
		Question:  "integration test market",
		Slug:      id,
		Outcomes:  []string{"yes", "no"},
		Status:    domain.MarketStatusOpen,
		ClosingAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return id
}

func givePosition(t *testing.T, client *Client, userID, marketID, outcome string, quantity int64) {
	t.Helper()
	_, err := client.Pool().Exec(context.Background(),
		`INSERT INTO positions (user_id, market_id, outcome, quantity) VALUES ($1, $2, $3, $4)`,
		userID, marketID, outcome, quantity)
	require.NoError(t, err)
}

func TestApplyCorrectionReversesNetPayouts(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	settle := NewSettlementStore(client.Pool())
	ledger := NewLedgerStore(client.Pool())

	market := createTestMarket(t, client)
	alice := createTestUser(t, client, 0)
	bob := createTestUser(t, client, 0)
	givePosition(t, client, alice, market, "yes", 20)
	givePosition(t, client, bob, market, "no", 15)

	_, err := settle.ResolveMarket(ctx, domain.ResolveRequest{
		MarketID: market, Outcome: "yes", ResolvedBy: "admin",
	})
	require.NoError(t, err)

	balance, err := ledger.GetBalance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 20*domain.DefaultSettlementValueMicros, balance)

	res, err := settle.ApplyCorrection(ctx, domain.CorrectionRequest{
		MarketID: market, NewOutcome: "no", ResolvedBy: "admin", Reason: "source misread",
	})
	require.NoError(t, err)

	// The reversal takes back exactly what the market paid alice so far.
	require.Len(t, res.Reversals, 1)
	assert.Equal(t, alice, res.Reversals[0].UserID)
	assert.Equal(t, 20*domain.DefaultSettlementValueMicros, res.Reversals[0].AmountMicros)

	balance, err = ledger.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, balance)
	balance, err = ledger.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 15*domain.DefaultSettlementValueMicros, balance)

	assert.True(t, res.Record.Correction)
	require.NotNil(t, res.Record.PreviousOutcome)
	assert.Equal(t, "yes", *res.Record.PreviousOutcome)
	assert.Equal(t, "source misread", res.Record.CorrectionReason)

	// Correcting back again nets both users to exactly their share value:
	// every reversal is computed from the ledger, not from the summary of
	// the previous resolution.
	res, err = settle.ApplyCorrection(ctx, domain.CorrectionRequest{
		MarketID: market, NewOutcome: "yes", ResolvedBy: "admin", Reason: "second review",
	})
	require.NoError(t, err)
	require.Len(t, res.Reversals, 1)
	assert.Equal(t, bob, res.Reversals[0].UserID)

	balance, err = ledger.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 20*domain.DefaultSettlementValueMicros, balance)
	balance, err = ledger.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestCancelOrderRefundsAtMostOnce(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	settle := NewSettlementStore(client.Pool())
	ledger := NewLedgerStore(client.Pool())

	market := createTestMarket(t, client)
	user := createTestUser(t, client, 10_000_000)

	price := int64(500_000)
	placed, err := settle.PlaceOrder(ctx, domain.Order{
		UserID:       user,
		MarketID:     market,
		Outcome:      "yes",
		Side:         domain.OrderSideBuy,
		Type:         domain.OrderTypeLimit,
		TimeInForce:  domain.TimeInForceGTC,
		Quantity:     10,
		PriceTicks:   &price,
		ReserveTicks: price,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), placed.ReservedMicros)

	first, err := settle.CancelOrder(ctx, placed.Order.ID, user, domain.CancelReasonUserRequested)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), first.RefundMicros)
	assert.Equal(t, int64(10_000_000), first.NewBalanceMicros)

	// A second user cancel is rejected outright.
	_, err = settle.CancelOrder(ctx, placed.Order.ID, user, domain.CancelReasonUserRequested)
	require.ErrorIs(t, err, domain.ErrNotCancellable)

	// A racing system cancel lands on the terminal order and reports
	// Skipped without a second refund.
	second, err := settle.CancelOrder(ctx, placed.Order.ID, "", domain.CancelReasonMarketClosed)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Zero(t, second.RefundMicros)

	balance, err := ledger.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), balance)
}

func TestApplyFillFOKAllOrNothing(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	settle := NewSettlementStore(client.Pool())
	ledger := NewLedgerStore(client.Pool())

	market := createTestMarket(t, client)
	user := createTestUser(t, client, 10_000_000)

	price := int64(500_000)
	placed, err := settle.PlaceOrder(ctx, domain.Order{
		UserID:       user,
		MarketID:     market,
		Outcome:      "yes",
		Side:         domain.OrderSideBuy,
		Type:         domain.OrderTypeLimit,
		TimeInForce:  domain.TimeInForceFOK,
		Quantity:     10,
		PriceTicks:   &price,
		ReserveTicks: price,
	})
	require.NoError(t, err)

	_, err = settle.ApplyFill(ctx, placed.Order.ID, 4, price)
	require.ErrorIs(t, err, domain.ErrPartialFOK)

	// The rejected partial left the order and the stake untouched.
	o, err := NewOrderStore(client.Pool()).GetByID(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.Zero(t, o.FilledQuantity)
	balance, err := ledger.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), balance)

	full, err := settle.ApplyFill(ctx, placed.Order.ID, 10, price)
	require.NoError(t, err)
	assert.True(t, full.Complete)
	assert.Equal(t, domain.OrderStatusFilled, full.Order.Status)
}
