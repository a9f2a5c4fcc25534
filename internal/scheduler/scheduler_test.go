package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeLocks grants or refuses every acquire and counts unlocks.
type fakeLocks struct {
	held     bool
	unlocked int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() { l.unlocked++ }, nil
}

type fakeExpiredLister struct {
	markets []domain.Market
}

func (f *fakeExpiredLister) ListExpired(context.Context, time.Time, int) ([]domain.Market, error) {
	return f.markets, nil
}

type fakeCloser struct {
	closed  []string
	failIDs map[string]error
	skipIDs map[string]bool
}

func (f *fakeCloser) CloseMarket(_ context.Context, marketID string) (domain.CloseResult, error) {
	if err, ok := f.failIDs[marketID]; ok {
		return domain.CloseResult{}, err
	}
	if f.skipIDs[marketID] {
		return domain.CloseResult{Skipped: true}, nil
	}
	f.closed = append(f.closed, marketID)
	return domain.CloseResult{}, nil
}

type fakeExpirer struct {
	expired int
}

func (f *fakeExpirer) ExpireDue(context.Context, time.Time, int) (int, error) {
	return f.expired, nil
}

type fakeDueLister struct {
	markets []domain.Market
}

func (f *fakeDueLister) ListScheduledDue(context.Context, time.Time, int) ([]domain.Market, error) {
	return f.markets, nil
}

type fakeResolver struct {
	resolved []string
	outcomes []string
	failErr  error
}

func (f *fakeResolver) ResolveMarket(_ context.Context, marketID, outcome, _, _ string) (domain.ResolveResult, error) {
	if f.failErr != nil {
		return domain.ResolveResult{}, f.failErr
	}
	f.resolved = append(f.resolved, marketID)
	f.outcomes = append(f.outcomes, outcome)
	return domain.ResolveResult{}, nil
}

func expiredMarket(id string) domain.Market {
	return domain.Market{
		ID:        id,
		Status:    domain.MarketStatusOpen,
		ClosingAt: time.Now().Add(-time.Minute),
	}
}

func TestSweepClosesExpiredMarkets(t *testing.T) {
	closer := &fakeCloser{}
	locks := &fakeLocks{}
	s := NewSweeper(
		&fakeExpiredLister{markets: []domain.Market{expiredMarket("m1"), expiredMarket("m2")}},
		&fakeExpirer{}, closer, locks, testLogger(),
	)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"m1", "m2"}, closer.closed)
	assert.Equal(t, 1, locks.unlocked)
}

func TestSweepContinuesPastFailingMarket(t *testing.T) {
	closer := &fakeCloser{failIDs: map[string]error{"m1": assert.AnError}}
	s := NewSweeper(
		&fakeExpiredLister{markets: []domain.Market{expiredMarket("m1"), expiredMarket("m2")}},
		&fakeExpirer{}, closer, &fakeLocks{}, testLogger(),
	)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"m2"}, closer.closed)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	closer := &fakeCloser{}
	s := NewSweeper(
		&fakeExpiredLister{markets: []domain.Market{expiredMarket("m1")}},
		&fakeExpirer{}, closer, &fakeLocks{held: true}, testLogger(),
	)

	require.NoError(t, s.Run(context.Background()))
	assert.Empty(t, closer.closed)
}

func TestResolverExecutesDueSchedules(t *testing.T) {
	outcome := "yes"
	due := domain.Market{ID: "m1", Status: domain.MarketStatusClosed, ScheduledOutcome: &outcome}
	resolver := &fakeResolver{}
	r := NewResolver(&fakeDueLister{markets: []domain.Market{due}}, resolver, &fakeLocks{}, testLogger())

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"m1"}, resolver.resolved)
	assert.Equal(t, []string{"yes"}, resolver.outcomes)
}

func TestResolverToleratesAlreadyResolved(t *testing.T) {
	outcome := "yes"
	due := domain.Market{ID: "m1", Status: domain.MarketStatusClosed, ScheduledOutcome: &outcome}
	resolver := &fakeResolver{failErr: domain.ErrAlreadyResolved}
	r := NewResolver(&fakeDueLister{markets: []domain.Market{due}}, resolver, &fakeLocks{}, testLogger())

	require.NoError(t, r.Run(context.Background()))
	assert.Empty(t, resolver.resolved)
}

func TestResolverSkipsMissingOutcome(t *testing.T) {
	due := domain.Market{ID: "m1", Status: domain.MarketStatusClosed}
	resolver := &fakeResolver{}
	r := NewResolver(&fakeDueLister{markets: []domain.Market{due}}, resolver, &fakeLocks{}, testLogger())

	require.NoError(t, r.Run(context.Background()))
	assert.Empty(t, resolver.resolved)
}

type fakeDrift struct {
	drifts []domain.BalanceDrift
}

func (f *fakeDrift) FindDrift(context.Context) ([]domain.BalanceDrift, error) {
	return f.drifts, nil
}

type fakeAudit struct {
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestReconcilerAuditsDrift(t *testing.T) {
	audit := &fakeAudit{}
	drift := &fakeDrift{drifts: []domain.BalanceDrift{
		{UserID: "alice", BalanceMicros: 1_000_000, LedgerSumMicros: 900_000},
	}}
	r := NewReconciler(drift, audit, &fakeLocks{}, nil, testLogger())

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"ledger.drift"}, audit.events)
}

func TestReconcilerCleanPassIsQuiet(t *testing.T) {
	audit := &fakeAudit{}
	r := NewReconciler(&fakeDrift{}, audit, &fakeLocks{}, nil, testLogger())

	require.NoError(t, r.Run(context.Background()))
	assert.Empty(t, audit.events)
}
