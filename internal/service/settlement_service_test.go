package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

func openMarket(id string) domain.Market {
	return domain.Market{
		ID:        id,
		Question:  "Will it settle?",
		Slug:      id + "-slug",
		Outcomes:  []string{"yes", "no"},
		Status:    domain.MarketStatusOpen,
		ClosingAt: time.Now().Add(time.Hour),
	}
}

func newSettlementService(markets *fakeMarketStore, positions *fakePositionStore, settle *fakeSettle, cache *fakeMarketCache, bus *fakeBus) *SettlementService {
	return NewSettlementService(markets, positions, &fakeResolutionStore{}, settle,
		cache, bus, &fakeAudit{}, nil, nil, domain.DefaultSettlementValueMicros, testLogger())
}

func TestPreviewResolutionMath(t *testing.T) {
	markets := newFakeMarketStore(openMarket("m1"))
	positions := &fakePositionStore{positions: []domain.Position{
		{UserID: "alice", MarketID: "m1", Outcome: "yes", Quantity: 20},
		{UserID: "bob", MarketID: "m1", Outcome: "no", Quantity: 15},
	}}
	svc := newSettlementService(markets, positions, &fakeSettle{}, newFakeMarketCache(), newFakeBus())

	sum, err := svc.PreviewResolution(context.Background(), "m1", "yes")
	require.NoError(t, err)

	assert.Equal(t, 2, sum.HoldersCount)
	assert.Equal(t, 1, sum.WinnersCount)
	assert.Equal(t, 1, sum.LosersCount)
	assert.Equal(t, 20*domain.DefaultSettlementValueMicros, sum.TotalPayoutMicros)
	require.Len(t, sum.Payouts, 1)
	assert.Equal(t, "alice", sum.Payouts[0].UserID)
}

func TestPreviewRejectsUnknownOutcome(t *testing.T) {
	markets := newFakeMarketStore(openMarket("m1"))
	svc := newSettlementService(markets, &fakePositionStore{}, &fakeSettle{}, newFakeMarketCache(), newFakeBus())

	_, err := svc.PreviewResolution(context.Background(), "m1", "maybe")
	assert.ErrorIs(t, err, domain.ErrUnknownOutcome)
}

func TestResolvePublishesAndInvalidates(t *testing.T) {
	outcome := "yes"
	resolved := openMarket("m1")
	resolved.Status = domain.MarketStatusResolved
	resolved.Outcome = &outcome

	settle := &fakeSettle{
		resolveMarket: func(req domain.ResolveRequest) (domain.ResolveResult, error) {
			assert.Equal(t, domain.DefaultSettlementValueMicros, req.SettlementValueMicros)
			return domain.ResolveResult{
				Market: resolved,
				Record: domain.ResolutionRecord{MarketID: "m1", Outcome: outcome},
				Summary: domain.ResolutionSummary{
					MarketID: "m1", Outcome: outcome,
					Payouts:      []domain.PayoutLine{{UserID: "alice", Quantity: 20, AmountMicros: 20_000_000}},
					WinnersCount: 1,
				},
				Cancellations: []domain.CancelResult{{
					Order:        domain.Order{ID: "o1", UserID: "bob", MarketID: "m1"},
					Reason:       domain.CancelReasonMarketResolved,
					RefundType:   domain.RefundTypeBalance,
					RefundMicros: 1_000_000,
				}},
			}, nil
		},
	}
	cache := newFakeMarketCache()
	require.NoError(t, cache.Set(context.Background(), openMarket("m1")))
	bus := newFakeBus()
	svc := newSettlementService(newFakeMarketStore(openMarket("m1")), &fakePositionStore{}, settle, cache, bus)

	_, err := svc.ResolveMarket(context.Background(), "m1", "yes", "admin", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, cache.invalidated)
	assert.Equal(t, 1, bus.count(domain.ChannelMarkets))
	// One payout balance event plus one refund balance event.
	assert.Equal(t, 2, bus.count(domain.ChannelBalances))
	assert.Equal(t, 1, bus.count(domain.ChannelOrders))
}

func TestCloseMarketSkippedStaysQuiet(t *testing.T) {
	settle := &fakeSettle{
		closeMarket: func(marketID string) (domain.CloseResult, error) {
			return domain.CloseResult{Skipped: true}, nil
		},
	}
	cache := newFakeMarketCache()
	bus := newFakeBus()
	svc := newSettlementService(newFakeMarketStore(), &fakePositionStore{}, settle, cache, bus)

	res, err := svc.CloseMarket(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, cache.invalidated)
	assert.Equal(t, 0, bus.count(domain.ChannelMarkets))
}

func TestCloseMarketBalanceEventPerUser(t *testing.T) {
	closed := openMarket("m1")
	closed.Status = domain.MarketStatusClosed

	cancel := func(id, user string) domain.CancelResult {
		return domain.CancelResult{
			Order:        domain.Order{ID: id, UserID: user, MarketID: "m1"},
			Reason:       domain.CancelReasonMarketClosed,
			RefundType:   domain.RefundTypeBalance,
			RefundMicros: 5_000_000,
		}
	}
	settle := &fakeSettle{
		closeMarket: func(marketID string) (domain.CloseResult, error) {
			return domain.CloseResult{
				Market: closed,
				Cancellations: []domain.CancelResult{
					cancel("o1", "carol"), cancel("o2", "carol"),
					cancel("o3", "carol"), cancel("o4", "dave"),
				},
			}, nil
		},
	}
	bus := newFakeBus()
	svc := newSettlementService(newFakeMarketStore(openMarket("m1")), &fakePositionStore{}, settle, newFakeMarketCache(), bus)

	_, err := svc.CloseMarket(context.Background(), "m1")
	require.NoError(t, err)

	// One order event per cancellation, one balance event per distinct user.
	assert.Equal(t, 4, bus.count(domain.ChannelOrders))
	assert.Equal(t, 2, bus.count(domain.ChannelBalances))
}

func TestListArchivesWithoutArchiverIsNotFound(t *testing.T) {
	svc := newSettlementService(newFakeMarketStore(openMarket("m1")), &fakePositionStore{}, &fakeSettle{}, newFakeMarketCache(), newFakeBus())

	_, err := svc.ListArchives(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListArchivesReturnsBundles(t *testing.T) {
	archiver := &fakeArchiver{
		list: func(marketID string) ([]domain.BlobInfo, error) {
			return []domain.BlobInfo{{
				Path: "settlements/" + marketID + "/20260101T000000Z.jsonl",
				Size: 2048,
			}}, nil
		},
	}
	svc := NewSettlementService(newFakeMarketStore(openMarket("m1")), &fakePositionStore{},
		&fakeResolutionStore{}, &fakeSettle{}, newFakeMarketCache(), newFakeBus(),
		&fakeAudit{}, nil, archiver, domain.DefaultSettlementValueMicros, testLogger())

	archives, err := svc.ListArchives(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "settlements/m1/20260101T000000Z.jsonl", archives[0].Path)

	_, err = svc.ListArchives(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenArchiveStreamsBundle(t *testing.T) {
	archiver := &fakeArchiver{
		open: func(marketID, name string) (io.ReadCloser, error) {
			require.Equal(t, "m1", marketID)
			require.Equal(t, "20260101T000000Z.jsonl", name)
			return io.NopCloser(strings.NewReader(`{"kind":"market"}` + "\n")), nil
		},
	}
	svc := NewSettlementService(newFakeMarketStore(openMarket("m1")), &fakePositionStore{},
		&fakeResolutionStore{}, &fakeSettle{}, newFakeMarketCache(), newFakeBus(),
		&fakeAudit{}, nil, archiver, domain.DefaultSettlementValueMicros, testLogger())

	body, err := svc.OpenArchive(context.Background(), "m1", "20260101T000000Z.jsonl")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"market"`)
}

func TestCreateMarketValidation(t *testing.T) {
	svc := newSettlementService(newFakeMarketStore(), &fakePositionStore{}, &fakeSettle{}, newFakeMarketCache(), newFakeBus())

	m := openMarket("m1")
	m.Outcomes = []string{"yes"}
	_, err := svc.CreateMarket(context.Background(), m)
	assert.Error(t, err)

	m = openMarket("m2")
	m.ClosingAt = time.Now().Add(-time.Hour)
	_, err = svc.CreateMarket(context.Background(), m)
	assert.Error(t, err)

	m = openMarket("m3")
	created, err := svc.CreateMarket(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, created.Status)
}

func TestScheduleResolutionChecksOutcome(t *testing.T) {
	markets := newFakeMarketStore(openMarket("m1"))
	svc := newSettlementService(markets, &fakePositionStore{}, &fakeSettle{}, newFakeMarketCache(), newFakeBus())

	_, err := svc.ScheduleResolution(context.Background(), "m1", time.Now().Add(time.Hour), "maybe")
	assert.ErrorIs(t, err, domain.ErrUnknownOutcome)

	m, err := svc.ScheduleResolution(context.Background(), "m1", time.Now().Add(time.Hour), "yes")
	require.NoError(t, err)
	require.NotNil(t, m.ScheduledOutcome)
	assert.Equal(t, "yes", *m.ScheduledOutcome)
}

func TestGetMarketPopulatesCache(t *testing.T) {
	markets := newFakeMarketStore(openMarket("m1"))
	cache := newFakeMarketCache()
	svc := newSettlementService(markets, &fakePositionStore{}, &fakeSettle{}, cache, newFakeBus())

	m, err := svc.GetMarket(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	cached, err := cache.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", cached.ID)
}
