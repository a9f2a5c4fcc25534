package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

func resolvedMarket(id, outcome string) domain.Market {
	m := openMarket(id)
	m.Status = domain.MarketStatusResolved
	m.Outcome = &outcome
	return m
}

func newDisputeService(disputes domain.DisputeStore, markets *fakeMarketStore, settle *fakeSettle, bus *fakeBus) *DisputeService {
	settlement := NewSettlementService(markets, &fakePositionStore{}, &fakeResolutionStore{}, settle,
		newFakeMarketCache(), bus, &fakeAudit{}, nil, nil, domain.DefaultSettlementValueMicros, testLogger())
	return NewDisputeService(disputes, markets, settlement, bus, &fakeAudit{}, nil, testLogger())
}

func TestFileRequiresResolvedMarket(t *testing.T) {
	markets := newFakeMarketStore(openMarket("m1"))
	svc := newDisputeService(&fakeDisputeStore{}, markets, &fakeSettle{}, newFakeBus())

	_, err := svc.File(context.Background(), domain.Dispute{
		MarketID: "m1",
		UserID:   "alice",
		Type:     domain.DisputeTypeWrongOutcome,
		Reason:   "settled against the published source",
	})
	assert.ErrorIs(t, err, domain.ErrNotResolved)
}

func TestFileRequiresReason(t *testing.T) {
	markets := newFakeMarketStore(resolvedMarket("m1", "yes"))
	svc := newDisputeService(&fakeDisputeStore{}, markets, &fakeSettle{}, newFakeBus())

	_, err := svc.File(context.Background(), domain.Dispute{
		MarketID: "m1",
		UserID:   "alice",
		Type:     domain.DisputeTypeWrongOutcome,
	})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
}

func TestFileRejectsUnknownProposedOutcome(t *testing.T) {
	markets := newFakeMarketStore(resolvedMarket("m1", "yes"))
	svc := newDisputeService(&fakeDisputeStore{}, markets, &fakeSettle{}, newFakeBus())

	proposed := "maybe"
	_, err := svc.File(context.Background(), domain.Dispute{
		MarketID:        "m1",
		UserID:          "alice",
		Type:            domain.DisputeTypeWrongOutcome,
		Reason:          "wrong side paid",
		ProposedOutcome: &proposed,
	})
	assert.ErrorIs(t, err, domain.ErrUnknownOutcome)
}

func TestFilePublishesEvent(t *testing.T) {
	markets := newFakeMarketStore(resolvedMarket("m1", "yes"))
	bus := newFakeBus()
	svc := newDisputeService(&fakeDisputeStore{}, markets, &fakeSettle{}, bus)

	d, err := svc.File(context.Background(), domain.Dispute{
		ID:       "d1",
		MarketID: "m1",
		UserID:   "alice",
		Type:     domain.DisputeTypeNewEvidence,
		Reason:   "official result published later",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeStatusPending, d.Status)
	assert.Equal(t, 1, bus.count(domain.ChannelDisputes))
}

func TestUpvoteEscalationPublishes(t *testing.T) {
	disputes := &fakeDisputeStore{
		upvote: func(id string) (domain.Dispute, bool, error) {
			return domain.Dispute{
				ID:       id,
				MarketID: "m1",
				Status:   domain.DisputeStatusPending,
				Priority: domain.DisputePriorityHigh,
				Upvotes:  10,
			}, true, nil
		},
	}
	bus := newFakeBus()
	svc := newDisputeService(disputes, newFakeMarketStore(), &fakeSettle{}, bus)

	d, err := svc.Upvote(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputePriorityHigh, d.Priority)
	assert.Equal(t, 1, bus.count(domain.ChannelDisputes))
}

func TestUpvoteWithoutEscalationStaysQuiet(t *testing.T) {
	disputes := &fakeDisputeStore{
		upvote: func(id string) (domain.Dispute, bool, error) {
			return domain.Dispute{ID: id, Upvotes: 3, Priority: domain.DisputePriorityNormal}, false, nil
		},
	}
	bus := newFakeBus()
	svc := newDisputeService(disputes, newFakeMarketStore(), &fakeSettle{}, bus)

	_, err := svc.Upvote(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, bus.count(domain.ChannelDisputes))
}

func TestApprovedReviewAppliesCorrection(t *testing.T) {
	proposed := "no"
	var reviewed domain.Dispute
	disputes := &fakeDisputeStore{
		getByID: func(id string) (domain.Dispute, error) {
			return domain.Dispute{
				ID:              id,
				MarketID:        "m1",
				Status:          domain.DisputeStatusUnderReview,
				Reason:          "wrong side paid",
				ProposedOutcome: &proposed,
			}, nil
		},
		review: func(id, reviewer string, verdict domain.DisputeStatus, notes, action string) (domain.Dispute, error) {
			reviewed = domain.Dispute{
				ID: id, MarketID: "m1", Status: verdict,
				ReviewedBy: reviewer, ReviewNotes: notes, ResolutionAction: action,
			}
			return reviewed, nil
		},
	}

	var corrected *domain.CorrectionRequest
	settle := &fakeSettle{
		applyCorrection: func(req domain.CorrectionRequest) (domain.ResolveResult, error) {
			corrected = &req
			prev := "yes"
			return domain.ResolveResult{
				Market: resolvedMarket("m1", req.NewOutcome),
				Record: domain.ResolutionRecord{
					ID: 7, MarketID: "m1", Outcome: req.NewOutcome,
					Correction: true, PreviousOutcome: &prev,
				},
			}, nil
		},
	}
	svc := newDisputeService(disputes, newFakeMarketStore(resolvedMarket("m1", "yes")), settle, newFakeBus())

	d, err := svc.Review(context.Background(), "d1", "admin", domain.DisputeStatusApproved, "source confirmed")
	require.NoError(t, err)

	require.NotNil(t, corrected)
	assert.Equal(t, "no", corrected.NewOutcome)
	assert.Equal(t, "admin", corrected.ResolvedBy)
	assert.Contains(t, corrected.Reason, "dispute d1 approved")
	assert.Equal(t, "corrected to no (record 7)", d.ResolutionAction)
	assert.Equal(t, domain.DisputeStatusResolved, d.Status)
}

func TestRejectedReviewSkipsCorrection(t *testing.T) {
	proposed := "no"
	disputes := &fakeDisputeStore{
		getByID: func(id string) (domain.Dispute, error) {
			return domain.Dispute{
				ID: id, MarketID: "m1",
				Status:          domain.DisputeStatusUnderReview,
				ProposedOutcome: &proposed,
			}, nil
		},
		review: func(id, reviewer string, verdict domain.DisputeStatus, notes, action string) (domain.Dispute, error) {
			return domain.Dispute{ID: id, Status: verdict, ResolutionAction: action}, nil
		},
	}
	settle := &fakeSettle{
		applyCorrection: func(domain.CorrectionRequest) (domain.ResolveResult, error) {
			t.Fatal("correction applied on rejected dispute")
			return domain.ResolveResult{}, nil
		},
	}
	svc := newDisputeService(disputes, newFakeMarketStore(), settle, newFakeBus())

	d, err := svc.Review(context.Background(), "d1", "admin", domain.DisputeStatusRejected, "no new evidence")
	require.NoError(t, err)
	assert.Empty(t, d.ResolutionAction)
}
