package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeBus records publishes and serves no subscriptions.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

// fakeAudit records logged events.
type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

// fakeLimiter allows or denies everything.
type fakeLimiter struct{ allow bool }

func (l *fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, nil
}

// fakePrices is an in-memory PriceCache.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]int64
	times  map[string]time.Time
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: map[string]int64{}, times: map[string]time.Time{}}
}

func priceCacheKey(marketID, outcome string) string { return marketID + "/" + outcome }

func (p *fakePrices) SetLastPrice(_ context.Context, marketID, outcome string, priceTicks int64, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := priceCacheKey(marketID, outcome)
	p.prices[k] = priceTicks
	p.times[k] = ts
	return nil
}

func (p *fakePrices) LastPrice(_ context.Context, marketID, outcome string) (int64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := priceCacheKey(marketID, outcome)
	price, ok := p.prices[k]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, p.times[k], nil
}

// fakeMarketCache is an in-memory MarketCache.
type fakeMarketCache struct {
	mu          sync.Mutex
	markets     map[string]domain.Market
	invalidated []string
}

func newFakeMarketCache() *fakeMarketCache {
	return &fakeMarketCache{markets: map[string]domain.Market{}}
}

func (c *fakeMarketCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[m.ID] = m
	return nil
}

func (c *fakeMarketCache) Get(_ context.Context, id string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *fakeMarketCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

// fakeOrderStore serves reads from function fields, nil fields meaning empty.
type fakeOrderStore struct {
	getByID            func(id string) (domain.Order, error)
	listOpenByUser     func(userID string) ([]domain.Order, error)
	listConditional    func(marketID string) ([]domain.Order, error)
	listSiblings       func(parentID, excludeID string) ([]domain.Order, error)
	listExpiredGTD     func(now time.Time, limit int) ([]domain.Order, error)
	listByMarketOrders []domain.Order
}

func (s *fakeOrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	if s.getByID == nil {
		return domain.Order{}, domain.ErrNotFound
	}
	return s.getByID(id)
}

func (s *fakeOrderStore) ListByUser(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func (s *fakeOrderStore) ListByMarket(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return s.listByMarketOrders, nil
}

func (s *fakeOrderStore) ListOpenByUser(_ context.Context, userID string) ([]domain.Order, error) {
	if s.listOpenByUser == nil {
		return nil, nil
	}
	return s.listOpenByUser(userID)
}

func (s *fakeOrderStore) ListOpenByMarket(context.Context, string) ([]domain.Order, error) {
	return nil, nil
}

func (s *fakeOrderStore) ListConditionalOpen(_ context.Context, marketID string) ([]domain.Order, error) {
	if s.listConditional == nil {
		return nil, nil
	}
	return s.listConditional(marketID)
}

func (s *fakeOrderStore) ListSiblings(_ context.Context, parentID, excludeID string) ([]domain.Order, error) {
	if s.listSiblings == nil {
		return nil, nil
	}
	return s.listSiblings(parentID, excludeID)
}

func (s *fakeOrderStore) ListExpiredGTD(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if s.listExpiredGTD == nil {
		return nil, nil
	}
	return s.listExpiredGTD(now, limit)
}

// fakeMarketStore serves markets from a map; lifecycle writes mutate it.
type fakeMarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
}

func newFakeMarketStore(markets ...domain.Market) *fakeMarketStore {
	s := &fakeMarketStore{markets: map[string]domain.Market{}}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return s
}

func (s *fakeMarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.markets[m.ID] = m
	return nil
}

func (s *fakeMarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeMarketStore) GetBySlug(_ context.Context, slug string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.Slug == slug {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (s *fakeMarketStore) List(_ context.Context, status domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMarketStore) ListExpired(_ context.Context, now time.Time, _ int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Expired(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMarketStore) ListScheduledDue(_ context.Context, now time.Time, _ int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == domain.MarketStatusClosed && m.ScheduledResolutionAt != nil && !m.ScheduledResolutionAt.After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeMarketStore) Pause(_ context.Context, id, reason string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.Market{}, domain.ErrMarketNotOpen
	}
	m.Status = domain.MarketStatusPaused
	m.PauseReason = reason
	s.markets[id] = m
	return m, nil
}

func (s *fakeMarketStore) Resume(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusPaused {
		return domain.Market{}, domain.ErrMarketNotOpen
	}
	m.Status = domain.MarketStatusOpen
	m.PauseReason = ""
	s.markets[id] = m
	return m, nil
}

func (s *fakeMarketStore) ScheduleResolution(_ context.Context, id string, at time.Time, outcome string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	m.ScheduledResolutionAt = &at
	m.ScheduledOutcome = &outcome
	s.markets[id] = m
	return m, nil
}

// fakePositionStore serves fixed positions.
type fakePositionStore struct {
	positions []domain.Position
}

func (s *fakePositionStore) Get(_ context.Context, userID, marketID, outcome string) (domain.Position, error) {
	for _, p := range s.positions {
		if p.UserID == userID && p.MarketID == marketID && p.Outcome == outcome {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *fakePositionStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Quantity > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListNonZeroByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.Quantity > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeResolutionStore serves fixed history.
type fakeResolutionStore struct {
	records []domain.ResolutionRecord
}

func (s *fakeResolutionStore) ListByMarket(_ context.Context, marketID string) ([]domain.ResolutionRecord, error) {
	var out []domain.ResolutionRecord
	for _, r := range s.records {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeResolutionStore) Latest(_ context.Context, marketID string) (domain.ResolutionRecord, error) {
	recs, _ := s.ListByMarket(context.Background(), marketID)
	if len(recs) == 0 {
		return domain.ResolutionRecord{}, domain.ErrNotFound
	}
	return recs[len(recs)-1], nil
}

// fakeSettle stubs domain.SettlementStore through function fields; unset
// fields return zero values.
type fakeSettle struct {
	placeOrder       func(o domain.Order) (domain.PlaceResult, error)
	amendOrder       func(orderID, userID string, quantity int64, priceTicks *int64) (domain.AmendResult, error)
	cancelOrder      func(orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error)
	expireOrder      func(orderID string) (domain.CancelResult, error)
	applyFill        func(orderID string, quantity, priceTicks int64) (domain.FillResult, error)
	markTriggered    func(orderID string) (domain.Order, error)
	activate         func(orderID string) (domain.Order, error)
	closeMarket      func(marketID string) (domain.CloseResult, error)
	resolveMarket    func(req domain.ResolveRequest) (domain.ResolveResult, error)
	applyCorrection  func(req domain.CorrectionRequest) (domain.ResolveResult, error)
}

func (s *fakeSettle) PlaceOrder(_ context.Context, o domain.Order) (domain.PlaceResult, error) {
	if s.placeOrder == nil {
		return domain.PlaceResult{Order: o}, nil
	}
	return s.placeOrder(o)
}

func (s *fakeSettle) AmendOrder(_ context.Context, orderID, userID string, quantity int64, priceTicks *int64) (domain.AmendResult, error) {
	if s.amendOrder == nil {
		return domain.AmendResult{}, nil
	}
	return s.amendOrder(orderID, userID, quantity, priceTicks)
}

func (s *fakeSettle) CancelOrder(_ context.Context, orderID, requestedBy string, reason domain.CancelReason) (domain.CancelResult, error) {
	if s.cancelOrder == nil {
		return domain.CancelResult{}, nil
	}
	return s.cancelOrder(orderID, requestedBy, reason)
}

func (s *fakeSettle) ExpireOrder(_ context.Context, orderID string) (domain.CancelResult, error) {
	if s.expireOrder == nil {
		return domain.CancelResult{}, nil
	}
	return s.expireOrder(orderID)
}

func (s *fakeSettle) ApplyFill(_ context.Context, orderID string, quantity, priceTicks int64) (domain.FillResult, error) {
	if s.applyFill == nil {
		return domain.FillResult{}, nil
	}
	return s.applyFill(orderID, quantity, priceTicks)
}

func (s *fakeSettle) MarkTriggered(_ context.Context, orderID string) (domain.Order, error) {
	if s.markTriggered == nil {
		return domain.Order{}, nil
	}
	return s.markTriggered(orderID)
}

func (s *fakeSettle) ActivateTriggered(_ context.Context, orderID string) (domain.Order, error) {
	if s.activate == nil {
		return domain.Order{}, nil
	}
	return s.activate(orderID)
}

func (s *fakeSettle) CloseMarket(_ context.Context, marketID string) (domain.CloseResult, error) {
	if s.closeMarket == nil {
		return domain.CloseResult{}, nil
	}
	return s.closeMarket(marketID)
}

func (s *fakeSettle) ResolveMarket(_ context.Context, req domain.ResolveRequest) (domain.ResolveResult, error) {
	if s.resolveMarket == nil {
		return domain.ResolveResult{}, nil
	}
	return s.resolveMarket(req)
}

func (s *fakeSettle) ApplyCorrection(_ context.Context, req domain.CorrectionRequest) (domain.ResolveResult, error) {
	if s.applyCorrection == nil {
		return domain.ResolveResult{}, nil
	}
	return s.applyCorrection(req)
}

// fakeDisputeStore stubs domain.DisputeStore through function fields.
type fakeDisputeStore struct {
	create      func(d domain.Dispute) (domain.Dispute, error)
	getByID     func(id string) (domain.Dispute, error)
	upvote      func(id string) (domain.Dispute, bool, error)
	startReview func(id, reviewer string) (domain.Dispute, error)
	review      func(id, reviewer string, verdict domain.DisputeStatus, notes, action string) (domain.Dispute, error)
}

func (s *fakeDisputeStore) Create(_ context.Context, d domain.Dispute) (domain.Dispute, error) {
	if s.create == nil {
		d.Status = domain.DisputeStatusPending
		d.Priority = domain.DisputePriorityNormal
		return d, nil
	}
	return s.create(d)
}

func (s *fakeDisputeStore) GetByID(_ context.Context, id string) (domain.Dispute, error) {
	if s.getByID == nil {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return s.getByID(id)
}

func (s *fakeDisputeStore) ListByMarket(context.Context, string, domain.ListOpts) ([]domain.Dispute, error) {
	return nil, nil
}

func (s *fakeDisputeStore) ListByUser(context.Context, string, domain.ListOpts) ([]domain.Dispute, error) {
	return nil, nil
}

func (s *fakeDisputeStore) ListByStatus(context.Context, domain.DisputeStatus, domain.ListOpts) ([]domain.Dispute, error) {
	return nil, nil
}

func (s *fakeDisputeStore) Upvote(_ context.Context, id string) (domain.Dispute, bool, error) {
	if s.upvote == nil {
		return domain.Dispute{}, false, domain.ErrNotFound
	}
	return s.upvote(id)
}

func (s *fakeDisputeStore) StartReview(_ context.Context, id, reviewer string) (domain.Dispute, error) {
	if s.startReview == nil {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return s.startReview(id, reviewer)
}

func (s *fakeDisputeStore) Review(_ context.Context, id, reviewer string, verdict domain.DisputeStatus, notes, action string) (domain.Dispute, error) {
	if s.review == nil {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return s.review(id, reviewer, verdict, notes, action)
}

// fakeArchiver stubs domain.Archiver through function fields.
type fakeArchiver struct {
	archive func(marketID string) (string, error)
	list    func(marketID string) ([]domain.BlobInfo, error)
	open    func(marketID, name string) (io.ReadCloser, error)
}

func (a *fakeArchiver) ArchiveSettlement(_ context.Context, marketID string) (string, error) {
	if a.archive == nil {
		return "settlements/" + marketID + "/test.jsonl", nil
	}
	return a.archive(marketID)
}

func (a *fakeArchiver) ListSettlements(_ context.Context, marketID string) ([]domain.BlobInfo, error) {
	if a.list == nil {
		return nil, nil
	}
	return a.list(marketID)
}

func (a *fakeArchiver) OpenSettlement(_ context.Context, marketID, name string) (io.ReadCloser, error) {
	if a.open == nil {
		return nil, domain.ErrNotFound
	}
	return a.open(marketID, name)
}

// Interface conformance for the fakes.
var (
	_ domain.SignalBus       = (*fakeBus)(nil)
	_ domain.AuditStore      = (*fakeAudit)(nil)
	_ domain.RateLimiter     = (*fakeLimiter)(nil)
	_ domain.PriceCache      = (*fakePrices)(nil)
	_ domain.MarketCache     = (*fakeMarketCache)(nil)
	_ domain.OrderStore      = (*fakeOrderStore)(nil)
	_ domain.MarketStore     = (*fakeMarketStore)(nil)
	_ domain.PositionStore   = (*fakePositionStore)(nil)
	_ domain.ResolutionStore = (*fakeResolutionStore)(nil)
	_ domain.SettlementStore = (*fakeSettle)(nil)
	_ domain.DisputeStore    = (*fakeDisputeStore)(nil)
	_ domain.Archiver        = (*fakeArchiver)(nil)
)
