package domain

import (
	"context"
	"time"
)

// PriceCache tracks the last trade price per (market, outcome). Trigger
// evaluation and MARKET-order reserve estimates read from here; the matcher
// trade feed writes to it.
type PriceCache interface {
	SetLastPrice(ctx context.Context, marketID, outcome string, priceTicks int64, ts time.Time) error
	LastPrice(ctx context.Context, marketID, outcome string) (priceTicks int64, ts time.Time, err error)
}

// MarketCache provides fast market metadata lookups in front of the store.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The scheduler holds a lock per
// sweep tick so only one instance runs it.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams. Outbound notifications are
// published after their transaction commits; inbound fills and trades from
// the matching engine arrive through Subscribe.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
