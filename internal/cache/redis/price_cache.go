package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openpredict/marketd/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. The last trade
// price per (market, outcome) is stored as a hash at "price:{marketID}" with
// one "{outcome}" field holding the price and one "{outcome}:ts" field
// holding the Unix nanosecond timestamp.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(marketID string) string {
	return "price:" + marketID
}

// SetLastPrice stores the last trade price and timestamp for an outcome.
func (pc *PriceCache) SetLastPrice(ctx context.Context, marketID, outcome string, priceTicks int64, ts time.Time) error {
	fields := map[string]interface{}{
		outcome:         strconv.FormatInt(priceTicks, 10),
		outcome + ":ts": strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(marketID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set last price %s/%s: %w", marketID, outcome, err)
	}
	return nil
}

// LastPrice retrieves the last trade price and timestamp for an outcome.
// It returns domain.ErrNotFound when no trade has been recorded yet.
func (pc *PriceCache) LastPrice(ctx context.Context, marketID, outcome string) (int64, time.Time, error) {
	vals, err := pc.rdb.HMGet(ctx, priceKey(marketID), outcome, outcome+":ts").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get last price %s/%s: %w", marketID, outcome, err)
	}
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals[0].(string)
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseInt(priceStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s/%s: %w", marketID, outcome, err)
	}

	tsStr, ok := vals[1].(string)
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s/%s: %w", marketID, outcome, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// LastPrices retrieves the last trade prices for several markets of the same
// outcome id using a pipeline. Markets without a recorded trade are omitted.
func (pc *PriceCache) LastPrices(ctx context.Context, marketIDs []string, outcome string) (map[string]int64, error) {
	if len(marketIDs) == 0 {
		return map[string]int64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(marketIDs))
	for _, id := range marketIDs {
		cmds[id] = pipe.HGet(ctx, priceKey(id), outcome)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: last prices pipeline: %w", err)
	}

	result := make(map[string]int64, len(marketIDs))
	for id, cmd := range cmds {
		priceStr, err := cmd.Result()
		if err != nil {
			continue
		}
		price, err := strconv.ParseInt(priceStr, 10, 64)
		if err != nil {
			continue
		}
		result[id] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
