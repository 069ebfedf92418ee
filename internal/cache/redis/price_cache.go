package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per key holding the
// decimal price and its Unix-nanosecond timestamp. Entries expire after ttl
// so a dead price source cannot serve prices forever.
type PriceCache struct {
	client *Client
	ttl    time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries indefinitely.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{client: c, ttl: ttl}
}

// SetPrice stores the latest USD price for key.
func (pc *PriceCache) SetPrice(ctx context.Context, key string, price decimal.Decimal, ts time.Time) error {
	rk := pc.client.key("price", key)
	pipe := pc.client.Underlying().TxPipeline()
	pipe.HSet(ctx, rk, map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, rk, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice returns the cached price for key or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, key string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.client.Underlying().HGetAll(ctx, pc.client.key("price", key)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	price, ts, err := parsePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	return price, ts, nil
}

// GetPrices fetches several keys in one round trip. Missing or malformed
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, keys []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := pc.client.Underlying().Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, pc.client.key("price", k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	for k, cmd := range cmds {
		price, _, err := parsePrice(cmd.Val())
		if err != nil {
			continue
		}
		out[k] = price
	}
	return out, nil
}

func parsePrice(vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
