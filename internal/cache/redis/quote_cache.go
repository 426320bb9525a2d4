package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bondfi/bondledger/internal/domain"
)

// quoteTTL bounds staleness when the refresher dies; readers fall back to a
// marketplace scan on a miss.
const quoteTTL = 10 * time.Minute

// QuoteCache implements domain.QuoteCache using Redis hashes. Each
// instrument's snapshot lives at "quote:{id}" with fields "buy", "sell", and
// "ts"; an absent side field means no open orders on that side.
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(id domain.InstrumentID) string {
	return fmt.Sprintf("quote:%d", id)
}

// Set stores the best-price snapshot for an instrument.
func (qc *QuoteCache) Set(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.Instrument)

	pipe := qc.rdb.TxPipeline()
	pipe.Del(ctx, key)

	fields := map[string]interface{}{
		"ts": strconv.FormatInt(q.UpdatedAt.UnixNano(), 10),
	}
	if q.BestBuy != nil {
		fields["buy"] = strconv.FormatInt(*q.BestBuy, 10)
	}
	if q.BestSell != nil {
		fields["sell"] = strconv.FormatInt(*q.BestSell, 10)
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, quoteTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %d: %w", q.Instrument, err)
	}
	return nil
}

// Get retrieves the best-price snapshot for an instrument. It returns
// domain.ErrNotFound when no snapshot is cached.
func (qc *QuoteCache) Get(ctx context.Context, id domain.InstrumentID) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(id)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %d: %w", id, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	q := domain.Quote{Instrument: id}

	if tsStr, ok := vals["ts"]; ok {
		tsNano, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("redis: parse quote ts %d: %w", id, err)
		}
		q.UpdatedAt = time.Unix(0, tsNano).UTC()
	}
	if buyStr, ok := vals["buy"]; ok {
		buy, err := strconv.ParseInt(buyStr, 10, 64)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("redis: parse quote buy %d: %w", id, err)
		}
		q.BestBuy = &buy
	}
	if sellStr, ok := vals["sell"]; ok {
		sell, err := strconv.ParseInt(sellStr, 10, 64)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("redis: parse quote sell %d: %w", id, err)
		}
		q.BestSell = &sell
	}

	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
