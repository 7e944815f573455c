package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"CryptoSettle/internal/models"

	"github.com/redis/go-redis/v9"
)

const quoteNamespace = "quote"

// QuoteCache keeps freshly fetched quotes for a short TTL so bursts of order
// creation stay within the oracle's request budget.
type QuoteCache struct {
	client redis.UniversalClient
}

func NewQuoteCache(client redis.UniversalClient) *QuoteCache {
	return &QuoteCache{client: client}
}

func (c *QuoteCache) Get(ctx context.Context, asset models.Asset) (models.Quote, bool, error) {
	v, err := c.client.Get(ctx, quoteKey(asset)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Quote{}, false, nil
	}
	if err != nil {
		return models.Quote{}, false, err
	}
	var q models.Quote
	if err := json.Unmarshal([]byte(v), &q); err != nil {
		return models.Quote{}, false, err
	}
	if !q.USDRate.IsPositive() {
		return models.Quote{}, false, nil
	}
	return q, true, nil
}

func (c *QuoteCache) Set(ctx context.Context, q models.Quote, ttl time.Duration) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, quoteKey(q.Asset), string(b), ttl).Err()
}

func quoteKey(asset models.Asset) string {
	return quoteNamespace + ":" + string(asset)
}
