package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CryptoSettle/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrPriceUnavailable = errors.New("price unavailable")

var DefaultIDs = map[models.Asset]string{
	models.AssetBTC:       "bitcoin",
	models.AssetTRC20USDT: "tether",
}

type RateSource interface {
	GetRate(ctx context.Context, asset models.Asset) (models.Quote, error)
}

type Options struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	IDs      map[models.Asset]string
	Cache    *QuoteCache
	CacheTTL time.Duration
}

// Oracle fetches USD spot rates from a CoinGecko-compatible simple price API.
// It never substitutes a stale or zero rate: any failure is ErrPriceUnavailable.
type Oracle struct {
	baseURL  string
	apiKey   string
	ids      map[models.Asset]string
	client   *http.Client
	cache    *QuoteCache
	cacheTTL time.Duration
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

func NewOracle(opts Options, logger *zap.Logger) *Oracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ids := opts.IDs
	if len(ids) == 0 {
		ids = DefaultIDs
	}
	return &Oracle{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		ids:      ids,
		client:   &http.Client{Timeout: timeout},
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

func (o *Oracle) GetRate(ctx context.Context, asset models.Asset) (models.Quote, error) {
	id, ok := o.ids[asset]
	if !ok {
		return models.Quote{}, fmt.Errorf("%w: no oracle id for %s", ErrPriceUnavailable, asset)
	}

	if o.cacheEnabled() {
		q, hit, err := o.cache.Get(ctx, asset)
		if err != nil {
			o.logger.Warn("quote cache read failed", zap.String("asset", asset.String()), zap.Error(err))
		} else if hit {
			return q, nil
		}
	}

	// The shared fetch outlives any single caller; the client timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := o.group.DoChan(id, func() (any, error) {
		return o.fetch(fetchCtx, asset, id)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return models.Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, ctx.Err())
	}
	if res.Err != nil {
		return models.Quote{}, res.Err
	}
	q := res.Val.(models.Quote)

	if o.cacheEnabled() {
		if err := o.cache.Set(ctx, q, o.cacheTTL); err != nil {
			o.logger.Warn("quote cache write failed", zap.String("asset", asset.String()), zap.Error(err))
		}
	}
	return q, nil
}

func (o *Oracle) cacheEnabled() bool {
	return o.cache != nil && o.cacheTTL > 0
}

func (o *Oracle) fetch(ctx context.Context, asset models.Asset, id string) (models.Quote, error) {
	u, err := url.Parse(o.baseURL + "/simple/price")
	if err != nil {
		return models.Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Quote{}, fmt.Errorf("%w: oracle http status %d: %s", ErrPriceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Quote{}, fmt.Errorf("%w: malformed oracle response: %v", ErrPriceUnavailable, err)
	}
	raw, ok := out[id]["usd"]
	if !ok {
		return models.Quote{}, fmt.Errorf("%w: oracle response has no usd price for %s", ErrPriceUnavailable, id)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: bad rate %q: %v", ErrPriceUnavailable, raw, err)
	}
	if !rate.IsPositive() {
		return models.Quote{}, fmt.Errorf("%w: non-positive rate %s for %s", ErrPriceUnavailable, rate, id)
	}

	return models.Quote{
		Asset:     asset,
		USDRate:   rate,
		Source:    "coingecko",
		FetchedAt: o.now().UTC(),
	}, nil
}
