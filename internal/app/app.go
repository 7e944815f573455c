// Package app wires configuration into the long-lived dependencies shared by
// the api and worker binaries.
package app

import (
	"context"
	"fmt"

	"CryptoSettle/internal/chain"
	"CryptoSettle/internal/config"
	"CryptoSettle/internal/db"
	"CryptoSettle/internal/events"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/models"
	"CryptoSettle/internal/pricing"
	"CryptoSettle/internal/services"
	"CryptoSettle/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deps struct {
	Store   store.OrderStore
	Redis   *redis.Client
	Events  events.Publisher
	Metrics *metrics.Metrics

	closers []func()
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (*Deps, error) {
	d := &Deps{Metrics: m, Events: events.Nop{}}

	st, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	d.Store = st
	d.closers = append(d.closers, closeStore)

	rdb, err := db.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	if rdb != nil {
		d.Redis = rdb
		d.closers = append(d.closers, func() { _ = rdb.Close() })
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		d.Events = pub
		d.closers = append(d.closers, func() { _ = pub.Close() })
		log.Info("order events enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	return d, nil
}

func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.OrderStore, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return store.NewPostgres(pool), pool.Close, nil
	case config.DriverMongo:
		client, err := store.NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		st := store.NewMongo(client.Database(cfg.Mongo.Database))
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return st, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		log.Warn("using in-memory order store; orders are lost on restart")
		return store.NewMemory(), func() {}, nil
	}
}

func NewOracle(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *pricing.Oracle {
	opts := pricing.Options{
		BaseURL:  cfg.Oracle.BaseURL,
		APIKey:   cfg.Oracle.APIKey,
		Timeout:  cfg.OracleTimeout(),
		CacheTTL: cfg.OracleCacheTTL(),
	}
	if len(cfg.Oracle.IDs) > 0 {
		opts.IDs = map[models.Asset]string{}
		for k, v := range cfg.Oracle.IDs {
			if asset, err := models.ParseAsset(k); err == nil {
				opts.IDs[asset] = v
			}
		}
	}
	if rdb != nil && opts.CacheTTL > 0 {
		opts.Cache = pricing.NewQuoteCache(rdb)
	}
	return pricing.NewOracle(opts, log.Named("oracle"))
}

// NewOrderService validates the configured receive addresses before
// accepting them.
func NewOrderService(cfg *config.Config, d *Deps, oracle pricing.RateSource, log *zap.Logger) (*services.OrderService, error) {
	params, err := chain.NetworkParams(cfg.BTC.Network)
	if err != nil {
		return nil, err
	}

	svc := services.NewOrderService(d.Store, oracle, d.Events, d.Metrics, log.Named("orders"))
	if addr := cfg.BTC.WatchAddress; addr != "" {
		if err := chain.ValidateAddress(models.AssetBTC, addr, params); err != nil {
			return nil, err
		}
		svc.WatchAddresses[models.AssetBTC] = addr
	}
	if addr := cfg.TRC20.WatchAddress; addr != "" {
		if err := chain.ValidateAddress(models.AssetTRC20USDT, addr, params); err != nil {
			return nil, err
		}
		svc.WatchAddresses[models.AssetTRC20USDT] = addr
	}
	if cfg.BTC.XPub != "" {
		deriver, err := chain.NewAddressDeriver(cfg.BTC.XPub, params)
		if err != nil {
			return nil, err
		}
		svc.BTCDeriver = deriver
	}
	return svc, nil
}

// Monitors builds a chain monitor for every asset that has explorers configured.
func Monitors(cfg *config.Config) ([]chain.Monitor, error) {
	var out []chain.Monitor
	if cfg.BTC.WatchAddress != "" || cfg.BTC.XPub != "" {
		urls := cfg.BTC.ExplorerURLs
		if len(urls) == 0 {
			urls = []string{"https://blockchain.info"}
		}
		m, err := chain.NewBTCMonitor(urls, cfg.BTC.FailoverThreshold, cfg.HTTPTimeout())
		if err != nil {
			return nil, fmt.Errorf("btc monitor: %w", err)
		}
		out = append(out, m)
	}
	if cfg.TRC20.WatchAddress != "" {
		urls := cfg.TRC20.ExplorerURLs
		if len(urls) == 0 {
			urls = []string{"https://api.trongrid.io"}
		}
		m, err := chain.NewTRC20Monitor(urls, cfg.TRC20.ContractAddress, cfg.TRC20.APIKey, cfg.TRC20.FailoverThreshold, cfg.HTTPTimeout())
		if err != nil {
			return nil, fmt.Errorf("trc20 monitor: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
