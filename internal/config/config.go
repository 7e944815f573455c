package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Driver string `yaml:"driver"`
	} `yaml:"store"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Oracle struct {
		BaseURL         string            `yaml:"base_url"`
		APIKey          string            `yaml:"api_key"`
		TimeoutSeconds  int               `yaml:"timeout_seconds"`
		CacheTTLSeconds int               `yaml:"cache_ttl_seconds"`
		IDs             map[string]string `yaml:"ids"`
	} `yaml:"oracle"`
	BTC struct {
		Network           string   `yaml:"network"`
		WatchAddress      string   `yaml:"watch_address"`
		XPub              string   `yaml:"xpub"`
		ExplorerURLs      []string `yaml:"explorer_urls"`
		WSEndpoint        string   `yaml:"ws_endpoint"`
		FailoverThreshold int      `yaml:"failover_threshold"`
	} `yaml:"btc"`
	TRC20 struct {
		WatchAddress      string   `yaml:"watch_address"`
		ContractAddress   string   `yaml:"contract_address"`
		ExplorerURLs      []string `yaml:"explorer_urls"`
		APIKey            string   `yaml:"api_key"`
		FailoverThreshold int      `yaml:"failover_threshold"`
	} `yaml:"trc20"`
	Worker struct {
		IntervalSeconds      int  `yaml:"interval_seconds"`
		RefreshSeconds       int  `yaml:"refresh_seconds"`
		BackoffMaxSeconds    int  `yaml:"backoff_max_seconds"`
		HTTPTimeoutSeconds   int  `yaml:"http_timeout_seconds"`
		ExpiryMinutes        int  `yaml:"expiry_minutes"`
		SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
		LeaseEnabled         bool `yaml:"lease_enabled"`
	} `yaml:"worker"`
}

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required")
		}
	case DriverMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return errors.New("mongo.uri and mongo.database are required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.BTC.WatchAddress == "" && c.BTC.XPub == "" && c.TRC20.WatchAddress == "" {
		return errors.New("no watch address configured")
	}
	if c.TRC20.WatchAddress != "" && c.TRC20.ContractAddress == "" {
		return errors.New("trc20.contract_address is required")
	}
	if c.Oracle.BaseURL == "" {
		return errors.New("oracle.base_url is required")
	}
	if c.Worker.LeaseEnabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when worker.lease_enabled is set")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverPostgres
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "settlement"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "settlement.orders"
	}
	if cfg.Oracle.TimeoutSeconds <= 0 {
		cfg.Oracle.TimeoutSeconds = 10
	}
	if cfg.BTC.Network == "" {
		cfg.BTC.Network = "mainnet"
	}
	if cfg.BTC.FailoverThreshold <= 0 {
		cfg.BTC.FailoverThreshold = 3
	}
	if cfg.TRC20.FailoverThreshold <= 0 {
		cfg.TRC20.FailoverThreshold = 3
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 10
	}
	if cfg.Worker.RefreshSeconds <= 0 {
		cfg.Worker.RefreshSeconds = cfg.Worker.IntervalSeconds
	}
	if cfg.Worker.BackoffMaxSeconds <= 0 {
		cfg.Worker.BackoffMaxSeconds = 300
	}
	if cfg.Worker.HTTPTimeoutSeconds <= 0 {
		cfg.Worker.HTTPTimeoutSeconds = 10
	}
	if cfg.Worker.ExpiryMinutes <= 0 {
		cfg.Worker.ExpiryMinutes = 24 * 60
	}
	if cfg.Worker.SweepIntervalSeconds <= 0 {
		cfg.Worker.SweepIntervalSeconds = 60
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Worker.RefreshSeconds) * time.Second
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Worker.BackoffMaxSeconds) * time.Second
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Worker.HTTPTimeoutSeconds) * time.Second
}

func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

func (c *Config) OracleCacheTTL() time.Duration {
	return time.Duration(c.Oracle.CacheTTLSeconds) * time.Second
}

func (c *Config) OrderExpiry() time.Duration {
	return time.Duration(c.Worker.ExpiryMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Worker.SweepIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("ORACLE_CACHE_TTL_SECONDS"); v != "" {
		cfg.Oracle.CacheTTLSeconds = atoiOr(cfg.Oracle.CacheTTLSeconds, v)
	}
	if v := os.Getenv("BTC_NETWORK"); v != "" {
		cfg.BTC.Network = v
	}
	if v := os.Getenv("BTC_WATCH_ADDRESS"); v != "" {
		cfg.BTC.WatchAddress = v
	}
	if v := os.Getenv("BTC_XPUB"); v != "" {
		cfg.BTC.XPub = v
	}
	if v := os.Getenv("BTC_EXPLORER_URLS"); v != "" {
		cfg.BTC.ExplorerURLs = splitCommaList(v)
	}
	if v := os.Getenv("BTC_WS_ENDPOINT"); v != "" {
		cfg.BTC.WSEndpoint = v
	}
	if v := os.Getenv("TRC20_WATCH_ADDRESS"); v != "" {
		cfg.TRC20.WatchAddress = v
	}
	if v := os.Getenv("TRC20_CONTRACT_ADDRESS"); v != "" {
		cfg.TRC20.ContractAddress = v
	}
	if v := os.Getenv("TRC20_EXPLORER_URLS"); v != "" {
		cfg.TRC20.ExplorerURLs = splitCommaList(v)
	}
	if v := os.Getenv("TRC20_API_KEY"); v != "" {
		cfg.TRC20.APIKey = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_BACKOFF_MAX_SECONDS"); v != "" {
		cfg.Worker.BackoffMaxSeconds = atoiOr(cfg.Worker.BackoffMaxSeconds, v)
	}
	if v := os.Getenv("ORDER_EXPIRY_MINUTES"); v != "" {
		cfg.Worker.ExpiryMinutes = atoiOr(cfg.Worker.ExpiryMinutes, v)
	}
	if v := os.Getenv("WORKER_LEASE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.LeaseEnabled = b
		}
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
