// Package config loads the yaml configuration shared by the backend and the
// wallet client. Secrets come from the environment, optionally seeded from a
// .env file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnvAPIKey        = "WLD_DEVELOPER_API_KEY"
	EnvAppID         = "NEXT_PUBLIC_WLD_APP_ID"
	EnvAppIDFallback = "WORLD_APP_ID"
	EnvPostgresDSN   = "INSTAINR_POSTGRES_DSN"
	EnvRedisPassword = "INSTAINR_REDIS_PASSWORD"

	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full runtime configuration.
type Config struct {
	Server ServerConfig
	Wallet WalletConfig
}

type ServerConfig struct {
	Addr      string
	Domains   []string
	CertCache string

	// SIWEDomains lists the domains sign-in messages may name; empty
	// accepts any.
	SIWEDomains []string

	AppID       string
	APIKey      string
	Recipient   string
	ExplorerURL string

	PortalURL     string
	CoinGeckoURL  string
	WorldChainRPC string

	PriceInterval  time.Duration
	ReservationTTL time.Duration
	SweepInterval  time.Duration

	Reservations ReservationConfig
	Kafka        KafkaConfig
}

type ReservationConfig struct {
	Backend       string
	Path          string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether payout events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

type WalletConfig struct {
	BackendURL    string
	SignerURL     string
	DataDir       string
	DashboardAddr string

	CommissionPercent decimal.Decimal
	MinGrossINR       decimal.Decimal

	PriceInterval   time.Duration
	BalanceInterval time.Duration
	SignerTimeout   time.Duration
	ConfirmRetries  int
	ConfirmInterval time.Duration
	PollAttempts    int
	PollInterval    time.Duration
}

// ConfigTmp mirrors the yaml file. Decimals are strings so that values like
// "10" or "2.5" round-trip exactly.
type ConfigTmp struct {
	Server ServerTmp `yaml:"server"`
	Wallet WalletTmp `yaml:"wallet"`
}

type ServerTmp struct {
	Addr           string         `yaml:"addr,omitempty"`
	Domains        []string       `yaml:"domains,omitempty"`
	CertCache      string         `yaml:"cert_cache,omitempty"`
	SIWEDomains    []string       `yaml:"siwe_domains,omitempty"`
	AppID          string         `yaml:"app_id,omitempty"`
	Recipient      string         `yaml:"recipient,omitempty"`
	ExplorerURL    string         `yaml:"explorer_url,omitempty"`
	PortalURL      string         `yaml:"portal_url,omitempty"`
	CoinGeckoURL   string         `yaml:"coingecko_url,omitempty"`
	WorldChainRPC  string         `yaml:"worldchain_rpc,omitempty"`
	PriceInterval  time.Duration  `yaml:"price_interval,omitempty"`
	ReservationTTL time.Duration  `yaml:"reservation_ttl,omitempty"`
	SweepInterval  time.Duration  `yaml:"sweep_interval,omitempty"`
	Reservations   ReservationTmp `yaml:"reservations,omitempty"`
	Kafka          KafkaTmp       `yaml:"kafka,omitempty"`
}

type ReservationTmp struct {
	Backend   string `yaml:"backend,omitempty"`
	Path      string `yaml:"path,omitempty"`
	DSN       string `yaml:"dsn,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   string `yaml:"redis_db,omitempty"`
}

type KafkaTmp struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

type WalletTmp struct {
	BackendURL           string        `yaml:"backend_url,omitempty"`
	SignerURL            string        `yaml:"signer_url,omitempty"`
	DataDir              string        `yaml:"data_dir,omitempty"`
	DashboardAddr        string        `yaml:"dashboard_addr,omitempty"`
	CommissionPercentStr string        `yaml:"commission_percent,omitempty"`
	MinGrossINRStr       string        `yaml:"min_gross_inr,omitempty"`
	PriceInterval        time.Duration `yaml:"price_interval,omitempty"`
	BalanceInterval      time.Duration `yaml:"balance_interval,omitempty"`
	SignerTimeout        time.Duration `yaml:"signer_timeout,omitempty"`
	ConfirmRetriesStr    string        `yaml:"confirm_retries,omitempty"`
	ConfirmInterval      time.Duration `yaml:"confirm_interval,omitempty"`
	PollAttemptsStr      string        `yaml:"poll_attempts,omitempty"`
	PollInterval         time.Duration `yaml:"poll_interval,omitempty"`
}

// Path parses command-line flags, loads .env into the environment and
// returns the -config value. Callers register their own flags first.
func Path() (string, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()

	// a missing .env is fine, secrets may come from the real environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, "failed to load .env")
	}
	return *path, nil
}

// Load reads the yaml file at path (defaults only when path is empty) and
// applies environment overrides.
func Load(path string) (Config, error) {
	var tmp ConfigTmp
	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	cfg, err := tmp.build()
	if err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c ConfigTmp) build() (Config, error) {
	server, err := c.Server.build()
	if err != nil {
		return Config{}, err
	}
	wallet, err := c.Wallet.build()
	if err != nil {
		return Config{}, err
	}
	return Config{Server: server, Wallet: wallet}, nil
}

func (s ServerTmp) build() (ServerConfig, error) {
	out := ServerConfig{
		Addr:           orDefault(s.Addr, ":3000"),
		Domains:        s.Domains,
		CertCache:      orDefault(s.CertCache, "cert-cache"),
		SIWEDomains:    s.SIWEDomains,
		AppID:          s.AppID,
		Recipient:      s.Recipient,
		ExplorerURL:    s.ExplorerURL,
		PortalURL:      s.PortalURL,
		CoinGeckoURL:   s.CoinGeckoURL,
		WorldChainRPC:  s.WorldChainRPC,
		PriceInterval:  orDefaultDuration(s.PriceInterval, 60*time.Second),
		ReservationTTL: orDefaultDuration(s.ReservationTTL, 24*time.Hour),
		SweepInterval:  orDefaultDuration(s.SweepInterval, 10*time.Minute),
		Kafka:          KafkaConfig{Brokers: s.Kafka.Brokers, Topic: s.Kafka.Topic},
	}

	r := s.Reservations
	out.Reservations = ReservationConfig{
		Backend:   strings.ToLower(orDefault(r.Backend, BackendSQLite)),
		Path:      orDefault(r.Path, "instainr-reservations.db"),
		DSN:       r.DSN,
		RedisAddr: orDefault(r.RedisAddr, "localhost:6379"),
	}
	switch out.Reservations.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return ServerConfig{}, fmt.Errorf("incorrect 'reservations.backend' param in yaml config: %s (one of memory, sqlite, postgres, redis)", r.Backend)
	}
	if r.RedisDB != "" {
		db, err := strconv.Atoi(r.RedisDB)
		if err != nil || db < 0 {
			return ServerConfig{}, fmt.Errorf("incorrect 'reservations.redis_db' param in yaml config (must be a non-negative integer): %s", r.RedisDB)
		}
		out.Reservations.RedisDB = db
	}

	return out, nil
}

func (w WalletTmp) build() (WalletConfig, error) {
	out := WalletConfig{
		BackendURL:      orDefault(w.BackendURL, "http://localhost:3000"),
		SignerURL:       orDefault(w.SignerURL, "ws://localhost:8787/signer"),
		DataDir:         orDefault(w.DataDir, "instainr-data"),
		DashboardAddr:   orDefault(w.DashboardAddr, "127.0.0.1:8090"),
		PriceInterval:   orDefaultDuration(w.PriceInterval, 60*time.Second),
		BalanceInterval: orDefaultDuration(w.BalanceInterval, 30*time.Second),
		SignerTimeout:   orDefaultDuration(w.SignerTimeout, 5*time.Minute),
		ConfirmInterval: orDefaultDuration(w.ConfirmInterval, 2*time.Second),
		PollInterval:    orDefaultDuration(w.PollInterval, 500*time.Millisecond),
	}

	var err error
	if out.CommissionPercent, err = parseDecimal("commission_percent", w.CommissionPercentStr, decimal.NewFromInt(10)); err != nil {
		return WalletConfig{}, err
	}
	if out.CommissionPercent.IsNegative() || out.CommissionPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return WalletConfig{}, fmt.Errorf("incorrect 'commission_percent' param in yaml config (must be in [0, 100)): %s", out.CommissionPercent)
	}
	if out.MinGrossINR, err = parseDecimal("min_gross_inr", w.MinGrossINRStr, decimal.NewFromInt(500)); err != nil {
		return WalletConfig{}, err
	}
	if out.ConfirmRetries, err = parseInt("confirm_retries", w.ConfirmRetriesStr, 5); err != nil {
		return WalletConfig{}, err
	}
	if out.PollAttempts, err = parseInt("poll_attempts", w.PollAttemptsStr, 5); err != nil {
		return WalletConfig{}, err
	}

	return out, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAppID); v != "" {
		c.Server.AppID = v
	} else if v := os.Getenv(EnvAppIDFallback); v != "" && c.Server.AppID == "" {
		c.Server.AppID = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Server.Reservations.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Server.Reservations.RedisPassword = v
	}
}

// Tmp converts c back to its yaml form. Secrets are not included.
func (c Config) Tmp() ConfigTmp {
	s, w := c.Server, c.Wallet
	return ConfigTmp{
		Server: ServerTmp{
			Addr:           s.Addr,
			Domains:        s.Domains,
			CertCache:      s.CertCache,
			SIWEDomains:    s.SIWEDomains,
			AppID:          s.AppID,
			Recipient:      s.Recipient,
			ExplorerURL:    s.ExplorerURL,
			PortalURL:      s.PortalURL,
			CoinGeckoURL:   s.CoinGeckoURL,
			WorldChainRPC:  s.WorldChainRPC,
			PriceInterval:  s.PriceInterval,
			ReservationTTL: s.ReservationTTL,
			SweepInterval:  s.SweepInterval,
			Reservations: ReservationTmp{
				Backend:   s.Reservations.Backend,
				Path:      s.Reservations.Path,
				RedisAddr: s.Reservations.RedisAddr,
				RedisDB:   strconv.Itoa(s.Reservations.RedisDB),
			},
			Kafka: KafkaTmp{Brokers: s.Kafka.Brokers, Topic: s.Kafka.Topic},
		},
		Wallet: WalletTmp{
			BackendURL:           w.BackendURL,
			SignerURL:            w.SignerURL,
			DataDir:              w.DataDir,
			DashboardAddr:        w.DashboardAddr,
			CommissionPercentStr: w.CommissionPercent.String(),
			MinGrossINRStr:       w.MinGrossINR.String(),
			PriceInterval:        w.PriceInterval,
			BalanceInterval:      w.BalanceInterval,
			SignerTimeout:        w.SignerTimeout,
			ConfirmRetriesStr:    strconv.Itoa(w.ConfirmRetries),
			ConfirmInterval:      w.ConfirmInterval,
			PollAttemptsStr:      strconv.Itoa(w.PollAttempts),
			PollInterval:         w.PollInterval,
		},
	}
}

func parseDecimal(name, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}
	return d, nil
}

func parseInt(name, raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (must be a positive integer): %s", name, raw)
	}
	return n, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
