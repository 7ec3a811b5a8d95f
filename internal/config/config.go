package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rl1809/escrow-market/internal/core/domain"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageMySQL  = "mysql"
)

// Config is the server configuration, read from MARKET_* environment
// variables.
type Config struct {
	HTTPAddr         string        `env:"MARKET_HTTP_ADDR"            envDefault:":8080"`
	GRPCAddr         string        `env:"MARKET_GRPC_ADDR"            envDefault:":50051"`
	Storage          string        `env:"MARKET_STORAGE"              envDefault:"memory"`
	MySQLDSN         string        `env:"MARKET_MYSQL_DSN"`
	SQLitePath       string        `env:"MARKET_SQLITE_PATH"          envDefault:"market.db"`
	RedisAddr        string        `env:"MARKET_REDIS_ADDR"`
	EventStream      string        `env:"MARKET_EVENT_STREAM"         envDefault:"market:events"`
	Operator         string        `env:"MARKET_OPERATOR"             envDefault:"marketplace"`
	FeeAccount       string        `env:"MARKET_FEE_ACCOUNT,required"`
	FeePercent       int64         `env:"MARKET_FEE_PERCENT"          envDefault:"1"`
	CurrencyDecimals int32         `env:"MARKET_CURRENCY_DECIMALS"    envDefault:"2"`
	Collections      []string      `env:"MARKET_COLLECTIONS"          envSeparator:","`
	SeedAssets       []string      `env:"MARKET_SEED_ASSETS"          envSeparator:","`
	JWTSecret        string        `env:"MARKET_JWT_SECRET,required"`
	LogLevel         slog.Level    `env:"MARKET_LOG_LEVEL"            envDefault:"info"`
	OTelEndpoint     string        `env:"MARKET_OTEL_ENDPOINT"`
	ShutdownTimeout  time.Duration `env:"MARKET_SHUTDOWN_TIMEOUT"     envDefault:"5s"`
}

// SeedAsset is a token minted into a built-in collection at startup.
type SeedAsset struct {
	AssetRef string
	TokenID  uint64
	Owner    domain.Address
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the server configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Collections = trimList(cfg.Collections)
	cfg.SeedAssets = trimList(cfg.SeedAssets)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageSQLite:
	case StorageMySQL:
		if c.MySQLDSN == "" {
			return errors.New("MARKET_MYSQL_DSN is required when MARKET_STORAGE=mysql")
		}
	default:
		return fmt.Errorf("unknown MARKET_STORAGE %q", c.Storage)
	}
	if c.CurrencyDecimals < 0 || c.CurrencyDecimals > 18 {
		return fmt.Errorf("MARKET_CURRENCY_DECIMALS must be within [0, 18], got %d", c.CurrencyDecimals)
	}
	if strings.TrimSpace(c.Operator) == "" {
		return errors.New("MARKET_OPERATOR must not be empty")
	}
	if _, err := c.Fee(); err != nil {
		return err
	}
	if _, err := c.Seeds(); err != nil {
		return err
	}
	return nil
}

func (c Config) Fee() (domain.FeeConfig, error) {
	return domain.NewFeeConfig(domain.Address(c.FeeAccount), c.FeePercent)
}

// Seeds parses MARKET_SEED_ASSETS entries of the form ref:token:owner.
func (c Config) Seeds() ([]SeedAsset, error) {
	seeds := make([]SeedAsset, 0, len(c.SeedAssets))
	for _, raw := range c.SeedAssets {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("seed asset %q: want ref:token:owner", raw)
		}
		tokenID, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("seed asset %q: token id: %w", raw, err)
		}
		seeds = append(seeds, SeedAsset{AssetRef: parts[0], TokenID: tokenID, Owner: domain.Address(parts[2])})
	}
	return seeds, nil
}

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
