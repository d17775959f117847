package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "KLEAR"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Custody  CustodyConfig  `mapstructure:"custody"`
	Fees     FeesConfig     `mapstructure:"fees"`
	Admins   []AdminConfig  `mapstructure:"admins"`
	Pairs    []PairConfig   `mapstructure:"pairs"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// APIKeys maps API key to secret. The API key is the trader account.
	APIKeys map[string]string `mapstructure:"api_keys"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type CustodyConfig struct {
	FeeAccount         string        `mapstructure:"fee_account"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

type FeesConfig struct {
	ZeroFeeAccounts []string `mapstructure:"zero_fee_accounts"`
}

type AdminConfig struct {
	Account string   `mapstructure:"account"`
	Roles   []string `mapstructure:"roles"`
}

// PairConfig is a trading pair as written in configuration. Amounts are
// strings so they keep their exact decimal value.
type PairConfig struct {
	types.TradePair `mapstructure:",squash"`
	MinTradeAmount  string `mapstructure:"min_trade_amount"`
	MaxTradeAmount  string `mapstructure:"max_trade_amount"`
	MinPostAmount   string `mapstructure:"min_post_amount"`
	AuctionPrice    string `mapstructure:"auction_price"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			Env:             "development",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "klear-secret-key",
		},
		Database: DatabaseConfig{Path: "klear.db"},
		Kafka:    KafkaConfig{Topic: "klear.orders"},
		Custody: CustodyConfig{
			FeeAccount:         "fees",
			CheckpointInterval: 5 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.env", d.Server.Env)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("custody.fee_account", d.Custody.FeeAccount)
	v.SetDefault("custody.checkpoint_interval", d.Custody.CheckpointInterval)
	v.SetDefault("fees.zero_fee_accounts", []string{})
}

// Load reads configuration from path, or from config.yaml in the working
// directory when path is empty, then applies KLEAR_ environment overrides
// such as KLEAR_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// TradePairs converts the configured pairs, parsing their decimal amounts.
func (c Config) TradePairs() ([]types.TradePair, error) {
	pairs := make([]types.TradePair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		pair, err := p.toTradePair()
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", p.ID, err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func (p PairConfig) toTradePair() (types.TradePair, error) {
	pair := p.TradePair.Clone()
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"min_trade_amount", p.MinTradeAmount, &pair.MinTradeAmount},
		{"max_trade_amount", p.MaxTradeAmount, &pair.MaxTradeAmount},
		{"min_post_amount", p.MinPostAmount, &pair.MinPostAmount},
		{"auction_price", p.AuctionPrice, &pair.AuctionPrice},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return types.TradePair{}, fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return pair, nil
}
