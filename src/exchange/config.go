package exchange

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	UseRealExchange    bool   `envconfig:"USE_REAL_EXCHANGE" default:"false"`
	ExchangeID         string `envconfig:"EXCHANGE_ID" default:"binance"`
	APIKey             string `envconfig:"API_KEY"`
	APISecret          string `envconfig:"API_SECRET"`
	UseTestnet         bool   `envconfig:"USE_TESTNET" default:"true"`
	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"1200"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}

// NewFromConfig builds the configured venue adapter. With UseRealExchange
// off it returns the deterministic mock so the whole engine can run without
// touching a venue.
func NewFromConfig(config *Config, creds CredentialSource) (Adapter, error) {
	if !config.UseRealExchange {
		return NewMock(config.ExchangeID), nil
	}

	if creds == nil {
		if config.APIKey == "" || config.APISecret == "" {
			return nil, E(KindInvalidParams, "exchange.NewFromConfig", "no credential source and no static API_KEY/API_SECRET")
		}
		creds = StaticCredentials{APIKey: config.APIKey, APISecret: config.APISecret}
	}

	switch config.ExchangeID {
	case "binance":
		opts := []BinanceOption{WithBinanceRateLimit(config.RateLimitPerMinute)}
		if config.UseTestnet {
			opts = append(opts, WithBinanceTestnet())
		}
		return NewBinance(creds, opts...), nil
	case "kraken":
		return NewKraken(creds, WithKrakenRateLimit(config.RateLimitPerMinute)), nil
	default:
		return nil, E(KindInvalidParams, "exchange.NewFromConfig", "exchange %s not supported", config.ExchangeID)
	}
}
