package executor

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	MaxRetries int           `envconfig:"EXECUTOR_MAX_RETRIES" default:"3"`
	BaseDelay  time.Duration `envconfig:"EXECUTOR_RETRY_BASE_DELAY" default:"1s"`

	WindowSize     int           `envconfig:"EXECUTOR_BREAKER_WINDOW" default:"100"`
	TripMinSamples int           `envconfig:"EXECUTOR_BREAKER_MIN_SAMPLES" default:"10"`
	TripErrorRate  float64       `envconfig:"EXECUTOR_BREAKER_ERROR_RATE" default:"0.5"`
	OpenTimeout    time.Duration `envconfig:"EXECUTOR_BREAKER_OPEN_TIMEOUT" default:"60s"`

	VerifyPolls    int           `envconfig:"EXECUTOR_VERIFY_POLLS" default:"5"`
	VerifyInterval time.Duration `envconfig:"EXECUTOR_VERIFY_INTERVAL" default:"200ms"`

	DedupTTL time.Duration `envconfig:"EXECUTOR_DEDUP_TTL" default:"5m"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
