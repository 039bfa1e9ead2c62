package marketdata

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// SubscriberBuffer is the per-subscriber fan-out depth. A full buffer
	// drops the oldest undelivered event rather than stalling ingest.
	SubscriberBuffer int `envconfig:"MARKETDATA_SUBSCRIBER_BUFFER" default:"64"`

	// StaleMultiple sets the heartbeat timeout as a multiple of the stream
	// timeframe.
	StaleMultiple int `envconfig:"MARKETDATA_STALE_MULTIPLE" default:"3"`

	ReconnectBaseDelay time.Duration `envconfig:"MARKETDATA_RECONNECT_BASE_DELAY" default:"500ms"`
	ReconnectMaxDelay  time.Duration `envconfig:"MARKETDATA_RECONNECT_MAX_DELAY" default:"30s"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
