package keymanager

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	EncryptionKey  string `envconfig:"ENCRYPTION_KEY"`
	EncryptionSalt string `envconfig:"ENCRYPTION_SALT"`

	DefaultExpiryDays    int  `envconfig:"API_KEY_DEFAULT_EXPIRY_DAYS" default:"90"`
	RotationGraceHours   int  `envconfig:"API_KEY_ROTATION_GRACE_PERIOD_HOURS" default:"24"`
	AutoRotationEnabled  bool `envconfig:"API_KEY_AUTO_ROTATION_ENABLED" default:"false"`
	AutoRotationLeadDays int  `envconfig:"API_KEY_AUTO_ROTATION_LEAD_DAYS" default:"7"`

	// ValidationFailOpen lets validation pass through store outages. Keep
	// this off anywhere real; it exists for local test setups.
	ValidationFailOpen bool `envconfig:"API_KEY_VALIDATION_FAIL_OPEN" default:"false"`

	ExpirationSweepInterval   time.Duration `envconfig:"API_KEY_EXPIRATION_SWEEP_INTERVAL" default:"1h"`
	NotificationSweepInterval time.Duration `envconfig:"API_KEY_NOTIFICATION_SWEEP_INTERVAL" default:"24h"`
	AutoRotationSweepInterval time.Duration `envconfig:"API_KEY_AUTO_ROTATION_SWEEP_INTERVAL" default:"24h"`
	ExpiryNotifyWindowDays    int           `envconfig:"API_KEY_EXPIRY_NOTIFY_WINDOW_DAYS" default:"14"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
