package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries all runtime settings. Values come from the environment;
// DATABASE_URL and REDIS_ADDR are optional so the server can run fully
// in-memory for development.
type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	StoreID     string `envconfig:"STORE_ID" default:"madira-main"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`

	TaxRatePercent  float64 `envconfig:"TAX_RATE_PERCENT" default:"18"`
	ReceiptPrefix   string  `envconfig:"RECEIPT_PREFIX" default:"POS-"`
	CheckoutRetries int     `envconfig:"CHECKOUT_RETRIES" default:"3"`

	MirrorWindowDays int    `envconfig:"MIRROR_WINDOW_DAYS" default:"2"`
	MirrorOrderLimit int    `envconfig:"MIRROR_ORDER_LIMIT" default:"1500"`
	Timezone         string `envconfig:"TIMEZONE" default:"Local"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.TaxRatePercent < 0 || cfg.TaxRatePercent > 100 {
		return Config{}, fmt.Errorf("TAX_RATE_PERCENT must be between 0 and 100, got %v", cfg.TaxRatePercent)
	}
	if cfg.MirrorWindowDays < 1 {
		cfg.MirrorWindowDays = 2
	}
	if cfg.MirrorOrderLimit < 1 {
		cfg.MirrorOrderLimit = 1500
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves the configured timezone, falling back to the system
// local zone when the name does not parse.
func (c Config) Location() *time.Location {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "Local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
