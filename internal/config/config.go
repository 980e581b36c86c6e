package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/orchestrate/orchestrate/internal/platform/validate"
)

type Config struct {
	Port            string        `mapstructure:"PORT" validate:"required,numeric"`
	Env             string        `mapstructure:"ENV" validate:"oneof=development staging production"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS" validate:"min=1"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS" validate:"min=0,ltefield=DBMaxConns"`
	DBSchema        string        `mapstructure:"DB_SCHEMA" validate:"required"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisChannel    string        `mapstructure:"REDIS_CHANNEL" validate:"required"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST" validate:"min=1"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	PersistInterval time.Duration `mapstructure:"PERSIST_INTERVAL" validate:"min=0"`
	WebhookURLs     []string      `mapstructure:"WEBHOOK_URLS" validate:"dive,url"`
	WebhookSecret   string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents   []string      `mapstructure:"WEBHOOK_EVENTS"`

	InventoryWheelchairs int `mapstructure:"INVENTORY_WHEELCHAIRS" validate:"min=0"`
	InventoryBeds        int `mapstructure:"INVENTORY_BEDS" validate:"min=0"`
	InventoryRooms       int `mapstructure:"INVENTORY_ROOMS" validate:"min=0"`
	InventoryAmbulances  int `mapstructure:"INVENTORY_AMBULANCES" validate:"min=0"`
	InventoryNurses      int `mapstructure:"INVENTORY_NURSES" validate:"min=0"`
	InventoryDoctors     int `mapstructure:"INVENTORY_DOCTORS" validate:"min=0"`
}

var defaults = map[string]interface{}{
	"PORT":                  "8000",
	"ENV":                   "development",
	"DB_MAX_CONNS":          10,
	"DB_MIN_CONNS":          2,
	"DB_SCHEMA":             "public",
	"REDIS_CHANNEL":         "orchestrate.events",
	"CORS_ORIGINS":          "http://localhost:3000",
	"RATE_LIMIT_RPS":        50,
	"RATE_LIMIT_BURST":      100,
	"BODY_LIMIT":            "1M",
	"PERSIST_INTERVAL":      "2s",
	"WEBHOOK_EVENTS":        "*",
	"INVENTORY_WHEELCHAIRS": 50,
	"INVENTORY_BEDS":        50,
	"INVENTORY_ROOMS":       5,
	"INVENTORY_AMBULANCES":  10,
	"INVENTORY_NURSES":      20,
	"INVENTORY_DOCTORS":     10,
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "REDIS_CHANNEL", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "PERSIST_INTERVAL",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
	"INVENTORY_WHEELCHAIRS", "INVENTORY_BEDS", "INVENTORY_ROOMS",
	"INVENTORY_AMBULANCES", "INVENTORY_NURSES", "INVENTORY_DOCTORS",
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.WebhookEvents = splitList(cfg.WebhookEvents)

	return cfg, nil
}

// splitList expands a single comma-separated env value into its trimmed,
// non-empty parts.
func splitList(in []string) []string {
	if len(in) == 1 && strings.Contains(in[0], ",") {
		in = strings.Split(in[0], ",")
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PersistenceEnabled reports whether engine state is saved to PostgreSQL.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// SigningKey decodes AUTH_SIGNING_KEY. It is nil when the key is unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// WebhooksEnabled reports whether engine events are POSTed to WEBHOOK_URLS.
func (c *Config) WebhooksEnabled() bool {
	return len(c.WebhookURLs) > 0
}

// Inventory returns the configured unit count per resource type name.
func (c *Config) Inventory() map[string]int {
	return map[string]int{
		"Wheelchair": c.InventoryWheelchairs,
		"Bed":        c.InventoryBeds,
		"Room":       c.InventoryRooms,
		"Ambulance":  c.InventoryAmbulances,
		"Nurse":      c.InventoryNurses,
		"Doctor":     c.InventoryDoctors,
	}
}

// Validate checks that the configuration is safe to run. Outside
// development a valid AUTH_SIGNING_KEY is required so bearer tokens are
// enforced.
func (c *Config) Validate() error {
	if err := validate.New().Validate(c); err != nil {
		return err
	}
	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if !c.IsDev() && key == nil {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
	}
	return nil
}
