package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Quota backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (PRICING_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (PRICING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Quota       QuotaConfig
	Redis       RedisConfig
	Pricing     PricingConfig
	Events      EventsConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// QuotaConfig selects and tunes the reservation store.
type QuotaConfig struct {
	Backend              string        `default:"postgres" usage:"Quota store: postgres, redis or memory"`
	ReservationTTL       time.Duration `default:"15m" usage:"How long a pending reservation holds its slots" flag:"reservation-ttl"`
	MaxRetries           int           `default:"5" usage:"Reserve attempts retried on store contention"`
	RetryInitialInterval time.Duration `default:"10ms" usage:"First contention backoff"`
	RetryMaxInterval     time.Duration `default:"200ms" usage:"Contention backoff cap"`
	Retention            time.Duration `default:"168h" usage:"How long finished reservations are kept for idempotent commit and release (redis and memory)"`
}

// RedisConfig is used when Quota.Backend is redis.
type RedisConfig struct {
	URL       string `usage:"Redis URL (PRICING_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	KeyPrefix string `default:"pricing:quota" usage:"Prefix for quota keys"`
}

// PricingConfig tunes the order total assembler.
type PricingConfig struct {
	AllowOfferStacking bool          `default:"false" usage:"Let coupons discount offer lines" flag:"allow-offer-stacking"`
	LookupRetries      int           `default:"2" usage:"Retries of failed catalog, coupon and customer lookups"`
	RuleCacheTTL       time.Duration `default:"30s" usage:"Coupon rule cache TTL, 0 disables the cache" flag:"rule-cache-ttl"`
}

// EventsConfig enables reservation events when AMQPURL is set.
type EventsConfig struct {
	AMQPURL  string `usage:"RabbitMQ URL for reservation events" flag:"amqp-url"`
	Exchange string `default:"pricing.reservations" usage:"Topic exchange for reservation events"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Rate    float64       `default:"10" usage:"Requests per second per client"`
	Burst   int           `default:"20" usage:"Token bucket size"`
	IdleTTL time.Duration `default:"10m" usage:"Forget clients idle for this long"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers for browser
// checkouts.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           int      `default:"600" usage:"Preflight cache lifetime in seconds"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return load(aconfig.Config{
		EnvPrefix: "PRICING",
		Files:     []string{"config.yaml", "/etc/pricing/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func load(acfg aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, acfg).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field requirements aconfig cannot express.
func (c *Config) Validate() error {
	switch c.Quota.Backend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis URL is required for the redis quota backend: set PRICING_REDIS_URL or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown quota backend %q", c.Quota.Backend)
	}
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set PRICING_DATABASE_URL or DATABASE_URL")
	}
	if c.RateLimit.Rate <= 0 {
		return errors.Errorf("rate limit must be positive, got %v", c.RateLimit.Rate)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL, REDIS_URL and PORT
// to the application's PRICING_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
