package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/pricing"
)

// Config holds the complete application configuration, loadable from
// environment variables (KASTOMA_ prefix), flags, a .env file or YAML config
// files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (KASTOMA_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	RedisAddr    string `default:"" usage:"Redis address for idempotency keys and rate limits; empty disables Redis" flag:"redis-addr"`
	AMQPURL      string `default:"" usage:"RabbitMQ URL for order events; empty disables publishing" flag:"amqp-url"`
	Pricing      PricingConfig
	Idempotency  IdempotencyConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// PricingConfig holds the checkout pricing parameters. Amounts are decimal
// strings so they never pass through float64.
type PricingConfig struct {
	TaxRate               string `default:"0" usage:"Sales tax rate in percent, e.g. 8.25" flag:"tax-rate"`
	FreeShippingThreshold string `default:"100.00" usage:"Subtotal at which shipping becomes free; 0 ships everything free" flag:"free-shipping-threshold"`
	DefaultShippingMethod string `default:"standard" usage:"Shipping method used when a request names none" flag:"default-shipping-method"`
}

// Calculator returns the pricing configuration in domain form.
func (c PricingConfig) Calculator() (pricing.Config, error) {
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return pricing.Config{}, errors.Wrapf(err, "parse tax rate %q", c.TaxRate)
	}
	threshold, err := decimal.NewFromString(c.FreeShippingThreshold)
	if err != nil {
		return pricing.Config{}, errors.Wrapf(err, "parse free shipping threshold %q", c.FreeShippingThreshold)
	}
	if threshold.IsNegative() {
		return pricing.Config{}, errors.Errorf("free shipping threshold %s is negative", threshold)
	}
	method := pricing.ShippingMethod(c.DefaultShippingMethod).Normalize()
	if !pricing.IsKnownShippingMethod(method) {
		return pricing.Config{}, errors.Errorf("unknown default shipping method %q", c.DefaultShippingMethod)
	}
	return pricing.Config{
		TaxRate:               rate,
		FreeShippingThreshold: decimal.NewNullDecimal(threshold),
		DefaultShippingMethod: method,
	}, nil
}

// IdempotencyConfig controls the Redis fast path for Idempotency-Key replays.
type IdempotencyConfig struct {
	TTL time.Duration `default:"24h" usage:"How long idempotency keys are cached in Redis" flag:"idempotency-ttl"`
}

// RateLimitConfig controls the per-client rate limiter. With Redis configured
// the limit is shared by all replicas.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads .env (if present), then environment variables, YAML
// config files and flags, and applies platform defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KASTOMA",
		Files:     []string{"config.yaml", "/etc/kastoma/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set KASTOMA_DATABASE_URL or DATABASE_URL")
	}
	if cfg.APIKeyPepper == "" {
		return nil, errors.New("API key pepper is required: set KASTOMA_API_KEY_PEPPER")
	}
	if _, err := cfg.Pricing.Calculator(); err != nil {
		return nil, errors.Wrap(err, "pricing")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps DATABASE_URL, REDIS_ADDR and PORT, as set by
// hosting platforms, onto the KASTOMA_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisAddr == "" {
		c.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
