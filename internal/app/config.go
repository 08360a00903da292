package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/expiry"
	"github.com/xenking/kart-checkout/internal/messaging/kafka"
	"github.com/xenking/kart-checkout/internal/provider/card"
	"github.com/xenking/kart-checkout/internal/provider/remote"
	"github.com/xenking/kart-checkout/internal/storage/redis"
	"github.com/xenking/kart-checkout/pkg/retry"
)

// Payment modes.
const (
	PaymentModeSandbox = "sandbox"
	PaymentModeRemote  = "remote"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)" flag:"api-key-pepper"`

	Retry     retry.Config
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
	Sweeper   expiry.Config
	Payment   PaymentConfig
	Kafka     kafka.Config
	Redis     redis.Config

	IdempotencyTTL time.Duration `default:"24h" usage:"How long a checkout Idempotency-Key is remembered" flag:"idempotency-ttl"`
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Request burst per client; refilled once per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit refill window"`
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

// PaymentConfig selects the payment providers.
type PaymentConfig struct {
	Mode string `default:"sandbox" usage:"sandbox (in-process simulator) or remote (provider APIs)"`
	// ReferenceTTL is how long a payable reference stays valid.
	ReferenceTTL time.Duration `default:"1h" usage:"Lifetime of instant transfer references" flag:"reference-ttl"`
	// LeaseTTL bounds the per-order lease held while a charge is created.
	LeaseTTL    time.Duration `default:"30s" usage:"Per-order payment creation lease (Redis only)" flag:"lease-ttl"`
	Instant     remote.Config
	Card        remote.Config
	CardOptions card.Options
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	switch c.Payment.Mode {
	case PaymentModeSandbox:
	case PaymentModeRemote:
		if c.Payment.Instant.BaseURL == "" || c.Payment.Card.BaseURL == "" {
			return errors.New("remote payment mode needs base URLs for the instant and card providers")
		}
	default:
		return errors.Errorf("unknown payment mode %q", c.Payment.Mode)
	}
	if c.Sweeper.WarnAfter >= c.Sweeper.WarnBefore || c.Sweeper.WarnBefore > c.Sweeper.Deadline {
		return errors.Errorf("sweeper warning window [%s, %s) must end before the %s deadline",
			c.Sweeper.WarnAfter, c.Sweeper.WarnBefore, c.Sweeper.Deadline)
	}
	return nil
}

// applyPlatformDefaults maps DATABASE_URL and PORT, as set by hosting
// platforms, onto the KART_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
