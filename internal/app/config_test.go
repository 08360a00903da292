package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/expiry"
	"github.com/xenking/kart-checkout/internal/provider/remote"
)

func validConfig() Config {
	return Config{
		Addr:        "0.0.0.0:8080",
		DatabaseURL: "postgres://localhost/kart",
		Sweeper: expiry.Config{
			Deadline:   time.Hour,
			WarnAfter:  30 * time.Minute,
			WarnBefore: 50 * time.Minute,
			Interval:   5 * time.Minute,
		},
		Payment: PaymentConfig{Mode: PaymentModeSandbox},
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{name: "valid", modify: func(*Config) {}},
		{
			name:   "missing database",
			modify: func(c *Config) { c.DatabaseURL = "" },
			err:    "database URL is required",
		},
		{
			name:   "unknown payment mode",
			modify: func(c *Config) { c.Payment.Mode = "paypal" },
			err:    `unknown payment mode "paypal"`,
		},
		{
			name:   "remote without urls",
			modify: func(c *Config) { c.Payment.Mode = PaymentModeRemote },
			err:    "base URLs",
		},
		{
			name: "remote with urls",
			modify: func(c *Config) {
				c.Payment.Mode = PaymentModeRemote
				c.Payment.Instant = remote.Config{BaseURL: "https://qr.example.com"}
				c.Payment.Card = remote.Config{BaseURL: "https://cards.example.com"}
			},
		},
		{
			name:   "warning window after deadline",
			modify: func(c *Config) { c.Sweeper.WarnBefore = 2 * time.Hour },
			err:    "sweeper warning window",
		},
		{
			name:   "empty warning window",
			modify: func(c *Config) { c.Sweeper.WarnAfter = c.Sweeper.WarnBefore },
			err:    "sweeper warning window",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(&cfg)
			err := cfg.validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)

	// Explicit settings win.
	cfg = Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}
