package token

import (
	"os"
	"time"
)

// Config defines runtime configuration for the token service.
//
// It is environment-driven so deployments can tune security parameters
// without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim.
	Issuer string

	// DefaultTTL is the token lifetime used when a caller does not pass one.
	DefaultTTL time.Duration

	// ClockSkew is the allowed time skew during validation. It is applied in
	// the strict direction: a token is already expired ClockSkew before its
	// nominal expiry as seen by a fast clock.
	ClockSkew time.Duration

	// SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// PASETO v4.public tokens. When empty an ephemeral key is generated,
	// which is only suitable for dev and tests.
	SecretKeyHex string
}

// DefaultConfig returns a configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:     "tandem",
		DefaultTTL: 1 * time.Hour,
		ClockSkew:  0,
	}
}

// LoadConfigFromEnv loads token configuration from environment variables:
//
//   - TANDEM_TOKEN_ISSUER
//   - TANDEM_TOKEN_TTL
//   - TANDEM_TOKEN_CLOCK_SKEW
//   - TANDEM_PASETO_V4_SECRET_KEY_HEX
//
// Returns ErrConfig if a set variable is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("TANDEM_TOKEN_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("TANDEM_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.DefaultTTL = d
	}

	if v := os.Getenv("TANDEM_TOKEN_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.SecretKeyHex = os.Getenv("TANDEM_PASETO_V4_SECRET_KEY_HEX")

	return cfg, nil
}
