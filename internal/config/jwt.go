package config

import (
	"fmt"
)

// JWTConfig holds configuration for validating bearer tokens issued by the
// web layer.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// NewJWTConfig creates a JWT configuration from environment variables.
// It reads JWT_SECRET (required), JWT_EXPIRATION_HOURS (default: 24) and
// JWT_ISSUER.
func NewJWTConfig() (*JWTConfig, error) {
	config := &JWTConfig{
		Secret:          EnvString("JWT_SECRET", ""),
		ExpirationHours: EnvInt("JWT_EXPIRATION_HOURS", 24),
		Issuer:          EnvString("JWT_ISSUER", ""),
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// JWT returns the token configuration for c.
func (c *Config) JWT() (*JWTConfig, error) {
	config := &JWTConfig{
		Secret:          c.JWTSecret,
		ExpirationHours: EnvInt("JWT_EXPIRATION_HOURS", 24),
		Issuer:          EnvString("JWT_ISSUER", ""),
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required but not set")
	}
	if c.ExpirationHours < 1 {
		return fmt.Errorf("JWT_EXPIRATION_HOURS must be at least 1 hour, got: %d", c.ExpirationHours)
	}
	return nil
}
