package config

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyConfig verifies service API keys against bcrypt hashes.
type APIKeyConfig struct {
	Hashes     []string
	BcryptCost int
	Pepper     string // optional global secret appended before hashing
}

// NewAPIKeyConfig builds the API key configuration from c and the
// BCRYPT_COST and API_KEY_PEPPER environment variables.
func (c *Config) NewAPIKeyConfig() (*APIKeyConfig, error) {
	config := &APIKeyConfig{
		Hashes:     c.APIKeyHashes,
		BcryptCost: EnvInt("BCRYPT_COST", 12),
		Pepper:     EnvString("API_KEY_PEPPER", ""),
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *APIKeyConfig) normalize() error {
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > 14 {
		return fmt.Errorf("bcrypt cost out of range: %d (must be %d-14)", c.BcryptCost, bcrypt.MinCost)
	}
	for i, h := range c.Hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return fmt.Errorf("API_KEY_HASHES entry %d is not a bcrypt hash: %w", i, err)
		}
	}
	return nil
}

// Enabled reports whether any API key is configured.
func (c *APIKeyConfig) Enabled() bool {
	return len(c.Hashes) > 0
}

// HashKey hashes an API key for API_KEY_HASHES.
func (c *APIKeyConfig) HashKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("API key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key+c.Pepper), c.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// VerifyKey reports whether key matches any configured hash.
func (c *APIKeyConfig) VerifyKey(key string) bool {
	if key == "" {
		return false
	}
	for _, h := range c.Hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key+c.Pepper)) == nil {
			return true
		}
	}
	return false
}
