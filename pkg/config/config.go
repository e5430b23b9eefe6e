// Package config loads server configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port        string
	Env         string // development | production
	DatabaseURL string
	RedisURL    string

	// Credential encryption master keys, 32 bytes each. Previous is optional
	// and only used for decryption during key rotation.
	CredentialKey         []byte
	CredentialKeyPrevious []byte

	DashboardURL string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
}

// Load reads configuration from the environment. A .env file is loaded first
// if present (development convenience; missing file is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getenv("PORT", "8080"),
		Env:          getenv("REVBACK_ENV", "development"),
		DatabaseURL:  getenv("DATABASE_URL", "postgres://revback@localhost:5432/revback?sslmode=disable"),
		RedisURL:     getenv("REDIS_URL", "redis://localhost:6379/0"),
		DashboardURL: os.Getenv("DASHBOARD_URL"),
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPass:     os.Getenv("SMTP_PASS"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
	}

	if p := os.Getenv("SMTP_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("config: invalid SMTP_PORT %q: %w", p, err)
		}
		cfg.SMTPPort = port
	}

	key, err := decodeKey(os.Getenv("CREDENTIAL_ENCRYPTION_KEY"))
	if err != nil {
		return nil, fmt.Errorf("config: CREDENTIAL_ENCRYPTION_KEY: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("config: CREDENTIAL_ENCRYPTION_KEY is required")
	}
	cfg.CredentialKey = key

	prev, err := decodeKey(os.Getenv("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS"))
	if err != nil {
		return nil, fmt.Errorf("config: CREDENTIAL_ENCRYPTION_KEY_PREVIOUS: %w", err)
	}
	cfg.CredentialKeyPrevious = prev

	return cfg, nil
}

// Production reports whether the deployment env string is "production".
func (c *Config) Production() bool {
	return c.Env == "production"
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
