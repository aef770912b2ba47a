// Package config loads engine configuration from the environment, with an
// optional YAML file for anything beyond the basics.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/trustframe/keryx/pkg/crypto"
)

// Config holds engine configuration.
type Config struct {
	// StoreBackend selects the KEL store: "memory", "sqlite", or "postgres".
	StoreBackend string
	// StoreDSN is the SQLite path or Postgres connection string.
	StoreDSN string

	LogLevel string
	// DigestAlg names the default digest derivation: "blake3-256",
	// "blake2b-256", or "sha2-256".
	DigestAlg string

	// EscrowTTL is the retry horizon for escrowed material.
	EscrowTTL time.Duration
	// SweepInterval bounds how often the escrow sweeper runs.
	SweepInterval time.Duration
	// OutboxBuffer is the outcome stream capacity.
	OutboxBuffer int
}

// Load reads configuration from environment variables, falling back to
// defaults that run without any external services.
func Load() *Config {
	backend := os.Getenv("KERYX_STORE")
	if backend == "" {
		backend = "memory"
	}

	logLevel := os.Getenv("KERYX_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	alg := os.Getenv("KERYX_DIGEST")
	if alg == "" {
		alg = "blake3-256"
	}

	cfg := &Config{
		StoreBackend:  backend,
		StoreDSN:      os.Getenv("KERYX_STORE_DSN"),
		LogLevel:      logLevel,
		DigestAlg:     alg,
		EscrowTTL:     envDuration("KERYX_ESCROW_TTL", time.Hour),
		SweepInterval: envDuration("KERYX_SWEEP_INTERVAL", time.Minute),
		OutboxBuffer:  256,
	}
	return cfg
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return fmt.Errorf("store backend %q requires KERYX_STORE_DSN", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if _, err := c.Digest(); err != nil {
		return err
	}
	if c.EscrowTTL <= 0 {
		return fmt.Errorf("escrow ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// Digest resolves the configured digest derivation.
func (c *Config) Digest() (crypto.DigestAlg, error) {
	switch c.DigestAlg {
	case "blake3-256", "":
		return crypto.Blake3_256, nil
	case "blake2b-256":
		return crypto.Blake2b_256, nil
	case "sha2-256":
		return crypto.SHA2_256, nil
	}
	return "", fmt.Errorf("unknown digest derivation %q", c.DigestAlg)
}
