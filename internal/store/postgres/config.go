package postgres

import (
	"fmt"

	"github.com/wolfeidau/ttsrunner/internal/store"
)

// JobStoreConfig holds job-specific configuration for the PostgreSQL job store.
// Pool configuration is handled separately via PoolConfig.
type JobStoreConfig struct {
	// AutoMigrate applies embedded migrations when the store is created.
	AutoMigrate bool

	// QueryTimeoutSeconds is the maximum time a query can run before timing out.
	// Default: 10 seconds
	QueryTimeoutSeconds int32

	// PoolStatsIntervalSeconds controls how often pool statistics are logged.
	// Default: 30 seconds
	PoolStatsIntervalSeconds int32
}

// Validate checks that the configuration is valid.
func (c *JobStoreConfig) Validate() error {
	if c.QueryTimeoutSeconds < 0 {
		return fmt.Errorf("query timeout must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *JobStoreConfig) ApplyDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 10
	}
	if c.PoolStatsIntervalSeconds == 0 {
		c.PoolStatsIntervalSeconds = 30
	}
}

// FingerprintIndexConfig configures the PostgreSQL fingerprint index.
type FingerprintIndexConfig struct {
	// TieBreak selects which of two completions sharing a fingerprint is kept.
	// Default: earliest
	TieBreak store.TieBreak
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *FingerprintIndexConfig) ApplyDefaults() {
	if c.TieBreak == "" {
		c.TieBreak = store.TieBreakEarliest
	}
}

// Validate checks that the configuration is valid.
func (c *FingerprintIndexConfig) Validate() error {
	if _, err := store.ParseTieBreak(string(c.TieBreak)); err != nil {
		return err
	}
	return nil
}
