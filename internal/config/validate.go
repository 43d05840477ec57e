package config

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Validation range constants.
const (
	minWorkers = 1
	maxWorkers = 64

	// unpaddedKeyBytes is how many key bytes unpadded masking consumes.
	unpaddedKeyBytes = 4
)

// Valid enum values for logging settings.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateFetch(&cfg.Fetch)...)
	errs = append(errs, validateHistory(&cfg.History)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateStore(c *StoreConfig) []error {
	var errs []error

	if _, err := ParseSize(c.MaxSize); err != nil {
		errs = append(errs, fmt.Errorf("store max_size: %w", err))
	}

	if c.MaskKey != "" {
		key, err := hex.DecodeString(c.MaskKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("store mask_key: not valid hex: %w", err))
		} else if !c.Padded && len(key) < unpaddedKeyBytes {
			errs = append(errs, fmt.Errorf(
				"store mask_key: unpadded masking uses the first %d key bytes, got %d",
				unpaddedKeyBytes, len(key)))
		}
	}

	return errs
}

func validateFetch(c *FetchConfig) []error {
	var errs []error

	if _, err := parseDuration(c.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("fetch timeout: %w", err))
	}

	if _, err := ParseSize(c.RateLimit); err != nil {
		errs = append(errs, fmt.Errorf("fetch rate_limit: %w", err))
	}

	if c.Workers < minWorkers || c.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf(
			"fetch workers: %d out of range [%d, %d]", c.Workers, minWorkers, maxWorkers))
	}

	return errs
}

func validateHistory(c *HistoryConfig) []error {
	var errs []error

	if c.Keep < 0 {
		errs = append(errs, fmt.Errorf("history keep: %d must be non-negative", c.Keep))
	}

	return errs
}

func validateLogging(c *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf(
			"logging log_level: %q not one of debug, info, warn, error", c.LogLevel))
	}

	if !validLogFormats[c.LogFormat] {
		errs = append(errs, fmt.Errorf(
			"logging log_format: %q not one of auto, text, json", c.LogFormat))
	}

	return errs
}
