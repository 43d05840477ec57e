package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions; silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: users can start without creating a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns fully parsed Settings ready for use. The precedence order
// ensures CLI flags always win, matching user expectations for one-off
// overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Settings, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.StoreDir != "" {
		cfg.Store.Dir = env.StoreDir
	}

	if env.MaxSize != "" {
		cfg.Store.MaxSize = env.MaxSize
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.StoreDir != nil {
		cfg.Store.Dir = *cli.StoreDir
	}

	if cli.MaxSize != nil {
		cfg.Store.MaxSize = *cli.MaxSize
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	// 5. Validate the merged raw values, then parse them into Settings.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return parseSettings(cfg)
}

// parseSettings converts validated raw config values into their typed forms.
func parseSettings(cfg *Config) (*Settings, error) {
	maxSize, err := ParseSize(cfg.Store.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("store max_size: %w", err)
	}

	rateLimit, err := ParseSize(cfg.Fetch.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch rate_limit: %w", err)
	}

	timeout, err := parseDuration(cfg.Fetch.Timeout)
	if err != nil {
		return nil, fmt.Errorf("fetch timeout: %w", err)
	}

	var maskKey []byte
	if cfg.Store.MaskKey != "" {
		maskKey, err = hex.DecodeString(cfg.Store.MaskKey)
		if err != nil {
			return nil, fmt.Errorf("store mask_key: %w", err)
		}
	}

	historyFile := cfg.History.File
	if historyFile == "" {
		historyFile = DefaultHistoryPath()
	}

	storeDir := cfg.Store.Dir
	if storeDir == "" {
		storeDir = DefaultStorePath()
	}

	return &Settings{
		StoreDir:       storeDir,
		MaxSize:        maxSize,
		MaskKey:        maskKey,
		Padded:         cfg.Store.Padded,
		Timeout:        timeout,
		RateLimit:      rateLimit,
		Workers:        cfg.Fetch.Workers,
		HistoryEnabled: cfg.History.Enabled,
		HistoryFile:    historyFile,
		HistoryKeep:    cfg.History.Keep,
		LogLevel:       cfg.Logging.LogLevel,
		LogFormat:      cfg.Logging.LogFormat,
	}, nil
}

// parseDuration parses a duration string, treating "" and "0" as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must be non-negative", s)
	}

	return d, nil
}
