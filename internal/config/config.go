// Package config implements TOML configuration loading, validation, and
// platform path resolution for stagedir. It supports a four-layer override
// chain (defaults -> config file -> environment -> CLI flags) and resolves
// human-readable sizes and durations into typed settings.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// String fields hold human-readable forms (sizes, durations, hex keys); the
// Resolve step parses them into a typed Settings value.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Fetch   FetchConfig   `toml:"fetch"`
	History HistoryConfig `toml:"history"`
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig controls the staging area: its location, quota, and the
// at-rest masking applied by the binary I/O layer.
type StoreConfig struct {
	Dir     string `toml:"dir"`
	MaxSize string `toml:"max_size"`
	MaskKey string `toml:"mask_key"`
	Padded  bool   `toml:"padded"`
}

// FetchConfig controls transfer behavior: the overall deadline, bandwidth
// limit, and batch worker count.
type FetchConfig struct {
	Timeout   string `toml:"timeout"`
	RateLimit string `toml:"rate_limit"`
	Workers   int    `toml:"workers"`
}

// HistoryConfig controls the fetch journal.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	File    string `toml:"file"`
	Keep    int    `toml:"keep"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	StoreDir   *string // --dir flag
	MaxSize    *string // --max-size flag
	LogLevel   *string // --verbose / --quiet mapped to a level
}

// Settings is the fully resolved configuration: every human-readable form
// parsed, every default applied.
type Settings struct {
	StoreDir string
	MaxSize  int64
	MaskKey  []byte
	Padded   bool

	Timeout   time.Duration
	RateLimit int64
	Workers   int

	HistoryEnabled bool
	HistoryFile    string
	HistoryKeep    int

	LogLevel  string
	LogFormat string
}
