package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen so stagedir works without
// any config file at all.
const (
	defaultMaxSize     = "0"
	defaultPadded      = true
	defaultTimeout     = "0"
	defaultRateLimit   = "0"
	defaultWorkers     = 4
	defaultHistoryKeep = 1000
	defaultLogLevel    = "info"
	defaultLogFormat   = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			MaxSize: defaultMaxSize,
			Padded:  defaultPadded,
		},
		Fetch: FetchConfig{
			Timeout:   defaultTimeout,
			RateLimit: defaultRateLimit,
			Workers:   defaultWorkers,
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    defaultHistoryKeep,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
