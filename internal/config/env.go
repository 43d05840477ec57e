package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "STAGEDIR_CONFIG"
	EnvStoreDir = "STAGEDIR_STORE_DIR"
	EnvMaxSize  = "STAGEDIR_MAX_SIZE"
	EnvLogLevel = "STAGEDIR_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // STAGEDIR_CONFIG: override config file path
	StoreDir   string // STAGEDIR_STORE_DIR: staging directory override
	MaxSize    string // STAGEDIR_MAX_SIZE: quota override
	LogLevel   string // STAGEDIR_LOG_LEVEL: log level override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		StoreDir:   os.Getenv(EnvStoreDir),
		MaxSize:    os.Getenv(EnvMaxSize),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
