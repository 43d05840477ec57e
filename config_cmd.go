package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

// configJSON is the machine-readable shape of the effective settings.
// The mask key renders as hex, matching the config file form.
type configJSON struct {
	Store struct {
		Dir     string `json:"dir"`
		MaxSize int64  `json:"max_size"`
		MaskKey string `json:"mask_key"`
		Padded  bool   `json:"padded"`
	} `json:"store"`
	Fetch struct {
		Timeout   string `json:"timeout"`
		RateLimit int64  `json:"rate_limit"`
		Workers   int    `json:"workers"`
	} `json:"fetch"`
	History struct {
		Enabled bool   `json:"enabled"`
		File    string `json:"file"`
		Keep    int    `json:"keep"`
	} `json:"history"`
	Logging struct {
		LogLevel  string `json:"log_level"`
		LogFormat string `json:"log_format"`
	} `json:"logging"`
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if settings == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if flagJSON {
		var view configJSON

		view.Store.Dir = settings.StoreDir
		view.Store.MaxSize = settings.MaxSize
		view.Store.MaskKey = hex.EncodeToString(settings.MaskKey)
		view.Store.Padded = settings.Padded
		view.Fetch.Timeout = settings.Timeout.String()
		view.Fetch.RateLimit = settings.RateLimit
		view.Fetch.Workers = settings.Workers
		view.History.Enabled = settings.HistoryEnabled
		view.History.File = settings.HistoryFile
		view.History.Keep = settings.HistoryKeep
		view.Logging.LogLevel = settings.LogLevel
		view.Logging.LogFormat = settings.LogFormat

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(view)
	}

	return config.RenderEffective(settings, os.Stdout)
}
