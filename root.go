package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/config"
	"github.com/mvarrel/stagedir/internal/staging"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStoreDir   string
	flagMaxSize    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// settings holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var settings *config.Settings

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stagedir",
		Short:   "Staging area for fetched binary resources",
		Long:    "Download and stage binary resources in a quota-bounded store, with optional at-rest masking and a journal of every fetch.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE loads configuration before every command.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStoreDir, "dir", "", "staging directory")
	cmd.PersistentFlags().StringVar(&flagMaxSize, "max-size", "", "staging quota (e.g. 512MiB, 1GB; 0 = unlimited)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newStoreCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in settings for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass flags to the resolver if the user explicitly set them.
	if cmd.Flags().Changed("dir") {
		cli.StoreDir = &flagStoreDir
	}

	if cmd.Flags().Changed("max-size") {
		cli.MaxSize = &flagMaxSize
	}

	// --verbose and --quiet map onto log levels; CLI flags always win.
	if flagVerbose {
		level := "debug"
		cli.LogLevel = &level
	} else if flagQuiet {
		level := "error"
		cli.LogLevel = &level
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	settings = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved settings.
// Format "auto" picks text on a terminal and JSON otherwise, so piped logs
// stay machine-readable.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if settings != nil {
		switch settings.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if settings != nil && settings.LogFormat != "" {
		format = settings.LogFormat
	}

	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) {
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
	}

	return slog.New(handler)
}

// openStore opens the configured staging store. The directory persists
// across invocations; Dispose is never called on it here.
func openStore(logger *slog.Logger) (*staging.Store, error) {
	return staging.New(staging.Options{
		Dir:     settings.StoreDir,
		MaxSize: settings.MaxSize,
		Logger:  logger,
	})
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
