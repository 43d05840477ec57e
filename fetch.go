package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/config"
	"github.com/mvarrel/stagedir/internal/fetch"
	"github.com/mvarrel/stagedir/internal/history"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url> [dest]",
		Short: "Download a resource",
		Long: `Download a resource from an http(s), s3, or file URL to a local file.

The destination defaults to the URL's base name in the current directory.
When a mask key is configured, bytes are masked on their way to disk; read
them back with 'stagedir store get' or pass --plain to skip masking.

With --list, a YAML manifest of {url, output, checksum} entries is fetched
through a bounded worker pool instead.`,
		Args: cobra.MaximumNArgs(2),
		RunE: runFetch,
	}

	cmd.Flags().String("timeout", "", "overall transfer deadline (e.g. 30s; 0 = none)")
	cmd.Flags().String("rate-limit", "", "bandwidth cap (e.g. 1MiB; 0 = unlimited)")
	cmd.Flags().String("checksum", "", "expected content digest (e.g. sha256:...)")
	cmd.Flags().String("list", "", "YAML manifest of downloads to fetch in parallel")
	cmd.Flags().Int("workers", 0, "parallel transfers for --list (default from config)")
	cmd.Flags().Bool("plain", false, "write bytes unmasked even when a mask key is configured")

	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	ctx := shutdownContext(cmd.Context(), logger)

	manifest, err := cmd.Flags().GetString("list")
	if err != nil {
		return fmt.Errorf("reading list flag: %w", err)
	}

	if manifest != "" {
		if len(args) > 0 {
			return fmt.Errorf("--list cannot be combined with a url argument")
		}

		return runFetchBatch(ctx, cmd, manifest, logger)
	}

	if len(args) == 0 {
		return fmt.Errorf("either a url argument or --list is required")
	}

	source := args[0]

	dest := fetch.DefaultOutput(source)
	if len(args) > 1 {
		dest = args[1]
	}

	opts, err := fetchOptions(cmd, logger)
	if err != nil {
		return err
	}

	showProgress := progressEnabled()
	if showProgress {
		opts.OnProgress = printProgress
	}

	// Bridge the signal context into a cancellation token so Ctrl-C tears
	// down the transfer and deletes the partial file.
	src := cancellation.NewSource()
	defer src.Dispose(false)

	stop := context.AfterFunc(ctx, src.Cancel)
	defer stop()

	start := time.Now()

	res, err := fetch.New(source, dest, opts).Fetch(src.Token())

	if showProgress {
		// Drop below the carriage-return progress line.
		fmt.Fprintln(os.Stderr)
	}

	entry := history.Entry{
		URL:       source,
		Dest:      dest,
		Status:    history.StatusFor(err),
		Duration:  time.Since(start),
		Checksum:  opts.Checksum.String(),
		StartedAt: start,
	}

	if res != nil {
		entry.Bytes = res.Written
	}

	if err != nil {
		entry.Error = err.Error()
	}

	recordFetch(logger, entry)

	if err != nil {
		return err
	}

	if flagJSON {
		return printFetchJSON(source, res)
	}

	statusf("Fetched %s (%s in %s)\n", res.Path, formatSize(res.Written), formatDuration(res.Duration))

	return nil
}

func runFetchBatch(ctx context.Context, cmd *cobra.Command, manifest string, logger *slog.Logger) error {
	jobs, err := fetch.ReadJobList(manifest)
	if err != nil {
		return err
	}

	opts, err := fetchOptions(cmd, logger)
	if err != nil {
		return err
	}

	workers, err := cmd.Flags().GetInt("workers")
	if err != nil {
		return fmt.Errorf("reading workers flag: %w", err)
	}

	if workers <= 0 {
		workers = settings.Workers
	}

	start := time.Now()

	report := fetch.FetchAll(ctx, jobs, opts, workers, logger)

	entries := make([]history.Entry, 0, len(report.Results))
	for _, r := range report.Results {
		e := history.Entry{
			URL:       r.Job.URL,
			Dest:      r.Job.Output,
			Status:    history.StatusFor(r.Err),
			Bytes:     r.Written,
			Duration:  r.Duration,
			Checksum:  r.Job.Checksum,
			StartedAt: start,
		}

		if r.Err != nil {
			e.Error = r.Err.Error()
		}

		entries = append(entries, e)
	}

	recordFetch(logger, entries...)

	if flagJSON {
		if err := printBatchJSON(report); err != nil {
			return err
		}
	} else {
		printBatchTable(report)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", report.Failed, len(jobs))
	}

	return nil
}

// fetchOptions builds transfer options from the resolved settings, then
// applies per-invocation flag overrides on top.
func fetchOptions(cmd *cobra.Command, logger *slog.Logger) (fetch.Options, error) {
	o := fetch.Options{
		Timeout:        settings.Timeout,
		BytesPerSecond: settings.RateLimit,
		Mask:           settings.MaskKey,
		Padded:         settings.Padded,
		Logger:         logger,
	}

	if cmd.Flags().Changed("timeout") {
		v, err := cmd.Flags().GetString("timeout")
		if err != nil {
			return fetch.Options{}, fmt.Errorf("reading timeout flag: %w", err)
		}

		d, err := time.ParseDuration(v)
		if err != nil {
			return fetch.Options{}, fmt.Errorf("invalid --timeout %q: %w", v, err)
		}

		if d < 0 {
			return fetch.Options{}, fmt.Errorf("invalid --timeout %q: must be non-negative", v)
		}

		o.Timeout = d
	}

	if cmd.Flags().Changed("rate-limit") {
		v, err := cmd.Flags().GetString("rate-limit")
		if err != nil {
			return fetch.Options{}, fmt.Errorf("reading rate-limit flag: %w", err)
		}

		limit, err := config.ParseSize(v)
		if err != nil {
			return fetch.Options{}, fmt.Errorf("invalid --rate-limit %q: %w", v, err)
		}

		o.BytesPerSecond = limit
	}

	if cmd.Flags().Changed("checksum") {
		v, err := cmd.Flags().GetString("checksum")
		if err != nil {
			return fetch.Options{}, fmt.Errorf("reading checksum flag: %w", err)
		}

		d, err := digest.Parse(v)
		if err != nil {
			return fetch.Options{}, fmt.Errorf("invalid --checksum %q: %w", v, err)
		}

		o.Checksum = d
	}

	plain, err := cmd.Flags().GetBool("plain")
	if err != nil {
		return fetch.Options{}, fmt.Errorf("reading plain flag: %w", err)
	}

	if plain {
		o.Mask = nil
	}

	return o, nil
}

// progressEnabled reports whether interactive progress should render:
// stderr must be a terminal and neither --quiet nor --json set.
func progressEnabled() bool {
	return !flagQuiet && !flagJSON && isatty.IsTerminal(os.Stderr.Fd())
}

// printProgress renders a single-line transfer status on stderr. The
// carriage return keeps it on one line; the caller prints the final
// newline. Trailing spaces clear leftovers when the line shrinks.
func printProgress(p fetch.Progress) {
	switch {
	case p.Total > 0 && p.ETA >= 0:
		fmt.Fprintf(os.Stderr, "\r%s / %s (%.1f%%) ETA %s   ",
			formatSize(p.Loaded), formatSize(p.Total), p.Percent, formatDuration(p.ETA))
	case p.Total > 0:
		fmt.Fprintf(os.Stderr, "\r%s / %s (%.1f%%)   ",
			formatSize(p.Loaded), formatSize(p.Total), p.Percent)
	default:
		fmt.Fprintf(os.Stderr, "\r%s   ", formatSize(p.Loaded))
	}
}

// recordFetch appends entries to the fetch journal when history is enabled.
// Journal failures degrade to warnings; a broken journal must not fail a
// transfer that already completed.
func recordFetch(logger *slog.Logger, entries ...history.Entry) {
	if !settings.HistoryEnabled {
		return
	}

	j, err := history.Open(settings.HistoryFile, logger)
	if err != nil {
		logger.Warn("fetch journal unavailable", "path", settings.HistoryFile, "error", err)

		return
	}
	defer j.Close()

	// The journal outlives a cancelled run: record with a fresh context.
	ctx := context.Background()

	for _, e := range entries {
		if _, err := j.Record(ctx, e); err != nil {
			logger.Warn("recording fetch failed", "url", e.URL, "error", err)
		}
	}

	if settings.HistoryKeep > 0 {
		if _, err := j.Prune(ctx, settings.HistoryKeep); err != nil {
			logger.Warn("pruning fetch journal failed", "error", err)
		}
	}
}

// fetchJSONResult is the JSON output schema for a completed fetch.
type fetchJSONResult struct {
	URL        string `json:"url"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
}

func printFetchJSON(source string, res *fetch.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(fetchJSONResult{
		URL:        source,
		Path:       res.Path,
		Bytes:      res.Written,
		DurationMS: res.Duration.Milliseconds(),
	})
}

// batchJSONResult is the JSON output schema for one batch job.
type batchJSONResult struct {
	URL        string `json:"url"`
	Output     string `json:"output"`
	Status     string `json:"status"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func printBatchJSON(report *fetch.BatchReport) error {
	out := make([]batchJSONResult, 0, len(report.Results))
	for _, r := range report.Results {
		jr := batchJSONResult{
			URL:        r.Job.URL,
			Output:     r.Job.Output,
			Status:     history.StatusFor(r.Err),
			Bytes:      r.Written,
			DurationMS: r.Duration.Milliseconds(),
		}

		if r.Err != nil {
			jr.Error = r.Err.Error()
		}

		out = append(out, jr)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printBatchTable(report *fetch.BatchReport) {
	headers := []string{"STATUS", "SIZE", "TIME", "URL"}
	rows := make([][]string, 0, len(report.Results))

	for _, r := range report.Results {
		rows = append(rows, []string{
			history.StatusFor(r.Err),
			formatSize(r.Written),
			formatDuration(r.Duration),
			r.Job.URL,
		})
	}

	printTable(os.Stdout, headers, rows)
	statusf("%d done, %d failed\n", report.Done, report.Failed)
}
