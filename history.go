package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/history"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the fetch journal",
		Long: `Show recent fetches from the journal, newest first.

The journal records every fetch attempt with its outcome, size, and
duration. Use --prune to trim it or --clear to empty it.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", 20, "number of entries to show")
	cmd.Flags().Bool("clear", false, "delete every journal entry")
	cmd.Flags().Int("prune", 0, "keep only the newest N entries")

	return cmd
}

// historyJSONEntry is the JSON output schema for one journal row.
type historyJSONEntry struct {
	ID         int64  `json:"id"`
	URL        string `json:"url"`
	Dest       string `json:"dest"`
	Status     string `json:"status"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	StartedAt  string `json:"started_at"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	// The journal opens read-write even when recording is disabled, so an
	// existing journal stays inspectable after history is switched off.
	j, err := history.Open(settings.HistoryFile, logger)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()

	clearAll, err := cmd.Flags().GetBool("clear")
	if err != nil {
		return fmt.Errorf("reading clear flag: %w", err)
	}

	if clearAll {
		if err := j.Clear(ctx); err != nil {
			return err
		}

		statusf("Journal cleared\n")

		return nil
	}

	keep, err := cmd.Flags().GetInt("prune")
	if err != nil {
		return fmt.Errorf("reading prune flag: %w", err)
	}

	if keep > 0 {
		removed, err := j.Prune(ctx, keep)
		if err != nil {
			return err
		}

		statusf("Pruned %d entries, %d kept\n", removed, keep)

		return nil
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("reading limit flag: %w", err)
	}

	entries, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}

	if flagJSON {
		return printHistoryJSON(entries)
	}

	if len(entries) == 0 {
		statusf("Journal is empty\n")

		return nil
	}

	printHistoryTable(entries)

	return nil
}

func printHistoryJSON(entries []history.Entry) error {
	out := make([]historyJSONEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyJSONEntry{
			ID:         e.ID,
			URL:        e.URL,
			Dest:       e.Dest,
			Status:     e.Status,
			Bytes:      e.Bytes,
			DurationMS: e.Duration.Milliseconds(),
			Error:      e.Error,
			Checksum:   e.Checksum,
			StartedAt:  e.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printHistoryTable(entries []history.Entry) {
	headers := []string{"ID", "WHEN", "STATUS", "SIZE", "TIME", "URL"}
	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			formatTime(e.StartedAt),
			e.Status,
			formatSize(e.Bytes),
			formatDuration(e.Duration),
			e.URL,
		})
	}

	printTable(os.Stdout, headers, rows)
}
