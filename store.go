package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/binio"
	"github.com/mvarrel/stagedir/internal/config"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the staging area",
		Long: `Manage entries in the quota-bounded staging area.

Entries are stored under the configured directory, masked at rest when a
mask key is configured. Names may contain slashes; subdirectories are
created as needed.`,
	}

	cmd.AddCommand(newStorePutCmd())
	cmd.AddCommand(newStoreGetCmd())
	cmd.AddCommand(newStoreLsCmd())
	cmd.AddCommand(newStoreRmCmd())
	cmd.AddCommand(newStoreStatCmd())
	cmd.AddCommand(newStoreClearCmd())

	return cmd
}

func newStorePutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file> [name]",
		Short: "Stage a local file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runStorePut,
	}

	cmd.Flags().Bool("plain", false, "store bytes unmasked even when a mask key is configured")

	return cmd
}

func newStoreGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name> [dest]",
		Short: "Copy an entry out of the staging area",
		Long: `Copy an entry out of the staging area, unmasking it on the way.

The destination defaults to the entry's base name in the current directory.
Pass "-" to write to stdout.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runStoreGet,
	}

	cmd.Flags().Bool("plain", false, "read raw bytes without unmasking")

	return cmd
}

func newStoreLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List staged entries",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStoreLs,
	}
}

func newStoreRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a staged entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runStoreRm,
	}
}

func newStoreStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat [name]",
		Short: "Show staging area usage, or one entry's metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStoreStat,
	}
}

func newStoreClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every staged entry",
		Args:  cobra.NoArgs,
		RunE:  runStoreClear,
	}

	cmd.Flags().Bool("force", false, "confirm removal of all entries")

	return cmd
}

func runStorePut(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	local := args[0]

	name := filepath.Base(local)
	if len(args) > 1 {
		name = args[1]
	}

	plain, err := cmd.Flags().GetBool("plain")
	if err != nil {
		return fmt.Errorf("reading plain flag: %w", err)
	}

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("opening %s: %w", local, err)
	}
	defer f.Close()

	opts := binio.WriteOptions{Padded: settings.Padded}
	if !plain {
		opts.Mask = settings.MaskKey
	}

	n, err := store.WriteBinaryStream(name, f, opts)
	if err != nil {
		return fmt.Errorf("staging %s: %w", local, err)
	}

	logger.Debug("staged", "name", name, "bytes", n)
	statusf("Staged %s (%s)\n", name, formatSize(n))

	return nil
}

func runStoreGet(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	name := args[0]

	dest := path.Base(name)
	if len(args) > 1 {
		dest = args[1]
	}

	plain, err := cmd.Flags().GetBool("plain")
	if err != nil {
		return fmt.Errorf("reading plain flag: %w", err)
	}

	opts := binio.ReadOptions{Padded: settings.Padded}
	if !plain {
		opts.Mask = settings.MaskKey
	}

	rs, err := store.ReadStream(name, opts)
	if err != nil {
		return err
	}
	defer rs.Close()

	if dest == "-" {
		if _, err := io.Copy(os.Stdout, rs); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		return nil
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	n, err := io.Copy(out, rs)
	if err != nil {
		out.Close()

		return fmt.Errorf("reading %s: %w", name, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}

	statusf("Copied %s to %s (%s)\n", name, dest, formatSize(n))

	return nil
}

// lsEntry carries one listed entry between collection and rendering.
type lsEntry struct {
	name     string
	size     int64
	isDir    bool
	modified time.Time
}

// lsJSONEntry is the JSON output schema for a single ls entry.
type lsJSONEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	IsDir      bool   `json:"is_dir"`
	ModifiedAt string `json:"modified_at"`
}

func runStoreLs(_ *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	dir := ""
	if len(args) > 0 {
		dir = args[0]
	}

	dirEntries, err := store.List(dir)
	if err != nil {
		return err
	}

	entries := make([]lsEntry, 0, len(dirEntries))

	for _, entry := range dirEntries {
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("reading entry %s: %w", entry.Name(), err)
		}

		entries = append(entries, lsEntry{
			name:     entry.Name(),
			size:     info.Size(),
			isDir:    entry.IsDir(),
			modified: info.ModTime(),
		})
	}

	// Sort: directories first, then alphabetical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].isDir != entries[j].isDir {
			return entries[i].isDir
		}

		return entries[i].name < entries[j].name
	})

	if flagJSON {
		return printLsJSON(entries)
	}

	printLsTable(entries)

	return nil
}

func printLsJSON(entries []lsEntry) error {
	out := make([]lsJSONEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, lsJSONEntry{
			Name:       e.name,
			Size:       e.size,
			IsDir:      e.isDir,
			ModifiedAt: e.modified.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printLsTable(entries []lsEntry) {
	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		name := e.name
		size := formatSize(e.size)

		if e.isDir {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{name, size, formatTime(e.modified)})
	}

	printTable(os.Stdout, headers, rows)
}

func runStoreRm(_ *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	name := args[0]

	if err := store.Remove(name); err != nil {
		return err
	}

	statusf("Removed %s\n", name)

	return nil
}

// storeStatJSON is the JSON output schema for store-level usage.
type storeStatJSON struct {
	Dir     string `json:"dir"`
	Size    int64  `json:"size"`
	MaxSize int64  `json:"max_size"`
	Free    int64  `json:"free,omitempty"`
}

// entryStatJSON is the JSON output schema for one entry's metadata.
type entryStatJSON struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	IsDir      bool   `json:"is_dir"`
	ModifiedAt string `json:"modified_at"`
}

func runStoreStat(_ *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		st := storeStatJSON{
			Dir:     store.Dir(),
			Size:    store.Size(),
			MaxSize: store.MaxSize(),
		}

		if st.MaxSize > 0 {
			st.Free = st.MaxSize - st.Size
		}

		if flagJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(st)
		}

		fmt.Printf("Directory: %s\n", st.Dir)

		if st.MaxSize > 0 {
			fmt.Printf("Used:      %s of %s (%s free)\n",
				formatSize(st.Size), formatSize(st.MaxSize), formatSize(st.Free))
		} else {
			fmt.Printf("Used:      %s (no quota)\n", formatSize(st.Size))
		}

		return nil
	}

	name := args[0]

	info, err := store.Stat(name)
	if err != nil {
		return err
	}

	st := entryStatJSON{
		Name:       name,
		Size:       info.Size(),
		IsDir:      info.IsDir(),
		ModifiedAt: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(st)
	}

	fmt.Printf("Name:     %s\n", st.Name)
	fmt.Printf("Size:     %s\n", formatSize(st.Size))
	fmt.Printf("Modified: %s\n", formatTime(info.ModTime()))

	return nil
}

func runStoreClear(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return fmt.Errorf("reading force flag: %w", err)
	}

	if !force {
		return fmt.Errorf("refusing to clear %s without --force", store.Dir())
	}

	freed := store.Size()

	if err := store.Clear(); err != nil {
		return err
	}

	statusf("Cleared %s (%s freed)\n", store.Dir(), formatSize(freed))

	notifyWatcher(logger)

	return nil
}

// notifyWatcher nudges a running watch daemon to rescan after the store
// changed underneath it. Best-effort: no watcher running is the normal case.
func notifyWatcher(logger *slog.Logger) {
	pidPath := config.PIDFilePath()
	if pidPath == "" {
		return
	}

	if _, err := os.Stat(pidPath); err != nil {
		return
	}

	if err := sendSIGHUP(pidPath); err != nil {
		logger.Debug("notifying watcher failed", "error", err)

		return
	}

	statusf("Notified running watcher to rescan\n")
}
