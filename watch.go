package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/binio"
	"github.com/mvarrel/stagedir/internal/config"
	"github.com/mvarrel/stagedir/internal/staging"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Stage files dropped into a directory",
		Long: `Watch a directory tree and stage every file dropped into it.

Files already present are staged on startup, then the tree is watched for
new and modified files. A file must hold still for the settle period before
it is staged; writers still copying trigger a retry on their next event.
Entry names mirror the file's path relative to the watched directory.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().Duration("settle", 500*time.Millisecond, "quiet period a file must hold still before staging")
	cmd.Flags().Bool("delete", false, "delete source files after staging")
	cmd.Flags().Bool("plain", false, "store bytes unmasked even when a mask key is configured")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	ctx := shutdownContext(cmd.Context(), logger)

	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", args[0], err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("watching %s: not a directory", root)
	}

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	settle, err := cmd.Flags().GetDuration("settle")
	if err != nil {
		return fmt.Errorf("reading settle flag: %w", err)
	}

	remove, err := cmd.Flags().GetBool("delete")
	if err != nil {
		return fmt.Errorf("reading delete flag: %w", err)
	}

	plain, err := cmd.Flags().GetBool("plain")
	if err != nil {
		return fmt.Errorf("reading plain flag: %w", err)
	}

	// Two watchers staging into the same store would fight over the quota
	// ledger, so watch is single-instance per data directory.
	unlock, err := writePIDFile(config.PIDFilePath())
	if err != nil {
		return err
	}
	defer unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	w := &watchSession{
		root:    root,
		store:   store,
		watcher: watcher,
		logger:  logger,
		padded:  settings.Padded,
		settle:  settle,
		remove:  remove,
		staged:  make(map[string]fileSig),
	}

	if !plain {
		w.mask = settings.MaskKey
	}

	// Bridge the signal context into a token so an in-flight staging write
	// aborts cleanly on Ctrl-C.
	src := cancellation.NewSource()
	defer src.Dispose(false)

	stop := context.AfterFunc(ctx, src.Cancel)
	defer stop()

	w.token = src.Token()

	// SIGHUP requests a rescan. store clear sends it so a running watcher
	// notices its staged copies are gone.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	defer signal.Stop(hup)

	w.hup = hup

	if err := w.initialScan(ctx); err != nil {
		return err
	}

	statusf("Watching %s (staging to %s)\n", root, store.Dir())
	logger.Info("watch started", "root", root, "store", store.Dir())

	return w.loop(ctx)
}

// fileSig identifies a file version by size and mtime.
type fileSig struct {
	size  int64
	mtime int64
}

func statSig(path string) (fileSig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileSig{}, err
	}

	return fileSig{size: info.Size(), mtime: info.ModTime().UnixNano()}, nil
}

// watchSession holds the state of one watch run.
type watchSession struct {
	root    string
	store   *staging.Store
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	token   *cancellation.Token
	mask    []byte
	padded  bool
	settle  time.Duration
	remove  bool
	hup     <-chan os.Signal

	// staged maps absolute source paths to the signature last staged,
	// suppressing duplicate events for unchanged content.
	staged map[string]fileSig
}

// initialScan registers watches over the whole tree and stages files
// already present. A file whose staged copy matches by size is skipped.
func (w *watchSession) initialScan(ctx context.Context) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return filepath.SkipAll
		}

		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		sig, sigErr := statSig(path)
		if sigErr != nil {
			return nil
		}

		// Masking preserves length, so size equality means the staged
		// copy is current.
		rel, relErr := filepath.Rel(w.root, path)
		if relErr == nil {
			if info, statErr := w.store.Stat(filepath.ToSlash(rel)); statErr == nil && info.Size() == sig.size {
				w.staged[path] = sig

				return nil
			}
		}

		w.stage(ctx, path, sig)

		return nil
	})
}

// loop selects over shutdown, filesystem events, rescan requests, and
// watcher errors. Closed channels mean the watcher itself is shutting down.
func (w *watchSession) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Signal-driven shutdown is a clean exit.
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			w.handleEvent(ctx, event)

		case <-w.hup:
			w.rescan(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

// rescan drops the signature cache and re-walks the tree, re-staging
// anything whose staged copy no longer matches.
func (w *watchSession) rescan(ctx context.Context) {
	w.logger.Info("rescan requested", "root", w.root)
	statusf("Rescanning %s\n", w.root)

	w.staged = make(map[string]fileSig)

	if err := w.initialScan(ctx); err != nil {
		w.logger.Warn("rescan failed", "error", err)
	}
}

// handleEvent classifies one fsnotify event. Chmod-only events are ignored;
// mode changes do not alter content.
func (w *watchSession) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	// Dotfiles are skipped; droppers that write hidden temp names and
	// rename into place only surface the final name.
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		delete(w.staged, event.Name)

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			// Gone again before we could look at it.
			w.logger.Debug("stat failed for changed path", "path", event.Name, "error", err)

			return
		}

		if info.IsDir() {
			w.watchNewDir(ctx, event.Name)

			return
		}

		if !info.Mode().IsRegular() {
			return
		}

		w.stageAfterSettle(ctx, event.Name)
	}
}

// watchNewDir registers a watch on a created directory and scans its
// contents; files can land between mkdir and watch registration.
func (w *watchSession) watchNewDir(ctx context.Context, dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("adding watch on new directory failed", "path", dir, "error", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Debug("scanning new directory failed", "path", dir, "error", err)

		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			w.watchNewDir(ctx, path)

			continue
		}

		if entry.Type().IsRegular() {
			w.stageAfterSettle(ctx, path)
		}
	}
}

// stageAfterSettle waits for the file to hold still, then stages it. Files
// mid-copy fail the settle check; the writer's next event retries.
func (w *watchSession) stageAfterSettle(ctx context.Context, path string) {
	first, err := statSig(path)
	if err != nil {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.settle):
	}

	sig, err := statSig(path)
	if err != nil || sig != first {
		return
	}

	w.stage(ctx, path, sig)
}

// stage copies one file into the store under its path relative to the
// watch root.
func (w *watchSession) stage(ctx context.Context, path string, sig fileSig) {
	if last, ok := w.staged[path]; ok && last == sig {
		return
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		w.logger.Warn("computing relative path failed", "path", path, "error", err)

		return
	}

	name := filepath.ToSlash(rel)

	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("opening file failed", "path", path, "error", err)

		return
	}
	defer f.Close()

	n, err := w.store.WriteBinaryStream(name, f, binio.WriteOptions{
		Mask:   w.mask,
		Padded: w.padded,
		Token:  w.token,
	})
	if err != nil {
		if errors.Is(err, cancellation.ErrCanceled) || ctx.Err() != nil {
			return
		}

		if errors.Is(err, staging.ErrQuotaExceeded) {
			w.logger.Warn("staging rejected by quota", "name", name, "size", sig.size)
			statusf("Skipped %s: staging quota exceeded\n", name)

			return
		}

		w.logger.Warn("staging failed", "name", name, "error", err)

		return
	}

	w.staged[path] = sig
	w.logger.Info("staged", "name", name, "bytes", n)
	statusf("Staged %s (%s)\n", name, formatSize(n))

	if w.remove {
		if err := os.Remove(path); err != nil {
			w.logger.Warn("removing source failed", "path", path, "error", err)

			return
		}

		delete(w.staged, path)
	}
}
