package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/mvarrel/stagedir/internal/binio"
	"github.com/mvarrel/stagedir/internal/staging"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <dir>",
		Short: "Verify staged entries against a source tree",
		Long: `Perform a full-tree digest verification of staged entries against the
files in a source directory, the inverse of what watch stages. Reports
missing entries, digest mismatches, and size mismatches.

Exits non-zero if any entry fails verification.`,
		Args: cobra.ExactArgs(1),
		RunE: runVerify,
	}

	cmd.Flags().Bool("plain", false, "compare against entries stored unmasked")

	return cmd
}

func runVerify(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	ctx := shutdownContext(cmd.Context(), logger)

	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", args[0], err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", root, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("verifying %s: not a directory", root)
	}

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	plain, err := cmd.Flags().GetBool("plain")
	if err != nil {
		return fmt.Errorf("reading plain flag: %w", err)
	}

	opts := binio.ReadOptions{Padded: settings.Padded}
	if !plain {
		opts.Mask = settings.MaskKey
	}

	// Bridge the signal context into a token so entry reads abort on Ctrl-C.
	src := cancellation.NewSource()
	defer src.Dispose(false)

	stop := context.AfterFunc(ctx, src.Cancel)
	defer stop()

	opts.Token = src.Token()

	report, err := verifyTree(ctx, store, root, opts)
	if err != nil {
		return err
	}

	if flagJSON {
		if err := printVerifyJSON(report); err != nil {
			return err
		}
	} else {
		printVerifyTable(report)
	}

	if len(report.Mismatches) > 0 {
		return fmt.Errorf("%d of %d entries failed verification",
			len(report.Mismatches), report.Verified+len(report.Mismatches))
	}

	return nil
}

// verifyReport is the outcome of one verification walk.
type verifyReport struct {
	Verified   int
	Mismatches []verifyMismatch
}

// verifyMismatch describes one entry that failed verification. Expected and
// Actual hold digests, or decimal sizes for size mismatches.
type verifyMismatch struct {
	Name     string
	Status   string
	Expected string
	Actual   string
}

// verifyTree walks the source tree and checks each regular file against its
// staged entry, named by the file's path relative to root. Dotfiles are
// skipped, matching what watch stages.
func verifyTree(ctx context.Context, store *staging.Store, root string, opts binio.ReadOptions) (*verifyReport, error) {
	report := &verifyReport{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}

		return verifyEntry(store, filepath.ToSlash(rel), path, opts, report)
	})
	if err != nil {
		return nil, err
	}

	return report, nil
}

// verifyEntry checks a single source file against its staged copy and
// appends to the report. Size is checked before hashing; masking preserves
// length, so staged and source sizes must agree exactly.
func verifyEntry(store *staging.Store, name, path string, opts binio.ReadOptions, report *verifyReport) error {
	srcInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	stagedInfo, err := store.Stat(name)
	if errors.Is(err, staging.ErrNotFound) {
		expected, derr := fileDigest(path)
		if derr != nil {
			return derr
		}

		report.Mismatches = append(report.Mismatches, verifyMismatch{
			Name:     name,
			Status:   "missing",
			Expected: expected.String(),
		})

		return nil
	}

	if err != nil {
		return err
	}

	if stagedInfo.Size() != srcInfo.Size() {
		report.Mismatches = append(report.Mismatches, verifyMismatch{
			Name:     name,
			Status:   "size",
			Expected: strconv.FormatInt(srcInfo.Size(), 10),
			Actual:   strconv.FormatInt(stagedInfo.Size(), 10),
		})

		return nil
	}

	expected, err := fileDigest(path)
	if err != nil {
		return err
	}

	actual, err := entryDigest(store, name, opts)
	if err != nil {
		return err
	}

	if expected != actual {
		report.Mismatches = append(report.Mismatches, verifyMismatch{
			Name:     name,
			Status:   "digest",
			Expected: expected.String(),
			Actual:   actual.String(),
		})

		return nil
	}

	report.Verified++

	return nil
}

// fileDigest computes the canonical digest of a file on disk.
func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return d, nil
}

// entryDigest computes the canonical digest of a staged entry's unmasked
// content.
func entryDigest(store *staging.Store, name string, opts binio.ReadOptions) (digest.Digest, error) {
	r, err := store.ReadStream(name, opts)
	if err != nil {
		return "", err
	}
	defer r.Close()

	d, err := digest.Canonical.FromReader(r)
	if err != nil {
		return "", fmt.Errorf("hashing entry %s: %w", name, err)
	}

	return d, nil
}

// verifyJSONReport is the JSON output schema for verify.
type verifyJSONReport struct {
	Verified   int                  `json:"verified"`
	Mismatches []verifyJSONMismatch `json:"mismatches"`
}

type verifyJSONMismatch struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func printVerifyJSON(report *verifyReport) error {
	out := verifyJSONReport{
		Verified:   report.Verified,
		Mismatches: make([]verifyJSONMismatch, 0, len(report.Mismatches)),
	}

	for _, m := range report.Mismatches {
		out.Mismatches = append(out.Mismatches, verifyJSONMismatch{
			Name:     m.Name,
			Status:   m.Status,
			Expected: m.Expected,
			Actual:   m.Actual,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printVerifyTable(report *verifyReport) {
	fmt.Printf("Verified: %d entries\n", report.Verified)

	if len(report.Mismatches) == 0 {
		fmt.Println("All entries verified successfully.")

		return
	}

	fmt.Printf("Mismatches: %d\n\n", len(report.Mismatches))

	headers := []string{"NAME", "STATUS", "EXPECTED", "ACTUAL"}
	rows := make([][]string, len(report.Mismatches))

	for i := range report.Mismatches {
		m := &report.Mismatches[i]
		rows[i] = []string{m.Name, m.Status, m.Expected, m.Actual}
	}

	printTable(os.Stdout, headers, rows)
}
