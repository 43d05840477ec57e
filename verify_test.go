package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvarrel/stagedir/internal/binio"
)

func TestRunVerify_CleanTree(t *testing.T) {
	storeTestSettings(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("alpha"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.bin"), []byte("beta"), 0o600))

	require.NoError(t, runStorePut(newStorePutCmd(), []string{filepath.Join(dir, "a.bin"), "a.bin"}))
	require.NoError(t, runStorePut(newStorePutCmd(), []string{filepath.Join(dir, "sub", "b.bin"), "sub/b.bin"}))

	cmd := newVerifyCmd()
	cmd.SetContext(context.Background())

	require.NoError(t, runVerify(cmd, []string{dir}))
}

func TestVerifyTree_ReportsMismatches(t *testing.T) {
	storeDir := storeTestSettings(t)

	dir := t.TempDir()

	for name, content := range map[string]string{
		"a.bin": "alpha",
		"b.bin": "beta",
		"c.bin": "gamma",
		"d.bin": "delta",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
		require.NoError(t, runStorePut(newStorePutCmd(), []string{filepath.Join(dir, name), name}))
	}

	// Dotfiles are never staged by watch, so verify must not flag them.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".swap.bin"), []byte("tmp"), 0o600))

	// b: flip a staged byte in place, same length. Digest mismatch.
	raw, err := os.ReadFile(filepath.Join(storeDir, "b.bin"))
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "b.bin"), raw, 0o600))

	// c: staged copy gone entirely.
	require.NoError(t, os.Remove(filepath.Join(storeDir, "c.bin")))

	// d: staged copy truncated. Size mismatch.
	require.NoError(t, os.Truncate(filepath.Join(storeDir, "d.bin"), 2))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := openStore(logger)
	require.NoError(t, err)

	opts := binio.ReadOptions{Mask: settings.MaskKey, Padded: settings.Padded}

	report, err := verifyTree(context.Background(), store, dir, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Verified)
	require.Len(t, report.Mismatches, 3)

	byName := make(map[string]verifyMismatch, len(report.Mismatches))
	for _, m := range report.Mismatches {
		byName[m.Name] = m
	}

	assert.Equal(t, "digest", byName["b.bin"].Status)
	assert.Equal(t, "missing", byName["c.bin"].Status)
	assert.Equal(t, "size", byName["d.bin"].Status)
	assert.NotContains(t, byName, ".swap.bin")
}

func TestRunVerify_FailsOnMismatch(t *testing.T) {
	storeDir := storeTestSettings(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("alpha"), 0o600))
	require.NoError(t, runStorePut(newStorePutCmd(), []string{filepath.Join(dir, "a.bin"), "a.bin"}))

	raw, err := os.ReadFile(filepath.Join(storeDir, "a.bin"))
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "a.bin"), raw, 0o600))

	cmd := newVerifyCmd()
	cmd.SetContext(context.Background())

	err = runVerify(cmd, []string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed verification")
}
