package config

import (
	"encoding/hex"
	"fmt"
	"io"
)

// RenderEffective writes the resolved settings as a human-readable annotated
// summary to w. This powers the "config show" command, giving users
// visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(s *Settings, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderStoreSection(ew, s)
	renderFetchSection(ew, s)
	renderHistorySection(ew, s)
	renderLoggingSection(ew, s)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderStoreSection(ew *errWriter, s *Settings) {
	ew.printf("[store]\n")
	ew.printf("  dir      = %q\n", s.StoreDir)

	if s.MaxSize > 0 {
		ew.printf("  max_size = %d\n", s.MaxSize)
	} else {
		ew.printf("  max_size = 0 (unlimited)\n")
	}

	if len(s.MaskKey) > 0 {
		ew.printf("  mask_key = %q\n", hex.EncodeToString(s.MaskKey))
	} else {
		ew.printf("  mask_key = \"\" (entries stored unmasked)\n")
	}

	ew.printf("  padded   = %t\n", s.Padded)
	ew.printf("\n")
}

func renderFetchSection(ew *errWriter, s *Settings) {
	ew.printf("[fetch]\n")
	ew.printf("  timeout    = %q\n", s.Timeout.String())

	if s.RateLimit > 0 {
		ew.printf("  rate_limit = %d\n", s.RateLimit)
	} else {
		ew.printf("  rate_limit = 0 (unlimited)\n")
	}

	ew.printf("  workers    = %d\n", s.Workers)
	ew.printf("\n")
}

func renderHistorySection(ew *errWriter, s *Settings) {
	ew.printf("[history]\n")
	ew.printf("  enabled = %t\n", s.HistoryEnabled)
	ew.printf("  file    = %q\n", s.HistoryFile)
	ew.printf("  keep    = %d\n", s.HistoryKeep)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, s *Settings) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", s.LogLevel)
	ew.printf("  log_format = %q\n", s.LogFormat)
}
