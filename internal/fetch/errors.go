// Package fetch downloads a single resource to a local destination file,
// with cancellation, an optional deadline, per-chunk progress, optional
// rate limiting and checksum verification, and pluggable transports for
// http(s), file, and s3 sources.
package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Check with errors.Is.
var (
	ErrBadStatus         = errors.New("fetch: unexpected http status")
	ErrTimeout           = errors.New("fetch: timed out")
	ErrChecksum          = errors.New("fetch: checksum mismatch")
	ErrUnsupportedScheme = errors.New("fetch: unsupported url scheme")
)

// StatusError wraps ErrBadStatus with the offending status code.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: HTTP %d fetching %s", e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	return ErrBadStatus
}

// success reports whether an HTTP status code is in the 2xx class.
func success(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
