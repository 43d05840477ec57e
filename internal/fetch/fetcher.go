package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/mvarrel/stagedir/internal/binio"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

// Options configure a Fetcher. The zero value is usable: no deadline, no
// rate limit, no verification, default HTTP client.
type Options struct {
	// Timeout races the whole transfer against a deadline. When it
	// elapses the in-flight transfer is cancelled, the partial
	// destination deleted, and ErrTimeout returned. Zero means none.
	Timeout time.Duration

	// BytesPerSecond rate-limits the transfer. Zero means unlimited.
	BytesPerSecond int64

	// Checksum, when set, is verified against the fetched content; a
	// mismatch deletes the destination and fails with ErrChecksum.
	Checksum digest.Digest

	// Mask is applied to bytes on their way to the destination file via
	// the binary I/O layer. Padded selects the key schedule.
	Mask   []byte
	Padded bool

	// OnProgress receives one snapshot per arrived chunk.
	OnProgress ProgressFunc

	// Client serves http(s) sources. Defaults to a plain http.Client.
	Client *http.Client

	// S3 serves s3 sources. Defaults to a client built from the ambient
	// AWS configuration on first use.
	S3 S3API

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result is a completed fetch.
type Result struct {
	// Data is the full fetched content.
	Data []byte

	// Written is the byte count that reached the destination file.
	Written int64

	// Path is the destination file.
	Path string

	// Duration covers transport open through verification.
	Duration time.Duration
}

// Fetcher downloads one source to one destination. A Fetcher is bound to
// its source/destination pair for its lifetime; Fetch may be called again
// after a failure. Safe for concurrent use, though transfers to the same
// destination do not compose.
type Fetcher struct {
	source string
	dest   string
	o      Options
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cancel   *cancellation.Source
	disposed bool
}

// New returns a Fetcher for the source URL (http, https, s3, file, or a
// bare filesystem path) and destination file path.
func New(source, dest string, o Options) *Fetcher {
	client := o.Client
	if client == nil {
		client = &http.Client{}
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		source: source,
		dest:   dest,
		o:      o,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Fetch runs the transfer. A nil token reuses the fetcher's internal
// cancellation source; a non-nil token replaces it with a source linked to
// the token. A pre-cancelled token fails immediately with the destination
// untouched. Mid-transfer cancellation and deadline expiry both delete the
// partial destination; the former returns ErrCanceled, the latter
// ErrTimeout.
func (f *Fetcher) Fetch(tok *cancellation.Token) (*Result, error) {
	if tok != nil && tok.IsCanceled() {
		return nil, fmt.Errorf("fetching %s: %w", f.source, cancellation.ErrCanceled)
	}

	src := f.sourceFor(tok)
	t := src.Token()

	if t.IsCanceled() {
		return nil, fmt.Errorf("fetching %s: %w", f.source, cancellation.ErrCanceled)
	}

	start := f.now()

	ctx, stop := cancellation.Context(context.Background(), t)
	defer stop()

	if f.o.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, f.o.Timeout)

		defer cancelTimeout()
	}

	// The deadline must abandon the transfer, not just fail it: cancelling
	// the source tears down chunk loops and listener registrations.
	stopAfter := context.AfterFunc(ctx, src.Cancel)
	defer stopAfter()

	f.logger.Debug("fetch starting", "source", f.source, "dest", f.dest, "timeout", f.o.Timeout)

	body, total, err := f.open(ctx)
	if err != nil {
		return nil, f.classify(ctx, err)
	}
	defer body.Close()

	reader := limitReader(ctx, io.Reader(body), f.o.BytesPerSecond)

	if f.o.OnProgress != nil {
		reader = &progressReader{
			r:     reader,
			fn:    f.o.OnProgress,
			start: start,
			now:   f.now,
			total: total,
		}
	}

	var content bytes.Buffer

	reader = io.TeeReader(reader, &content)

	n, err := binio.WriteStream(f.dest, reader, binio.WriteOptions{
		Mask:   f.o.Mask,
		Padded: f.o.Padded,
		Token:  t,
	})
	if err != nil {
		f.removePartial()

		return nil, f.classify(ctx, err)
	}

	if f.o.Checksum != "" {
		if verr := verify(f.o.Checksum, content.Bytes()); verr != nil {
			f.removePartial()

			return nil, fmt.Errorf("fetching %s: %w", f.source, verr)
		}
	}

	duration := f.now().Sub(start)
	f.logger.Info("fetch complete", "source", f.source, "dest", f.dest, "bytes", n, "duration", duration)

	return &Result{
		Data:     content.Bytes(),
		Written:  n,
		Path:     f.dest,
		Duration: duration,
	}, nil
}

// Cancel cancels the in-flight transfer, if any.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	c := f.cancel
	f.mu.Unlock()

	if c != nil {
		c.Cancel()
	}
}

// Dispose cancels the in-flight transfer and retires the fetcher. Further
// Fetch calls fail with ErrCanceled.
func (f *Fetcher) Dispose() {
	f.mu.Lock()

	if f.disposed {
		f.mu.Unlock()

		return
	}

	f.disposed = true
	c := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if c != nil {
		c.Dispose(true)
	}
}

// sourceFor returns the cancellation source for this attempt: the internal
// one when no token is supplied, or a fresh source linked to the caller's
// token, replacing (without cancelling) the previous one.
func (f *Fetcher) sourceFor(tok *cancellation.Token) *cancellation.Source {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disposed {
		return cancellation.NewLinkedSource(cancellation.Canceled)
	}

	if tok == nil {
		if f.cancel == nil {
			f.cancel = cancellation.NewSource()
		}

		return f.cancel
	}

	if f.cancel != nil {
		f.cancel.Dispose(false)
	}

	f.cancel = cancellation.NewLinkedSource(tok)

	return f.cancel
}

// open dispatches on the source scheme and returns the content stream plus
// the declared total size (-1 when unknown).
func (f *Fetcher) open(ctx context.Context) (io.ReadCloser, int64, error) {
	u, err := url.Parse(f.source)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing source %s: %w", f.source, err)
	}

	switch u.Scheme {
	case "", "file":
		path := f.source
		if u.Scheme == "file" {
			path = u.Path
			if path == "" {
				path = u.Opaque
			}
		}

		return openLocal(path)
	case "http", "https":
		return f.openHTTP(ctx)
	case "s3":
		return f.openS3(ctx, u)
	default:
		return nil, 0, fmt.Errorf("fetching %s: %w: %q", f.source, ErrUnsupportedScheme, u.Scheme)
	}
}

// openLocal serves file sources; Stat is authoritative for the total.
func openLocal(path string) (io.ReadCloser, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening source %s: %w", path, err)
	}

	if info.IsDir() {
		return nil, 0, fmt.Errorf("opening source %s: is a directory", path)
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening source %s: %w", path, err)
	}

	return fh, info.Size(), nil
}

// openHTTP issues the GET and validates the 2xx class before any
// destination file exists.
func (f *Fetcher) openHTTP(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.source, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request for %s: %w", f.source, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("requesting %s: %w", f.source, err)
	}

	if !success(resp.StatusCode) {
		resp.Body.Close()

		return nil, 0, &StatusError{Code: resp.StatusCode, URL: f.source}
	}

	// ContentLength is already -1 when the server did not declare one.
	return resp.Body, resp.ContentLength, nil
}

// classify maps transport and stream errors onto the package sentinels.
// The deadline check runs first: expiry also cancels the token, and the
// caller must see ErrTimeout for that case, not ErrCanceled.
func (f *Fetcher) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("fetching %s: %w", f.source, ErrTimeout)
	case errors.Is(err, cancellation.ErrCanceled):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("fetching %s: %w", f.source, cancellation.ErrCanceled)
	default:
		return fmt.Errorf("fetching %s: %w", f.source, err)
	}
}

// removePartial deletes the destination after a failed transfer.
func (f *Fetcher) removePartial() {
	if err := os.Remove(f.dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("removing partial download failed", "dest", f.dest, "error", err)
	}
}

// verify checks content against the expected digest.
func verify(expected digest.Digest, content []byte) error {
	verifier := expected.Verifier()

	if _, err := verifier.Write(content); err != nil {
		return fmt.Errorf("verifying content: %w", err)
	}

	if !verifier.Verified() {
		actual := expected.Algorithm().FromBytes(content)

		return fmt.Errorf("%w: expected %s, got %s", ErrChecksum, expected, actual)
	}

	return nil
}
