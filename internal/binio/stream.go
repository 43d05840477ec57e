package binio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mvarrel/stagedir/pkg/bytemask"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

// ReadStream reads a file range as a sequence of fixed-size chunks,
// unmasking each chunk independently (the key schedule restarts at every
// chunk boundary). Chunk boundaries are determined by the stream, not by
// caller read sizes, so framing is deterministic: every chunk is exactly
// chunkSize bytes except the last.
//
// A file written by WriteStream reads back correctly through ReadStream
// with the same key. Reading such a file as one buffer round-trips only
// when the key length divides the chunk size.
type ReadStream struct {
	f         *os.File
	path      string
	tok       *cancellation.Token
	mask      []byte
	padded    bool
	remaining int64 // bytes left in the selected range; -1 means to EOF
	buf       []byte
	chunk     []byte // unmasked slice of buf being served
	pos       int
	eof       bool
	err       error // sticky
}

// NewReadStream opens path and returns a stream over the selected range.
// A pre-cancelled token fails before the file is opened.
func NewReadStream(path string, o ReadOptions) (*ReadStream, error) {
	tok := orNone(o.Token)
	if tok.IsCanceled() {
		return nil, fmt.Errorf("streaming %s: %w", path, cancellation.ErrCanceled)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("streaming %s: %w", path, err)
	}

	if o.Offset > 0 {
		if _, err := f.Seek(o.Offset, io.SeekStart); err != nil {
			f.Close()

			return nil, fmt.Errorf("streaming %s: %w", path, err)
		}
	}

	remaining := int64(-1)
	if o.Length > 0 {
		remaining = o.Length
	}

	return &ReadStream{
		f:         f,
		path:      path,
		tok:       tok,
		mask:      o.Mask,
		padded:    o.Padded,
		remaining: remaining,
		buf:       make([]byte, chunkSize),
	}, nil
}

// Read implements io.Reader. Cancellation surfaces as an error wrapping
// cancellation.ErrCanceled at the next chunk boundary.
func (s *ReadStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	if s.pos == len(s.chunk) {
		if err := s.fill(); err != nil {
			s.err = err

			return 0, err
		}
	}

	n := copy(p, s.chunk[s.pos:])
	s.pos += n

	return n, nil
}

// fill reads and unmasks the next chunk.
func (s *ReadStream) fill() error {
	if s.eof {
		return io.EOF
	}

	if s.tok.IsCanceled() {
		return fmt.Errorf("streaming %s: %w", s.path, cancellation.ErrCanceled)
	}

	want := len(s.buf)
	if s.remaining >= 0 && s.remaining < int64(want) {
		want = int(s.remaining)
	}

	if want == 0 {
		s.eof = true

		return io.EOF
	}

	n, err := io.ReadFull(s.f, s.buf[:want])
	if n > 0 {
		if s.mask != nil {
			bytemask.Unmask(s.buf[:n], s.mask, s.padded)
		}

		s.chunk = s.buf[:n]
		s.pos = 0

		if s.remaining > 0 {
			s.remaining -= int64(n)
		}
	}

	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Short final chunk; serve it, then EOF.
		s.eof = true

		return nil
	case errors.Is(err, io.EOF):
		s.eof = true

		return io.EOF
	case err != nil:
		return fmt.Errorf("streaming %s: %w", s.path, err)
	}

	return nil
}

// Close releases the underlying file.
func (s *ReadStream) Close() error {
	return s.f.Close()
}

// WriteStream drains src into path in fixed-size chunks, masking each chunk
// independently (the key schedule restarts at every chunk boundary), and
// returns the number of bytes written. The destination is created or
// truncated; missing parent directories are created. Writes block until the
// filesystem accepts them, so a slow disk backpressures the source.
//
// A pre-cancelled token fails before the destination is created. Any chunk
// error or cancellation aborts the stream and leaves the partial file in
// place; deletion policy belongs to the caller.
func WriteStream(path string, src io.Reader, o WriteOptions) (int64, error) {
	tok := orNone(o.Token)
	if tok.IsCanceled() {
		return 0, fmt.Errorf("streaming to %s: %w", path, cancellation.ErrCanceled)
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), dirPerms); mkErr != nil {
		return 0, fmt.Errorf("streaming to %s: %w", path, mkErr)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerms)
	if err != nil {
		return 0, fmt.Errorf("streaming to %s: %w", path, err)
	}

	var written int64

	buf := make([]byte, chunkSize)

	for {
		if tok.IsCanceled() {
			f.Close()

			return written, fmt.Errorf("streaming to %s: %w", path, cancellation.ErrCanceled)
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if o.Mask != nil {
				bytemask.Mask(buf[:n], buf[:n], o.Mask, o.Padded)
			}

			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()

				return written, fmt.Errorf("streaming to %s: %w", path, werr)
			}

			written += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}

			f.Close()

			return written, fmt.Errorf("streaming to %s: reading source: %w", path, rerr)
		}
	}

	if err := f.Close(); err != nil {
		return written, fmt.Errorf("streaming to %s: %w", path, err)
	}

	return written, nil
}
