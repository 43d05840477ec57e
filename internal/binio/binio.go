// Package binio provides cancellable binary file primitives that compose
// masking and cooperative cancellation.
//
// All operations accept an optional cancellation token (nil means "never
// cancelled") and an optional mask key. Buffered operations mask or unmask
// the whole payload with a continuous key schedule. Streaming operations
// frame the payload into fixed-size chunks and restart the key schedule at
// every chunk boundary; see the stream docs for the round-trip constraint
// that follows from this.
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

const (
	// chunkSize is the fixed framing size for streamed reads and writes and
	// the cancellation-check granularity for buffered reads.
	chunkSize = 64 * 1024

	// filePerms restricts staged files to the owning user.
	filePerms = 0o600

	// dirPerms is used when creating parent directories.
	dirPerms = 0o700
)

// ErrUnsupportedType is returned when a value cannot be coerced to bytes.
var ErrUnsupportedType = errors.New("binio: unsupported content type")

// ReadOptions control ReadFile and NewReadStream.
type ReadOptions struct {
	// Mask, when non-nil, is the XOR key applied to unmask file contents.
	Mask []byte

	// Padded selects the full-key schedule; otherwise the four-byte
	// schedule is used. Ignored when Mask is nil.
	Padded bool

	// Offset is the first byte of the selected range. Clamped slice-style:
	// an offset past the end yields no data.
	Offset int64

	// Length bounds the selected range. Zero means "to end of file".
	Length int64

	// Token aborts the operation when cancelled. Nil means never.
	Token *cancellation.Token
}

// WriteOptions control WriteFile and WriteStream.
type WriteOptions struct {
	// Mask, when non-nil, is the XOR key applied before bytes hit disk.
	Mask []byte

	// Padded selects the full-key schedule; otherwise the four-byte
	// schedule is used. Ignored when Mask is nil.
	Padded bool

	// Token aborts the operation when cancelled. Nil means never.
	Token *cancellation.Token
}

// orNone normalizes a possibly-nil token.
func orNone(t *cancellation.Token) *cancellation.Token {
	if t == nil {
		return cancellation.None
	}

	return t
}

// ReadFile reads the file, unmasks the whole buffer with a continuous key
// schedule if a mask is set, and returns the [Offset, Offset+Length) range
// with slice-style clamping. A pre-cancelled token fails before the
// filesystem is touched; cancellation mid-read aborts between chunks.
func ReadFile(path string, o ReadOptions) ([]byte, error) {
	tok := orNone(o.Token)
	if tok.IsCanceled() {
		return nil, fmt.Errorf("reading %s: %w", path, cancellation.ErrCanceled)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	data := make([]byte, 0, info.Size())
	buf := make([]byte, chunkSize)

	for {
		if tok.IsCanceled() {
			return nil, fmt.Errorf("reading %s: %w", path, cancellation.ErrCanceled)
		}

		n, rerr := f.Read(buf)
		data = append(data, buf[:n]...)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}

			return nil, fmt.Errorf("reading %s: %w", path, rerr)
		}
	}

	if o.Mask != nil {
		bytemask.Unmask(data, o.Mask, o.Padded)
	}

	return clamp(data, o.Offset, o.Length), nil
}

// WriteFile coerces content to bytes, masks them if a mask is set, and
// writes the file atomically (temp file in the target directory, then
// rename). The caller's buffer is never mutated. A pre-cancelled token
// fails before any file is created.
func WriteFile(path string, content any, o WriteOptions) error {
	tok := orNone(o.Token)
	if tok.IsCanceled() {
		return fmt.Errorf("writing %s: %w", path, cancellation.ErrCanceled)
	}

	data, err := Bytes(content)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if o.Mask != nil {
		// Bytes returned an owned copy, so masking in place is safe.
		bytemask.Mask(data, data, o.Mask, o.Padded)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, dirPerms); mkErr != nil {
		return fmt.Errorf("writing %s: %w", path, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".stage-*.tmp")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	success = true

	return nil
}

// clamp selects [offset, offset+length) from data with slice semantics:
// out-of-range bounds shrink to fit, length zero means "to the end".
func clamp(data []byte, offset, length int64) []byte {
	size := int64(len(data))

	if offset < 0 {
		offset = 0
	}

	if offset > size {
		offset = size
	}

	end := size
	// Compared without addition: offset+length can overflow int64.
	if length > 0 && length < size-offset {
		end = offset + length
	}

	return data[offset:end]
}
