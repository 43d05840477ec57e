// Package staging implements a quota-bounded scratch store rooted in a
// private temp directory.
//
// The store tracks its total on-disk size in a byte ledger and admits
// writes against a configurable quota. Buffered writes are admitted before
// any disk effect: an oversized write is rejected outright. Streamed writes
// cannot know their size up front, so they stream to completion first and
// are rolled back (the file deleted, the ledger untouched) when the result
// would exceed the quota. This asymmetry is the contract, not an accident.
//
// Entry names are store-relative paths. A disposed store is terminal: every
// subsequent operation fails with ErrDisposed.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/mvarrel/stagedir/internal/binio"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

const dirPerms = 0o700

var (
	// ErrQuotaExceeded is returned when a write would push the ledger past
	// the configured quota.
	ErrQuotaExceeded = errors.New("staging: quota exceeded")

	// ErrNotFound is returned when a named entry does not exist.
	ErrNotFound = errors.New("staging: entry not found")

	// ErrDisposed is returned by every operation on a disposed store.
	ErrDisposed = errors.New("staging: store disposed")

	// ErrInvalidName is returned for absolute or escaping entry names.
	ErrInvalidName = errors.New("staging: invalid entry name")
)

// Options configure a Store.
type Options struct {
	// Dir is the store root. Empty means a fresh unique directory under
	// the OS temp dir.
	Dir string

	// MaxSize caps the total bytes in the store. Zero or negative means
	// unbounded.
	MaxSize int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a quota-bounded scratch directory. All methods are safe for
// concurrent use; buffered mutations serialize under the store lock.
type Store struct {
	dir     string
	maxSize int64
	logger  *slog.Logger

	mu       sync.Mutex
	size     int64
	disposed bool
	active   map[*cancellation.Source]struct{}
}

// New creates the store directory if needed and seeds the ledger from any
// existing contents, so reopening a store directory across processes keeps
// the quota honest. Fails if a regular file occupies the directory path.
func New(o Options) (*Store, error) {
	dir := o.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "stagedir-"+uuid.NewString())
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}

	seed, err := sizeOfTree(dir)
	if err != nil {
		return nil, fmt.Errorf("sizing store root: %w", err)
	}

	s := &Store{
		dir:     dir,
		maxSize: o.MaxSize,
		logger:  logger,
		size:    seed,
		active:  make(map[*cancellation.Source]struct{}),
	}

	logger.Info("staging store opened", "dir", dir, "max_size", o.MaxSize, "size", seed)

	return s, nil
}

// Dir returns the store root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Size returns the current byte ledger.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// MaxSize returns the configured quota; zero means unbounded.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// Disposed reports whether Dispose has run.
func (s *Store) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.disposed
}

// entryPath validates a store-relative name and resolves it under the root.
// Names are NFC-normalized so macOS NFD input and NFC input address the
// same entry.
func (s *Store) entryPath(name string) (string, error) {
	name = norm.NFC.String(name)

	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return filepath.Join(s.dir, name), nil
}

// admit applies the buffered-write admission formula. Caller holds mu.
func (s *Store) admit(name string, incoming int64) error {
	if s.maxSize > 0 && s.size+incoming > s.maxSize {
		return fmt.Errorf("writing %s (%d bytes, %d in use, quota %d): %w",
			name, incoming, s.size, s.maxSize, ErrQuotaExceeded)
	}

	return nil
}

// Write coerces content to bytes and writes the entry atomically. The write
// is admitted against the quota before any disk effect.
func (s *Store) Write(name string, content any) error {
	return s.WriteBinary(name, content, binio.WriteOptions{})
}

// WriteBinary is Write with masking and cancellation options.
func (s *Store) WriteBinary(name string, content any, o binio.WriteOptions) error {
	data, err := binio.Bytes(content)
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("writing %s: %w", name, ErrDisposed)
	}

	path, err := s.entryPath(name)
	if err != nil {
		return err
	}

	if err := s.admit(name, int64(len(data))); err != nil {
		return err
	}

	oldSize := fileSize(path)

	if err := binio.WriteFile(path, data, o); err != nil {
		return err
	}

	s.size += int64(len(data)) - oldSize
	s.logger.Debug("staged entry written", "name", name, "bytes", len(data), "store_size", s.size)

	return nil
}

// Append appends coerced content to the entry, creating it if missing. The
// appended length is admitted against the quota first.
func (s *Store) Append(name string, content any) error {
	data, err := binio.Bytes(content)
	if err != nil {
		return fmt.Errorf("appending %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("appending %s: %w", name, ErrDisposed)
	}

	path, err := s.entryPath(name)
	if err != nil {
		return err
	}

	if err := s.admit(name, int64(len(data))); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("appending %s: %w", name, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("appending %s: %w", name, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("appending %s: %w", name, err)
	}

	s.size += int64(len(data))

	return nil
}

// Read returns the entry's contents.
func (s *Store) Read(name string) ([]byte, error) {
	return s.ReadBinary(name, binio.ReadOptions{})
}

// ReadString returns the entry's contents as a string.
func (s *Store) ReadString(name string) (string, error) {
	data, err := s.Read(name)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// ReadBinary is Read with unmasking, range, and cancellation options.
func (s *Store) ReadBinary(name string, o binio.ReadOptions) ([]byte, error) {
	path, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	data, err := binio.ReadFile(path, o)
	if err != nil {
		return nil, s.mapNotFound(name, err)
	}

	return data, nil
}

// ReadStream opens a chunked read stream over the entry.
func (s *Store) ReadStream(name string, o binio.ReadOptions) (*binio.ReadStream, error) {
	path, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	rs, err := binio.NewReadStream(path, o)
	if err != nil {
		return nil, s.mapNotFound(name, err)
	}

	return rs, nil
}

// WriteBinaryStream drains src into the entry and admits the result against
// the quota only after the stream settles. The bytes land in a temp sibling
// and a rename publishes the entry, so an aborted, failed, or overflowing
// stream leaves no partial entry behind and never disturbs the entry it
// would have replaced. The stream's cancellation source is linked to the
// store so Dispose aborts it.
func (s *Store) WriteBinaryStream(name string, src io.Reader, o binio.WriteOptions) (int64, error) {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()

		return 0, fmt.Errorf("streaming to %s: %w", name, ErrDisposed)
	}

	path, err := s.entryPath(name)
	if err != nil {
		s.mu.Unlock()

		return 0, err
	}

	linked := cancellation.NewLinkedSource(o.Token)
	s.active[linked] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, linked)
		s.mu.Unlock()
		linked.Dispose(false)
	}()

	o.Token = linked.Token()

	// Same directory as the destination so the publishing rename stays on
	// one filesystem.
	tmp := filepath.Join(filepath.Dir(path), ".stage-"+uuid.NewString()+".tmp")

	n, err := binio.WriteStream(tmp, src, o)
	if err != nil {
		_ = os.Remove(tmp)

		return n, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		_ = os.Remove(tmp)

		return n, fmt.Errorf("streaming to %s: %w", name, ErrDisposed)
	}

	if s.maxSize > 0 && s.size+n > s.maxSize {
		if rmErr := os.Remove(tmp); rmErr != nil {
			return n, fmt.Errorf("rolling back %s: %w", name, rmErr)
		}

		s.logger.Warn("streamed write rolled back", "name", name, "bytes", n, "quota", s.maxSize)

		return n, fmt.Errorf("streamed %s (%d bytes, %d in use, quota %d): %w",
			name, n, s.size, s.maxSize, ErrQuotaExceeded)
	}

	oldSize := fileSize(path)

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return n, fmt.Errorf("staging %s: %w", name, err)
	}

	s.size += n - oldSize
	s.logger.Debug("staged stream written", "name", name, "bytes", n, "store_size", s.size)

	return n, nil
}

// Remove deletes the entry (recursively for directories) and decrements the
// ledger by its size. A missing entry fails with ErrNotFound.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("removing %s: %w", name, ErrDisposed)
	}

	path, err := s.entryPath(name)
	if err != nil {
		return err
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}

	removed := info.Size()
	if info.IsDir() {
		removed, err = sizeOfTree(path)
		if err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}

	s.size -= removed
	s.logger.Debug("staged entry removed", "name", name, "bytes", removed, "store_size", s.size)

	return nil
}

// Rename moves an entry within the store. Clobbering an existing file
// credits its bytes back to the ledger.
func (s *Store) Rename(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("renaming %s: %w", oldName, ErrDisposed)
	}

	oldPath, err := s.entryPath(oldName)
	if err != nil {
		return err
	}

	newPath, err := s.entryPath(newName)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(oldPath); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("renaming %s: %w", oldName, ErrNotFound)
	}

	clobbered := fileSize(newPath)

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", oldName, newName, err)
	}

	s.size -= clobbered

	return nil
}

// Copy duplicates a file entry. The copy is a buffered mutation: the source
// size is admitted against the quota before any disk effect.
func (s *Store) Copy(srcName, dstName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("copying %s: %w", srcName, ErrDisposed)
	}

	srcPath, err := s.entryPath(srcName)
	if err != nil {
		return err
	}

	dstPath, err := s.entryPath(dstName)
	if err != nil {
		return err
	}

	info, err := os.Lstat(srcPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("copying %s: %w", srcName, ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("copying %s: %w", srcName, err)
	}

	if info.IsDir() {
		return fmt.Errorf("copying %s: directories are not supported", srcName)
	}

	if err := s.admit(dstName, info.Size()); err != nil {
		return err
	}

	clobbered := fileSize(dstPath)

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("copying %s: %w", srcName, err)
	}

	if err := binio.WriteFile(dstPath, data, binio.WriteOptions{}); err != nil {
		return err
	}

	s.size += info.Size() - clobbered

	return nil
}

// List returns the directory entries under a store subdirectory; an empty
// name lists the root.
func (s *Store) List(name string) ([]fs.DirEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, fmt.Errorf("listing %s: %w", name, ErrDisposed)
	}

	path := s.dir

	if name != "" {
		var err error
		if path, err = s.entryPath(name); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing %s: %w", name, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", name, err)
	}

	return entries, nil
}

// Stat returns file info for an entry.
func (s *Store) Stat(name string) (fs.FileInfo, error) {
	path, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", name, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	return info, nil
}

// MkdirAll creates a subdirectory tree inside the store.
func (s *Store) MkdirAll(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("mkdir %s: %w", name, ErrDisposed)
	}

	path, err := s.entryPath(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path, dirPerms); err != nil {
		return fmt.Errorf("mkdir %s: %w", name, err)
	}

	return nil
}

// Clear removes every entry and resets the ledger, keeping the store open.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return fmt.Errorf("clearing store: %w", ErrDisposed)
	}

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	if err := os.MkdirAll(s.dir, dirPerms); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	s.size = 0
	s.logger.Info("staging store cleared", "dir", s.dir)

	return nil
}

// Dispose cancels outstanding streamed writes, deletes the store directory,
// and marks the store terminal. It is idempotent.
func (s *Store) Dispose() error {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()

		return nil
	}

	s.disposed = true

	sources := make([]*cancellation.Source, 0, len(s.active))
	for src := range s.active {
		sources = append(sources, src)
	}

	clear(s.active)
	s.mu.Unlock()

	for _, src := range sources {
		src.Dispose(true)
	}

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("disposing store: %w", err)
	}

	s.logger.Info("staging store disposed", "dir", s.dir)

	return nil
}

// lookup is the read-side preamble: open check plus name resolution.
func (s *Store) lookup(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return "", fmt.Errorf("reading %s: %w", name, ErrDisposed)
	}

	return s.entryPath(name)
}

// mapNotFound converts fs.ErrNotExist into the store's ErrNotFound.
func (s *Store) mapNotFound(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", name, ErrNotFound)
	}

	return err
}

// fileSize returns the entry's size, or zero when it does not exist.
func fileSize(path string) int64 {
	info, err := os.Lstat(path)
	if err != nil {
		return 0
	}

	if info.IsDir() {
		n, err := sizeOfTree(path)
		if err != nil {
			return 0
		}

		return n
	}

	return info.Size()
}

// sizeOfTree sums regular-file sizes under root.
func sizeOfTree(root string) (int64, error) {
	var total int64

	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}

			total += info.Size()
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}
