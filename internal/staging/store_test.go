package staging

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvarrel/stagedir/internal/binio"
	"github.com/mvarrel/stagedir/pkg/cancellation"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()

	s, err := New(Options{Dir: filepath.Join(t.TempDir(), "store"), MaxSize: maxSize})
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Dispose() })

	return s
}

func TestNewDefaultDirIsUniqueTempDir(t *testing.T) {
	s1, err := New(Options{})
	require.NoError(t, err)
	defer s1.Dispose()

	s2, err := New(Options{})
	require.NoError(t, err)
	defer s2.Dispose()

	assert.NotEqual(t, s1.Dir(), s2.Dir())
	assert.True(t, strings.HasPrefix(s1.Dir(), os.TempDir()))
	assert.DirExists(t, s1.Dir())
}

func TestNewFailsWhenFileOccupiesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := New(Options{Dir: path})
	require.Error(t, err)
}

func TestNewSeedsLedgerFromExistingContents(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reopened")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("12345"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("123"), 0o600))

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Dispose()

	assert.Equal(t, int64(8), s.Size())
}

func TestBufferedWriteAdmission(t *testing.T) {
	s := newTestStore(t, 10)

	require.NoError(t, s.Write("a", "12345"))
	assert.Equal(t, int64(5), s.Size())

	// 5 + 6 > 10: rejected before any disk effect.
	err := s.Write("b", "123456")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(5), s.Size())

	_, statErr := s.Stat("b")
	assert.ErrorIs(t, statErr, ErrNotFound)

	// 5 + 5 == 10 fits exactly.
	require.NoError(t, s.Write("c", "12345"))
	assert.Equal(t, int64(10), s.Size())
}

func TestStreamedWriteRollsBackOnOverflow(t *testing.T) {
	s := newTestStore(t, 10)

	n, err := s.WriteBinaryStream("big", strings.NewReader("0123456789A"), binio.WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(11), n, "the stream runs to completion before admission")
	assert.Equal(t, int64(0), s.Size())

	_, statErr := s.Stat("big")
	assert.ErrorIs(t, statErr, ErrNotFound)
}

func TestStreamedWriteWithinQuota(t *testing.T) {
	s := newTestStore(t, 100)

	n, err := s.WriteBinaryStream("ok", strings.NewReader("0123456789"), binio.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, int64(10), s.Size())

	got, err := s.ReadString("ok")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", got)
}

func TestStreamedOverflowOnOverwriteKeepsOldEntry(t *testing.T) {
	s := newTestStore(t, 10)
	require.NoError(t, s.Write("e", "1234"))

	_, err := s.WriteBinaryStream("e", strings.NewReader("123456789"), binio.WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// The rejected stream never reached the published entry.
	got, err := s.ReadString("e")
	require.NoError(t, err)
	assert.Equal(t, "1234", got)
	assert.Equal(t, int64(4), s.Size())
}

func TestUnboundedStoreAdmitsEverything(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Write("a", bytes.Repeat([]byte("x"), 1<<16)))

	_, err := s.WriteBinaryStream("b", bytes.NewReader(bytes.Repeat([]byte("y"), 1<<16)), binio.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2<<16), s.Size())
}

func TestOverwriteCreditsOldSize(t *testing.T) {
	s := newTestStore(t, 100)

	require.NoError(t, s.Write("f", "12345"))
	require.NoError(t, s.Write("f", "123"))

	assert.Equal(t, int64(3), s.Size())
}

func TestAppend(t *testing.T) {
	s := newTestStore(t, 10)

	require.NoError(t, s.Append("log", "12345"))
	require.NoError(t, s.Append("log", "678"))
	assert.Equal(t, int64(8), s.Size())

	got, err := s.ReadString("log")
	require.NoError(t, err)
	assert.Equal(t, "12345678", got)

	err = s.Append("log", "12345")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(8), s.Size())
}

func TestRemoveDecrementsLedger(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Write("a", "12345"))
	require.NoError(t, s.Write("b", "123"))
	require.Equal(t, int64(8), s.Size())

	require.NoError(t, s.Remove("a"))
	assert.Equal(t, int64(3), s.Size())

	err := s.Remove("a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(3), s.Size())
}

func TestRemoveDirectoryRecursive(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Write(filepath.Join("sub", "x"), "1234"))
	require.NoError(t, s.Write(filepath.Join("sub", "deep", "y"), "12"))
	require.NoError(t, s.Write("top", "1"))
	require.Equal(t, int64(7), s.Size())

	require.NoError(t, s.Remove("sub"))
	assert.Equal(t, int64(1), s.Size())
}

func TestRenameKeepsLedger(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Write("old", "12345"))
	require.NoError(t, s.Rename("old", "new"))
	assert.Equal(t, int64(5), s.Size())

	got, err := s.ReadString("new")
	require.NoError(t, err)
	assert.Equal(t, "12345", got)

	err = s.Rename("old", "elsewhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameClobberCreditsTarget(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Write("src", "12345"))
	require.NoError(t, s.Write("dst", "123"))
	require.Equal(t, int64(8), s.Size())

	require.NoError(t, s.Rename("src", "dst"))
	assert.Equal(t, int64(5), s.Size())
}

func TestCopy(t *testing.T) {
	s := newTestStore(t, 10)

	require.NoError(t, s.Write("orig", "12345"))
	require.NoError(t, s.Copy("orig", "dup"))
	assert.Equal(t, int64(10), s.Size())

	got, err := s.ReadString("dup")
	require.NoError(t, err)
	assert.Equal(t, "12345", got)

	// A third copy would exceed the quota; admission happens up front.
	err = s.Copy("orig", "third")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(10), s.Size())

	err = s.Copy("missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndStat(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.Write("a", "1"))
	require.NoError(t, s.Write(filepath.Join("sub", "b"), "22"))

	entries, err := s.List("")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := []string{entries[0].Name(), entries[1].Name()}
	assert.Contains(t, names, "a")
	assert.Contains(t, names, "sub")

	sub, err := s.List("sub")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "b", sub[0].Name())

	_, err = s.List("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	info, err := s.Stat(filepath.Join("sub", "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size())

	_, err = s.Stat("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMkdirAll(t *testing.T) {
	s := newTestStore(t, 0)

	require.NoError(t, s.MkdirAll(filepath.Join("a", "b", "c")))

	info, err := s.Stat(filepath.Join("a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestInvalidNames(t *testing.T) {
	s := newTestStore(t, 0)

	for _, name := range []string{"", "..", filepath.Join("..", "escape"), string(filepath.Separator) + "abs"} {
		err := s.Write(name, "x")
		require.Error(t, err, "name %q", name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestClearResetsLedger(t *testing.T) {
	s := newTestStore(t, 10)

	require.NoError(t, s.Write("a", "12345"))
	require.NoError(t, s.Clear())

	assert.Equal(t, int64(0), s.Size())
	assert.DirExists(t, s.Dir())

	// The store stays usable with the full quota again.
	require.NoError(t, s.Write("b", "0123456789"))
	assert.Equal(t, int64(10), s.Size())
}

func TestDisposeIsTerminalAndIdempotent(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Write("a", "1"))

	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())

	assert.True(t, s.Disposed())
	assert.NoDirExists(t, s.Dir())

	assert.ErrorIs(t, s.Write("x", "1"), ErrDisposed)
	assert.ErrorIs(t, s.Append("x", "1"), ErrDisposed)
	assert.ErrorIs(t, s.Remove("a"), ErrDisposed)
	assert.ErrorIs(t, s.Rename("a", "b"), ErrDisposed)
	assert.ErrorIs(t, s.Copy("a", "b"), ErrDisposed)
	assert.ErrorIs(t, s.Clear(), ErrDisposed)
	assert.ErrorIs(t, s.MkdirAll("d"), ErrDisposed)

	_, err := s.Read("a")
	assert.ErrorIs(t, err, ErrDisposed)

	_, err = s.List("")
	assert.ErrorIs(t, err, ErrDisposed)

	_, err = s.WriteBinaryStream("x", strings.NewReader("1"), binio.WriteOptions{})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestMaskedRoundTripThroughStore(t *testing.T) {
	s := newTestStore(t, 0)
	key := []byte{9, 9}

	require.NoError(t, s.WriteBinary("m", []byte{1, 2, 3, 4, 5}, binio.WriteOptions{Mask: key, Padded: true}))

	// Raw bytes on disk are masked.
	raw, err := os.ReadFile(filepath.Join(s.Dir(), "m"))
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 11, 10, 13, 12}, raw)

	got, err := s.ReadBinary("m", binio.ReadOptions{Mask: key, Padded: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)
}

func TestReadStreamFromStore(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Write("streamed", "hello stream"))

	rs, err := s.ReadStream("streamed", binio.ReadOptions{Offset: 6})
	require.NoError(t, err)
	defer rs.Close()

	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, "stream", string(got))

	_, err = s.ReadStream("missing", binio.ReadOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// abortReader cancels its source on the second read, then keeps serving
// data as if the producer were still alive.
type abortReader struct {
	src   *cancellation.Source
	reads int
}

func (r *abortReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 2 {
		r.src.Cancel()
	}

	for i := range p {
		p[i] = 0xCD
	}

	return len(p), nil
}

func TestStreamedWriteCanceledMidStreamLeavesNoEntry(t *testing.T) {
	s := newTestStore(t, 0)
	src := cancellation.NewSource()

	n, err := s.WriteBinaryStream("victim.bin", &abortReader{src: src}, binio.WriteOptions{Token: src.Token()})
	require.Error(t, err)
	assert.ErrorIs(t, err, cancellation.ErrCanceled)
	assert.Positive(t, n, "bytes moved before the cancel landed")

	// No live entry, no ledger drift, no temp residue.
	_, statErr := s.Stat("victim.bin")
	assert.ErrorIs(t, statErr, ErrNotFound)
	assert.Equal(t, int64(0), s.Size())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// brokenReader serves its payload and then fails.
type brokenReader struct {
	data *bytes.Reader
	err  error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.data.Len() == 0 {
		return 0, r.err
	}

	return r.data.Read(p)
}

func TestStreamedWriteFailureKeepsOverwrittenEntry(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Write("keep.bin", "precious bytes"))

	boom := errors.New("socket closed")
	reader := &brokenReader{data: bytes.NewReader(make([]byte, 100_000)), err: boom}

	_, err := s.WriteBinaryStream("keep.bin", reader, binio.WriteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The failed overwrite never touched the published entry.
	got, err := s.ReadString("keep.bin")
	require.NoError(t, err)
	assert.Equal(t, "precious bytes", got)
	assert.Equal(t, int64(len("precious bytes")), s.Size())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.bin", entries[0].Name())
}

// gateReader blocks its first Read until released, then serves one full
// chunk per call.
type gateReader struct {
	started chan struct{}
	release chan struct{}
	once    bool
}

func (g *gateReader) Read(p []byte) (int, error) {
	if !g.once {
		g.once = true
		close(g.started)
		<-g.release
	}

	for i := range p {
		p[i] = 0xAB
	}

	return len(p), nil
}

func TestDisposeCancelsInFlightStream(t *testing.T) {
	s, err := New(Options{Dir: filepath.Join(t.TempDir(), "live")})
	require.NoError(t, err)

	gate := &gateReader{started: make(chan struct{}), release: make(chan struct{})}
	result := make(chan error, 1)

	go func() {
		_, werr := s.WriteBinaryStream("victim", gate, binio.WriteOptions{})
		result <- werr
	}()

	<-gate.started
	require.NoError(t, s.Dispose())
	close(gate.release)

	select {
	case werr := <-result:
		require.Error(t, werr)
		assert.ErrorIs(t, werr, cancellation.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not observe dispose cancellation")
	}
}

func TestStreamWithExternalToken(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := s.WriteBinaryStream("x", strings.NewReader("data"), binio.WriteOptions{Token: cancellation.Canceled})
	require.Error(t, err)
	assert.ErrorIs(t, err, cancellation.ErrCanceled)

	_, statErr := s.Stat("x")
	assert.ErrorIs(t, statErr, ErrNotFound)
}

func TestEntryNamesNormalized(t *testing.T) {
	s := newTestStore(t, 0)

	// "café" in NFD (combining acute) and NFC (precomposed) must address
	// the same entry.
	nfd := "café.bin"
	nfc := "café.bin"

	require.NoError(t, s.Write(nfd, []byte("beans")))

	got, err := s.Read(nfc)
	require.NoError(t, err)
	assert.Equal(t, []byte("beans"), got)

	require.NoError(t, s.Remove(nfc))

	_, err = s.Read(nfd)
	assert.ErrorIs(t, err, ErrNotFound)
}
