package config

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_AllSections(t *testing.T) {
	t.Parallel()

	s := &Settings{
		StoreDir:       "/var/lib/stagedir/store",
		MaxSize:        512 * 1024 * 1024,
		MaskKey:        []byte{0xde, 0xad},
		Padded:         true,
		Timeout:        30 * time.Second,
		RateLimit:      1 << 20,
		Workers:        4,
		HistoryEnabled: true,
		HistoryFile:    "/var/lib/stagedir/history.db",
		HistoryKeep:    100,
		LogLevel:       "info",
		LogFormat:      "auto",
	}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(s, &buf))

	output := buf.String()
	assert.Contains(t, output, "[store]")
	assert.Contains(t, output, "[fetch]")
	assert.Contains(t, output, "[history]")
	assert.Contains(t, output, "[logging]")
	assert.Contains(t, output, `"/var/lib/stagedir/store"`)
	assert.Contains(t, output, "536870912")
	assert.Contains(t, output, `"dead"`)
	assert.Contains(t, output, `"30s"`)
	assert.Contains(t, output, "workers    = 4")
}

func TestRenderEffective_ZeroValuesAnnotated(t *testing.T) {
	t.Parallel()

	s := &Settings{LogLevel: "info", LogFormat: "auto"}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(s, &buf))

	output := buf.String()
	assert.Contains(t, output, "max_size = 0 (unlimited)")
	assert.Contains(t, output, "rate_limit = 0 (unlimited)")
	assert.Contains(t, output, "unmasked")
}

// failWriter is a writer that always fails, used to exercise error paths
// in the errWriter pattern.
type failWriter struct{}

var errWriteFailed = errors.New("write failed")

func (failWriter) Write([]byte) (int, error) {
	return 0, errWriteFailed
}

func TestRenderEffective_WriteError(t *testing.T) {
	t.Parallel()

	err := RenderEffective(&Settings{}, failWriter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteFailed)
}
