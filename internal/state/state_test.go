package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.yaml"))
	assert.NoError(t, s.Load())

	_, ok := s.Get("customers")
	assert.False(t, ok)
	assert.Equal(t, 0, len(s.All()))
}

func TestPutFlushLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	s := Open(path)
	assert.NoError(t, s.Load())

	entry := Entry{
		ModelName:              "customers",
		Fingerprint:            "abc123",
		Status:                 StatusSuccess,
		LastSuccessFingerprint: "abc123",
		LastRunAt:              time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		HighWatermarkKind:      WatermarkTimestamp,
		HighWatermark:          "2026-07-01T12:00:00Z",
	}
	s.Put(entry)

	assert.NoError(t, s.Flush())

	s2 := Open(path)
	assert.NoError(t, s2.Load())

	got, ok := s2.Get("customers")
	assert.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestDelete_RemovesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	s := Open(path)
	assert.NoError(t, s.Load())
	s.Put(Entry{ModelName: "orders", Status: StatusSuccess})
	s.Delete("orders")

	_, ok := s.Get("orders")
	assert.False(t, ok)
}

func TestLoad_MalformedFileIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("entries: [this, is, not, a, map"), 0o644))

	s := Open(path)
	err := s.Load()
	assert.Error(t, err)
}

func TestFlush_AtomicReplaceSurvivesPriorContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	s := Open(path)
	assert.NoError(t, s.Load())
	s.Put(Entry{ModelName: "a", Status: StatusSuccess})
	assert.NoError(t, s.Flush())

	s.Put(Entry{ModelName: "b", Status: StatusFailed})
	assert.NoError(t, s.Flush())

	s2 := Open(path)
	assert.NoError(t, s2.Load())

	_, aOK := s2.Get("a")
	_, bOK := s2.Get("b")
	assert.True(t, aOK)
	assert.True(t, bOK)
}
