package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSegmentStore(t *testing.T) (*SegmentStore, string) {
	t.Helper()

	dir := t.TempDir()
	s, err := OpenSegmentStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	return s, dir
}

func value(key, val string) SegmentItem {
	return SegmentItem{Key: key, Kind: KindValue, Value: val}
}

func tombstone(key string) SegmentItem {
	return SegmentItem{Key: key, Kind: KindTombstone}
}

func TestSegmentStoreAndGet(t *testing.T) {
	s, _ := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("foo", "bar")}))

	got, ok, err := s.Get("foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bar", got)

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegmentNewestWins(t *testing.T) {
	s, _ := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("k", "old")}))
	require.NoError(t, s.Store([]SegmentItem{value("k", "new")}))

	got, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got)
}

func TestSegmentTombstoneSuppressesOlderValue(t *testing.T) {
	s, _ := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("k", "v")}))
	require.NoError(t, s.Store([]SegmentItem{tombstone("k")}))

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok, "tombstone must hide the older value")

	keys, err := s.SortedKeys()
	require.NoError(t, err)
	assert.False(t, keys.Contains("k"))
}

func TestSegmentSortedKeysLastWriteWins(t *testing.T) {
	s, _ := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("a", "1"), value("b", "2"), tombstone("c")}))
	require.NoError(t, s.Store([]SegmentItem{tombstone("a"), value("c", "3")}))

	keys, err := s.SortedKeys()
	require.NoError(t, err)

	assert.False(t, keys.Contains("a"))
	assert.True(t, keys.Contains("b"))
	assert.True(t, keys.Contains("c"))
	assert.Equal(t, 2, keys.Cardinality())
}

func TestSegmentIdsAndFileNames(t *testing.T) {
	s, dir := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("a", "1")}))
	require.NoError(t, s.Store([]SegmentItem{value("b", "2")}))
	require.NoError(t, s.Store([]SegmentItem{value("c", "3")}))

	assert.Equal(t, 3, s.Count())

	for _, name := range []string{"0", "1", "2"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected segment file %q", name)
	}
}

func TestSegmentReopen(t *testing.T) {
	s, dir := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("k", "old")}))
	require.NoError(t, s.Store([]SegmentItem{value("k", "new"), value("x", "y")}))

	reopened, err := OpenSegmentStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 2, reopened.Count())

	got, ok, err := reopened.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", got)

	// a new segment continues the id sequence
	require.NoError(t, reopened.Store([]SegmentItem{value("z", "1")}))
	_, err = os.Stat(filepath.Join(dir, "2"))
	assert.NoError(t, err)
}

func TestSegmentSkipsStrayEntries(t *testing.T) {
	_, dir := newTestSegmentStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "NOTES"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "17"), 0o755))

	s, err := OpenSegmentStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestSegmentCorruptionFailsClosed(t *testing.T) {
	s, dir := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("k", "v")}))

	// chop the segment mid-record
	path := filepath.Join(dir, "0")
	require.NoError(t, os.Truncate(path, recordSize/2))

	_, _, err := s.Get("k")
	assert.True(t, errors.Is(err, ErrCorruptSegment), "got %v", err)

	_, err = s.SortedKeys()
	assert.True(t, errors.Is(err, ErrCorruptSegment), "got %v", err)
}

func TestSegmentMissingSidecarIsError(t *testing.T) {
	s, _ := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("k", "v")}))
	require.NoError(t, os.Remove(s.sidecarPath("k")))

	_, _, err := s.Get("k")
	assert.Error(t, err, "a value mention without its sidecar is data loss")
}

func TestSidecarOverwrittenOnRewrite(t *testing.T) {
	s, _ := newTestSegmentStore(t)

	require.NoError(t, s.Store([]SegmentItem{value("k", "first")}))
	require.NoError(t, s.Store([]SegmentItem{value("k", "second")}))

	b, err := os.ReadFile(s.sidecarPath("k"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
}
