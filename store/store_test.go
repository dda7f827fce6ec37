package store

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()

	opts = append([]Option{WithUnitCount(4), WithEvictThreshold(1 << 20)}, opts...)
	st, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	return st
}

func TestStoreInsertGetDelete(t *testing.T) {
	st := openTestStore(t, t.TempDir())

	st.Insert("foo", "bar")

	got, ok, err := st.Get("foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bar", got)

	st.Delete("foo")

	_, ok, err = st.Get("foo")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreManyKeysAcrossUnits(t *testing.T) {
	st := openTestStore(t, t.TempDir())

	for i := 0; i < 500; i++ {
		st.Insert(fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i))
	}

	for i := 0; i < 500; i++ {
		got, ok, err := st.Get(fmt.Sprintf("k%04d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v%04d", i), got)
	}
}

func TestStoreSortedKeys(t *testing.T) {
	st := openTestStore(t, t.TempDir())

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		st.Insert(key, "v")
		want = append(want, key)
	}
	sort.Strings(want)

	st.Delete("key-050")
	want = append(want[:50], want[51:]...)

	got, err := st.SortedKeys()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreSortedKeysEmpty(t *testing.T) {
	st := openTestStore(t, t.TempDir())

	got, err := st.SortedKeys()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreUnitCountMismatch(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(dir, WithUnitCount(2))
	require.NoError(t, err)
	st.Close()

	_, err = Open(dir, WithUnitCount(3))
	assert.True(t, errors.Is(err, ErrUnitCountMismatch), "got %v", err)

	// same count reopens fine
	st, err = Open(dir, WithUnitCount(2))
	require.NoError(t, err)
	st.Close()
}

func TestStoreDurabilityAfterHousekeeping(t *testing.T) {
	dir := t.TempDir()

	// zero budget forces the flush trigger on the first housekeeping pass
	st := openTestStore(t, dir, WithEvictThreshold(0))
	for i := 0; i < 50; i++ {
		st.Insert(fmt.Sprintf("k%02d", i), fmt.Sprintf("v%02d", i))
	}
	st.Delete("k13")
	require.NoError(t, st.Housekeeping())
	st.Close()

	st2 := openTestStore(t, dir)

	got, ok, err := st2.Get("k07")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v07", got)

	_, ok, err = st2.Get("k13")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreNoHousekeepingNoDurability(t *testing.T) {
	dir := t.TempDir()

	st := openTestStore(t, dir)
	st.Insert("a", "1")
	st.Close()

	st2 := openTestStore(t, dir)

	_, ok, err := st2.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Insert far past the budget, housekeep, and make sure nothing is lost:
// evicted entries come back from disk and the listing stays complete.
func TestStoreEvictionKeepsEverythingReadable(t *testing.T) {
	dir := t.TempDir()

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}

	st := openTestStore(t, dir, WithEvictThreshold(4096))

	want := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("k%04d", i)
		st.Insert(key, string(big))
		want = append(want, key)
	}

	require.NoError(t, st.Housekeeping())
	require.NoError(t, st.Housekeeping())

	got, err := st.SortedKeys()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, key := range []string{"k0000", "k0137", "k0299"} {
		val, ok, err := st.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, string(big), val)
	}
}

func TestStoreRejectsBadUnitCount(t *testing.T) {
	_, err := Open(t.TempDir(), WithUnitCount(0))
	assert.Error(t, err)

	_, err = Open(t.TempDir(), WithUnitCount(PartitionCount+1))
	assert.Error(t, err)
}
