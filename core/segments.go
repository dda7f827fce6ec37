// Package core provides the per-partition storage engine: a dual-indexed
// memtable fronting an ordered collection of immutable segment files, plus
// the housekeeping that flushes dirty entries and evicts cold ones.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// valuesDirName is the subdirectory holding one value sidecar file per
// live key. Segment files hold only (key, kind) records; the value bytes
// live out-of-line in the sidecar, overwritten on every value flush.
const valuesDirName = "values"

// SegmentItem is one record to persist in a segment file.
type SegmentItem struct {
	Key   string
	Kind  Kind
	Value string // ignored for tombstones
}

// SegmentStore owns one partition's on-disk state: an ascending list of
// immutable segment files named by id, and the shared values directory.
// Segments are appended on flush and removed only by merge; the segment
// with the largest id is the newest.
type SegmentStore struct {
	dir string
	ids []uint64 // ascending; last one is the newest
	log *zap.SugaredLogger
}

// OpenSegmentStore ensures dir and dir/values exist and enumerates the
// existing segment files. Entries whose names don't parse as non-negative
// integers are reserved for future use; they are logged and skipped.
func OpenSegmentStore(dir string, log *zap.SugaredLogger) (*SegmentStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, valuesDirName), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read segment dir %q: %w", dir, err)
	}

	var ids []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() && name == valuesDirName {
			continue
		}

		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil || entry.IsDir() {
			log.Warnw("skipping unexpected entry in segment dir", "dir", dir, "name", name)
			continue
		}

		ids = append(ids, id)
	}

	slices.Sort(ids)

	return &SegmentStore{dir: dir, ids: ids, log: log}, nil
}

// Count returns the number of live segments.
func (s *SegmentStore) Count() int { return len(s.ids) }

func (s *SegmentStore) segmentPath(id uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(id, 10))
}

// sidecarPath derives the value file name from two hashes of the key, the
// second over the reversed key so that a single collision isn't enough to
// alias two keys.
func (s *SegmentStore) sidecarPath(key string) string {
	reversed := []byte(key)
	slices.Reverse(reversed)

	name := strconv.FormatUint(xxh3.HashString(key), 10) +
		"_" + strconv.FormatUint(xxh3.Hash(reversed), 10)

	return filepath.Join(s.dir, valuesDirName, name)
}

// Get returns the value recorded by the newest segment mentioning key.
// A tombstone mention, or no mention at all, is a miss.
func (s *SegmentStore) Get(key string) (string, bool, error) {
	for i := len(s.ids) - 1; i >= 0; i-- {
		kind, found, err := s.scanForKey(s.ids[i], key)
		if err != nil {
			return "", false, err
		}
		if !found {
			continue
		}

		if kind == KindTombstone {
			return "", false, nil
		}

		// a value mention without its sidecar is data loss
		val, err := os.ReadFile(s.sidecarPath(key))
		if err != nil {
			return "", false, fmt.Errorf("read value sidecar for key %q: %w", key, err)
		}

		return string(val), true, nil
	}

	return "", false, nil
}

// scanForKey scans one segment front to back and reports the kind of the
// first record matching key.
func (s *SegmentStore) scanForKey(id uint64, key string) (Kind, bool, error) {
	f, err := os.Open(s.segmentPath(id))
	if err != nil {
		return 0, false, fmt.Errorf("open segment %d: %w", id, err)
	}
	defer f.Close() // nolint:errcheck

	rs := newRecordScanner(f)
	for rs.scan() {
		if rs.key == key {
			return rs.kind, true, nil
		}
	}

	if rs.err != nil {
		return 0, false, fmt.Errorf("scan segment %d: %w", id, rs.err)
	}

	return 0, false, nil
}

// scanAll streams every record of one segment through fn in file order.
func (s *SegmentStore) scanAll(id uint64, fn func(key string, kind Kind)) error {
	f, err := os.Open(s.segmentPath(id))
	if err != nil {
		return fmt.Errorf("open segment %d: %w", id, err)
	}
	defer f.Close() // nolint:errcheck

	rs := newRecordScanner(f)
	for rs.scan() {
		fn(rs.key, rs.kind)
	}

	if rs.err != nil {
		return fmt.Errorf("scan segment %d: %w", id, rs.err)
	}

	return nil
}

// SortedKeys returns the set of keys whose most recent mention across all
// segments is a value. Segments are replayed oldest to newest so the last
// write wins.
func (s *SegmentStore) SortedKeys() (mapset.Set[string], error) {
	latest := make(map[string]Kind)

	for _, id := range s.ids {
		if err := s.scanAll(id, func(key string, kind Kind) {
			latest[key] = kind
		}); err != nil {
			return nil, err
		}
	}

	keys := mapset.NewThreadUnsafeSet[string]()
	for key, kind := range latest {
		if kind == KindValue {
			keys.Add(key)
		}
	}

	return keys, nil
}

// Store appends one new segment holding items. Value sidecars are written
// and synced first, then the segment file is published atomically, so a
// reader never sees a value mention whose sidecar is missing.
func (s *SegmentStore) Store(items []SegmentItem) error {
	if len(items) == 0 {
		return nil
	}

	for _, item := range items {
		if item.Kind != KindValue {
			continue
		}
		if err := WriteFileDurable(s.sidecarPath(item.Key), []byte(item.Value)); err != nil {
			return fmt.Errorf("write value sidecar for key %q: %w", item.Key, err)
		}
	}

	buf := make([]byte, 0, len(items)*recordSize)
	for _, item := range items {
		buf = appendRecord(buf, item.Key, item.Kind)
	}

	var next uint64
	if len(s.ids) > 0 {
		next = s.ids[len(s.ids)-1] + 1
	}

	if err := WriteFileDurable(s.segmentPath(next), buf); err != nil {
		return fmt.Errorf("write segment %d: %w", next, err)
	}

	s.ids = append(s.ids, next)
	return nil
}
