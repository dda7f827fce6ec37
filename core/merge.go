package core

import (
	"fmt"
	"os"
	"slices"
)

// TryMergeOldest merges the two oldest segments into one equivalent
// segment, preserving newest-wins between them, then deletes the
// superseded file. With fewer than two segments it is a no-op.
//
// The merged output is renamed over the younger of the two inputs, so a
// crash between the rename and the removal of the older file leaves a
// segment list whose replay still resolves every key to the same state:
// the survivor already carries the winner for every key the older file
// mentions. Tombstones are kept in the output; dropping one would let a
// value for the same key in the removed file resurrect across that crash
// window. Sidecars are never touched here, they are shared by every
// mention of a key.
func (s *SegmentStore) TryMergeOldest() error {
	if len(s.ids) < 2 {
		return nil
	}

	oldID, survivorID := s.ids[0], s.ids[1]

	latest := make(map[string]Kind)
	if err := s.scanAll(oldID, func(key string, kind Kind) {
		latest[key] = kind
	}); err != nil {
		return err
	}
	if err := s.scanAll(survivorID, func(key string, kind Kind) {
		latest[key] = kind
	}); err != nil {
		return err
	}

	keys := make([]string, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	buf := make([]byte, 0, len(latest)*recordSize)
	for _, key := range keys {
		buf = appendRecord(buf, key, latest[key])
	}

	if err := WriteFileDurable(s.segmentPath(survivorID), buf); err != nil {
		return fmt.Errorf("write merged segment %d: %w", survivorID, err)
	}

	// remove the superseded file; its content is subsumed, so failing
	// here only leaves garbage behind
	if err := os.Remove(s.segmentPath(oldID)); err != nil {
		s.log.Warnw("remove merged segment", "id", oldID, "error", err)
	}

	s.ids = s.ids[1:]
	return nil
}
