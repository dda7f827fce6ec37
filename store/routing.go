package store

import "github.com/zeebo/xxh3"

// PartitionCount is the number of logical partitions the key hash space is
// split into. Partition and unit assignment both derive from it, so it is
// baked into the on-disk layout and cannot change across runs.
const PartitionCount = 256

// segmentNo maps a key to its logical partition. Pure function of the key.
func segmentNo(key string) int {
	return int(xxh3.HashString(key) % PartitionCount)
}

// unitOf says which execution unit owns partition segNo when running with
// the given unit count.
func unitOf(segNo, units int) int {
	return segNo % units
}

// slotOf is partition segNo's index within its owning unit's local list.
func slotOf(segNo, units int) int {
	return segNo / units
}
