package core

import (
	"fmt"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// flushInterval bounds how much unflushed work a partition can hold: a
// housekeeping tick flushes dirties at the latest this long after the
// previous flush, even when the memory budget isn't exceeded.
const flushInterval = 20 * time.Second

// Partition binds one memtable and one segment store for one key
// subrange. It is not safe for concurrent use; the owning execution unit
// must serialize all calls.
type Partition struct {
	mt   *Memtable
	segs *SegmentStore

	evictThreshold int64 // soft memtable byte budget
	memBytes       int64 // sum of |key|+|content| over all entries
	hasDirty       bool
	lastFlush      time.Time
	mergeThreshold int // merge oldest segments when count exceeds this

	log *zap.SugaredLogger
}

// OpenPartition opens (or creates) the partition rooted at dir. Segment
// files live under dir/sstables.
func OpenPartition(dir string, evictThreshold int64, mergeThreshold int, log *zap.SugaredLogger) (*Partition, error) {
	segs, err := OpenSegmentStore(filepath.Join(dir, "sstables"), log)
	if err != nil {
		return nil, fmt.Errorf("open partition %q: %w", dir, err)
	}

	return &Partition{
		mt:             NewMemtable(),
		segs:           segs,
		evictThreshold: evictThreshold,
		mergeThreshold: mergeThreshold,
		lastFlush:      time.Now(),
		log:            log,
	}, nil
}

// MemBytes returns the approximate memtable footprint in bytes.
func (p *Partition) MemBytes() int64 { return p.memBytes }

// Get returns the value for key, consulting the memtable first and falling
// back to the segment store. A disk hit re-populates the memtable as a
// clean entry so repeated reads stay in memory.
func (p *Partition) Get(key string) (string, bool, error) {
	if e := p.mt.Find(key); e != nil {
		if e.Kind == KindTombstone {
			return "", false, nil
		}

		p.mt.Touch(e)
		return e.Content, true, nil
	}

	val, ok, err := p.segs.Get(key)
	if err != nil || !ok {
		return "", false, err
	}

	p.mt.Insert(&Entry{Key: key, Kind: KindValue, Content: val})
	p.memBytes += int64(len(key) + len(val))

	return val, true, nil
}

// Insert stores key→value in the memtable, marking the entry dirty.
func (p *Partition) Insert(key, value string) {
	p.hasDirty = true

	if e := p.mt.Find(key); e != nil {
		p.memBytes -= int64(len(e.Content))
		p.mt.Replace(e, KindValue, value)
	} else {
		p.mt.Insert(&Entry{Key: key, Kind: KindValue, Content: value, Dirty: true})
		p.memBytes += int64(len(key))
	}

	p.memBytes += int64(len(value))
}

// Delete records a tombstone for key. Older segment mentions stay on disk
// until merge but are suppressed on read.
func (p *Partition) Delete(key string) {
	p.hasDirty = true

	if e := p.mt.Find(key); e != nil {
		p.memBytes -= int64(len(e.Content))
		p.mt.Replace(e, KindTombstone, "")
	} else {
		p.mt.Insert(&Entry{Key: key, Kind: KindTombstone, Dirty: true})
		p.memBytes += int64(len(key))
	}
}

// SortedKeys returns the set of live keys: the on-disk key set overlaid
// with the memtable, where memtable tombstones remove and values add.
func (p *Partition) SortedKeys() (mapset.Set[string], error) {
	keys, err := p.segs.SortedKeys()
	if err != nil {
		return nil, err
	}

	p.mt.Each(func(e *Entry) {
		if e.Kind == KindTombstone {
			keys.Remove(e.Key)
		} else {
			keys.Add(e.Key)
		}
	})

	return keys, nil
}

// Housekeeping runs one maintenance step: flush dirty entries if any, then
// evict cold clean entries down to the byte budget. It does nothing unless
// the budget is exceeded or flushInterval has passed since the last flush.
// Flushing before evicting is what makes eviction safe: by the time the
// eviction loop runs, every entry is clean.
func (p *Partition) Housekeeping(now time.Time) error {
	if p.memBytes <= p.evictThreshold && now.Sub(p.lastFlush) < flushInterval {
		return nil
	}

	if p.hasDirty {
		var batch []SegmentItem
		var flushed []*Entry

		p.mt.AscendKeys(func(e *Entry) {
			if !e.Dirty {
				return
			}
			batch = append(batch, SegmentItem{Key: e.Key, Kind: e.Kind, Value: e.Content})
			flushed = append(flushed, e)
		})

		if err := p.segs.Store(batch); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		// clear dirty flags only after the segment is durable
		for _, e := range flushed {
			e.Dirty = false
		}

		p.hasDirty = false
		p.lastFlush = now

		if p.segs.Count() > p.mergeThreshold {
			if err := p.segs.TryMergeOldest(); err != nil {
				return fmt.Errorf("merge: %w", err)
			}
		}
	}

	for p.memBytes > p.evictThreshold {
		e := p.mt.Oldest()
		if e == nil {
			break
		}

		if e.Dirty {
			p.log.Panicw("evicting a dirty entry", "key", e.Key)
		}

		p.memBytes -= int64(len(e.Key) + len(e.Content))
		p.mt.Remove(e)
	}

	return nil
}
