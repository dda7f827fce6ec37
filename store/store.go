// Package store routes keys across execution units, each owning a disjoint
// set of partitions, and fans out cross-partition queries. Each unit is one
// goroutine; units are not pinned to particular CPUs.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epokhe/pkvs/core"
)

// unitsFile records the unit count the data directory was created with.
// Routing depends on it, so reopening with a different count would scatter
// keys to the wrong partitions.
const unitsFile = "UNITS"

var ErrUnitCountMismatch = errors.New("unit count does not match data directory")

type Store struct {
	dir   string
	units []*unit

	unitCount      int
	evictThreshold int64 // per-partition memtable byte budget
	mergeThreshold int
	log            *zap.SugaredLogger

	closeOnce sync.Once
}

type Option func(*Store)

// WithEvictThreshold sets the per-partition memtable byte budget.
func WithEvictThreshold(n int64) Option {
	return func(st *Store) { st.evictThreshold = n }
}

// WithUnitCount overrides the number of execution units. Must match the
// count the data directory was created with.
func WithUnitCount(n int) Option {
	return func(st *Store) { st.unitCount = n }
}

// WithMergeThreshold sets the per-partition segment count above which
// housekeeping merges the oldest segments.
func WithMergeThreshold(n int) Option {
	return func(st *Store) { st.mergeThreshold = n }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(st *Store) { st.log = log }
}

// Open creates or reopens the store rooted at dir. Partition i lives at
// dir/i and is owned by unit i mod U, at local slot i / U.
func Open(dir string, opts ...Option) (*Store, error) {
	st := &Store{
		dir: dir,
		// default values
		unitCount:      runtime.GOMAXPROCS(0),
		evictThreshold: 100_000_000,
		mergeThreshold: 8,
		log:            zap.NewNop().Sugar(),
	}

	// apply options
	for _, opt := range opts {
		opt(st)
	}

	if st.unitCount < 1 || st.unitCount > PartitionCount {
		return nil, fmt.Errorf("unit count %d out of range [1,%d]", st.unitCount, PartitionCount)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	if err := checkUnitsStamp(dir, st.unitCount); err != nil {
		return nil, err
	}

	for u := 0; u < st.unitCount; u++ {
		un := newUnit(u)

		for i := u; i < PartitionCount; i += st.unitCount {
			p, err := core.OpenPartition(
				filepath.Join(dir, strconv.Itoa(i)),
				st.evictThreshold, st.mergeThreshold, st.log,
			)
			if err != nil {
				st.abortOpen()
				return nil, err
			}
			un.parts = append(un.parts, p)
		}

		st.units = append(st.units, un)
		go un.run()
	}

	st.log.Infow("store opened", "dir", dir, "units", st.unitCount, "partitions", PartitionCount)

	return st, nil
}

// abortOpen stops the units already running when Open fails midway.
func (st *Store) abortOpen() {
	for _, u := range st.units {
		u.stop()
	}
}

// checkUnitsStamp persists the unit count on first open and refuses to
// open a data directory created with a different count.
func checkUnitsStamp(dir string, units int) error {
	path := filepath.Join(dir, unitsFile)

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return core.WriteFileDurable(path, []byte(strconv.Itoa(units)+"\n"))
	}
	if err != nil {
		return fmt.Errorf("read units stamp: %w", err)
	}

	stamped, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse units stamp: %w", err)
	}

	if stamped != units {
		return fmt.Errorf("%w: created with %d, running with %d", ErrUnitCountMismatch, stamped, units)
	}

	return nil
}

// route returns the owning unit and local partition for key.
func (st *Store) route(key string) (*unit, *core.Partition) {
	seg := segmentNo(key)
	u := st.units[unitOf(seg, st.unitCount)]
	return u, u.parts[slotOf(seg, st.unitCount)]
}

func (st *Store) Get(key string) (val string, ok bool, err error) {
	u, p := st.route(key)
	u.do(func() { val, ok, err = p.Get(key) })
	return val, ok, err
}

func (st *Store) Insert(key, value string) {
	u, p := st.route(key)
	u.do(func() { p.Insert(key, value) })
}

func (st *Store) Delete(key string) {
	u, p := st.route(key)
	u.do(func() { p.Delete(key) })
}

// SortedKeys queries all units in parallel and returns the union of their
// live key sets in ascending key order. A failure on any partition fails
// the whole query.
func (st *Store) SortedKeys() ([]string, error) {
	sets := make([]mapset.Set[string], len(st.units))

	var g errgroup.Group
	for i, u := range st.units {
		i, u := i, u
		g.Go(func() error {
			var err error
			u.do(func() { sets[i], err = u.sortedKeys() })
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mapset.NewThreadUnsafeSet[string]()
	for _, s := range sets {
		merged = merged.Union(s)
	}

	keys := merged.ToSlice()
	slices.Sort(keys)

	return keys, nil
}

// Housekeeping runs one maintenance step on every partition, all units in
// parallel.
func (st *Store) Housekeeping() error {
	now := time.Now()

	var g errgroup.Group
	for _, u := range st.units {
		u := u
		g.Go(func() error {
			var err error
			u.do(func() { err = u.housekeeping(now) })
			return err
		})
	}

	return g.Wait()
}

// Close stops all unit goroutines after their queued work drains. The
// store must not be used afterwards.
func (st *Store) Close() {
	st.closeOnce.Do(func() {
		for _, u := range st.units {
			u.stop()
		}
	})
}
