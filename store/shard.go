package store

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/epokhe/pkvs/core"
)

// unit is one execution unit: a goroutine that exclusively owns a disjoint
// set of partitions and runs every operation on them to completion, one at
// a time. All cross-unit communication is by submitting a closure to the
// task channel and waiting for it, so partition state needs no locks and
// logical operations on one partition never interleave.
type unit struct {
	id    int
	parts []*core.Partition
	tasks chan func()
	done  chan struct{}
}

func newUnit(id int) *unit {
	return &unit{
		id:    id,
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
}

// run drains the task channel until it is closed. Must be called on its
// own goroutine, exactly once.
func (u *unit) run() {
	defer close(u.done)

	for fn := range u.tasks {
		fn()
	}
}

// do executes fn on the unit's goroutine and waits for it to finish.
func (u *unit) do(fn func()) {
	ran := make(chan struct{})
	u.tasks <- func() {
		defer close(ran)
		fn()
	}
	<-ran
}

// stop waits for queued tasks to drain and terminates the unit goroutine.
func (u *unit) stop() {
	close(u.tasks)
	<-u.done
}

// sortedKeys merges the live key sets of all locally owned partitions.
// Runs on the unit goroutine.
func (u *unit) sortedKeys() (mapset.Set[string], error) {
	keys := mapset.NewThreadUnsafeSet[string]()

	for _, p := range u.parts {
		pk, err := p.SortedKeys()
		if err != nil {
			return nil, err
		}
		keys = keys.Union(pk)
	}

	return keys, nil
}

// housekeeping runs one maintenance step on every locally owned partition.
// Runs on the unit goroutine.
func (u *unit) housekeeping(now time.Time) error {
	for _, p := range u.parts {
		if err := p.Housekeeping(now); err != nil {
			return err
		}
	}
	return nil
}
