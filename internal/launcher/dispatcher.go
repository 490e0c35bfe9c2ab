package launcher

import (
	"sort"
	"sync"
	"time"

	"github.com/five82/gvlauncher/internal/testcase"
)

// Dispatcher hands out the tests of a batch. Tests with a known duration
// are picked first, longest first, so they do not end up running alone at
// the end of the batch. The others keep their order.
type Dispatcher struct {
	mu    sync.Mutex
	ready []*testcase.Test
}

// NewDispatcher creates a dispatcher over tests. durations may be nil.
func NewDispatcher(tests []*testcase.Test, durations map[string]time.Duration) *Dispatcher {
	ready := append([]*testcase.Test(nil), tests...)
	if len(durations) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			return durations[ready[i].Classname] > durations[ready[j].Classname]
		})
	}
	return &Dispatcher{ready: ready}
}

// Next returns the next test to start. Returns false if no tests remain.
func (d *Dispatcher) Next() (*testcase.Test, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ready) == 0 {
		return nil, false
	}
	t := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	return t, true
}

// Remaining returns the count of unstarted tests.
func (d *Dispatcher) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}
