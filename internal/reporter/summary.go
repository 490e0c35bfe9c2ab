package reporter

import (
	"sync"
	"time"

	"github.com/five82/gvlauncher/internal/testcase"
)

// Tally accumulates outcomes into a Summary. Tolerated failures are ignored.
type Tally struct {
	mu       sync.Mutex
	start    time.Time
	counts   map[testcase.Result]int
	total    int
	failures []TestOutcome
}

// NewTally starts a tally timed from now.
func NewTally() *Tally {
	return &Tally{start: time.Now(), counts: make(map[testcase.Result]int)}
}

// Add records an outcome.
func (t *Tally) Add(o TestOutcome) {
	if o.Tolerated {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[o.Result]++
	t.total++
	if o.Result.IsFailure() {
		t.failures = append(t.failures, o)
	}
}

// Summary returns the current statistics.
func (t *Tally) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[testcase.Result]int, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	return Summary{
		Counts:   counts,
		Total:    t.total,
		Elapsed:  time.Since(t.start),
		Failures: append([]TestOutcome(nil), t.failures...),
	}
}
