package reporter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/history"
	"github.com/five82/gvlauncher/internal/logging"
)

// HistoryReporter records outcomes in the results history. Retried
// failures are recorded too, they feed the flaky statistics.
type HistoryReporter struct {
	NullReporter
	store *history.Store

	mu  sync.Mutex
	run *history.Run
}

// NewHistoryReporter creates a reporter writing to store.
func NewHistoryReporter(store *history.Store) *HistoryReporter {
	return &HistoryReporter{store: store}
}

// RunID returns the id of the recorded run, 0 before RunStarted.
func (r *HistoryReporter) RunID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return 0
	}
	return r.run.ID
}

// RunStarted records the run once; retry batches belong to it.
func (r *HistoryReporter) RunStarted(info RunInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != nil {
		return
	}
	run := &history.Run{Testsuites: info.Testsuites}
	if err := r.store.RecordRun(context.Background(), run); err != nil {
		logging.Warn("could not record run in history", zap.Error(err))
		return
	}
	r.run = run
}

func (r *HistoryReporter) TestFinished(outcome TestOutcome) {
	id := r.RunID()
	if id == 0 {
		return
	}
	err := r.store.RecordResult(context.Background(), id, history.Result{
		Classname:  outcome.Classname,
		Result:     outcome.Result.String(),
		Duration:   outcome.Duration,
		ReturnCode: outcome.ReturnCode,
		Message:    outcome.Message,
		Logfile:    outcome.Logfile,
	})
	if err != nil {
		logging.Warn("could not record result in history", zap.String("test", outcome.Classname), zap.Error(err))
	}
}

func (r *HistoryReporter) FinalReport(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return
	}
	r.run.Total = summary.Total
	r.run.Failures = len(summary.Failures)
	if err := r.store.FinishRun(context.Background(), r.run); err != nil {
		logging.Warn("could not finish run in history", zap.Error(err))
	}
	r.run = nil
}
