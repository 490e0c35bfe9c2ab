package launcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/config"
	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/protocol"
	"github.com/five82/gvlauncher/internal/reporter"
	"github.com/five82/gvlauncher/internal/services"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

// RunTests runs the listed tests according to the run mode and reports
// whether they all passed. Forever mode only returns once a test failed.
func (l *Launcher) RunTests(ctx context.Context) (bool, error) {
	if !l.cfg.Services.HTTPOnly {
		if _, err := l.ListTests(); err != nil {
			return false, err
		}
	}

	stop, err := l.startServices(ctx)
	defer stop()
	if err != nil {
		return false, err
	}

	if l.cfg.Services.HTTPOnly {
		l.rep.Verbose("Serving media files only, press Ctrl-C to stop")
		<-ctx.Done()
		return true, nil
	}

	srv, err := protocol.Listen("localhost:0", l.registry, l.notify)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			logging.Debug("status server shutdown", zap.Error(err))
		}
	}()
	l.opts.ServerURL = srv.URL()
	defer l.cleanTests()

	switch {
	case l.cfg.Run.Forever:
		return l.runForever(ctx)
	case l.cfg.Run.NRuns > 0:
		passed := true
		for r := 1; r <= l.cfg.Run.NRuns; r++ {
			l.rep.Iteration(reporter.IterationInfo{Iteration: r})
			ok, err := l.runOnce(ctx, l.tests, false, l.cfg.WantsRetries(), 0)
			if err != nil {
				return false, err
			}
			passed = passed && ok
			l.rep.Iteration(reporter.IterationInfo{Iteration: r, Done: true, Passed: ok})
			l.cleanTests()
		}
		return passed, nil
	default:
		return l.runOnce(ctx, l.tests, false, l.cfg.WantsRetries(), 0)
	}
}

func (l *Launcher) runForever(ctx context.Context) (bool, error) {
	stopWatch := l.watchExpectedIssues(ctx)
	defer stopWatch()

	iteration := 1
	defer func() {
		logging.Info("forever run stopped", zap.Int("iterations", iteration))
	}()
	for {
		l.applyReloads()
		l.rep.Iteration(reporter.IterationInfo{Iteration: iteration})
		ok, err := l.runOnce(ctx, l.tests, false, false, 0)
		if err != nil {
			return false, err
		}
		l.rep.Iteration(reporter.IterationInfo{Iteration: iteration, Done: true, Passed: ok})
		if !ok {
			return false, nil
		}
		iteration++
		l.cleanTests()
	}
}

// startServices starts the media HTTP server and the virtual frame buffer
// when needed. The returned stop function is always safe to call.
func (l *Launcher) startServices(ctx context.Context) (func(), error) {
	var (
		httpSrv *services.HTTPServer
		xvfb    *services.Xvfb
	)
	stop := func() {
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := httpSrv.Stop(sctx); err != nil {
				logging.Warn("failed to stop HTTP server", zap.Error(err))
			}
			cancel()
		}
		if xvfb != nil {
			xvfb.Stop()
		}
	}

	if l.cfg.Services.HTTPOnly || l.NeedsHTTPServer() {
		httpSrv = services.NewHTTPServer(l.cfg.Services.HTTPPort, l.MediaPaths())
		if err := httpSrv.Start(ctx); err != nil {
			httpSrv = nil
			return stop, err
		}
	}
	if l.cfg.Debugging.NoDisplay {
		display := l.cfg.Services.XvfbDisplay
		if display == "" {
			display = config.DefaultXvfbDisplay
		}
		xvfb = services.NewXvfb(display)
		if err := xvfb.Start(ctx); err != nil {
			xvfb = nil
			return stop, err
		}
	}
	return stop, nil
}

type batch struct {
	jobs  int
	tests []*testcase.Test
}

// runOnce runs tests, parallel ones first, and returns false when a
// non-retried test did not succeed. retryTotal is set when re-running
// failed tests.
func (l *Launcher) runOnce(ctx context.Context, tests []*testcase.Test, allAlone, retryOnFailures bool, retryTotal int) (bool, error) {
	var parallel, alone []*testcase.Test
	for _, t := range tests {
		if t.IsParallel && !allAlone {
			parallel = append(parallel, t)
		} else {
			alone = append(alone, t)
		}
	}

	numJobs := l.cfg.Run.NumJobs
	maxJobs := max(min(numJobs, len(parallel)), 1)
	if l.cfg.Run.Forever && len(parallel) > 0 && len(parallel) < numJobs {
		maxJobs = numJobs
		var copied []*testcase.Test
		for i := 0; len(parallel)+len(copied) < maxJobs; i = (i + 1) % len(parallel) {
			c, err := parallel[i].Copy(len(copied) + 1)
			if err != nil {
				return false, err
			}
			copied = append(copied, c)
		}
		parallel = append(parallel, copied...)
		l.tests = append(l.tests, copied...)
	}

	total := len(l.allTests)
	if retryTotal > 0 {
		total = retryTotal
	}
	l.rep.RunStarted(reporter.RunInfo{
		Testsuites: l.testsuiteNames(),
		Total:      total,
		Jobs:       maxJobs,
		LogsDir:    l.opts.LogsDir,
		Retry:      retryTotal > 0,
		System:     util.GetSystemInfo(),
	})

	var durations map[string]time.Duration
	if l.cfg.Run.Shuffle {
		l.rng.Shuffle(len(parallel), func(i, j int) { parallel[i], parallel[j] = parallel[j], parallel[i] })
		l.rng.Shuffle(len(alone), func(i, j int) { alone[i], alone[j] = alone[j], alone[i] })
	} else if l.durations != nil && len(parallel) > 1 {
		var err error
		if durations, err = l.durations.LastDurations(ctx, classnames(parallel)); err != nil {
			logging.Warn("could not read test durations", zap.Error(err))
		}
	}

	current := 0
	passed := true
	var toRetry []*testcase.Test
	for _, b := range []batch{{maxJobs, parallel}, {1, alone}} {
		d := NewDispatcher(b.tests, durations)
		var running []*testcase.Test
		for len(running) < b.jobs {
			t, ok := d.Next()
			if !ok {
				break
			}
			l.startTest(ctx, t)
			running = append(running, t)
		}

		for len(running) > 0 {
			i, err := l.waitOne(ctx, running)
			if err != nil {
				l.abort(running)
				return false, err
			}
			t := running[i]
			running = append(running[:i], running[i+1:]...)
			current++

			res := l.endTest(ctx, t)
			outcome := outcomeOf(t)
			if !res.IsSuccess() {
				if l.cfg.Run.Forever || l.cfg.Run.FatalError {
					l.report(outcome, current, total)
					l.abort(running)
					return false, nil
				}
				if retryOnFailures || (t.MaxRetries > 0 && !l.cfg.Run.NoRetryOnFailures) {
					if l.cfg.Run.RedirectLogs == "" {
						if err := t.CopyLogfiles(""); err != nil {
							logging.Warn("could not copy logs of flaky test", zap.String("test", t.Classname), zap.Error(err))
						}
					}
					toRetry = append(toRetry, t)
					outcome.Retrying = true
					if t.MaxRetries > 0 {
						t.MaxRetries--
						outcome.Tolerated = true
					}
				} else {
					passed = false
				}
			}
			l.report(outcome, current, total)

			if next, ok := d.Next(); ok {
				l.startTest(ctx, next)
				running = append(running, next)
			}
		}
	}

	if len(toRetry) == 0 {
		return passed, nil
	}

	l.rep.Retrying(classnames(toRetry))
	logging.Info("re-running tests", zap.String("tests", describe(toRetry)))
	for _, t := range toRetry {
		t.Clean()
	}
	ok, err := l.runOnce(ctx, toRetry, true, false, len(toRetry))
	return passed && ok, err
}

func (l *Launcher) report(outcome reporter.TestOutcome, current, total int) {
	l.tally.Add(outcome)
	l.rep.TestFinished(outcome)
	l.rep.Progress(reporter.ProgressInfo{Current: current, Total: total})
}

func (l *Launcher) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Launcher) startTest(ctx context.Context, t *testcase.Test) {
	l.registry.Add(t.UUID(), t)
	if err := t.Start(ctx, l.notify); err != nil {
		logging.Error("failed to start test", zap.String("test", t.Classname), zap.Error(err))
	}
	l.rep.TestStarted(reporter.TestInfo{
		Classname: t.Classname,
		Command:   t.CommandRepr(),
		Logfile:   t.Logfile(),
	})
}

// waitOne blocks until one of running is done and returns its index. It
// wakes on status messages, process exits and every PollInterval.
func (l *Launcher) waitOne(ctx context.Context, running []*testcase.Test) (int, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		for i, t := range running {
			if t.ProcessUpdate() {
				return i, nil
			}
		}
		select {
		case <-ctx.Done():
			return -1, gverrors.NewCancelledError()
		case <-l.wake:
		case <-ticker.C:
		}
	}
}

func (l *Launcher) endTest(ctx context.Context, t *testcase.Test) testcase.Result {
	if t.PostRun != nil && !t.Running() {
		t.PostRun(ctx, t)
	}
	t.CheckResults()
	res := t.End()
	l.registry.Remove(t.UUID())
	return res
}

// abort kills the tests still running.
func (l *Launcher) abort(running []*testcase.Test) {
	for _, t := range running {
		logging.Debug("killing test", zap.String("test", t.Classname))
		t.End()
		l.registry.Remove(t.UUID())
	}
}

func (l *Launcher) cleanTests() {
	for _, t := range l.tests {
		t.Clean()
	}
}

func outcomeOf(t *testcase.Test) reporter.TestOutcome {
	return reporter.TestOutcome{
		Classname:     t.Classname,
		Result:        t.Result(),
		Message:       t.Message(),
		Duration:      t.TimeTaken(),
		ReturnCode:    t.ReturnCode(),
		Logfile:       t.Logfile(),
		ExtraLogfiles: t.ExtraLogfiles(),
		StackTrace:    t.StackTrace(),
		Line:          t.String(),
	}
}

// watchExpectedIssues reloads changed known issues files between forever
// iterations.
func (l *Launcher) watchExpectedIssues(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	for _, path := range l.ExpectedIssuesFiles() {
		err := config.Watch(ctx, path, func(changed string) {
			l.reloadMu.Lock()
			l.pendingReload = append(l.pendingReload, changed)
			l.reloadMu.Unlock()
		})
		if err != nil {
			logging.Warn("cannot watch known issues", zap.String("file", path), zap.Error(err))
		}
	}
	return cancel
}

func (l *Launcher) applyReloads() {
	l.reloadMu.Lock()
	paths := l.pendingReload
	l.pendingReload = nil
	l.reloadMu.Unlock()

	for _, path := range paths {
		db := issues.NewDatabase()
		if err := db.LoadFile(path); err != nil {
			l.rep.Warning(fmt.Sprintf("Could not reload known issues %s: %v", path, err))
			continue
		}
		for _, m := range l.managers {
			if err := m.AddExpectedIssues(db); err != nil {
				l.rep.Warning(fmt.Sprintf("Invalid known issues in %s: %v", path, err))
			}
		}
		l.rep.Verbose("Reloaded known issues from " + path)
	}
}
