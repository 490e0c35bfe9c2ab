package launcher

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/five82/gvlauncher/internal/config"
	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/manager"
	"github.com/five82/gvlauncher/internal/reporter"
	"github.com/five82/gvlauncher/internal/testcase"
)

func TestMain(m *testing.M) {
	PollInterval = 20 * time.Millisecond
	goleak.VerifyTestMain(m)
}

type recorder struct {
	reporter.NullReporter

	mu         sync.Mutex
	runs       []reporter.RunInfo
	started    []string
	outcomes   []reporter.TestOutcome
	retried    [][]string
	iterations []reporter.IterationInfo
	warnings   []string
}

func (r *recorder) RunStarted(info reporter.RunInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, info)
}

func (r *recorder) TestStarted(info reporter.TestInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info.Classname)
}

func (r *recorder) TestFinished(o reporter.TestOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) Retrying(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, names)
}

func (r *recorder) Iteration(info reporter.IterationInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations = append(r.iterations, info)
}

func (r *recorder) Warning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

func (r *recorder) results() map[string][]testcase.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]testcase.Result)
	for _, o := range r.outcomes {
		out[o.Classname] = append(out[o.Classname], o.Result)
	}
	return out
}

type fixture struct {
	cfg  *config.Config
	opts *testcase.Options
	mgr  *manager.Manager
	rec  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Cleanup(logging.SetGlobal(&logging.Logger{Logger: zaptest.NewLogger(t)}))
	cfg := config.NewConfig()
	cfg.Paths.LogsDir = t.TempDir()
	cfg.Run.NumJobs = 2
	m, err := manager.New(manager.NameCommands, manager.Settings{LongLimit: config.LongTestLimit})
	require.NoError(t, err)
	return &fixture{
		cfg:  cfg,
		opts: &testcase.Options{LogsDir: cfg.Paths.LogsDir, TimeoutFactor: 1},
		mgr:  m,
		rec:  &recorder{},
	}
}

func (f *fixture) add(classname, script string, parallel bool) *testcase.Test {
	tc := testcase.New(testcase.Params{
		Application: "/bin/sh",
		Classname:   classname,
		Args:        []string{"-c", script},
		Timeout:     20,
		NotParallel: !parallel,
	}, f.opts)
	f.mgr.AddTest(tc)
	return tc
}

func (f *fixture) launcher(options ...Option) *Launcher {
	l := New(f.cfg, f.opts, append([]Option{WithReporter(f.rec)}, options...)...)
	l.AddManager(f.mgr)
	return l
}

func TestSplitTests(t *testing.T) {
	var tests []*testcase.Test
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		tests = append(tests, testcase.New(testcase.Params{Application: "true", Classname: name}, nil))
	}

	cases := []struct {
		name    string
		parts   int
		index   int
		want    []string
		wantErr bool
	}{
		{"single part", 1, 1, []string{"a", "b", "c", "d", "e"}, false},
		{"first of two", 2, 1, []string{"a", "c", "e"}, false},
		{"second of two", 2, 2, []string{"b", "d"}, false},
		{"last of five", 5, 5, []string{"e"}, false},
		{"no parts", 0, 1, nil, true},
		{"more parts than tests", 6, 1, nil, true},
		{"index out of range", 2, 3, nil, true},
		{"index zero", 2, 0, nil, true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitTests(tests, tt.parts, tt.index)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, gverrors.IsKind(err, gverrors.KindScheduler))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, classnames(got))
		})
	}
}

func TestListTestsSortsAndSplits(t *testing.T) {
	f := newFixture(t)
	f.add("check.c", "true", true)
	f.add("check.a", "true", true)
	f.add("check.b", "true", true)
	f.cfg.Run.NumParts = 2
	f.cfg.Run.PartIndex = 1

	tests, err := f.launcher().ListTests()
	require.NoError(t, err)
	assert.Equal(t, []string{"check.a", "check.c"}, classnames(tests))
}

func TestListTestsEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.launcher().ListTests()
	require.Error(t, err)
	assert.True(t, gverrors.IsNoTestsFound(err))
}

func TestTestslistChange(t *testing.T) {
	dir := t.TempDir()
	ts := &manager.Testsuite{Name: "check", TestManager: []string{manager.NameCommands}, Path: filepath.Join(dir, "check.toml")}
	listPath := filepath.Join(dir, "check.testslist")
	require.NoError(t, os.WriteFile(listPath, []byte("check.a\ncheck.gone\n"), 0o644))

	f := newFixture(t)
	f.add("check.a", "true", true)
	f.add("check.b", "true", true)
	f.cfg.Selection.FailOnTestlistChange = true

	l := New(f.cfg, f.opts, WithReporter(f.rec))
	l.AddManager(f.mgr, ts)
	_, err := l.ListTests()
	require.Error(t, err)
	assert.True(t, gverrors.IsKind(err, gverrors.KindTestlistChanged))
	assert.Contains(t, f.rec.warnings, "Test check.gone Not in testsuite "+ts.Path+" anymore")

	data, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Equal(t, "check.a\ncheck.b\n", string(data))

	l = New(f.cfg, f.opts)
	l.AddManager(f.mgr, ts)
	tests, err := l.ListTests()
	require.NoError(t, err)
	assert.Len(t, tests, 2)
}

func TestTestslistSkippedWhenFiltering(t *testing.T) {
	dir := t.TempDir()
	ts := &manager.Testsuite{Name: "check", TestManager: []string{manager.NameCommands}, Path: filepath.Join(dir, "check.toml")}
	listPath := filepath.Join(dir, "check.testslist")
	require.NoError(t, os.WriteFile(listPath, []byte("check.gone\n"), 0o644))

	f := newFixture(t)
	f.add("check.a", "true", true)
	f.cfg.Selection.Wanted = []string{"check"}
	f.cfg.Selection.FailOnTestlistChange = true

	l := New(f.cfg, f.opts)
	l.AddManager(f.mgr, ts)
	_, err := l.ListTests()
	require.NoError(t, err)

	data, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Equal(t, "check.gone\n", string(data))
}

func TestRunTestsReportsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.add("check.pass", "exit 0", true)
	f.add("check.fail", "exit 3", true)
	f.add("check.alone", "exit 0", false)

	l := f.launcher()
	passed, err := l.RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)

	assert.Equal(t, map[string][]testcase.Result{
		"check.pass":  {testcase.Passed},
		"check.fail":  {testcase.Failed},
		"check.alone": {testcase.Passed},
	}, f.rec.results())
	require.Len(t, f.rec.runs, 1)
	assert.Equal(t, 3, f.rec.runs[0].Total)
	assert.Equal(t, 2, f.rec.runs[0].Jobs)
	assert.Equal(t, runtime.NumCPU(), f.rec.runs[0].System.NumCPU)
	assert.Equal(t, "check.alone", f.rec.started[len(f.rec.started)-1])

	summary := l.FinalReport()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Counts[testcase.Passed])
	assert.True(t, summary.Failed())
	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0].Line, "check.fail: Failed 'Application returned 3'")
}

func TestRetryOnFailures(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "ran")
	f.add("check.flaky", "if [ -f "+marker+" ]; then exit 0; fi; touch "+marker+"; exit 1", true)
	f.add("check.pass", "exit 0", true)
	f.cfg.Run.RetryOnFailures = true

	l := f.launcher()
	passed, err := l.RunTests(context.Background())
	require.NoError(t, err)
	assert.True(t, passed)

	assert.Equal(t, []testcase.Result{testcase.Failed, testcase.Passed}, f.rec.results()["check.flaky"])
	assert.Equal(t, [][]string{{"check.flaky"}}, f.rec.retried)
	require.Len(t, f.rec.runs, 2)
	assert.True(t, f.rec.runs[1].Retry)
	assert.Equal(t, 1, f.rec.runs[1].Total)

	summary := l.Summary()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Counts[testcase.Passed])
	assert.Equal(t, 1, summary.Counts[testcase.Failed])
	assert.True(t, summary.Failed())
	assert.DirExists(t, filepath.Join(f.cfg.Paths.LogsDir, "flaky_tests"))
}

func TestMaxRetriesIsABudget(t *testing.T) {
	f := newFixture(t)
	tc := f.add("check.broken", "exit 1", true)
	tc.MaxRetries = 2

	l := f.launcher()
	passed, err := l.RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)

	assert.Len(t, f.rec.results()["check.broken"], 3)
	assert.Equal(t, 0, tc.MaxRetries)
	assert.Equal(t, 1, l.Summary().Counts[testcase.Failed])
	assert.Equal(t, 1, l.Summary().Total)
}

func TestAllowedFlakinessIsNotReported(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "ran")
	tc := f.add("check.flaky", "if [ -f "+marker+" ]; then exit 0; fi; touch "+marker+"; exit 1", true)
	tc.MaxRetries = 1

	l := f.launcher()
	passed, err := l.RunTests(context.Background())
	require.NoError(t, err)
	assert.True(t, passed)

	assert.Equal(t, []testcase.Result{testcase.Failed, testcase.Passed}, f.rec.results()["check.flaky"])
	summary := l.Summary()
	assert.Equal(t, 1, summary.Total)
	assert.Zero(t, summary.Counts[testcase.Failed])
	assert.False(t, summary.Failed())
}

func TestNoRetryOnFailuresIgnoresBudget(t *testing.T) {
	f := newFixture(t)
	tc := f.add("check.broken", "exit 1", true)
	tc.MaxRetries = 2
	f.cfg.Run.NoRetryOnFailures = true

	passed, err := f.launcher().RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)
	assert.Len(t, f.rec.results()["check.broken"], 1)
	assert.Empty(t, f.rec.retried)
}

func TestFatalErrorStopsRun(t *testing.T) {
	f := newFixture(t)
	f.add("check.a", "exit 1", false)
	f.add("check.b", "exit 0", false)
	f.cfg.Run.FatalError = true

	passed, err := f.launcher().RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)
	assert.Equal(t, []string{"check.a"}, f.rec.started)
}

func TestTimeout(t *testing.T) {
	f := newFixture(t)
	tc := testcase.New(testcase.Params{
		Application: "/bin/sh",
		Classname:   "check.stuck",
		Args:        []string{"-c", "sleep 30"},
		Timeout:     0.2,
	}, f.opts)
	f.mgr.AddTest(tc)

	passed, err := f.launcher().RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)
	assert.Equal(t, []testcase.Result{testcase.Timeout}, f.rec.results()["check.stuck"])
}

func TestNRuns(t *testing.T) {
	f := newFixture(t)
	f.add("check.a", "exit 0", true)
	f.cfg.Run.NRuns = 3

	passed, err := f.launcher().RunTests(context.Background())
	require.NoError(t, err)
	assert.True(t, passed)
	assert.Len(t, f.rec.results()["check.a"], 3)

	var done int
	for _, it := range f.rec.iterations {
		if it.Done {
			done++
			assert.True(t, it.Passed)
		}
	}
	assert.Equal(t, 3, done)
}

func TestForeverStopsOnFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Run.NumJobs = 1
	f.cfg.Run.Forever = true
	counter := filepath.Join(t.TempDir(), "count")
	f.add("check.eventually", "echo x >> "+counter+"; [ $(wc -l < "+counter+") -lt 3 ]", true)

	passed, err := f.launcher().RunTests(context.Background())
	require.NoError(t, err)
	assert.False(t, passed)
	assert.Equal(t, []testcase.Result{testcase.Passed, testcase.Passed, testcase.Failed}, f.rec.results()["check.eventually"])

	last := f.rec.iterations[len(f.rec.iterations)-1]
	assert.Equal(t, reporter.IterationInfo{Iteration: 3, Done: true, Passed: false}, last)
}

func TestForeverPadsParallelTests(t *testing.T) {
	f := newFixture(t)
	f.cfg.Run.NumJobs = 3
	f.cfg.Run.Forever = true
	f.add("check.a", "exit 1", true)

	l := f.launcher()
	_, err := l.RunTests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"check.a", "check.a_it1", "check.a_it2"}, classnames(l.tests))
}

func TestCancelKillsRunningTests(t *testing.T) {
	f := newFixture(t)
	f.add("check.sleep", "sleep 30", true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := f.launcher().RunTests(ctx)
	require.Error(t, err)
	assert.True(t, gverrors.IsCancelled(err))
	assert.Less(t, time.Since(start), 15*time.Second)
}

type fakeDurations map[string]time.Duration

func (d fakeDurations) LastDurations(context.Context, []string) (map[string]time.Duration, error) {
	return d, nil
}

func TestLongestFirst(t *testing.T) {
	f := newFixture(t)
	f.cfg.Run.NumJobs = 1
	f.add("check.a", "exit 0", true)
	f.add("check.b", "exit 0", true)
	f.add("check.c", "exit 0", true)

	durations := fakeDurations{"check.c": 5 * time.Second, "check.b": time.Second}
	_, err := f.launcher(WithDurations(durations)).RunTests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"check.c", "check.b", "check.a"}, f.rec.started)
}

func TestShuffle(t *testing.T) {
	f := newFixture(t)
	f.cfg.Run.NumJobs = 1
	f.cfg.Run.Shuffle = true
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		f.add("check."+name, "exit 0", true)
	}

	_, err := f.launcher(WithRand(rand.New(rand.NewSource(1)))).RunTests(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"check.a", "check.b", "check.c", "check.d", "check.e", "check.f"}, f.rec.started)
}
