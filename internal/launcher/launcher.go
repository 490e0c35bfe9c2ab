// Package launcher loads testsuites, selects their tests and runs them in
// parallel, retrying and reporting as configured.
package launcher

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/config"
	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/manager"
	"github.com/five82/gvlauncher/internal/protocol"
	"github.com/five82/gvlauncher/internal/reporter"
	"github.com/five82/gvlauncher/internal/testcase"
)

// PollInterval is how often running tests are checked for timeouts when no
// status message wakes the scheduler.
var PollInterval = time.Second

// DurationSource knows how long tests took in previous runs.
// *history.Store implements it.
type DurationSource interface {
	LastDurations(ctx context.Context, classnames []string) (map[string]time.Duration, error)
}

// Launcher owns the managers of the loaded testsuites and runs their tests.
type Launcher struct {
	cfg  *config.Config
	opts *testcase.Options
	rep  reporter.Reporter

	tally     *reporter.Tally
	durations DurationSource
	checker   manager.BugChecker
	rng       *rand.Rand

	testsuites []*manager.Testsuite
	managers   []*manager.Manager

	tests    []*testcase.Test
	allTests []*testcase.Test

	registry *protocol.Registry
	wake     chan struct{}

	reloadMu      sync.Mutex
	pendingReload []string
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithReporter sets the reporter receiving the run events.
func WithReporter(rep reporter.Reporter) Option {
	return func(l *Launcher) { l.rep = rep }
}

// WithDurations enables longest-first ordering of parallel tests.
func WithDurations(d DurationSource) Option {
	return func(l *Launcher) { l.durations = d }
}

// WithBugChecker sets the checker used when check_bugs_status is on.
func WithBugChecker(c manager.BugChecker) Option {
	return func(l *Launcher) { l.checker = c }
}

// WithRand sets the source used to shuffle tests.
func WithRand(r *rand.Rand) Option {
	return func(l *Launcher) { l.rng = r }
}

// New creates a launcher. opts is shared with the tests the managers
// create, so the status server URL reaches them.
func New(cfg *config.Config, opts *testcase.Options, options ...Option) *Launcher {
	if opts == nil {
		opts = testcase.OptionsFromConfig(cfg)
	}
	l := &Launcher{
		cfg:      cfg,
		opts:     opts,
		rep:      reporter.NullReporter{},
		tally:    reporter.NewTally(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		registry: protocol.NewRegistry(),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range options {
		o(l)
	}
	return l
}

// Options returns the options shared with the tests.
func (l *Launcher) Options() *testcase.Options { return l.opts }

// Testsuites returns the loaded testsuites.
func (l *Launcher) Testsuites() []*manager.Testsuite { return l.testsuites }

// Managers returns the managers of the loaded testsuites.
func (l *Launcher) Managers() []*manager.Manager { return l.managers }

// Load resolves the configured testsuites and lets loader populate their
// managers.
func (l *Launcher) Load(ctx context.Context, loader *manager.Loader) error {
	if len(l.cfg.Run.Testsuites) == 0 {
		return gverrors.NewConfigError("no testsuite to run")
	}
	for _, name := range l.cfg.Run.Testsuites {
		path, err := manager.FindTestsuite(name, l.cfg.Paths.TestsuitesDirs)
		if err != nil {
			return err
		}
		ts, err := manager.LoadTestsuite(path)
		if err != nil {
			return err
		}
		logging.Info("loaded testsuite", zap.String("name", ts.Name), zap.String("path", ts.Path))
		l.testsuites = append(l.testsuites, ts)
	}

	for _, name := range manager.Names {
		if !l.managerNeeded(name) {
			continue
		}
		m, err := manager.New(name, manager.Settings{
			Wanted:          l.cfg.Selection.Wanted,
			Blacklisted:     l.cfg.Selection.Blacklisted,
			LongLimit:       l.cfg.Run.LongLimit,
			CheckBugsStatus: l.cfg.Selection.CheckBugsStatus,
		})
		if err != nil {
			return gverrors.NewConfigError(err.Error())
		}
		for _, ts := range l.testsuites {
			if !ts.UsesManager(name) {
				continue
			}
			if err := loader.Setup(ctx, ts, m); err != nil {
				return err
			}
		}
		l.managers = append(l.managers, m)
	}
	return l.checkBugs(ctx)
}

// AddManager registers an already populated manager, along with the
// testsuites that feed it.
func (l *Launcher) AddManager(m *manager.Manager, testsuites ...*manager.Testsuite) {
	l.managers = append(l.managers, m)
	l.testsuites = append(l.testsuites, testsuites...)
}

func (l *Launcher) managerNeeded(name string) bool {
	for _, ts := range l.testsuites {
		if ts.UsesManager(name) {
			return true
		}
	}
	return false
}

func (l *Launcher) checkBugs(ctx context.Context) error {
	for _, m := range l.managers {
		if !l.cfg.Selection.CheckBugsStatus {
			m.LogBlacklists()
			continue
		}
		if err := m.CheckBlacklists(ctx, l.checker); err != nil {
			return err
		}
		if err := m.CheckExpectedIssues(ctx, l.checker); err != nil {
			return err
		}
	}
	return nil
}

// ListTests returns the wanted tests of this part of the run, sorted by
// classname.
func (l *Launcher) ListTests() ([]*testcase.Test, error) {
	if l.tests != nil {
		return l.tests, nil
	}

	var all []*testcase.Test
	for _, m := range l.managers {
		tests := m.ListTests()
		changed, suite, err := l.checkTestslist(m, tests)
		if err != nil {
			return nil, err
		}
		if changed && l.cfg.Selection.FailOnTestlistChange {
			return nil, gverrors.NewTestlistChangedError(suite)
		}
		all = append(all, tests...)
	}
	if len(all) == 0 {
		return nil, gverrors.NewNoTestsFoundError("no tests found")
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Classname < all[j].Classname })

	part, err := splitTests(all, l.cfg.Run.NumParts, l.cfg.Run.PartIndex)
	if err != nil {
		return nil, err
	}
	l.tests = part
	l.allTests = append([]*testcase.Test(nil), part...)
	return l.tests, nil
}

// checkTestslist updates the .testslist of the testsuite owning m. A
// manager is owned by a testsuite when it is its first manager and no other
// loaded testsuite uses it.
func (l *Launcher) checkTestslist(m *manager.Manager, tests []*testcase.Test) (bool, string, error) {
	if len(l.cfg.Selection.Wanted) > 0 || len(l.cfg.Selection.Blacklisted) > 0 || !m.CheckTestslist {
		return false, "", nil
	}

	for _, ts := range l.testsuites {
		if !l.ownsManager(ts, m.Name) {
			continue
		}
		change, err := manager.UpdateTestslist(ts.TestslistPath(), tests)
		if err != nil {
			return false, "", err
		}
		if change == nil {
			return false, "", nil
		}
		for _, name := range change.Removed {
			l.rep.Warning(fmt.Sprintf("Test %s Not in testsuite %s anymore", name, ts.Path))
		}
		for _, name := range change.Added {
			msg := fmt.Sprintf("Test %s is NEW in testsuite %s", name, ts.Path)
			if l.cfg.Selection.FailOnTestlistChange {
				l.rep.Warning(msg)
			} else {
				l.rep.Verbose(msg)
			}
		}
		return change.Changed(), ts.Name, nil
	}
	return false, "", nil
}

func (l *Launcher) ownsManager(ts *manager.Testsuite, name string) bool {
	if len(ts.TestManager) == 0 || ts.TestManager[0] != name {
		return false
	}
	for _, other := range l.testsuites {
		if other != ts && other.UsesManager(name) {
			return false
		}
	}
	return true
}

// splitTests deals tests round robin into parts and returns part index
// (1-based).
func splitTests(tests []*testcase.Test, parts, index int) ([]*testcase.Test, error) {
	if parts < 1 {
		return nil, gverrors.NewSchedulerError("tests must be split in positive number of parts")
	}
	if parts > len(tests) {
		return nil, gverrors.NewSchedulerError(fmt.Sprintf("cannot have more parts (%d) than there exist tests (%d)", parts, len(tests)))
	}
	if index < 1 || index > parts {
		return nil, gverrors.NewSchedulerError(fmt.Sprintf("part index %d is out of range 1-%d", index, parts))
	}
	var out []*testcase.Test
	for i := index - 1; i < len(tests); i += parts {
		out = append(out, tests[i])
	}
	return out, nil
}

// NeedsHTTPServer reports whether a listed test streams from the media
// server.
func (l *Launcher) NeedsHTTPServer() bool {
	for _, m := range l.managers {
		if m.NeedsHTTPServer() {
			return true
		}
	}
	return false
}

// MediaPaths returns the directories served by the media HTTP server.
func (l *Launcher) MediaPaths() []string {
	paths := append([]string(nil), l.cfg.Paths.MediaPaths...)
	for _, ts := range l.testsuites {
		paths = append(paths, ts.MediaPaths...)
	}
	return paths
}

func (l *Launcher) testsuiteNames() []string {
	names := make([]string, 0, len(l.testsuites))
	for _, ts := range l.testsuites {
		names = append(names, ts.Name)
	}
	return names
}

// ExpectedIssuesFiles returns the known issues files of the run.
func (l *Launcher) ExpectedIssuesFiles() []string {
	seen := make(map[string]bool)
	var files []string
	add := func(paths []string) {
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	}
	add(l.cfg.Paths.ExpectedIssues)
	for _, ts := range l.testsuites {
		add(ts.ExpectedIssues)
	}
	return files
}

// Summary returns the statistics of the outcomes reported so far.
func (l *Launcher) Summary() reporter.Summary {
	return l.tally.Summary()
}

// FinalReport sends the statistics to the reporter and returns them.
func (l *Launcher) FinalReport() reporter.Summary {
	s := l.tally.Summary()
	l.rep.FinalReport(s)
	return s
}

func classnames(tests []*testcase.Test) []string {
	out := make([]string, 0, len(tests))
	for _, t := range tests {
		out = append(out, t.Classname)
	}
	return out
}

func describe(tests []*testcase.Test) string {
	return strings.Join(classnames(tests), ", ")
}
