// Package gvlauncher provides a Go library for running GStreamer validate
// testsuites.
//
// It loads testsuite definitions, generates the gst-validate tests they
// describe, runs them in parallel while monitoring their progress, and
// reports the results.
//
// Basic usage:
//
//	cfg := gvlauncher.NewConfig()
//	cfg.Run.Testsuites = []string{"check"}
//
//	l, err := gvlauncher.New(cfg, gvlauncher.WithReporter(myReporter))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := l.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("passed: %v, %d tests\n", res.Passed, res.Summary.Total)
package gvlauncher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/bugtracker"
	"github.com/five82/gvlauncher/internal/config"
	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/history"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/launcher"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/manager"
	"github.com/five82/gvlauncher/internal/reporter"
	"github.com/five82/gvlauncher/internal/scenario"
	"github.com/five82/gvlauncher/internal/services"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

// Re-exported types.
type (
	Config        = config.Config
	Reporter      = reporter.Reporter
	NullReporter  = reporter.NullReporter
	Summary       = reporter.Summary
	TestOutcome   = reporter.TestOutcome
	RunInfo       = reporter.RunInfo
	TestInfo      = reporter.TestInfo
	ProgressInfo  = reporter.ProgressInfo
	IterationInfo = reporter.IterationInfo
	ReporterError = reporter.ReporterError
	Result        = testcase.Result
	Finding       = bugtracker.Finding
)

// Test results.
const (
	NotRun     = testcase.NotRun
	Passed     = testcase.Passed
	Failed     = testcase.Failed
	Timeout    = testcase.Timeout
	Skipped    = testcase.Skipped
	KnownError = testcase.KnownError
)

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return config.NewConfig()
}

// Launcher runs the tests of the configured testsuites.
type Launcher struct {
	cfg     *config.Config
	rep     reporter.Reporter
	log     *logging.RunLog
	checker *bugtracker.Checker
	history *history.Store

	inner *launcher.Launcher
}

// RunResult is the outcome of Run.
type RunResult struct {
	// Passed is false when a test failed and was not retried successfully.
	Passed  bool
	Summary Summary
}

// Option configures the launcher.
type Option func(*Launcher)

// WithReporter sets the reporter receiving the run events.
func WithReporter(rep Reporter) Option {
	return func(l *Launcher) { l.rep = rep }
}

// WithRunLog sets the per-run log file that receives discovery details.
func WithRunLog(log *logging.RunLog) Option {
	return func(l *Launcher) { l.log = log }
}

// WithHistory records results in store and uses it to start the longest
// tests first.
func WithHistory(store *history.Store) Option {
	return func(l *Launcher) { l.history = store }
}

// WithBugChecker replaces the default bug tracker client.
func WithBugChecker(c *bugtracker.Checker) Option {
	return func(l *Launcher) { l.checker = c }
}

// New validates cfg and creates a launcher.
func New(cfg *Config, opts ...Option) (*Launcher, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Launcher{cfg: cfg, rep: reporter.NullReporter{}}
	for _, opt := range opts {
		opt(l)
	}
	if l.checker == nil {
		l.checker = bugtracker.New()
	}
	return l, nil
}

// Load resolves the testsuites and generates their tests. Run and List
// call it when needed.
func (l *Launcher) Load(ctx context.Context) error {
	if l.inner != nil {
		return nil
	}

	logsDir := l.cfg.GetLogsDir()
	if err := util.EnsureDirectory(logsDir); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	opts := testcase.OptionsFromConfig(l.cfg)
	rep := l.rep
	launcherOpts := []launcher.Option{launcher.WithBugChecker(l.checker)}
	if l.history != nil {
		rep = reporter.NewCompositeReporter(rep, reporter.NewHistoryReporter(l.history))
		launcherOpts = append(launcherOpts, launcher.WithDurations(l.history))
	}
	launcherOpts = append(launcherOpts, launcher.WithReporter(rep))

	tools := gstcmd.NewTools(l.cfg.Paths.ExtraBinPaths)
	loader := &manager.Loader{
		Tools:          tools,
		Scenarios:      scenario.NewManager(tools, l.cfg.Paths.MainDir, logsDir),
		Options:        opts,
		Jobs:           l.cfg.Run.NumJobs,
		MediaPaths:     l.cfg.Paths.MediaPaths,
		ExpectedIssues: l.cfg.Paths.ExpectedIssues,
		Log:            l.log,
	}

	inner := launcher.New(l.cfg, opts, launcherOpts...)
	if err := inner.Load(ctx, loader); err != nil {
		return err
	}
	l.inner = inner
	logging.Debug("testsuites loaded", zap.Int("managers", len(inner.Managers())))
	return nil
}

// List returns the classnames of the tests that would run.
func (l *Launcher) List(ctx context.Context) ([]string, error) {
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	tests, err := l.inner.ListTests()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tests))
	for _, t := range tests {
		names = append(names, t.Classname)
	}
	return names, nil
}

// Run runs the tests and sends the final report.
func (l *Launcher) Run(ctx context.Context) (*RunResult, error) {
	if !l.cfg.Services.HTTPOnly {
		if err := l.Load(ctx); err != nil {
			return nil, err
		}
	} else if l.inner == nil {
		l.inner = launcher.New(l.cfg, nil, launcher.WithReporter(l.rep))
	}

	opts := l.inner.Options()
	if opts.Backtracer == nil && !l.cfg.Services.HTTPOnly {
		opts.Backtracer = services.NewBacktracer()
	}

	passed, err := l.inner.RunTests(ctx)
	summary := l.inner.FinalReport()
	if err != nil {
		return &RunResult{Passed: false, Summary: summary}, err
	}
	return &RunResult{Passed: passed && !summary.Failed(), Summary: summary}, nil
}

// CheckBugs verifies that the bugs referenced by the blacklists and known
// issues of the loaded testsuites are still open.
func (l *Launcher) CheckBugs(ctx context.Context) ([]Finding, error) {
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	var groups []issues.BugGroup
	for _, m := range l.inner.Managers() {
		for _, e := range m.Blacklist() {
			groups = append(groups, issues.BugGroup{TestsRegex: e.Regex, Bugs: []string{e.Reason}})
		}
		groups = append(groups, m.ExpectedIssues().Groups()...)
	}
	return l.checker.Check(ctx, groups)
}
