// Package reporter provides result reporting interfaces and implementations.
package reporter

import (
	"time"

	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

// RunInfo describes a batch of tests about to run.
type RunInfo struct {
	Testsuites []string
	Total      int
	Jobs       int
	LogsDir    string
	System     util.SystemInfo
	// Retry is set when the batch re-runs failed tests.
	Retry bool
}

// TestInfo describes a test process that was just launched.
type TestInfo struct {
	Classname string
	Command   string
	Logfile   string
}

// TestOutcome is the result of a finished test.
type TestOutcome struct {
	Classname     string
	Result        testcase.Result
	Message       string
	Duration      time.Duration
	ReturnCode    int
	Logfile       string
	ExtraLogfiles []string
	StackTrace    string
	// Line is the human readable result line.
	Line string
	// Retrying is set when the failed test is queued to run again.
	Retrying bool
	// Tolerated is set when the failure used up one of the test's allowed
	// retries. It does not count in the final statistics.
	Tolerated bool
}

// Name returns the last component of the classname.
func (o TestOutcome) Name() string {
	for i := len(o.Classname) - 1; i >= 0; i-- {
		if o.Classname[i] == '.' {
			return o.Classname[i+1:]
		}
	}
	return o.Classname
}

// Suite returns the classname without its last component.
func (o TestOutcome) Suite() string {
	for i := len(o.Classname) - 1; i >= 0; i-- {
		if o.Classname[i] == '.' {
			return o.Classname[:i]
		}
	}
	return ""
}

// ProgressInfo is the position in the current batch.
type ProgressInfo struct {
	Current int
	Total   int
}

// IterationInfo reports forever and n-runs iterations.
type IterationInfo struct {
	Iteration int
	// Done is set once the iteration finished, Passed tells how.
	Done   bool
	Passed bool
}

// ReporterError contains error information.
type ReporterError struct {
	Title      string
	Message    string
	Context    string
	Suggestion string
}

// Summary aggregates the outcomes of a run.
type Summary struct {
	Counts   map[testcase.Result]int
	Total    int
	Elapsed  time.Duration
	Failures []TestOutcome
}

// Failed reports whether any test failed or timed out.
func (s Summary) Failed() bool {
	return s.Counts[testcase.Failed] > 0 || s.Counts[testcase.Timeout] > 0
}
