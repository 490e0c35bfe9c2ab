package reporter

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter outputs NDJSON events.
type JSONReporter struct {
	writer             io.Writer
	mu                 sync.Mutex
	lastProgressBucket int
	lastProgressTime   time.Time
}

// NewJSONReporter creates a new JSON reporter that writes to stdout.
func NewJSONReporter() *JSONReporter {
	return NewJSONReporterWithWriter(os.Stdout)
}

// NewJSONReporterWithWriter creates a JSON reporter with a custom writer.
func NewJSONReporterWithWriter(w io.Writer) *JSONReporter {
	return &JSONReporter{
		writer:             w,
		lastProgressBucket: -1,
	}
}

func (r *JSONReporter) timestamp() int64 {
	return time.Now().Unix()
}

func (r *JSONReporter) write(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintln(r.writer, string(data))
}

func (r *JSONReporter) RunStarted(info RunInfo) {
	r.mu.Lock()
	r.lastProgressBucket = -1
	r.lastProgressTime = time.Time{}
	r.mu.Unlock()

	r.write(map[string]any{
		"type":       "run_started",
		"testsuites": info.Testsuites,
		"total":      info.Total,
		"jobs":       info.Jobs,
		"logs_dir":   info.LogsDir,
		"retry":      info.Retry,
		"host":       info.System.Hostname,
		"platform":   info.System.OS + "/" + info.System.Arch,
		"cpus":       info.System.NumCPU,
		"timestamp":  r.timestamp(),
	})
}

func (r *JSONReporter) TestStarted(info TestInfo) {
	r.write(map[string]any{
		"type":      "test_started",
		"classname": info.Classname,
		"command":   info.Command,
		"logfile":   info.Logfile,
		"timestamp": r.timestamp(),
	})
}

func (r *JSONReporter) TestFinished(outcome TestOutcome) {
	event := map[string]any{
		"type":             "test_finished",
		"classname":        outcome.Classname,
		"result":           outcome.Result.String(),
		"message":          outcome.Message,
		"duration_seconds": outcome.Duration.Seconds(),
		"returncode":       outcome.ReturnCode,
		"logfile":          outcome.Logfile,
		"retrying":         outcome.Retrying,
		"tolerated":        outcome.Tolerated,
		"timestamp":        r.timestamp(),
	}
	if len(outcome.ExtraLogfiles) > 0 {
		event["extra_logfiles"] = outcome.ExtraLogfiles
	}
	if outcome.StackTrace != "" {
		event["stack_trace"] = outcome.StackTrace
	}
	r.write(event)
}

// Progress is throttled to one event per percent or every 5 seconds.
func (r *JSONReporter) Progress(info ProgressInfo) {
	const minInterval = 5 * time.Second
	if info.Total <= 0 {
		return
	}

	bucket := info.Current * 100 / info.Total
	now := time.Now()

	r.mu.Lock()
	intervalElapsed := r.lastProgressTime.IsZero() || now.Sub(r.lastProgressTime) >= minInterval
	shouldEmit := bucket > r.lastProgressBucket || intervalElapsed || info.Current >= info.Total
	if !shouldEmit {
		r.mu.Unlock()
		return
	}
	if bucket > r.lastProgressBucket {
		r.lastProgressBucket = bucket
	}
	r.lastProgressTime = now
	r.mu.Unlock()

	r.write(map[string]any{
		"type":      "progress",
		"current":   info.Current,
		"total":     info.Total,
		"percent":   bucket,
		"timestamp": r.timestamp(),
	})
}

func (r *JSONReporter) Retrying(classnames []string) {
	r.write(map[string]any{
		"type":       "retrying",
		"classnames": classnames,
		"timestamp":  r.timestamp(),
	})
}

func (r *JSONReporter) Iteration(info IterationInfo) {
	r.write(map[string]any{
		"type":      "iteration",
		"iteration": info.Iteration,
		"done":      info.Done,
		"passed":    info.Passed,
		"timestamp": r.timestamp(),
	})
}

func (r *JSONReporter) Warning(message string) {
	r.write(map[string]any{
		"type":      "warning",
		"message":   message,
		"timestamp": r.timestamp(),
	})
}

func (r *JSONReporter) Error(err ReporterError) {
	r.write(map[string]any{
		"type":       "error",
		"title":      err.Title,
		"message":    err.Message,
		"context":    err.Context,
		"suggestion": err.Suggestion,
		"timestamp":  r.timestamp(),
	})
}

func (r *JSONReporter) Verbose(string) {}

func (r *JSONReporter) FinalReport(summary Summary) {
	counts := make(map[string]int, len(summary.Counts))
	for result, n := range summary.Counts {
		counts[result.String()] = n
	}
	failures := make([]string, 0, len(summary.Failures))
	for _, f := range summary.Failures {
		failures = append(failures, f.Classname)
	}
	r.write(map[string]any{
		"type":            "final_report",
		"total":           summary.Total,
		"counts":          counts,
		"failures":        failures,
		"elapsed_seconds": summary.Elapsed.Seconds(),
		"failed":          summary.Failed(),
		"timestamp":       r.timestamp(),
	})
}
