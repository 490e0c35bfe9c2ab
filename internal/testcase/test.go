// Package testcase runs a single test process and classifies its outcome.
package testcase

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/five82/gvlauncher/internal/config"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/util"
)

// Params describes a test to create.
type Params struct {
	Application string
	Classname   string
	Args        []string
	// Duration of the media in seconds, 0 when unknown.
	Duration float64
	// Timeout of inactivity in seconds, DefaultTimeout when zero.
	Timeout float64
	// HardTimeout bounds the total run time in seconds.
	HardTimeout    float64
	ExtraEnv       map[string]string
	ExpectedIssues []issues.Issue
	NotParallel    bool
	Workdir        string

	// Validate selects gst-validate semantics: progress from the status
	// protocol, report matching and the validate environment.
	Validate bool
	// Scenario is the scenario execution name, empty for none.
	Scenario string
	// MediaPath is the local media file the test plays, if any.
	MediaPath       string
	NeedsHTTPServer bool
}

// Test is a single test process with its outcome.
type Test struct {
	Application     string
	Classname       string
	Args            []string
	Duration        float64
	Timeout         float64
	HardTimeout     float64
	ExtraEnv        map[string]string
	ExpectedIssues  []issues.Issue
	IsParallel      bool
	Optional        bool
	MaxRetries      int
	Workdir         string
	Generator       string
	Validate        bool
	Scenario        string
	MediaPath       string
	NeedsHTTPServer bool

	// PostRun runs once the process exited and before CheckResults. Its
	// reports join the ones received over the status protocol.
	PostRun func(ctx context.Context, t *Test)

	opts *Options

	mu         sync.Mutex
	result     Result
	message    string
	errorStr   string
	uuid       string
	stackTrace string

	logfile       string
	out           *os.File
	ownsOut       bool
	extraLogfiles []string
	envNames      []string
	procEnv       map[string]string
	command       []string
	rrLogdir      string

	startingTime time.Time
	timeTaken    time.Duration

	cmd        *exec.Cmd
	done       chan struct{}
	returnCode int

	timeout     float64
	hardTimeout float64
	lastVal     int64
	lastChange  time.Time
	startTs     time.Time

	position      int64
	mediaDuration int64
	speed         float64
	reports       []issues.Report
	actions       []map[string]any
	criticals     []issues.Report
}

// New creates a test. Timeouts are scaled by the TIMEOUT_FACTOR environment
// variable and the configured timeout factor.
func New(p Params, opts *Options) *Test {
	if opts == nil {
		opts = &Options{TimeoutFactor: 1}
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = config.DefaultTimeout
	}

	hard := p.HardTimeout
	if p.Validate && hard == 0 {
		if timeout > 0 {
			hard = timeout * HardTimeoutFactor
		} else if p.Duration > 0 {
			hard = p.Duration * HardTimeoutFactor
		}
	}

	factor := opts.timeoutFactor()
	t := &Test{
		Application:     p.Application,
		Classname:       p.Classname,
		Args:            append([]string(nil), p.Args...),
		Duration:        p.Duration,
		Timeout:         timeout * factor,
		HardTimeout:     hard * factor,
		ExtraEnv:        copyEnv(p.ExtraEnv),
		ExpectedIssues:  append([]issues.Issue(nil), p.ExpectedIssues...),
		IsParallel:      !p.NotParallel,
		Workdir:         p.Workdir,
		Validate:        p.Validate,
		Scenario:        p.Scenario,
		MediaPath:       p.MediaPath,
		NeedsHTTPServer: p.NeedsHTTPServer,
		opts:            opts,
	}
	if strings.EqualFold(t.Scenario, "none") {
		t.Scenario = ""
	}

	if p.Validate && p.MediaPath != "" {
		t.addMediaOverrides()
	}
	t.Clean()
	return t
}

func copyEnv(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (t *Test) addMediaOverrides() {
	override := strings.TrimSuffix(t.MediaPath, filepath.Ext(t.MediaPath)) + ".override"
	if util.FileExists(override) {
		if cur := t.ExtraEnv["GST_VALIDATE_OVERRIDE"]; cur != "" {
			t.ExtraEnv["GST_VALIDATE_OVERRIDE"] = cur + string(os.PathListSeparator) + override
		} else {
			t.ExtraEnv["GST_VALIDATE_OVERRIDE"] = override
		}
	}

	if cfg := t.MediaPath + ".config"; util.FileExists(cfg) {
		addValidateConfig(t.ExtraEnv, cfg)
	}
}

func addValidateConfig(env map[string]string, path string) {
	var paths []string
	for _, p := range filepath.SplitList(env["GST_VALIDATE_CONFIG"]) {
		if p != "" {
			paths = append(paths, p)
		}
	}
	paths = append(paths, path)
	env["GST_VALIDATE_CONFIG"] = strings.Join(paths, string(os.PathListSeparator))
}

// Options returns the options the test runs with.
func (t *Test) Options() *Options { return t.opts }

// Clean resets the run state of the test.
func (t *Test) Clean() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = NotRun
	t.message = ""
	t.errorStr = ""
	t.stackTrace = ""
	t.timeTaken = 0
	t.startingTime = time.Time{}
	t.logfile = ""
	t.out = nil
	t.extraLogfiles = nil
	t.envNames = nil
	t.cmd = nil
	t.done = nil
	t.returnCode = 0
	t.resetProgress()
}

func (t *Test) resetProgress() {
	t.reports = nil
	t.actions = nil
	t.criticals = nil
	t.position = -1
	t.mediaDuration = -1
	t.speed = 1.0
}

// Name returns the last component of the classname.
func (t *Test) Name() string {
	if i := strings.LastIndex(t.Classname, "."); i >= 0 {
		return t.Classname[i+1:]
	}
	return t.Classname
}

// Suite returns the classname without its last component.
func (t *Test) Suite() string {
	if i := strings.LastIndex(t.Classname, "."); i >= 0 {
		return t.Classname[:i]
	}
	return ""
}

// Testsuite returns the first component of the classname.
func (t *Test) Testsuite() string {
	return strings.SplitN(t.Classname, ".", 2)[0]
}

// UUID identifies the running test in the status protocol.
func (t *Test) UUID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.uuid == "" {
		t.uuid = t.Classname + newUUID()
	}
	return t.uuid
}

func newUUID() string { return uuid.NewString() }

// Result returns the current result.
func (t *Test) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Message returns the result message.
func (t *Test) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// ErrorString returns the short error tag set with the result.
func (t *Test) ErrorString() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorStr
}

// Logfile returns the markdown log path.
func (t *Test) Logfile() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logfile
}

// ExtraLogfiles returns the auxiliary log files of the run.
func (t *Test) ExtraLogfiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.extraLogfiles...)
}

// StackTrace returns the stack trace kept for the xunit report.
func (t *Test) StackTrace() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stackTrace
}

// TimeTaken returns the wall clock duration of the last run.
func (t *Test) TimeTaken() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeTaken
}

// ReturnCode returns the return code of the finished process.
func (t *Test) ReturnCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.returnCode
}

// Command returns the command line of the last run.
func (t *Test) Command() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.command...)
}

// Env returns the value of an environment variable of the last run.
func (t *Test) Env(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.procEnv[name]
	return v, ok
}

// Copy clones the test. A non-zero nth makes an iteration copy with its
// own classname, uuid and logs directory.
func (t *Test) Copy(nth int) (*Test, error) {
	t.mu.Lock()
	c := &Test{
		Application:     t.Application,
		Classname:       t.Classname,
		Args:            append([]string(nil), t.Args...),
		Duration:        t.Duration,
		Timeout:         t.Timeout,
		HardTimeout:     t.HardTimeout,
		ExtraEnv:        copyEnv(t.ExtraEnv),
		ExpectedIssues:  append([]issues.Issue(nil), t.ExpectedIssues...),
		IsParallel:      t.IsParallel,
		Optional:        t.Optional,
		MaxRetries:      t.MaxRetries,
		Workdir:         t.Workdir,
		Generator:       t.Generator,
		Validate:        t.Validate,
		Scenario:        t.Scenario,
		MediaPath:       t.MediaPath,
		NeedsHTTPServer: t.NeedsHTTPServer,
		PostRun:         t.PostRun,
		opts:            t.opts,
		result:          t.result,
		message:         t.message,
		uuid:            t.uuid,
		logfile:         t.logfile,
		extraLogfiles:   append([]string(nil), t.extraLogfiles...),
		position:        t.position,
		mediaDuration:   t.mediaDuration,
		speed:           t.speed,
		reports:         copyReports(t.reports),
	}
	t.mu.Unlock()

	if nth > 0 {
		c.Classname += "_it" + strconv.Itoa(nth)
		c.uuid = ""
		c.opts = t.opts.clone()
		c.opts.LogsDir = filepath.Join(t.opts.LogsDir, strconv.Itoa(nth))
		if err := util.EnsureDirectory(c.opts.LogsDir); err != nil {
			return nil, fmt.Errorf("failed to create logs dir for %s: %w", c.Classname, err)
		}
	}
	return c, nil
}

func copyReports(in []issues.Report) []issues.Report {
	if in == nil {
		return nil
	}
	out := make([]issues.Report, len(in))
	for i, r := range in {
		out[i] = deepCopyMap(r)
	}
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case issues.Issue:
		return issues.Issue(deepCopyMap(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopyValue(e)
		}
		return out
	}
	return v
}

// CopyLogfiles copies the logs of the run under logsdir/extraFolder and
// points the test at the copies.
func (t *Test) CopyLogfiles(extraFolder string) error {
	if extraFolder == "" {
		extraFolder = "flaky_tests"
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := filepath.Dir(filepath.Join(t.opts.LogsDir, extraFolder, util.ClassnameToPath(t.Classname)))
	if err := util.EnsureDirectory(dir); err != nil {
		return err
	}

	dst := filepath.Join(dir, filepath.Base(t.logfile))
	if err := util.CopyFile(t.logfile, dst); err != nil {
		return fmt.Errorf("failed to copy %s: %w", t.logfile, err)
	}
	t.logfile = dst

	var extra []string
	for _, f := range t.extraLogfiles {
		d := filepath.Join(dir, filepath.Base(f))
		if err := util.CopyFile(f, d); err != nil {
			return fmt.Errorf("failed to copy %s: %w", f, err)
		}
		extra = append(extra, d)
	}
	t.extraLogfiles = extra
	return nil
}

// String renders the test the way result lines show it.
func (t *Test) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.Classname
	if t.result == NotRun {
		return s
	}
	s += ": " + string(t.result)
	if t.result.IsFailure() {
		s += fmt.Sprintf(" '%s'", t.message)
		s += t.logfileReprLocked()
	}
	return s
}

// LogfileRepr returns the "Log: <path>" suffix of result lines.
func (t *Test) LogfileRepr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logfileReprLocked()
}

func (t *Test) logfileReprLocked() string {
	if t.opts.RedirectLogs != "" || t.logfile == "" {
		return ""
	}
	log := t.logfile
	if t.opts.ArtifactsURL != "" {
		if rel, err := filepath.Rel(t.opts.LogsDir, log); err == nil {
			log = t.opts.ArtifactsURL + rel
		}
	}
	return "\n    Log: " + log
}

// SetResult records the outcome of the test.
func (t *Test) SetResult(result Result, message, errorStr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setResultLocked(result, message, errorStr)
}
