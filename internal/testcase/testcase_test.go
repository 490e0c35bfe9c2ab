package testcase

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/five82/gvlauncher/internal/issues"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOpts(t *testing.T) *Options {
	t.Helper()
	return &Options{LogsDir: t.TempDir(), TimeoutFactor: 1}
}

func shellTest(classname, script string, opts *Options) *Test {
	return New(Params{Application: "/bin/sh", Classname: classname, Args: []string{"-c", script}}, opts)
}

func runToCompletion(t *testing.T, tc *Test) Result {
	t.Helper()
	require.NoError(t, tc.Start(context.Background(), nil))
	require.Eventually(t, tc.ProcessUpdate, 20*time.Second, 10*time.Millisecond)
	tc.CheckResults()
	return tc.End()
}

func TestNewScalesTimeouts(t *testing.T) {
	t.Setenv("TIMEOUT_FACTOR", "2")
	opts := &Options{LogsDir: t.TempDir(), TimeoutFactor: 1.5}

	base := New(Params{Application: "true", Classname: "a.b", Timeout: 10}, opts)
	assert.InDelta(t, 30, base.Timeout, 1e-9)
	assert.Zero(t, base.HardTimeout)
	assert.True(t, base.IsParallel)

	validate := New(Params{Application: "true", Classname: "a.b", Timeout: 10, Validate: true}, opts)
	assert.InDelta(t, 150, validate.HardTimeout, 1e-9)

	def := New(Params{Application: "true", Classname: "a.b", NotParallel: true, Scenario: "None"}, &Options{TimeoutFactor: 1})
	assert.InDelta(t, 60, def.Timeout, 1e-9)
	assert.False(t, def.IsParallel)
	assert.Empty(t, def.Scenario)
}

func TestNames(t *testing.T) {
	tc := New(Params{Classname: "validate.file.playback.play_15s"}, nil)
	assert.Equal(t, "play_15s", tc.Name())
	assert.Equal(t, "validate.file.playback", tc.Suite())
	assert.Equal(t, "validate", tc.Testsuite())
	assert.True(t, strings.HasPrefix(tc.UUID(), tc.Classname))
	assert.Equal(t, tc.UUID(), tc.UUID())
}

func TestRunPassing(t *testing.T) {
	opts := newOpts(t)
	tc := shellTest("check.shell.pass", "echo hello from test", opts)

	assert.Equal(t, Passed, runToCompletion(t, tc))
	assert.Equal(t, filepath.Join(opts.LogsDir, "check", "shell", "pass.md"), tc.Logfile())

	content, err := tc.LogContent()
	require.NoError(t, err)
	assert.Contains(t, content, "# `check.shell.pass`")
	assert.Contains(t, content, "## sh output")
	assert.Contains(t, content, "hello from test")
	assert.Contains(t, content, "**Duration**")
	assert.NotContains(t, content, "Already known issues")
	assert.Equal(t, "check.shell.pass: Passed", tc.String())
}

func TestCheckResultsBase(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		issues  []issues.Issue
		want    Result
		message string
	}{
		{"returned", "exit 3", nil, Failed, "Application returned 3"},
		{"expected returncode", "exit 3", []issues.Issue{{"returncode": 3}}, KnownError, ""},
		{"valgrind", "exit 20", nil, Failed, "Valgrind reported errors"},
		{"signal", "kill -SEGV $$", nil, Failed, "Application exited with signal SIGSEGV"},
		{"missing expected returncode", "exit 0", []issues.Issue{{"returncode": 1}}, Failed, "Expected return code 1"},
		{"sometimes expected returncode", "exit 0", []issues.Issue{{"returncode": 1, "sometimes": true}}, Passed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := New(Params{
				Application:    "/bin/sh",
				Classname:      "check.base." + strings.ReplaceAll(tt.name, " ", "_"),
				Args:           []string{"-c", tt.script},
				ExpectedIssues: tt.issues,
			}, newOpts(t))

			assert.Equal(t, tt.want, runToCompletion(t, tc))
			assert.Equal(t, tt.message, tc.Message())
		})
	}
}

func TestFailureAddsKnownIssueInformation(t *testing.T) {
	tc := shellTest("check.base.segv", "kill -SEGV $$", newOpts(t))
	assert.Equal(t, Failed, runToCompletion(t, tc))

	content, err := tc.LogContent()
	require.NoError(t, err)
	assert.Contains(t, content, "You can mark the issues as 'known'")
	assert.Contains(t, content, `"signame": "SIGSEGV"`)
	assert.Contains(t, tc.String(), "Log: "+tc.Logfile())

	snippet := tc.GenerateExpectedIssues()
	db := issues.NewDatabase()
	require.NoError(t, db.Load(strings.NewReader("{\n"+snippet+"}")))
	attached := db.AttachTo("check.base.segv")
	require.Len(t, attached.Issues, 1)
	assert.Equal(t, "SIGSEGV", attached.Issues[0].String(issues.KeySigname))
}

func TestInactivityTimeout(t *testing.T) {
	opts := newOpts(t)
	tc := New(Params{Application: "/bin/sh", Classname: "check.base.sleep", Args: []string{"-c", "sleep 10"}, Timeout: 0.2}, opts)

	require.NoError(t, tc.Start(context.Background(), nil))
	assert.True(t, tc.Running())
	require.Eventually(t, tc.ProcessUpdate, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, Timeout, tc.Result())
	assert.Equal(t, "Application timed out: 0.2 secs", tc.Message())
	assert.Equal(t, "timeout", tc.ErrorString())

	tc.CheckResults()
	assert.Equal(t, Timeout, tc.End())
	assert.False(t, tc.Running())
}

func TestValidateProgressAndHardTimeout(t *testing.T) {
	opts := newOpts(t)
	tc := New(Params{
		Application: "/bin/sh",
		Classname:   "validate.check.progress",
		Args:        []string{"-c", "sleep 10"},
		Timeout:     0.3,
		HardTimeout: 0.8,
		Validate:    true,
	}, opts)

	require.NoError(t, tc.Start(context.Background(), nil))
	defer tc.End()

	deadline := time.Now().Add(5 * time.Second)
	var pos int64
	for !tc.ProcessUpdate() {
		require.True(t, time.Now().Before(deadline), "test never timed out")
		pos++
		tc.SetPosition(pos, 1000, 0)
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, Timeout, tc.Result())
	assert.Contains(t, tc.Message(), "Hard timeout reached")
}

func TestValidateEnvironment(t *testing.T) {
	opts := newOpts(t)
	opts.ServerURL = "tcp://localhost:1234"

	media := filepath.Join(t.TempDir(), "sample.ogg")
	require.NoError(t, os.WriteFile(media, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(media), "sample.override"), nil, 0o644))
	require.NoError(t, os.WriteFile(media+".config", nil, 0o644))

	tc := New(Params{
		Application: "/bin/sh",
		Classname:   "validate.check.env",
		Args:        []string{"-c", `echo "uuid=$GST_VALIDATE_UUID server=$GST_VALIDATE_SERVER scenario=$GST_VALIDATE_SCENARIO dot=$GST_DEBUG_DUMP_DOT_DIR"`},
		Validate:    true,
		Scenario:    "seek_forward",
		MediaPath:   media,
		ExtraEnv:    map[string]string{"GVLAUNCHER_EXTRA": "b"},
	}, opts)
	t.Setenv("GVLAUNCHER_EXTRA", "a")
	t.Setenv("GST_DEBUG_DUMP_DOT_DIR", "")

	assert.Equal(t, Passed, runToCompletion(t, tc))

	content, err := tc.LogContent()
	require.NoError(t, err)
	assert.Contains(t, content, "uuid="+tc.UUID())
	assert.Contains(t, content, "server=tcp://localhost:1234")
	assert.Contains(t, content, "scenario=seek_forward")
	dotdir := filepath.Join(opts.LogsDir, "validate", "check", "env.pipelines_dot_files")
	assert.Contains(t, content, "dot="+dotdir)
	assert.DirExists(t, dotdir)

	v, ok := tc.Env("GVLAUNCHER_EXTRA")
	require.True(t, ok)
	assert.Equal(t, "a"+string(os.PathListSeparator)+"b", v)
	v, _ = tc.Env("GST_VALIDATE_OVERRIDE")
	assert.Equal(t, filepath.Join(filepath.Dir(media), "sample.override"), v)
	assert.Contains(t, tc.CommandRepr(), "GST_VALIDATE_SCENARIO='seek_forward'")
}

func TestValidateCheckResults(t *testing.T) {
	critical := issues.Report{"level": "critical", "issue-id": "runtime::not-negotiated", "summary": "not negotiated"}
	expectedLevel := issues.Report{"level": "expected", "issue-id": "event::eos", "summary": "eos"}

	tests := []struct {
		name     string
		script   string
		reports  []issues.Report
		expected []issues.Issue
		want     Result
		message  string
	}{
		{"clean", "exit 0", nil, nil, Passed, ""},
		{"unexpected critical", "exit 18", []issues.Report{critical}, nil, Failed,
			"Application returned 18 (critical errors: [not negotiated])"},
		{"known critical", "exit 18", []issues.Report{critical}, []issues.Issue{{"issue-id": "runtime::not-negotiated"}}, KnownError, ""},
		{"expected level report", "exit 0", []issues.Report{expectedLevel}, nil, KnownError, ""},
		{"mandatory not found", "exit 0", nil, []issues.Issue{{"issue-id": "event::eos", "sometimes": false}}, Failed, ""},
		{"expected signal", "kill -SEGV $$", nil, []issues.Issue{{"signame": "SIGSEGV"}}, KnownError, ""},
		{"unexpected signal", "kill -SEGV $$", nil, nil, Failed, "Application exited with signal SIGSEGV"},
		{"expected returncode", "exit 4", nil, []issues.Issue{{"returncode": 4}}, KnownError, ""},
		{"unexpected returncode with expectations", "exit 5", nil, []issues.Issue{{"returncode": []any{4, 6}}}, KnownError,
			"Application returned 5 (expected [4, 6])"},
		{"unexpected returncode with other issues", "exit 5", nil, []issues.Issue{{"returncode": 4}, {"issue-id": "event::eos", "sometimes": false}}, Failed,
			"Application returned 5 (expected [4])"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := New(Params{
				Application:    "/bin/sh",
				Classname:      "validate.check." + strings.ReplaceAll(tt.name, " ", "_"),
				Args:           []string{"-c", tt.script},
				ExpectedIssues: tt.expected,
				Validate:       true,
			}, newOpts(t))

			require.NoError(t, tc.Start(context.Background(), nil))
			for _, r := range tt.reports {
				tc.AddReport(r)
			}
			require.Eventually(t, tc.ProcessUpdate, 20*time.Second, 10*time.Millisecond)
			tc.CheckResults()
			assert.Equal(t, tt.want, tc.End())
			if tt.message != "" {
				assert.Contains(t, tc.Message(), tt.message)
			}
			if tt.name == "mandatory not found" {
				assert.Contains(t, tc.Message(), "Expected errors not found")
			}
		})
	}
}

func TestValidateExpectedTimeout(t *testing.T) {
	tc := New(Params{
		Application:    "/bin/sh",
		Classname:      "validate.check.expected_timeout",
		Args:           []string{"-c", "sleep 10"},
		Timeout:        0.2,
		Validate:       true,
		ExpectedIssues: []issues.Issue{{"timeout": true, "message": "Application timed out"}},
	}, newOpts(t))

	require.NoError(t, tc.Start(context.Background(), nil))
	require.Eventually(t, tc.ProcessUpdate, 5*time.Second, 20*time.Millisecond)
	tc.CheckResults()
	assert.Equal(t, KnownError, tc.End())
	assert.Contains(t, tc.Message(), "Expected timeout happened.")
}

func TestListenerUpdates(t *testing.T) {
	tc := New(Params{Classname: "validate.check.listener", Validate: true}, nil)

	tc.SetPosition(5, 100, 2)
	pos, dur, speed := tc.Position()
	assert.Equal(t, int64(5), pos)
	assert.Equal(t, int64(100), dur)
	assert.Equal(t, 2.0, speed)

	tc.AddAction(map[string]any{"type": "action", "action-type": "seek"})
	tc.ActionDone(0.5)
	pos, _, _ = tc.Position()
	assert.Equal(t, int64(7), pos)
	require.Len(t, tc.Actions(), 1)
	assert.Equal(t, 0.5, tc.Actions()[0]["execution-duration"])

	tc.Skip()
	assert.Equal(t, Skipped, tc.Result())
}

func TestCopy(t *testing.T) {
	opts := newOpts(t)
	tc := New(Params{Application: "true", Classname: "validate.check.copy", Validate: true}, opts)
	tc.AddReport(issues.Report{"level": "warning"})
	uuid := tc.UUID()

	same, err := tc.Copy(0)
	require.NoError(t, err)
	assert.Equal(t, tc.Classname, same.Classname)
	assert.Equal(t, uuid, same.UUID())

	it, err := tc.Copy(2)
	require.NoError(t, err)
	assert.Equal(t, "validate.check.copy_it2", it.Classname)
	assert.NotEqual(t, uuid, it.UUID())
	assert.Equal(t, filepath.Join(opts.LogsDir, "2"), it.Options().LogsDir)
	assert.DirExists(t, it.Options().LogsDir)
	require.Len(t, it.Reports(), 1)

	it.Reports()[0]["level"] = "critical"
	assert.Equal(t, "warning", tc.Reports()[0].Level())
}

func TestCopyLogfiles(t *testing.T) {
	opts := newOpts(t)
	tc := shellTest("check.flaky.retry", "exit 1", opts)
	assert.Equal(t, Failed, runToCompletion(t, tc))

	require.NoError(t, tc.CopyLogfiles(""))
	assert.Equal(t, filepath.Join(opts.LogsDir, "flaky_tests", "check", "flaky", "retry.md"), tc.Logfile())
	assert.FileExists(t, tc.Logfile())
}

func TestExtraLogfilesInlining(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.log")
	big := filepath.Join(dir, "big.log")
	require.NoError(t, os.WriteFile(small, []byte("small log content"), 0o644))
	require.NoError(t, os.WriteFile(big, make([]byte, MaxExtraLogSize), 0o644))

	tc := shellTest("check.base.logs", "exit 0", newOpts(t))
	tc.mu.Lock()
	require.NoError(t, tc.openLogfileLocked())
	tc.addExtraLogfile(small)
	tc.addExtraLogfile(big)
	tc.finalizeLogfilesLocked()
	tc.mu.Unlock()

	content, err := tc.LogContent()
	require.NoError(t, err)
	assert.Contains(t, content, "## small.log:")
	assert.Contains(t, content, "small log content")
	assert.Contains(t, content, "## big.log:\n\n**Log file too big (500.00 KiB).**\n  "+big)
}

func TestStartFailure(t *testing.T) {
	tc := New(Params{Application: "/nonexistent/gst-validate-1.0", Classname: "check.base.missing"}, newOpts(t))
	require.Error(t, tc.Start(context.Background(), nil))
	assert.True(t, tc.ProcessUpdate())
	tc.CheckResults()
	assert.Equal(t, Failed, tc.End())
	assert.Contains(t, tc.Message(), "Could not start")
}

func TestWrappers(t *testing.T) {
	opts := newOpts(t)
	opts.Valgrind = true
	opts.ValgrindSuppressions = []string{"/supp/gst.supp"}
	tc := New(Params{Application: "gst-validate-1.0", Classname: "validate.check.vg", Timeout: 1, Validate: true}, opts)

	tc.mu.Lock()
	require.NoError(t, tc.openLogfileLocked())
	tc.timeout, tc.hardTimeout = tc.Timeout, tc.HardTimeout
	env := map[string]string{}
	cmd := tc.useValgrindLocked([]string{"gst-validate-1.0"}, env)
	tc.finalizeLogfilesLocked()
	tc.mu.Unlock()

	assert.Equal(t, "valgrind", cmd[0])
	assert.Contains(t, cmd, "--error-exitcode=20")
	assert.Contains(t, cmd, "--suppressions=/supp/gst.supp")
	assert.Contains(t, cmd, "--log-file="+filepath.Join(opts.LogsDir, "validate", "check", "vg.valgrind"))
	assert.Equal(t, "gst-validate-1.0", cmd[len(cmd)-1])
	assert.Equal(t, "gc-friendly", env["G_DEBUG"])
	assert.InDelta(t, 20, tc.timeout, 1e-9)
	assert.InDelta(t, 100, tc.hardTimeout, 1e-9)

	gdbOpts := newOpts(t)
	gdbOpts.GDB = true
	g := New(Params{Application: "gst-validate-1.0", Classname: "validate.check.gdb", Validate: true}, gdbOpts)
	g.timeout = g.Timeout
	assert.Equal(t, []string{"gdb", "--args", "gst-validate-1.0"}, g.useGDBLocked([]string{"gst-validate-1.0"}))
	assert.Equal(t, Infinite, g.timeout)

	gdbOpts.GDBNonStop = true
	g.timeout = 1
	assert.Equal(t, []string{"gdb", "-ex", "run", "-ex", "backtrace", "-ex", "quit", "--args", "x"}, g.useGDBLocked([]string{"x"}))
	assert.InDelta(t, 20, g.timeout, 1e-9)
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gst-validate-1.0", "gst-validate-1.0"},
		{"", "''"},
		{"a b", "'a b'"},
		{"it's", `'it'"'"'s'`},
		{"file:///tmp/a.ogg", "file:///tmp/a.ogg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in))
	}
	assert.Equal(t, "30.0", pyFloat(30))
	assert.Equal(t, "0.25", pyFloat(0.25))
}

func TestParseResult(t *testing.T) {
	r, ok := ParseResult("Known error")
	assert.True(t, ok)
	assert.Equal(t, KnownError, r)
	assert.True(t, r.IsSuccess())
	assert.True(t, Timeout.IsFailure())
	_, ok = ParseResult("bogus")
	assert.False(t, ok)
}
