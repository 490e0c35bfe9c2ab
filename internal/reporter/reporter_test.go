package reporter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/five82/gvlauncher/internal/history"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

func init() {
	color.NoColor = true
}

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) RunStarted(info RunInfo)          { m.Called(info) }
func (m *mockReporter) TestStarted(info TestInfo)        { m.Called(info) }
func (m *mockReporter) TestFinished(outcome TestOutcome) { m.Called(outcome) }
func (m *mockReporter) Progress(info ProgressInfo)       { m.Called(info) }
func (m *mockReporter) Retrying(classnames []string)     { m.Called(classnames) }
func (m *mockReporter) Iteration(info IterationInfo)     { m.Called(info) }
func (m *mockReporter) Warning(message string)           { m.Called(message) }
func (m *mockReporter) Error(err ReporterError)          { m.Called(err) }
func (m *mockReporter) Verbose(message string)           { m.Called(message) }
func (m *mockReporter) FinalReport(summary Summary)      { m.Called(summary) }

func TestCompositeFansOut(t *testing.T) {
	a, b := &mockReporter{}, &mockReporter{}
	outcome := TestOutcome{Classname: "suite.a", Result: testcase.Passed}
	for _, m := range []*mockReporter{a, b} {
		m.On("TestFinished", outcome).Once()
		m.On("Warning", "careful").Once()
	}

	c := NewCompositeReporter(a)
	c.Add(b)
	c.TestFinished(outcome)
	c.Warning("careful")

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestOutcomeNames(t *testing.T) {
	o := TestOutcome{Classname: "suite.playback.none.clip_ogg"}
	assert.Equal(t, "clip_ogg", o.Name())
	assert.Equal(t, "suite.playback.none", o.Suite())

	o = TestOutcome{Classname: "single"}
	assert.Equal(t, "single", o.Name())
	assert.Equal(t, "", o.Suite())
}

func TestTally(t *testing.T) {
	tally := NewTally()
	tally.Add(TestOutcome{Classname: "a", Result: testcase.Passed})
	tally.Add(TestOutcome{Classname: "b", Result: testcase.Failed, Retrying: true, Tolerated: true})
	tally.Add(TestOutcome{Classname: "b", Result: testcase.Failed})
	tally.Add(TestOutcome{Classname: "c", Result: testcase.Timeout})
	tally.Add(TestOutcome{Classname: "d", Result: testcase.KnownError})

	s := tally.Summary()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Counts[testcase.Passed])
	assert.Equal(t, 1, s.Counts[testcase.Failed])
	assert.Equal(t, 1, s.Counts[testcase.Timeout])
	assert.Equal(t, 1, s.Counts[testcase.KnownError])
	require.Len(t, s.Failures, 2)
	assert.True(t, s.Failed())

	assert.False(t, Summary{Counts: map[testcase.Result]int{testcase.Passed: 3}}.Failed())
}

func TestTallyCountsRetriedFailures(t *testing.T) {
	tally := NewTally()
	tally.Add(TestOutcome{Classname: "flaky", Result: testcase.Failed, Retrying: true})
	tally.Add(TestOutcome{Classname: "flaky", Result: testcase.Passed})

	s := tally.Summary()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Counts[testcase.Failed])
	assert.Equal(t, 1, s.Counts[testcase.Passed])
	require.Len(t, s.Failures, 1)
	assert.True(t, s.Failed())
}

func TestTerminalReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporterWithWriter(&buf, false)

	r.RunStarted(RunInfo{Total: 3})
	r.TestStarted(TestInfo{Classname: "suite.hidden"})
	r.TestFinished(TestOutcome{Classname: "suite.ok", Result: testcase.Passed, Line: "suite.ok: Passed"})
	r.TestFinished(TestOutcome{Classname: "suite.bad", Result: testcase.Failed, Line: "suite.bad: Failed (rc 1)"})
	r.TestFinished(TestOutcome{Classname: "suite.flaky", Result: testcase.Timeout, Retrying: true})
	r.Progress(ProgressInfo{Current: 3, Total: 3})
	r.Retrying([]string{"suite.flaky"})
	r.RunStarted(RunInfo{Total: 1, Retry: true})
	r.Iteration(IterationInfo{Iteration: 2, Done: true, Passed: true})
	r.Verbose("hidden")
	r.FinalReport(Summary{
		Counts:   map[testcase.Result]int{testcase.Passed: 1, testcase.Failed: 1},
		Total:    2,
		Elapsed:  90 * time.Second,
		Failures: []TestOutcome{{Classname: "suite.bad", Result: testcase.Failed, Message: "rc 1", Logfile: "/logs/suite/bad.md"}},
	})

	out := buf.String()
	assert.Contains(t, out, "Running 3 tests...")
	assert.Contains(t, out, "=> Re-running 1 tests...")
	assert.NotContains(t, out, "suite.ok: Passed")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "suite.bad: Failed (rc 1)")
	assert.Contains(t, out, "suite.flaky: Timeout (will be retried)")
	assert.Contains(t, out, "--> Rerunning the following tests to see if they are flaky:")
	assert.Contains(t, out, "  * suite.flaky")
	assert.Contains(t, out, "-> Iteration 2... OK")
	assert.Contains(t, out, "Statistics")
	assert.Contains(t, out, "log: /logs/suite/bad.md")
}

func TestTerminalReporterHost(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporterWithWriter(&buf, false)

	system := util.SystemInfo{Hostname: "runner", NumCPU: 8, OS: "linux", Arch: "amd64"}
	r.RunStarted(RunInfo{Total: 2, Jobs: 4, System: system})
	r.RunStarted(RunInfo{Total: 1, Jobs: 1, Retry: true, System: system})

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "Host: runner (linux/amd64, 8 CPUs, 4 jobs)"))
}

func TestTerminalReporterVerbose(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalReporterWithWriter(&buf, true)
	r.TestStarted(TestInfo{Classname: "suite.a", Command: "true"})
	r.Verbose("details")
	assert.Contains(t, buf.String(), "Launching: suite.a")
	assert.Contains(t, buf.String(), "    Command: true")
	assert.Contains(t, buf.String(), "details")
}

func decodeEvents(t *testing.T, data string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporterWithWriter(&buf)

	r.RunStarted(RunInfo{Testsuites: []string{"check"}, Total: 200})
	r.Progress(ProgressInfo{Current: 1, Total: 200})
	// Same percent bucket within the interval is dropped.
	r.Progress(ProgressInfo{Current: 1, Total: 200})
	r.TestFinished(TestOutcome{Classname: "check.a", Result: testcase.Failed, ReturnCode: 1, Duration: 1500 * time.Millisecond})
	r.FinalReport(Summary{Counts: map[testcase.Result]int{testcase.Failed: 1}, Total: 1,
		Failures: []TestOutcome{{Classname: "check.a"}}})

	events := decodeEvents(t, buf.String())
	require.Len(t, events, 4)
	assert.Equal(t, "run_started", events[0]["type"])
	assert.Equal(t, "progress", events[1]["type"])
	assert.Equal(t, "test_finished", events[2]["type"])
	assert.Equal(t, "Failed", events[2]["result"])
	assert.Equal(t, 1.5, events[2]["duration_seconds"])
	assert.Equal(t, "final_report", events[3]["type"])
	assert.Equal(t, true, events[3]["failed"])
}

func TestXunitReporter(t *testing.T) {
	dir := t.TempDir()
	logfile := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(logfile, []byte("output \x01with control & markup <x>"), 0o644))

	path := filepath.Join(dir, "out", "xunit.xml")
	r := NewXunitReporter(path)
	r.TestFinished(TestOutcome{Classname: "check.suite.a", Result: testcase.Failed, Message: "crashed \x02", Logfile: logfile, Duration: time.Second})
	r.TestFinished(TestOutcome{Classname: "check.suite.b", Result: testcase.Skipped})
	r.TestFinished(TestOutcome{Classname: "check.suite.c", Result: testcase.Timeout, Retrying: true, Tolerated: true})
	r.TestFinished(TestOutcome{Classname: "check.suite.c", Result: testcase.Passed})
	r.FinalReport(Summary{Elapsed: 3 * time.Second})
	require.NoError(t, r.Err())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `<testsuite name="gst-validate-launcher" tests="3" errors="0" failures="1" skipped="1" time="3.000">`)
	assert.Contains(t, out, `<testcase classname="check.suite" name="a" time="1.000">`)
	assert.Contains(t, out, `<failure message="crashed "></failure>`)
	assert.Contains(t, out, "output with control &amp; markup &lt;x&gt;")
	assert.NotContains(t, out, "\x01")
}

func TestStripInvalidXML(t *testing.T) {
	assert.Equal(t, "ab\tc\n", stripInvalidXML("a\x00b\tc\x1b\n"))
	assert.Equal(t, "héllo ✓", stripInvalidXML("héllo ✓"))
}

func TestWebSocketReporter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, err := NewWebSocketReporter("127.0.0.1:0")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+r.Addr()+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	r.TestFinished(TestOutcome{Classname: "check.a", Result: testcase.Passed})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	events := decodeEvents(t, string(msg))
	require.Len(t, events, 1)
	assert.Equal(t, "test_finished", events[0]["type"])
	assert.Equal(t, "check.a", events[0]["classname"])

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_ = conn.Close()
}

func TestHistoryReporter(t *testing.T) {
	ctx := context.Background()
	store, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	r := NewHistoryReporter(store)
	r.TestFinished(TestOutcome{Classname: "ignored"})
	r.RunStarted(RunInfo{Testsuites: []string{"check"}})
	id := r.RunID()
	require.NotZero(t, id)
	r.RunStarted(RunInfo{Retry: true})
	assert.Equal(t, id, r.RunID())

	r.TestFinished(TestOutcome{Classname: "check.a", Result: testcase.Failed, Duration: time.Second, Retrying: true})
	r.TestFinished(TestOutcome{Classname: "check.a", Result: testcase.Passed, Duration: 2 * time.Second})
	r.FinalReport(Summary{Total: 1})
	assert.Zero(t, r.RunID())

	durations, err := store.LastDurations(ctx, []string{"check.a", "ignored"})
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{"check.a": 2 * time.Second}, durations)

	flaky, err := store.FlakyTests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flaky, 1)

	runs, err := store.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Total)
}
