package testcase

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
)

var faultSignalRegex = regexp.MustCompile(`<Caught SIGNAL: .*>`)

// CheckResults classifies the finished (or timed out) process.
func (t *Test) CheckResults() {
	t.mu.Lock()
	defer t.mu.Unlock()

	logging.Debug("checking results", zap.String("test", t.Classname), zap.Int("returncode", t.returnCode))
	if t.Validate {
		t.checkValidateResultsLocked()
		return
	}
	t.checkResultsLocked()
}

func (t *Test) checkResultsLocked() {
	if t.result == Failed || t.result == Timeout {
		return
	}

	rc := t.returnCode
	switch {
	case t.opts.RR && rc == gstcmd.SignalPipeCode:
		t.setResultLocked(Skipped, "SIGPIPE received under `rr`, known issue.", "")
	case rc == 0:
		for _, issue := range t.ExpectedIssues {
			if code := issue.ReturnCode(); code != 0 && !issue.Bool(issues.KeySometimes, false) {
				t.setResultLocked(Failed, fmt.Sprintf("Expected return code %d", code), "")
				return
			}
		}
		t.setResultLocked(Passed, "", "")
	case gstcmd.IsExitingSignal(rc):
		name, _ := gstcmd.ExitingSignalName(rc)
		t.addStackTraceLocked()
		t.setResultLocked(Failed, fmt.Sprintf("Application exited with signal %s", name), "")
	case rc == gstcmd.ValgrindErrorCode:
		t.setResultLocked(Failed, "Valgrind reported errors", "")
	case containsInt(issues.ExpectedReturnCodes(t.ExpectedIssues), rc):
		t.setResultLocked(KnownError, "", "")
	default:
		t.setResultLocked(Failed, fmt.Sprintf("Application returned %d", rc), "")
	}
}

func (t *Test) checkValidateResultsLocked() {
	if t.result == Failed || t.result == Passed || t.result == Skipped {
		return
	}

	expected := make([]issues.Issue, 0, len(t.ExpectedIssues)+1)
	for _, issue := range t.ExpectedIssues {
		expected = append(expected, issues.Issue(deepCopyMap(issue)))
	}
	if t.opts.RR {
		expected = append(expected, issues.Issue{issues.KeyReturnCode: gstcmd.SignalPipeCode, issues.KeySometimes: true})
	}

	checked := issues.CheckReported(t.reports, expected)
	t.criticals = checked.Criticals
	exp := issues.ReturnCodeExpectations(checked.NotFound)
	expectedRC := checked.ReturnCodes
	if exp.Overridden {
		expectedRC = exp.ReturnCodes
	}
	notFound := exp.Remaining
	rc := t.returnCode

	msg := ""
	result := Passed
	switch {
	case t.result == Timeout:
		if match := t.faultSignalLocked(); match != "" {
			result = Failed
			msg = match
		} else if exp.Timeout != nil {
			notFound = removeIssue(notFound, exp.Timeout)
			verdict, m := issues.CheckExpectedTimeout(exp.Timeout, t.message, t.stackTrace, t.reports)
			msg = m
			switch verdict {
			case issues.TimeoutAsExpected:
				result = Passed
			case issues.TimeoutWrongMessage:
				result = Failed
			default:
				result = Timeout
			}
		} else {
			return
		}
	case gstcmd.IsExitingSignal(rc):
		name, _ := gstcmd.ExitingSignalName(rc)
		msg = fmt.Sprintf("Application exited with signal %s", name)
		if !containsInt(expectedRC, rc) {
			result = Failed
		} else if exp.Signal != nil {
			stackMsg, ok := issues.CheckStack(exp.Signal, t.stackTrace, t.reports)
			if !ok {
				msg += stackMsg
				result = Failed
			}
		}
		t.addStackTraceLocked()
	case rc == gstcmd.ValgrindErrorCode:
		msg = "Valgrind reported errors "
		result = Failed
	case !containsInt(expectedRC, rc):
		msg = fmt.Sprintf("Application returned %d ", rc)
		if !(len(expectedRC) == 1 && expectedRC[0] == 0) {
			msg += fmt.Sprintf("(expected %s) ", formatInts(expectedRC))
		}
		result = Failed
	}

	if len(t.criticals) > 0 {
		msg += fmt.Sprintf("(critical errors: [%s]) ", strings.Join(criticalSummaries(t.criticals), ", "))
		result = Failed
	}

	if len(notFound) > 0 {
		if mandatory := issues.MandatoryNotFound(notFound); len(mandatory) > 0 {
			msg += fmt.Sprintf(" (Expected errors not found: %s) ", issues.FormatIssues(mandatory))
			result = Failed
		}
	} else if len(t.ExpectedIssues) > 0 {
		msg += fmt.Sprintf(" (Expected errors occurred: %s)", issues.FormatIssues(t.ExpectedIssues))
		result = KnownError
	}

	if result == Passed {
		for _, report := range t.reports {
			if report.Level() == issues.LevelExpected {
				result = KnownError
				break
			}
		}
	}

	t.setResultLocked(result, strings.TrimSpace(msg), "")
}

func (t *Test) faultSignalLocked() string {
	if t.logfile == "" || t.opts.RedirectLogs != "" {
		return ""
	}
	data, err := os.ReadFile(t.logfile)
	if err != nil {
		return ""
	}
	return faultSignalRegex.FindString(string(data))
}

func removeIssue(list []issues.Issue, target issues.Issue) []issues.Issue {
	for i, issue := range list {
		if sameIssue(issue, target) {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func sameIssue(a, b issues.Issue) bool {
	return a.JSON() == b.JSON()
}

func criticalSummaries(reports []issues.Report) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range reports {
		s := r.Summary()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func formatInts(list []int) string {
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
