// Package issues matches gst-validate reports against known issues.
package issues

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/five82/gvlauncher/internal/gstcmd"
)

// Well-known keys of an issue description.
const (
	KeyBug                   = "bug"
	KeyBugs                  = "bugs"
	KeySometimes             = "sometimes"
	KeyCanHappenSeveralTimes = "can-happen-several-times"
	KeyReturnCode            = "returncode"
	KeySigname               = "signame"
	KeyTimeout               = "timeout"
	KeyMessage               = "message"
	KeyStacktraceSymbols     = "stacktrace_symbols"
	KeyIssues                = "issues"
	KeyLevel                 = "level"
	KeySummary               = "summary"
	KeyIssueID               = "issue-id"
	KeyDetails               = "details"
)

// Report levels emitted by gst-validate.
const (
	LevelCritical = "critical"
	LevelExpected = "expected"
)

// Issue describes a known problem. Report keys hold regular expressions
// matched against the report values.
type Issue map[string]any

// Report is a structured issue report received from a test process.
type Report map[string]any

// Copy returns a shallow copy of the issue.
func (i Issue) Copy() Issue {
	out := make(Issue, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

// Has reports whether key is present.
func (i Issue) Has(key string) bool {
	_, ok := i[key]
	return ok
}

// Bool returns the truth value of key, or def when absent.
func (i Issue) Bool(key string, def bool) bool {
	v, ok := i[key]
	if !ok {
		return def
	}
	return truthy(v)
}

// String returns the value of key as a string.
func (i Issue) String(key string) string {
	v, ok := i[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Sometimes reports whether the issue may not happen on every run.
func (i Issue) Sometimes() bool { return i.Bool(KeySometimes, true) }

// Level returns the report level.
func (r Report) Level() string {
	v, _ := r[KeyLevel].(string)
	return v
}

// Summary returns the report summary.
func (r Report) Summary() string {
	v, _ := r[KeySummary].(string)
	return v
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	case []Issue:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "True"
		}
		return "False"
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}

func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	}
	return []any{v}
}

var regexCache sync.Map

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Matches reports whether report satisfies every constraint of issue. The
// bookkeeping keys bug, bugs, sometimes and can-happen-several-times are
// ignored; any other key of the issue must be present in the report.
func Matches(report Report, issue Issue) bool {
	remaining := issue.Copy()
	delete(remaining, KeyBug)
	delete(remaining, KeyBugs)
	delete(remaining, KeySometimes)

	for key, value := range report {
		pattern, ok := remaining[key]
		if !ok {
			continue
		}
		re, err := compile(stringify(pattern))
		if err != nil || !re.MatchString(stringify(value)) {
			return false
		}
		delete(remaining, key)
	}
	delete(remaining, KeyCanHappenSeveralTimes)
	return len(remaining) == 0
}

// CheckResult is the outcome of matching the reports of a run.
type CheckResult struct {
	// Criticals are critical reports no issue accounts for.
	Criticals []Report
	// NotFound are the expected issues that did not happen.
	NotFound []Issue
	// ReturnCodes are the acceptable process return codes.
	ReturnCodes []int
}

// CheckReported matches reports against expected. expected is not modified.
func CheckReported(reports []Report, expected []Issue) CheckResult {
	remaining := append([]Issue(nil), expected...)
	res := CheckResult{ReturnCodes: []int{0}}

	for _, report := range reports {
		found := -1
		for i, issue := range remaining {
			if Matches(report, issue) {
				found = i
				break
			}
		}

		if found >= 0 {
			issue := remaining[found]
			if !issue.Bool(KeyCanHappenSeveralTimes, false) {
				remaining = append(remaining[:found:found], remaining[found+1:]...)
			}
			if report.Level() == LevelCritical {
				if issue.Sometimes() {
					res.ReturnCodes = append(res.ReturnCodes, gstcmd.CriticalReturnCode)
				} else {
					res.ReturnCodes = []int{gstcmd.CriticalReturnCode}
				}
			}
		} else if report.Level() == LevelCritical {
			res.Criticals = append(res.Criticals, report)
		}
	}

	res.NotFound = remaining
	return res
}

// Expectations summarizes the not found issues that describe how the
// process is expected to end.
type Expectations struct {
	// ReturnCodes replaces the accepted return codes when Overridden.
	ReturnCodes []int
	Overridden  bool
	// Signal is the issue that declared the return codes.
	Signal Issue
	// Timeout is the issue declaring an expected timeout.
	Timeout Issue
	// Remaining are the issues that are neither return code nor signal
	// expectations.
	Remaining []Issue
}

// ReturnCodeExpectations extracts return code, signal and timeout
// expectations from notFound.
func ReturnCodeExpectations(notFound []Issue) Expectations {
	var exp Expectations
	for _, issue := range notFound {
		var codes []int
		for _, v := range toList(issue[KeyReturnCode]) {
			if n, ok := toInt(v); ok {
				codes = append(codes, n)
			}
		}
		if issue.Bool(KeySigname, false) {
			codes = nil
			for _, v := range toList(issue[KeySigname]) {
				codes = append(codes, gstcmd.SignalCodes(stringify(v))...)
			}
		}

		if len(codes) > 0 {
			if issue.Has(KeySometimes) {
				codes = append(codes, 0)
			}
			exp.ReturnCodes = codes
			exp.Overridden = true
			exp.Signal = issue
		} else if issue.Bool(KeyTimeout, false) {
			exp.Timeout = issue
		}
	}

	for _, issue := range notFound {
		if issue.Bool(KeyReturnCode, false) || issue.Bool(KeySigname, false) {
			continue
		}
		exp.Remaining = append(exp.Remaining, issue)
	}
	return exp
}

// MandatoryNotFound returns the issues that were required to happen.
func MandatoryNotFound(notFound []Issue) []Issue {
	var out []Issue
	for _, issue := range notFound {
		if !issue.Sometimes() {
			out = append(out, issue)
		}
	}
	return out
}

// ExpectedReturnCodes lists the returncode values declared by issues.
func ExpectedReturnCodes(expected []Issue) []int {
	var out []int
	for _, issue := range expected {
		if !issue.Has(KeyReturnCode) {
			continue
		}
		for _, v := range toList(issue[KeyReturnCode]) {
			if n, ok := toInt(v); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// ReturnCode returns the scalar returncode of an issue, 0 when absent.
func (i Issue) ReturnCode() int {
	n, _ := toInt(i[KeyReturnCode])
	return n
}

// CheckStack verifies the stacktrace_symbols of issue against stackTrace
// and that every mandatory nested issue was reported.
func CheckStack(issue Issue, stackTrace string, reports []Report) (string, bool) {
	msg := ""
	ok := true

	if symbols := toList(issue[KeyStacktraceSymbols]); len(symbols) > 0 {
		if stackTrace != "" {
			var missing []string
			for _, s := range symbols {
				if sym := stringify(s); !strings.Contains(stackTrace, sym) {
					missing = append(missing, sym)
				}
			}
			if len(missing) > 0 {
				msg = fmt.Sprintf(" Expected symbols '%s' not found in stack trace ", missing)
				ok = false
			}
		} else {
			msg += " No stack trace available, could not verify symbols "
		}
	}

	nested := nestedIssues(issue)
	if len(nested) > 0 {
		res := CheckReported(reports, nested)
		if mandatory := MandatoryNotFound(res.NotFound); len(mandatory) > 0 {
			msg = fmt.Sprintf(" (Expected issues not found: %s) ", FormatIssues(mandatory))
			ok = false
		}
	}
	return msg, ok
}

// TimeoutVerdict is the outcome of checking an expected timeout.
type TimeoutVerdict int

const (
	// TimeoutAsExpected means the timeout was expected.
	TimeoutAsExpected TimeoutVerdict = iota
	// TimeoutWrongMessage means the timeout message did not match.
	TimeoutWrongMessage
	// TimeoutUnverified means the stack or nested issues did not match.
	TimeoutUnverified
)

// CheckExpectedTimeout checks a timeout against its expectation.
func CheckExpectedTimeout(issue Issue, message, stackTrace string, reports []Report) (TimeoutVerdict, string) {
	msg := "Expected timeout happened. "
	verdict := TimeoutAsExpected

	if pattern := issue.String(KeyMessage); pattern != "" {
		re, err := compile(pattern)
		if err != nil || !re.MatchString(message) {
			verdict = TimeoutWrongMessage
			msg = fmt.Sprintf("Expected timeout message: %s got %s ", pattern, message)
		}
	}

	stackMsg, ok := CheckStack(issue, stackTrace, reports)
	if !ok {
		verdict = TimeoutUnverified
		msg += stackMsg
	}
	return verdict, msg
}

func nestedIssues(issue Issue) []Issue {
	var out []Issue
	for _, v := range toList(issue[KeyIssues]) {
		switch x := v.(type) {
		case Issue:
			out = append(out, x)
		case map[string]any:
			out = append(out, Issue(x))
		}
	}
	return out
}

// FormatIssues renders issues for result messages.
func FormatIssues(list []Issue) string {
	parts := make([]string, 0, len(list))
	for _, issue := range list {
		parts = append(parts, issue.JSON())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
