package testcase

// Result is the outcome of a test run.
type Result string

// Test results.
const (
	NotRun     Result = "Not run"
	Failed     Result = "Failed"
	Timeout    Result = "Timeout"
	Passed     Result = "Passed"
	Skipped    Result = "Skipped"
	KnownError Result = "Known error"
)

// Results lists every result in reporting order.
var Results = []Result{Passed, Failed, Timeout, Skipped, KnownError, NotRun}

// String implements fmt.Stringer.
func (r Result) String() string { return string(r) }

// IsSuccess reports whether r does not fail a run.
func (r Result) IsSuccess() bool {
	switch r {
	case Passed, Skipped, KnownError:
		return true
	}
	return false
}

// IsFailure reports whether r is a failure or a timeout.
func (r Result) IsFailure() bool {
	return r == Failed || r == Timeout
}

// ParseResult converts a result string back into a Result.
func ParseResult(s string) (Result, bool) {
	for _, r := range Results {
		if string(r) == s {
			return r, true
		}
	}
	return NotRun, false
}
