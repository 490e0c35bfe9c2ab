package reporter

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

// XunitSuiteName names the single testsuite of the report.
const XunitSuiteName = "gst-validate-launcher"

var invalidXMLChars = regexp.MustCompile(`[^\t\n\r\x20-\x{D7FF}\x{E000}-\x{FFFD}\x{10000}-\x{10FFFF}]`)

// stripInvalidXML removes the characters XML 1.0 cannot carry.
func stripInvalidXML(s string) string {
	return invalidXMLChars.ReplaceAllString(s, "")
}

type xunitFailure struct {
	Message string `xml:"message,attr"`
}

type xunitCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	Classname string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *xunitFailure `xml:"failure,omitempty"`
	Skipped   *struct{}     `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out"`
}

type xunitSuite struct {
	XMLName  xml.Name    `xml:"testsuite"`
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Errors   int         `xml:"errors,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     string      `xml:"time,attr"`
	Cases    []xunitCase `xml:"testcase"`
}

type xunitSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []xunitSuite `xml:"testsuite"`
}

// XunitReporter writes an xUnit XML report on FinalReport.
type XunitReporter struct {
	NullReporter
	path string

	mu    sync.Mutex
	cases []xunitCase
	err   error
}

// NewXunitReporter creates a reporter writing to path.
func NewXunitReporter(path string) *XunitReporter {
	return &XunitReporter{path: path}
}

// TestFinished records the outcome with its log content.
func (r *XunitReporter) TestFinished(outcome TestOutcome) {
	if outcome.Tolerated {
		return
	}
	c := xunitCase{
		Classname: outcome.Suite(),
		Name:      outcome.Name(),
		Time:      fmt.Sprintf("%.3f", outcome.Duration.Seconds()),
		SystemOut: stripInvalidXML(readLog(outcome)),
	}
	switch {
	case outcome.Result.IsFailure():
		c.Failure = &xunitFailure{Message: stripInvalidXML(outcome.Message)}
	case outcome.Result == testcase.Skipped:
		c.Skipped = &struct{}{}
	}

	r.mu.Lock()
	r.cases = append(r.cases, c)
	r.mu.Unlock()
}

func readLog(outcome TestOutcome) string {
	if outcome.Logfile == "" {
		return ""
	}
	data, err := os.ReadFile(outcome.Logfile)
	if err != nil {
		return ""
	}
	content := string(data)
	if outcome.StackTrace != "" {
		content += "\n\n## Stack trace\n\n" + outcome.StackTrace
	}
	return content
}

// FinalReport writes the report file.
func (r *XunitReporter) FinalReport(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	suite := xunitSuite{
		Name:  XunitSuiteName,
		Tests: len(r.cases),
		Time:  fmt.Sprintf("%.3f", summary.Elapsed.Seconds()),
		Cases: r.cases,
	}
	for _, c := range r.cases {
		if c.Failure != nil {
			suite.Failures++
		}
		if c.Skipped != nil {
			suite.Skipped++
		}
	}

	if err := r.write(xunitSuites{Suites: []xunitSuite{suite}}); err != nil {
		r.err = err
		logging.Error("could not write xunit report", zap.String("path", r.path), zap.Error(err))
	}
}

func (r *XunitReporter) write(doc xunitSuites) error {
	if err := util.EnsureDirectory(filepath.Dir(r.path)); err != nil {
		return gverrors.NewIOError("could not create xunit directory", err)
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return gverrors.NewIOError("could not encode xunit report", err)
	}
	data = append([]byte(xml.Header), data...)
	if err := os.WriteFile(r.path, append(data, '\n'), 0o644); err != nil {
		return gverrors.NewIOError("could not write "+r.path, err)
	}
	return nil
}

// Err returns the error of the last write, if any.
func (r *XunitReporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
