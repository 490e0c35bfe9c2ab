package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

// TerminalReporter prints result lines, a progress bar and the final
// statistics.
type TerminalReporter struct {
	out     io.Writer
	verbose bool

	mu       sync.Mutex
	progress *progressbar.ProgressBar
	header   *color.Color
	green    *color.Color
	yellow   *color.Color
	red      *color.Color
	blue     *color.Color
	bold     *color.Color
}

// NewTerminalReporter creates a terminal reporter writing to stdout.
func NewTerminalReporter(verbose bool) *TerminalReporter {
	return NewTerminalReporterWithWriter(os.Stdout, verbose)
}

// NewTerminalReporterWithWriter creates a terminal reporter with a custom
// writer.
func NewTerminalReporterWithWriter(w io.Writer, verbose bool) *TerminalReporter {
	return &TerminalReporter{
		out:     w,
		verbose: verbose,
		header:  color.New(color.FgMagenta, color.Bold),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow, color.Bold),
		red:     color.New(color.FgRed, color.Bold),
		blue:    color.New(color.FgBlue),
		bold:    color.New(color.Bold),
	}
}

// ColorForResult returns the color result lines are printed with.
func (r *TerminalReporter) ColorForResult(result testcase.Result) *color.Color {
	switch result {
	case testcase.Failed:
		return r.red
	case testcase.Timeout:
		return r.yellow
	case testcase.Passed:
		return r.green
	default:
		return r.blue
	}
}

// clearProgress removes the bar from the current line; callers hold mu.
func (r *TerminalReporter) clearProgress() {
	if r.progress != nil {
		_ = r.progress.Clear()
	}
}

func (r *TerminalReporter) finishProgress() {
	if r.progress != nil {
		_ = r.progress.Finish()
		r.progress = nil
	}
}

func (r *TerminalReporter) RunStarted(info RunInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishProgress()

	if info.Retry {
		_, _ = r.header.Fprintf(r.out, "\n=> Re-running %d tests...\n", info.Total)
	} else {
		_, _ = r.header.Fprintf(r.out, "\nRunning %d tests...\n", info.Total)
		if info.System.Hostname != "" {
			fmt.Fprintf(r.out, "Host: %s (%s/%s, %d CPUs, %d jobs)\n",
				info.System.Hostname, info.System.OS, info.System.Arch, info.System.NumCPU, info.Jobs)
		}
	}
	if info.Total == 0 {
		return
	}
	r.progress = progressbar.NewOptions(info.Total,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetWidth(80),
		progressbar.OptionSetDescription(fmt.Sprintf("[0/%d]", info.Total)),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerPadding: "-",
			BarStart:      "|",
			BarEnd:        "|",
		}),
	)
}

func (r *TerminalReporter) TestStarted(info TestInfo) {
	if !r.verbose {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearProgress()
	_, _ = r.blue.Fprintf(r.out, "Launching: %s\n", info.Classname)
	if info.Command != "" {
		fmt.Fprintf(r.out, "    Command: %s\n", info.Command)
	}
}

func (r *TerminalReporter) TestFinished(outcome TestOutcome) {
	if outcome.Result == testcase.Passed || outcome.Result == testcase.KnownError {
		return
	}
	line := outcome.Line
	if line == "" {
		line = fmt.Sprintf("%s: %s", outcome.Classname, outcome.Result)
	}
	if outcome.Retrying {
		line += " (will be retried)"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearProgress()
	_, _ = r.ColorForResult(outcome.Result).Fprintln(r.out, line)
}

func (r *TerminalReporter) Progress(info ProgressInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress == nil {
		return
	}
	r.progress.Describe(fmt.Sprintf("[%d/%d]", info.Current, info.Total))
	_ = r.progress.Set(info.Current)
}

func (r *TerminalReporter) Retrying(classnames []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishProgress()
	_, _ = r.yellow.Fprintln(r.out, "--> Rerunning the following tests to see if they are flaky:")
	for _, name := range classnames {
		fmt.Fprintf(r.out, "  * %s\n", name)
	}
	fmt.Fprintln(r.out)
}

func (r *TerminalReporter) Iteration(info IterationInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearProgress()
	switch {
	case !info.Done:
		fmt.Fprintf(r.out, "-> Iteration %d\n", info.Iteration)
	case info.Passed:
		fmt.Fprintf(r.out, "-> Iteration %d... %s\n", info.Iteration, r.green.Sprint("OK"))
	default:
		fmt.Fprintf(r.out, "-> Iteration %d... %s\n", info.Iteration, r.red.Sprint("ERROR"))
	}
}

func (r *TerminalReporter) Warning(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearProgress()
	_, _ = r.yellow.Fprintf(r.out, "WARN: %s\n", message)
}

func (r *TerminalReporter) Error(err ReporterError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearProgress()
	_, _ = r.red.Fprintf(r.out, "ERROR %s\n", err.Title)
	fmt.Fprintf(r.out, "  %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(r.out, "  Context: %s\n", err.Context)
	}
	if err.Suggestion != "" {
		fmt.Fprintf(r.out, "  Suggestion: %s\n", err.Suggestion)
	}
}

func (r *TerminalReporter) Verbose(message string) {
	if !r.verbose {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearProgress()
	fmt.Fprintln(r.out, message)
}

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Width(13)
)

func (r *TerminalReporter) FinalReport(summary Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishProgress()

	var b strings.Builder
	b.WriteString(titleStyle.Render("Statistics"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s%s\n", labelStyle.Render("Total time:"), util.FormatDuration(summary.Elapsed.Seconds()))
	for _, result := range testcase.Results {
		if result == testcase.NotRun {
			continue
		}
		fmt.Fprintf(&b, "%s%d\n", labelStyle.Render(result.String()+":"), summary.Counts[result])
	}
	fmt.Fprintf(&b, "%s%d", labelStyle.Render("Total:"), summary.Total)

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, boxStyle.Render(b.String()))

	if len(summary.Failures) == 0 {
		return
	}
	_, _ = r.bold.Fprintf(r.out, "\n%d failing test(s):\n", len(summary.Failures))
	for _, f := range summary.Failures {
		_, _ = r.ColorForResult(f.Result).Fprintf(r.out, "  %s: %s\n", f.Classname, f.Result)
		if f.Message != "" {
			fmt.Fprintf(r.out, "      %s\n", f.Message)
		}
		if f.Logfile != "" {
			fmt.Fprintf(r.out, "      log: %s\n", f.Logfile)
		}
	}
}
