package testcase

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (t *Test) openLogfileLocked() error {
	if t.out != nil {
		return nil
	}

	path := filepath.Join(t.opts.LogsDir, util.ClassnameToPath(t.Classname)+".md")
	if err := util.EnsureDirectory(filepath.Dir(path)); err != nil {
		return gverrors.NewIOError("failed to create logs directory", err)
	}
	t.logfile = path

	switch t.opts.RedirectLogs {
	case "stdout":
		t.out, t.ownsOut = os.Stdout, false
	case "stderr":
		t.out, t.ownsOut = os.Stderr, false
	default:
		f, err := os.Create(path)
		if err != nil {
			return gverrors.NewIOError("failed to create log file "+path, err)
		}
		t.out, t.ownsOut = f, true
	}
	return nil
}

func (t *Test) finalizeLogfilesLocked() {
	if t.out == nil {
		return
	}
	fmt.Fprintf(t.out, "\n**Duration**: %s", pyFloat(t.timeTaken.Seconds()))

	if t.opts.RedirectLogs == "" {
		for _, logfile := range t.extraLogfiles {
			size, err := util.GetFileSize(logfile)
			if err != nil {
				continue
			}
			name := filepath.Base(logfile)
			if size < MaxExtraLogSize {
				content, err := os.ReadFile(logfile)
				if err != nil {
					logging.Warn("could not read extra log", zap.String("file", logfile), zap.Error(err))
					continue
				}
				fmt.Fprintf(t.out, "\n\n## %s:\n\n```\n%s\n```\n", name, content)
			} else {
				fmt.Fprintf(t.out, "\n\n## %s:\n\n**Log file too big (%s).**\n  %s\n\n Check file content directly\n\n",
					name, util.FormatBytes(size), logfile)
			}
		}

		if t.rrLogdir != "" {
			fmt.Fprintf(t.out, "\n\n## rr trace:\n\n```\nrr replay %s/latest-trace\n```\n", t.rrLogdir)
		}
	}

	if t.ownsOut {
		if err := t.out.Close(); err != nil {
			logging.Warn("could not close log file", zap.String("file", t.logfile), zap.Error(err))
		}
	}
	t.out = nil
}

// LogContent returns the content of the markdown log.
func (t *Test) LogContent() (string, error) {
	path := t.Logfile()
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExtraLogContent returns the content of one of the extra log files.
func (t *Test) ExtraLogContent(path string) string {
	found := false
	for _, p := range t.ExtraLogfiles() {
		if p == path {
			found = true
			break
		}
	}
	if !found {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (t *Test) setResultLocked(result Result, message, errorStr string) {
	if t.opts.RedirectLogs == "" && t.out != nil {
		fmt.Fprint(t.out, "\n```\n")
	}
	logging.Debug("setting result", zap.String("test", t.Classname), zap.String("result", string(result)),
		zap.String("message", message), zap.String("error", errorStr))

	if result == Timeout {
		t.addStackTraceLocked()
	}

	t.result = result
	t.message = message
	t.errorStr = errorStr

	if result != Passed && result != NotRun && result != Skipped {
		t.addKnownIssueInformationLocked()
	}
}

func (t *Test) addStackTraceLocked() {
	if t.opts.RR || t.opts.Backtracer == nil {
		return
	}

	req := TraceRequest{Application: t.Application, Classname: t.Classname}
	if t.cmd != nil && t.cmd.Process != nil {
		req.Pid = t.cmd.Process.Pid
	}
	if t.done != nil {
		select {
		case <-t.done:
		default:
			req.Running = true
		}
	}
	trace := t.opts.Backtracer.Trace(req)
	if trace == "" {
		return
	}

	info := fmt.Sprintf("\n\n## Stack trace\n\n```\n%s\n```", trace)
	if t.opts.KeepStackTrace {
		t.stackTrace = trace
	}
	if t.opts.RedirectLogs != "" {
		fmt.Println(info)
		return
	}
	if t.out != nil {
		fmt.Fprint(t.out, info)
	}
}

func (t *Test) addKnownIssueInformationLocked() {
	info := ""
	if len(t.ExpectedIssues) > 0 {
		data, err := json.MarshalIndent(t.ExpectedIssues, "", "    ")
		if err == nil {
			info = fmt.Sprintf("\n\n## Already known issues\n\n``` json\n%s\n```\n\n", data)
		}
	}

	info += fmt.Sprintf("\n\n**You can mark the issues as 'known' by adding the "+
		" following lines to the list of known issues of the testsuite called \"%s\"**\n", t.Testsuite()) +
		fmt.Sprintf("\n\n``` json\n%s\n```", t.generateExpectedIssuesLocked())

	if t.opts.RedirectLogs != "" {
		fmt.Println(info)
		return
	}
	if t.out != nil {
		fmt.Fprint(t.out, info)
	}
}

// GenerateExpectedIssues renders a known issues entry describing the
// failure of the last run, to be pasted into a known issues file.
func (t *Test) GenerateExpectedIssues() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generateExpectedIssuesLocked()
}

func (t *Test) generateExpectedIssuesLocked() string {
	indent := func(n int) string { return strings.Repeat(" ", n) }

	var b strings.Builder
	fmt.Fprintf(&b, "%s\"FIXME '%s' issues [REPORT A BUG in https://gitlab.freedesktop.org/gstreamer/ or use a proper bug description]\": {", indent(4), t.Classname)
	fmt.Fprintf(&b, "\n%s\"tests\": [\n%s%s\n%s],\n%s\"issues\": [", indent(8), indent(12), quote(t.Classname), indent(8), indent(8))

	if rc := t.returnCode; rc != 0 {
		key, val := "returncode", fmt.Sprint(rc)
		if name, ok := gstcmd.ExitingSignalName(rc); ok {
			key, val = "signame", quote(name)
		}
		fmt.Fprintf(&b, "\n%s{\n%s\"%s\": %s,\n%s\"sometimes\": true,\n%s},", indent(12), indent(16), key, val, indent(16), indent(12))
	}

	if t.Validate {
		if t.result == Timeout {
			fmt.Fprintf(&b, "\n%s{\n%s\"timeout\": true,\n%s\"sometimes\": true,\n%s},", indent(12), indent(16), indent(16), indent(12))
		}
		for _, report := range t.criticals {
			fmt.Fprintf(&b, "\n%s{", indent(12))
			keys := make([]string, 0, len(report))
			for k := range report {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				value := report[key]
				if key == "type" || value == nil {
					continue
				}
				prefix := ""
				if key == "details" {
					prefix = "// "
				}
				fmt.Fprintf(&b, "\n%s%s\"%s\": %s,", indent(16), prefix, key, quote(fmt.Sprint(value)))
			}
			fmt.Fprintf(&b, "\n%s},", indent(12))
		}
	}

	fmt.Fprintf(&b, "\n%s],\n%s},\n", indent(8), indent(4))
	return b.String()
}

func quote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}
