package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

var (
	commandLineRe = regexp.MustCompile(`Command Line: (.*)\n`)
	timestampRe   = regexp.MustCompile(`Timestamp: .*\((\d*)s ago\)`)
	pidRe         = regexp.MustCompile(`PID: (\d+) \(.*\)`)
)

// RunFunc runs a command and captures its output.
type RunFunc func(ctx context.Context, name string, args ...string) gstcmd.Result

// Backtracer generates stack traces with gdb, attaching to running
// processes or loading the core dumps collected by systemd-coredump.
type Backtracer struct {
	gdb         string
	coredumpctl []string

	run      RunFunc
	attempts int
	retry    time.Duration
}

var _ testcase.Backtracer = (*Backtracer)(nil)

// NewBacktracer probes for gdb and a working coredumpctl.
func NewBacktracer() *Backtracer {
	b := &Backtracer{run: gstcmd.Run, attempts: 10, retry: time.Second}
	b.gdb = util.Which("gdb", "")

	coredumpctl := []string{"coredumpctl"}
	if util.FileExists("/usr/manifest.json") {
		coredumpctl = []string{"flatpak-spawn", "--host", "coredumpctl"}
	}
	probe := append(append([]string(nil), coredumpctl[1:]...), "-q")
	if res := b.run(context.Background(), coredumpctl[0], probe...); res.Err == nil {
		b.coredumpctl = append(coredumpctl, "-q")
	} else {
		logging.Debug("coredumpctl unavailable, no backtraces for crashes", zap.Error(res.Err))
	}
	return b
}

// Trace returns the backtrace of the process described by req, or an
// empty string.
func (b *Backtracer) Trace(req testcase.TraceRequest) string {
	if req.Running {
		return b.traceRunning(req)
	}
	if b.coredumpctl == nil {
		logging.Debug("coredumpctl not present, cannot generate backtrace", zap.String("test", req.Classname))
		return ""
	}
	return b.traceFromCoredump(req)
}

func (b *Backtracer) traceRunning(req testcase.TraceRequest) string {
	if b.gdb == "" {
		return "Can not generate stack trace as `gdb` is not installed."
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := b.run(ctx, b.gdb, "-ex", "thread apply all bt", "-batch", "-p", fmt.Sprint(req.Pid))
	if res.Err != nil {
		return fmt.Sprintf("Could not run `gdb` on process (pid: %d):\n%v", req.Pid, res.Err)
	}
	return res.Stdout + res.Stderr
}

func (b *Backtracer) coredumpctlRun(args ...string) gstcmd.Result {
	all := append(append([]string(nil), b.coredumpctl[1:]...), args...)
	return b.run(context.Background(), b.coredumpctl[0], all...)
}

func (b *Backtracer) traceFromCoredump(req testcase.TraceRequest) string {
	for attempt := 0; attempt < b.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(b.retry)
		}

		res := b.coredumpctlRun("info", fmt.Sprint(req.Pid))
		if res.Err != nil {
			continue
		}
		info := res.Stdout

		pid := pidRe.FindStringSubmatch(info)
		if pid == nil {
			logging.Debug("backtrace not found yet", zap.String("test", req.Classname))
			continue
		}
		cmdline := commandLineRe.FindStringSubmatch(info)
		if cmdline == nil || !sameExecutable(cmdline[1], req.Application) {
			continue
		}
		if !timestampRe.MatchString(info) {
			continue
		}

		if b.gdb != "" {
			if bt, err := b.gdbOnCore(pid[1], req.Application); err != nil {
				logging.Error("could not get backtrace from gdb", zap.Error(err))
			} else {
				info += "\nThread apply all bt:\n\n" + strings.ReplaceAll(bt, "\n", "\n"+strings.Repeat(" ", 15))
			}
		}
		return info
	}
	return ""
}

func (b *Backtracer) gdbOnCore(pid, application string) (string, error) {
	dir, err := os.MkdirTemp("", "gvlauncher-core")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	core := filepath.Join(dir, "core")
	if res := b.coredumpctlRun("dump", pid, "-o", core); res.Err != nil {
		return "", res.Err
	}
	res := b.run(context.Background(), b.gdb, "-ex", "thread apply all bt", "-ex", "quit", application, core)
	if res.Err != nil {
		return "", res.Err
	}
	return res.Stdout + res.Stderr, nil
}

func sameExecutable(cmdline, application string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	return fields[0] == application || filepath.Base(fields[0]) == filepath.Base(application)
}
