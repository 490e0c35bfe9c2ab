package gstcmd

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/five82/gvlauncher/internal/logging"
)

// ReturnCode converts a process state into the launcher's return code
// convention: the exit status, or minus the signal number when the process
// was killed by a signal.
func ReturnCode(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// ReturnCodeFromError extracts a return code from an exec error.
func ReturnCodeFromError(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ReturnCode(exitErr.ProcessState), true
	}
	return 0, false
}

// ProcessGroupAttr makes the child lead its own process group so the whole
// tree can be signalled.
func ProcessGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// KillOptions configures Kill.
type KillOptions struct {
	// Timeout after which Kill gives up. SIGKILL is used after Timeout/4.
	Timeout time.Duration
	// Pids signalled instead of the process group when set.
	Pids []int
	// InitialWait between signals, doubled after each attempt.
	InitialWait time.Duration
}

// Kill terminates pid and its process group, escalating from SIGINT to
// SIGKILL. done must be closed once the process has been reaped. It returns
// false when the process is still alive after the timeout.
func Kill(pid int, done <-chan struct{}, opts KillOptions) bool {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	wait := opts.InitialWait
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}

	start := time.Now()
	sig := unix.SIGINT
	for {
		select {
		case <-done:
			return true
		default:
		}

		logging.Debug("subprocess still alive, sending signal", zap.Int("pid", pid), zap.String("signal", unix.SignalName(sig)))
		if len(opts.Pids) > 0 {
			for _, p := range opts.Pids {
				_ = unix.Kill(p, sig)
			}
		} else if err := unix.Kill(-pid, sig); err != nil {
			_ = unix.Kill(pid, sig)
		}

		select {
		case <-done:
			return true
		case <-time.After(wait):
		}
		wait *= 2

		elapsed := time.Since(start)
		if elapsed > opts.Timeout/4 {
			sig = unix.SIGKILL
		}
		if elapsed > opts.Timeout {
			logging.Error("could not kill subprocess", zap.Int("pid", pid), zap.Duration("timeout", opts.Timeout))
			return false
		}
	}
}

// ChildPids lists the direct children of pid.
func ChildPids(pid int) ([]int, error) {
	res := Run(context.Background(), "ps", "-o", "pid", "--ppid", strconv.Itoa(pid), "--noheaders")
	if res.Err != nil {
		return nil, res.Err
	}
	return parsePids(res.Stdout), nil
}

func parsePids(out string) []int {
	var pids []int
	for _, field := range strings.Fields(out) {
		if pid, err := strconv.Atoi(field); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}
