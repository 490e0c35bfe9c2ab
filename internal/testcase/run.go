package testcase

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

// Start launches the test process. wake is called once the process exits,
// so the scheduler can poll ProcessUpdate without waiting for its tick.
func (t *Test) Start(ctx context.Context, wake func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.openLogfileLocked(); err != nil {
		t.setResultLocked(Failed, fmt.Sprintf("Could not create log file: %v", err), "start")
		t.done = make(chan struct{})
		close(t.done)
		if wake != nil {
			wake()
		}
		return err
	}

	t.startingTime = time.Now()
	t.command = append([]string{t.Application}, t.Args...)
	t.timeout, t.hardTimeout = t.Timeout, t.HardTimeout
	t.buildEnvNamesLocked()

	env := t.subprocEnvLocked()
	for _, name := range sortedKeys(t.ExtraEnv) {
		value := strings.Trim(env[name]+string(os.PathListSeparator)+t.ExtraEnv[name], string(os.PathListSeparator))
		env[name] = value
		t.addEnvName(name)
	}

	if t.opts.GDB {
		t.command = t.useGDBLocked(t.command)
	}
	if t.opts.Valgrind {
		t.command = t.useValgrindLocked(t.command, env)
	}
	if t.opts.RR {
		t.command = t.useRRLocked(t.command, env)
	}
	t.procEnv = env

	if t.opts.RedirectLogs == "" {
		fmt.Fprintf(t.out, "# `%s`\n\n## Command\n\n``` bash\n%s\n```\n\n", t.Classname, t.commandReprLocked())
		fmt.Fprintf(t.out, "## %s output\n\n``` log \n\n", filepath.Base(t.Application))
	} else {
		color.New(color.FgBlue).Fprintf(os.Stdout, "Launching: %s\n    Command: %s\n", t.Classname, t.commandReprLocked())
	}

	cmd := exec.CommandContext(ctx, t.command[0], t.command[1:]...)
	cmd.Env = envList(env)
	cmd.Dir = t.Workdir
	cmd.Stdout = t.out
	cmd.Stderr = t.out
	if !t.opts.GDB {
		cmd.SysProcAttr = gstcmd.ProcessGroupAttr()
	}
	cmd.Cancel = func() error {
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGINT); err != nil {
			return cmd.Process.Signal(os.Interrupt)
		}
		return nil
	}

	done := make(chan struct{})
	t.done = done
	t.lastVal = 0
	t.lastChange = time.Now()
	t.startTs = t.lastChange

	logging.Debug("launching test", zap.String("test", t.Classname), zap.Strings("command", t.command))
	if err := cmd.Start(); err != nil {
		startErr := gverrors.NewCommandStartError(t.command[0], err)
		t.returnCode = -1
		t.setResultLocked(Failed, fmt.Sprintf("Could not start %s: %v", t.command[0], err), "start")
		close(done)
		if wake != nil {
			wake()
		}
		return startErr
	}
	t.cmd = cmd

	go func() {
		err := cmd.Wait()
		rc, ok := gstcmd.ReturnCodeFromError(err)
		if !ok {
			logging.Warn("failed waiting for test process", zap.String("test", t.Classname), zap.Error(err))
			rc = -1
		}
		t.mu.Lock()
		t.returnCode = rc
		t.mu.Unlock()
		close(done)
		if wake != nil {
			wake()
		}
	}()
	return nil
}

// Running reports whether the process was started and has not exited.
func (t *Test) Running() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Pid returns the pid of the test process, 0 if not started.
func (t *Test) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// ProcessUpdate returns true when the process finished or timed out. A
// test times out when its progress value stays unchanged for longer than
// the timeout, or when it runs past the hard timeout.
func (t *Test) ProcessUpdate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
	}

	now := time.Now()
	if !t.Validate {
		if now.Sub(t.lastChange).Seconds() > t.timeout {
			t.setResultLocked(Timeout, fmt.Sprintf("Application timed out: %s secs", pyFloat(t.timeout)), "timeout")
			return true
		}
		return false
	}

	val := t.position
	if val == t.lastVal {
		if now.Sub(t.lastChange).Seconds() > t.timeout {
			t.setResultLocked(Timeout, fmt.Sprintf("Application timed out: %s secs", pyFloat(t.timeout)), "timeout")
			return true
		}
	} else if t.hardTimeout > 0 && now.Sub(t.startTs).Seconds() > t.hardTimeout {
		t.setResultLocked(Timeout, fmt.Sprintf("Hard timeout reached: %d secs", int64(t.hardTimeout)), "")
		return true
	} else {
		t.lastChange = now
		t.lastVal = val
	}
	return false
}

// End stops the process if still running, finalizes the log file and
// returns the result.
func (t *Test) End() Result {
	t.killSubprocess()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.startingTime.IsZero() {
		t.timeTaken = time.Since(t.startingTime)
	}
	t.finalizeLogfilesLocked()

	clean := make(map[string]string, len(t.envNames))
	for _, name := range t.envNames {
		if v, ok := t.procEnv[name]; ok {
			clean[name] = v
		}
	}
	t.procEnv = clean
	t.reports = nil
	return t.result
}

func (t *Test) killSubprocess() {
	t.mu.Lock()
	cmd, done, rr := t.cmd, t.done, t.opts.RR
	t.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}

	opts := gstcmd.KillOptions{Timeout: KillTimeout}
	if rr {
		pids, err := gstcmd.ChildPids(cmd.Process.Pid)
		if err != nil {
			logging.Error("couldn't get rr subprocess pids", zap.String("test", t.Classname), zap.Error(err))
		}
		opts.Pids = pids
	}
	if gstcmd.Kill(cmd.Process.Pid, done, opts) {
		<-done
	}
}

func (t *Test) addEnvName(name string) {
	for _, n := range t.envNames {
		if n == name {
			return
		}
	}
	t.envNames = append(t.envNames, name)
}

// addEnvNameIfSet records name only when the launcher environment has it.
func (t *Test) addEnvNameIfSet(name string) {
	if _, ok := os.LookupEnv(name); ok {
		t.addEnvName(name)
	}
}

func (t *Test) buildEnvNamesLocked() {
	t.addEnvNameIfSet("LD_PRELOAD")
	t.addEnvNameIfSet("DISPLAY")
	if !t.Validate {
		return
	}
	t.addEnvNameIfSet("GST_VALIDATE")
	t.addEnvNameIfSet("GST_VALIDATE_SCENARIOS_PATH")
	t.addEnvNameIfSet("GST_VALIDATE_CONFIG")
	t.addEnvNameIfSet("GST_VALIDATE_OVERRIDE")
}

func (t *Test) subprocEnvLocked() map[string]string {
	env := environ()
	if !t.Validate {
		return env
	}

	if t.opts.ValidateConfig != "" {
		addValidateConfig(env, t.opts.ValidateConfig)
	}
	if t.uuid == "" {
		t.uuid = t.Classname + newUUID()
	}
	env["GST_VALIDATE_UUID"] = t.uuid
	env["GST_VALIDATE_LOGSDIR"] = t.opts.LogsDir
	if t.opts.ServerURL != "" {
		env["GST_VALIDATE_SERVER"] = t.opts.ServerURL
	}

	noColor := true
	if _, ok := os.LookupEnv("GST_DEBUG"); ok && t.opts.RedirectLogs == "" {
		gstlogs := stem(t.logfile) + ".gstdebug"
		t.addExtraLogfile(gstlogs)
		env["GST_DEBUG_FILE"] = gstlogs
		noColor = t.opts.NoColor
	}
	if noColor {
		env["GST_DEBUG_NO_COLOR"] = "1"
	}

	env["GST_GL_XINITTHREADS"] = "1"
	t.addEnvName("GST_GL_XINITTHREADS")
	env["GST_XINITTHREADS"] = "1"
	t.addEnvName("GST_XINITTHREADS")

	if t.Scenario != "" {
		env["GST_VALIDATE_SCENARIO"] = t.Scenario
		t.addEnvName("GST_VALIDATE_SCENARIO")
	} else {
		delete(env, "GST_VALIDATE_SCENARIO")
	}

	if env["GST_DEBUG_DUMP_DOT_DIR"] == "" {
		dotdir := filepath.Join(t.opts.LogsDir, util.ClassnameToPath(t.Classname)+".pipelines_dot_files")
		if err := util.EnsureDirectory(dotdir); err != nil {
			logging.Warn("could not create dot files dir", zap.String("dir", dotdir), zap.Error(err))
		}
		env["GST_DEBUG_DUMP_DOT_DIR"] = dotdir
		if t.opts.ArtifactsURL != "" {
			if rel, err := filepath.Rel(t.opts.LogsDir, dotdir); err == nil {
				env["GST_VALIDATE_DEBUG_DUMP_DOT_URL"] = t.opts.ArtifactsURL + rel
			}
		}
	}
	return env
}

func (t *Test) useGDBLocked(command []string) []string {
	if t.hardTimeout > 0 {
		t.hardTimeout *= GDBTimeoutFactor
	}
	t.timeout *= GDBTimeoutFactor
	if !t.opts.GDBNonStop {
		t.timeout = Infinite
		t.hardTimeout = Infinite
	}

	args := []string{"gdb"}
	if t.opts.GDBNonStop {
		args = append(args, "-ex", "run", "-ex", "backtrace", "-ex", "quit")
	}
	return append(append(args, "--args"), command...)
}

func (t *Test) useValgrindLocked(command []string, env map[string]string) []string {
	args := []string{
		"--trace-children=yes",
		"--tool=memcheck",
		"--leak-check=full",
		"--leak-resolution=high",
		"--errors-for-leak-kinds=definite,indirect",
		"--show-leak-kinds=definite,indirect",
		"--show-possibly-lost=no",
		"--num-callers=20",
		fmt.Sprintf("--error-exitcode=%d", gstcmd.ValgrindErrorCode),
		"--gen-suppressions=all",
	}
	if t.opts.RedirectLogs == "" {
		vglogs := stem(t.logfile) + ".valgrind"
		t.addExtraLogfile(vglogs)
		args = append(args, "--log-file="+vglogs)
	}
	for _, supp := range t.opts.ValgrindSuppressions {
		args = append(args, "--suppressions="+supp)
	}

	env["G_DEBUG"] = "gc-friendly"
	env["G_SLICE"] = "always-malloc"
	t.addEnvName("G_DEBUG")
	t.addEnvName("G_SLICE")

	if t.hardTimeout > 0 {
		t.hardTimeout *= ValgrindTimeoutFactor
	}
	t.timeout *= ValgrindTimeoutFactor

	if t.opts.ValgrindConfig != "" {
		addValidateConfig(env, t.opts.ValgrindConfig)
		t.addEnvName("GST_VALIDATE_CONFIG")
	}
	return append(append([]string{"valgrind"}, args...), command...)
}

func (t *Test) useRRLocked(command []string, env map[string]string) []string {
	t.timeout *= RRTimeoutFactor
	t.rrLogdir = filepath.Join(t.opts.LogsDir, util.ClassnameToPath(t.Classname), "rr-logs")
	env["_RR_TRACE_DIR"] = t.rrLogdir
	if err := os.RemoveAll(t.rrLogdir); err != nil {
		logging.Warn("could not clean rr trace dir", zap.String("dir", t.rrLogdir), zap.Error(err))
	}
	t.addEnvName("_RR_TRACE_DIR")
	return append([]string{"rr", "record", "-h"}, command...)
}

// CommandRepr renders the environment and command line to reproduce the run.
func (t *Test) CommandRepr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commandReprLocked()
}

func (t *Test) commandReprLocked() string {
	var vars []string
	for _, name := range t.envNames {
		if v, ok := t.procEnv[name]; ok {
			vars = append(vars, fmt.Sprintf("%s='%s'", name, v))
		}
	}
	quoted := make([]string, len(t.command))
	for i, arg := range t.command {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(vars, " ") + " " + strings.Join(quoted, " ")
}

func (t *Test) addExtraLogfile(path string) {
	for _, p := range t.extraLogfiles {
		if p == path {
			return
		}
	}
	t.extraLogfiles = append(t.extraLogfiles, path)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stem(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// pyFloat formats seconds with at least one decimal, as result messages
// always did.
func pyFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
