// Package gstcmd runs the GStreamer command line tools the launcher drives
// and manages the lifetime of test subprocesses.
package gstcmd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

// Tool names.
const (
	Validate            = "gst-validate-1.0"
	ValidateTranscoding = "gst-validate-transcoding-1.0"
	ValidateMediaCheck  = "gst-validate-media-check-1.0"
	ValidateRTSPServer  = "gst-validate-rtsp-server-1.0"
	Inspect             = "gst-inspect-1.0"
)

// Result contains the outcome of a tool run.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
	Err        error
}

// Success reports whether the command ran and exited with 0.
func (r Result) Success() bool { return r.Err == nil && r.ReturnCode == 0 }

// Run executes name with args and captures its output.
func Run(ctx context.Context, name string, args ...string) Result {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("running command", zap.String("cmd", name), zap.Strings("args", args))
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			res.Err = gverrors.NewCancelledError()
			return res
		}
		if rc, ok := ReturnCodeFromError(err); ok {
			res.ReturnCode = rc
		}
		res.Err = gverrors.WrapExecError(name, err, strings.TrimSpace(res.Stderr))
		return res
	}
	return res
}

// Tools resolves the GStreamer tools on PATH plus extra directories and
// caches feature lookups.
type Tools struct {
	extraPath string

	mu       sync.Mutex
	paths    map[string]string
	features map[string]bool
}

// NewTools creates a resolver searching extraPaths before PATH.
func NewTools(extraPaths []string) *Tools {
	return &Tools{
		extraPath: strings.Join(extraPaths, string(os.PathListSeparator)),
		paths:     make(map[string]string),
		features:  make(map[string]bool),
	}
}

// Path returns the absolute path of a tool, or "" when it is not installed.
func (t *Tools) Path(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.paths[name]; ok {
		return p
	}
	p := util.Which(name, t.extraPath)
	t.paths[name] = p
	return p
}

// Require returns the tool path or a command error when it is missing.
func (t *Tools) Require(name string) (string, error) {
	if p := t.Path(name); p != "" {
		return p, nil
	}
	return "", gverrors.NewCommandStartError(name, exec.ErrNotFound)
}

// Run executes the named tool.
func (t *Tools) Run(ctx context.Context, name string, args ...string) Result {
	path, err := t.Require(name)
	if err != nil {
		return Result{Err: err}
	}
	return Run(ctx, path, args...)
}

// HasFeature reports whether gst-inspect-1.0 knows the element or plugin.
func (t *Tools) HasFeature(ctx context.Context, feature string) bool {
	t.mu.Lock()
	if v, ok := t.features[feature]; ok {
		t.mu.Unlock()
		return v
	}
	t.mu.Unlock()

	res := t.Run(ctx, Inspect, feature)
	has := res.Success()

	t.mu.Lock()
	t.features[feature] = has
	t.mu.Unlock()
	return has
}

// Available lists the known tools that could be resolved.
func (t *Tools) Available() map[string]string {
	out := make(map[string]string)
	for _, name := range []string{Validate, ValidateTranscoding, ValidateMediaCheck, ValidateRTSPServer, Inspect} {
		if p := t.Path(name); p != "" {
			out[name] = p
		}
	}
	return out
}
