package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

// Xvfb runs a virtual frame buffer and exports it as DISPLAY.
type Xvfb struct {
	Display string
	// Binary defaults to Xvfb looked up on PATH.
	Binary string
	// SocketDir holds the X server sockets.
	SocketDir string

	cmd         *exec.Cmd
	done        chan struct{}
	prevDisplay string
	hadDisplay  bool
}

// NewXvfb creates a frame buffer for display (":27").
func NewXvfb(display string) *Xvfb {
	return &Xvfb{Display: display, Binary: "Xvfb", SocketDir: "/tmp/.X11-unix"}
}

func (x *Xvfb) socket() string {
	return filepath.Join(x.SocketDir, "X"+strings.TrimPrefix(x.Display, ":"))
}

// Start launches the server and waits for its socket.
func (x *Xvfb) Start(ctx context.Context) error {
	if x.cmd != nil {
		return nil
	}
	bin := util.Which(x.Binary, "")
	if bin == "" {
		return gverrors.NewCommandStartError(x.Binary, fmt.Errorf("not found in PATH"))
	}

	cmd := exec.Command(bin, x.Display, "-screen", "0", "1920x1080x24")
	cmd.SysProcAttr = gstcmd.ProcessGroupAttr()
	if err := cmd.Start(); err != nil {
		return gverrors.NewCommandStartError(bin, err)
	}
	x.cmd = cmd
	x.done = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(x.done)
	}()
	logging.Info("starting Xvfb", zap.String("display", x.Display), zap.Int("pid", cmd.Process.Pid))

	deadline := time.Now().Add(ReadyTimeout)
	for !util.FileExists(x.socket()) {
		select {
		case <-x.done:
			x.cmd = nil
			return gverrors.NewCommandWaitError(bin, fmt.Errorf("exited before display %s was ready", x.Display))
		case <-ctx.Done():
			x.Stop()
			return gverrors.NewCancelledError()
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			x.Stop()
			return gverrors.NewCommandWaitError(bin, fmt.Errorf("display %s not ready after %s", x.Display, ReadyTimeout))
		}
	}

	x.prevDisplay, x.hadDisplay = os.LookupEnv("DISPLAY")
	if err := os.Setenv("DISPLAY", x.Display); err != nil {
		x.Stop()
		return err
	}
	return nil
}

// Stop kills the server and restores DISPLAY.
func (x *Xvfb) Stop() {
	if x.cmd == nil {
		return
	}
	gstcmd.Kill(x.cmd.Process.Pid, x.done, gstcmd.KillOptions{Timeout: 5 * time.Second})
	x.cmd = nil
	if x.hadDisplay {
		_ = os.Setenv("DISPLAY", x.prevDisplay)
	} else {
		_ = os.Unsetenv("DISPLAY")
	}
	x.hadDisplay = false
}
