// Package main provides the CLI entry point for gvlauncher.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/five82/gvlauncher/internal/cli"
	gverrors "github.com/five82/gvlauncher/internal/errors"
)

const appVersion = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.NewRootCmd(appVersion).ExecuteContext(ctx)
	stop()

	if err == nil {
		return
	}
	switch {
	case errors.Is(err, cli.ErrTestsFailed):
	case gverrors.IsCancelled(err):
		fmt.Fprintln(os.Stderr, "Interrupted")
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
