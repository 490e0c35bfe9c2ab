package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gvlauncher "github.com/five82/gvlauncher"
	"github.com/five82/gvlauncher/internal/config"
	"github.com/five82/gvlauncher/internal/history"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/reporter"
)

func newRunCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [testsuite...]",
		Short: "Run testsuites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, *configFile, args)
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

func runTests(cmd *cobra.Command, configFile string, args []string) error {
	cfg, err := loadConfig(cmd, configFile, selectionBindings, runBindings)
	if err != nil {
		return err
	}
	withTestsuites(cfg, args)
	if cfg.Debugging.GDB && cfg.Run.NumJobs != 1 {
		logging.Info("running tests one at a time under gdb")
		cfg.Run.NumJobs = 1
	}

	runLog, err := logging.Setup(cfg.GetLogsDir(), cfg.Output.Verbose, cfg.Output.NoLog)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closeQuietly(runLog, "run log")
	runLog.Info("Testsuites: %v", cfg.Run.Testsuites)
	runLog.Info("Jobs: %d, logs: %s", cfg.Run.NumJobs, cfg.GetLogsDir())

	rep, closeReporters, err := buildReporters(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeReporters()

	opts := []gvlauncher.Option{gvlauncher.WithReporter(rep), gvlauncher.WithRunLog(runLog)}
	if !cfg.Output.NoHistory && !cfg.Services.HTTPOnly {
		store, err := history.Open(cmd.Context(), cfg.GetHistoryDB())
		if err != nil {
			logging.Warn("results history disabled", zap.Error(err))
			runLog.Warn("Could not open results history: %v", err)
		} else {
			defer closeQuietly(store, "results history")
			opts = append(opts, gvlauncher.WithHistory(store))
		}
	}

	l, err := gvlauncher.New(cfg, opts...)
	if err != nil {
		return err
	}
	res, err := l.Run(cmd.Context())
	if err != nil {
		runLog.Error("Run failed: %v", err)
		return err
	}
	runLog.Info("Run finished: %d tests, passed=%v", res.Summary.Total, res.Passed)
	if !res.Passed {
		return ErrTestsFailed
	}
	return nil
}

// buildReporters assembles the reporters the configuration asks for. The
// returned function flushes and closes them.
func buildReporters(cmd *cobra.Command, cfg *config.Config) (reporter.Reporter, func(), error) {
	var (
		reporters []reporter.Reporter
		closers   []func()
	)

	if cfg.Output.JSONEvents {
		reporters = append(reporters, reporter.NewJSONReporterWithWriter(cmd.OutOrStdout()))
	} else {
		reporters = append(reporters, reporter.NewTerminalReporterWithWriter(cmd.OutOrStdout(), cfg.Output.Verbose))
	}

	var xunit *reporter.XunitReporter
	if cfg.Output.XunitFile != "" {
		xunit = reporter.NewXunitReporter(cfg.Output.XunitFile)
		reporters = append(reporters, xunit)
		closers = append(closers, func() {
			if err := xunit.Err(); err != nil {
				logging.Error("could not write xunit report", zap.String("file", cfg.Output.XunitFile), zap.Error(err))
			}
		})
	}

	if cfg.Output.LiveAddr != "" {
		ws, err := reporter.NewWebSocketReporter(cfg.Output.LiveAddr)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to start live results server: %w", err)
		}
		logging.Info("serving live results", zap.String("addr", ws.Addr()))
		reporters = append(reporters, ws)
		closers = append(closers, func() { closeQuietly(ws, "live results server") })
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return reporter.NewCompositeReporter(reporters...), closeAll, nil
}
