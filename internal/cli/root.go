// Package cli provides the command-line interface for gvlauncher.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/five82/gvlauncher/internal/config"
	"github.com/five82/gvlauncher/internal/logging"
)

// ErrTestsFailed is returned when the run completed with failures. The
// details have already been reported.
var ErrTestsFailed = errors.New("some tests failed")

// flagBinding ties a command line flag to a configuration key.
type flagBinding struct {
	key  string
	flag string
}

// NewRootCmd creates the root command. Without a subcommand it runs the
// testsuites given as arguments.
func NewRootCmd(version string) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "gvlauncher [testsuite...]",
		Short:         "Run GStreamer validate testsuites",
		Long:          `Loads gst-validate testsuites, runs their tests in parallel while monitoring them, and reports the results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, configFile, args)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (default $XDG_CONFIG_HOME/gvlauncher/gvlauncher.toml)")
	addSelectionFlags(root.PersistentFlags())
	addRunFlags(root.Flags())

	root.AddCommand(newRunCmd(&configFile))
	root.AddCommand(newListCmd(&configFile))
	root.AddCommand(newCheckBugsCmd(&configFile))
	root.AddCommand(newHistoryCmd(&configFile))
	root.AddCommand(newConfigCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gvlauncher version %s\n", version)
		},
	})
	return root
}

var selectionBindings = []flagBinding{
	{"paths.main_dir", "main-dir"},
	{"paths.logs_dir", "logs-dir"},
	{"paths.testsuites_dirs", "testsuites-dir"},
	{"paths.media_paths", "media-path"},
	{"paths.scenario_paths", "scenario-path"},
	{"paths.extra_bin_paths", "extra-bin-path"},
	{"paths.expected_issues", "expected-issues"},
	{"selection.wanted", "wanted-tests"},
	{"selection.blacklisted", "blacklisted-tests"},
	{"selection.check_bugs_status", "check-bugs"},
	{"selection.fail_on_testlist_change", "fail-on-testlist-change"},
	{"run.jobs", "jobs"},
	{"run.long_limit", "long-limit"},
	{"run.parts", "parts"},
	{"run.part_index", "part-index"},
	{"output.verbose", "verbose"},
	{"output.no_color", "no-color"},
	{"output.history_db", "history-db"},
}

func addSelectionFlags(fs *pflag.FlagSet) {
	d := config.NewConfig()
	fs.StringP("main-dir", "M", d.Paths.MainDir, "Main directory where to put files")
	fs.StringP("logs-dir", "l", "", "Directory where to store logs (default MAIN_DIR/logs)")
	fs.StringSlice("testsuites-dir", d.Paths.TestsuitesDirs, "Directories where to look for testsuites")
	fs.StringSlice("media-path", nil, "Directories containing media files")
	fs.StringSlice("scenario-path", nil, "Extra directories containing scenarios")
	fs.StringSlice("extra-bin-path", nil, "Directories searched before PATH for the GStreamer tools")
	fs.StringSlice("expected-issues", nil, "Extra known issues files")
	fs.StringSliceP("wanted-tests", "t", nil, "Regexes of the tests to run, comma separated")
	fs.StringSliceP("blacklisted-tests", "b", nil, "Regexes of the tests not to run, comma separated")
	fs.Bool("check-bugs", false, "Check that the bugs of known issues and blacklists are still open")
	fs.Bool("fail-on-testlist-change", false, "Fail when the .testslist of a testsuite changed")
	fs.IntP("jobs", "j", d.Run.NumJobs, "Number of tests to run in parallel")
	fs.Int("long-limit", d.Run.LongLimit, "Duration in seconds from which a test is not run")
	fs.Int("parts", d.Run.NumParts, "Split the tests in that many parts")
	fs.Int("part-index", d.Run.PartIndex, "Part of the tests to run, 1-based")
	fs.BoolP("verbose", "v", false, "Verbose output")
	fs.Bool("no-color", false, "Disable colored output")
	fs.String("history-db", "", "Results history database (default LOGS_DIR/history.db)")
}

var runBindings = []flagBinding{
	{"run.timeout_factor", "timeout-factor"},
	{"run.forever", "forever"},
	{"run.n_runs", "n-runs"},
	{"run.fatal_error", "fatal-error"},
	{"run.retry_on_failures", "retry-on-failures"},
	{"run.no_retry_on_failures", "no-retry-on-failures"},
	{"run.shuffle", "shuffle"},
	{"run.redirect_logs", "redirect-logs"},
	{"run.gst_debug", "gst-debug"},
	{"run.dump_dot_dir", "dump-dot-dir"},
	{"paths.valgrind_suppressions", "valgrind-suppression"},
	{"debugging.gdb", "gdb"},
	{"debugging.gdb_non_stop", "gdb-non-stop"},
	{"debugging.valgrind", "valgrind"},
	{"debugging.rr", "rr"},
	{"debugging.no_display", "no-display"},
	{"output.xunit_file", "xunit-file"},
	{"output.json", "json"},
	{"output.live_addr", "live-addr"},
	{"output.no_history", "no-history"},
	{"output.no_log", "no-log"},
	{"services.http_only", "http-only"},
	{"services.http_port", "http-port"},
	{"services.xvfb_display", "xvfb-display"},
}

func addRunFlags(fs *pflag.FlagSet) {
	d := config.NewConfig()
	fs.Float64("timeout-factor", d.Run.TimeoutFactor, "Multiplier applied to every timeout")
	fs.BoolP("forever", "f", false, "Run the tests until one fails")
	fs.Int("n-runs", 0, "Run the tests that many times")
	fs.Bool("fatal-error", false, "Stop on the first failure")
	fs.Bool("retry-on-failures", false, "Re-run failing tests alone")
	fs.Bool("no-retry-on-failures", false, "Never re-run failing tests, even those allowing retries")
	fs.Bool("shuffle", false, "Run the tests in random order")
	fs.String("redirect-logs", "", "Print test output to stdout or stderr instead of log files")
	fs.String("gst-debug", "", "GST_DEBUG value for the tests")
	fs.String("dump-dot-dir", "", "Directory where tests dump pipeline graphs")
	fs.StringSlice("valgrind-suppression", nil, "Extra valgrind suppression files")
	fs.Bool("gdb", false, "Run the tests inside gdb, implies --jobs=1")
	fs.Bool("gdb-non-stop", false, "Do not stop in gdb when the test ends")
	fs.Bool("valgrind", false, "Run the tests inside valgrind")
	fs.Bool("rr", false, "Record the tests with rr")
	fs.Bool("no-display", false, "Run the tests on a virtual frame buffer")
	fs.String("xunit-file", "", "Write an xunit report to this file")
	fs.Bool("json", false, "Print events as JSON lines instead of text")
	fs.String("live-addr", "", "host:port serving live results over websocket")
	fs.Bool("no-history", false, "Do not record results in the history database")
	fs.Bool("no-log", false, "Do not write the run log file")
	fs.Bool("http-only", false, "Only serve the media files over HTTP")
	fs.Int("http-port", d.Services.HTTPPort, "Port of the media HTTP server")
	fs.String("xvfb-display", d.Services.XvfbDisplay, "Display used with --no-display")
}

// loadConfig reads the configuration with the flags of cmd that were set
// on the command line taking precedence.
func loadConfig(cmd *cobra.Command, configFile string, bindings ...[]flagBinding) (*config.Config, error) {
	mgr, err := config.NewManager(configFile)
	if err != nil {
		return nil, err
	}
	for _, list := range bindings {
		for _, b := range list {
			f := cmd.Flags().Lookup(b.flag)
			if f == nil {
				continue
			}
			if err := mgr.BindFlag(b.key, f); err != nil {
				return nil, err
			}
		}
	}
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if used := mgr.ConfigFileUsed(); used != "" {
		logging.Debug("using config file " + used)
	}

	if cfg.Output.NoColor {
		color.NoColor = true
	}
	if cfg.Output.Verbose {
		logging.Init(logging.LevelDebug, cmd.ErrOrStderr())
	}
	return cfg, nil
}

func withTestsuites(cfg *config.Config, args []string) {
	if len(args) > 0 {
		cfg.Run.Testsuites = args
	}
}

func closeQuietly(c io.Closer, what string) {
	if err := c.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close %s: %v\n", what, err)
	}
}
