// Package config provides configuration types and defaults for the launcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/five82/gvlauncher/internal/util"
)

// Default constants
const (
	// DefaultTimeout is the per-test inactivity timeout in seconds.
	DefaultTimeout = 30

	// LongTestLimit is the duration in seconds from which a test is long.
	LongTestLimit = 40

	// DefaultHTTPPort is the port of the media HTTP server.
	DefaultHTTPPort = 8079

	// DefaultXvfbDisplay is the display used with --no-display.
	DefaultXvfbDisplay = ":27"

	// MainDirEnv overrides the default main directory.
	MainDirEnv = "GST_VALIDATE_LAUNCHER_MAIN_DIR"

	// TimeoutFactorEnv multiplies every test timeout.
	TimeoutFactorEnv = "TIMEOUT_FACTOR"
)

// RedirectLogs values.
const (
	RedirectNone   = ""
	RedirectStdout = "stdout"
	RedirectStderr = "stderr"
)

// Config holds all configuration for a launcher run.
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths" toml:"paths" json:"paths"`
	Run       RunConfig       `mapstructure:"run" toml:"run" json:"run"`
	Selection SelectionConfig `mapstructure:"selection" toml:"selection" json:"selection"`
	Debugging DebuggingConfig `mapstructure:"debugging" toml:"debugging" json:"debugging"`
	Output    OutputConfig    `mapstructure:"output" toml:"output" json:"output"`
	Services  ServicesConfig  `mapstructure:"services" toml:"services" json:"services"`
}

// PathsConfig locates testsuites, media and logs.
type PathsConfig struct {
	MainDir              string   `mapstructure:"main_dir" toml:"main_dir" json:"main_dir" jsonschema:"description=Root directory for assets and logs"`
	LogsDir              string   `mapstructure:"logs_dir" toml:"logs_dir" json:"logs_dir" jsonschema:"description=Directory for test logs (defaults to MAIN_DIR/logs)"`
	TestsuitesDirs       []string `mapstructure:"testsuites_dirs" toml:"testsuites_dirs" json:"testsuites_dirs"`
	MediaPaths           []string `mapstructure:"media_paths" toml:"media_paths" json:"media_paths"`
	ScenarioPaths        []string `mapstructure:"scenario_paths" toml:"scenario_paths" json:"scenario_paths"`
	ExtraBinPaths        []string `mapstructure:"extra_bin_paths" toml:"extra_bin_paths" json:"extra_bin_paths"`
	ValgrindSuppressions []string `mapstructure:"valgrind_suppressions" toml:"valgrind_suppressions" json:"valgrind_suppressions"`
	ExpectedIssues       []string `mapstructure:"expected_issues" toml:"expected_issues" json:"expected_issues" jsonschema:"description=Extra known issues files"`
}

// RunConfig controls scheduling.
type RunConfig struct {
	Testsuites        []string `mapstructure:"testsuites" toml:"testsuites" json:"testsuites"`
	NumJobs           int      `mapstructure:"jobs" toml:"jobs" json:"jobs" jsonschema:"minimum=1"`
	TimeoutFactor     float64  `mapstructure:"timeout_factor" toml:"timeout_factor" json:"timeout_factor" jsonschema:"exclusiveMinimum=0"`
	LongLimit         int      `mapstructure:"long_limit" toml:"long_limit" json:"long_limit"`
	Forever           bool     `mapstructure:"forever" toml:"forever" json:"forever"`
	NRuns             int      `mapstructure:"n_runs" toml:"n_runs" json:"n_runs"`
	FatalError        bool     `mapstructure:"fatal_error" toml:"fatal_error" json:"fatal_error"`
	RetryOnFailures   bool     `mapstructure:"retry_on_failures" toml:"retry_on_failures" json:"retry_on_failures"`
	NoRetryOnFailures bool     `mapstructure:"no_retry_on_failures" toml:"no_retry_on_failures" json:"no_retry_on_failures"`
	Shuffle           bool     `mapstructure:"shuffle" toml:"shuffle" json:"shuffle"`
	NumParts          int      `mapstructure:"parts" toml:"parts" json:"parts" jsonschema:"minimum=1"`
	PartIndex         int      `mapstructure:"part_index" toml:"part_index" json:"part_index" jsonschema:"minimum=1"`
	RedirectLogs      string   `mapstructure:"redirect_logs" toml:"redirect_logs" json:"redirect_logs" jsonschema:"description=stdout or stderr to print test output instead of writing log files"`
	GstDebug          string   `mapstructure:"gst_debug" toml:"gst_debug" json:"gst_debug"`
	DumpDotDir        string   `mapstructure:"dump_dot_dir" toml:"dump_dot_dir" json:"dump_dot_dir"`
	ExtraEnv          []string `mapstructure:"extra_env" toml:"extra_env" json:"extra_env"`
}

// SelectionConfig controls which tests run.
type SelectionConfig struct {
	Wanted               []string `mapstructure:"wanted" toml:"wanted" json:"wanted"`
	Blacklisted          []string `mapstructure:"blacklisted" toml:"blacklisted" json:"blacklisted"`
	CheckBugsStatus      bool     `mapstructure:"check_bugs_status" toml:"check_bugs_status" json:"check_bugs_status"`
	FailOnTestlistChange bool     `mapstructure:"fail_on_testlist_change" toml:"fail_on_testlist_change" json:"fail_on_testlist_change"`
}

// DebuggingConfig selects a wrapper for the test processes.
type DebuggingConfig struct {
	GDB        bool `mapstructure:"gdb" toml:"gdb" json:"gdb"`
	GDBNonStop bool `mapstructure:"gdb_non_stop" toml:"gdb_non_stop" json:"gdb_non_stop"`
	Valgrind   bool `mapstructure:"valgrind" toml:"valgrind" json:"valgrind"`
	RR         bool `mapstructure:"rr" toml:"rr" json:"rr"`
	NoDisplay  bool `mapstructure:"no_display" toml:"no_display" json:"no_display"`
}

// OutputConfig controls reporting.
type OutputConfig struct {
	XunitFile  string `mapstructure:"xunit_file" toml:"xunit_file" json:"xunit_file"`
	JSONEvents bool   `mapstructure:"json" toml:"json" json:"json"`
	LiveAddr   string `mapstructure:"live_addr" toml:"live_addr" json:"live_addr" jsonschema:"description=host:port serving live results over websocket"`
	HistoryDB  string `mapstructure:"history_db" toml:"history_db" json:"history_db"`
	NoHistory  bool   `mapstructure:"no_history" toml:"no_history" json:"no_history"`
	NoLog      bool   `mapstructure:"no_log" toml:"no_log" json:"no_log"`
	Verbose    bool   `mapstructure:"verbose" toml:"verbose" json:"verbose"`
	NoColor    bool   `mapstructure:"no_color" toml:"no_color" json:"no_color"`
}

// ServicesConfig configures helper servers.
type ServicesConfig struct {
	HTTPOnly    bool   `mapstructure:"http_only" toml:"http_only" json:"http_only"`
	HTTPPort    int    `mapstructure:"http_port" toml:"http_port" json:"http_port"`
	XvfbDisplay string `mapstructure:"xvfb_display" toml:"xvfb_display" json:"xvfb_display"`
}

// DefaultMainDir returns GST_VALIDATE_LAUNCHER_MAIN_DIR or ~/gst-validate.
func DefaultMainDir() string {
	if dir := os.Getenv(MainDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gst-validate"
	}
	return filepath.Join(home, "gst-validate")
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	mainDir := DefaultMainDir()
	return &Config{
		Paths: PathsConfig{
			MainDir:        mainDir,
			TestsuitesDirs: []string{filepath.Join(mainDir, "gst-integration-testsuites", "testsuites")},
		},
		Run: RunConfig{
			NumJobs:       util.DefaultJobs(),
			TimeoutFactor: 1.0,
			LongLimit:     LongTestLimit,
			NumParts:      1,
			PartIndex:     1,
		},
		Services: ServicesConfig{
			HTTPPort:    DefaultHTTPPort,
			XvfbDisplay: DefaultXvfbDisplay,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Run.NumJobs < 1 {
		return fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidJobs, c.Run.NumJobs)
	}

	if c.Run.TimeoutFactor <= 0 {
		return fmt.Errorf("%w: must be positive, got %g", ErrInvalidTimeoutFactor, c.Run.TimeoutFactor)
	}

	if c.Run.LongLimit < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidLongLimit, c.Run.LongLimit)
	}

	if c.Run.NumParts < 1 {
		return fmt.Errorf("%w: tests must be split in a positive number of parts, got %d", ErrInvalidParts, c.Run.NumParts)
	}

	if c.Run.PartIndex < 1 || c.Run.PartIndex > c.Run.NumParts {
		return fmt.Errorf("%w: part index %d out of range 1-%d", ErrInvalidParts, c.Run.PartIndex, c.Run.NumParts)
	}

	switch c.Run.RedirectLogs {
	case RedirectNone, RedirectStdout, RedirectStderr:
	default:
		return fmt.Errorf("%w: '%s', valid options: stdout, stderr", ErrInvalidRedirect, c.Run.RedirectLogs)
	}

	if c.Run.Forever && c.Run.NRuns > 0 {
		return fmt.Errorf("%w: forever and n_runs are exclusive", ErrConflictingModes)
	}

	if c.Run.NRuns < 0 {
		return fmt.Errorf("%w: n_runs must not be negative, got %d", ErrConflictingModes, c.Run.NRuns)
	}

	wrappers := 0
	for _, on := range []bool{c.Debugging.GDB, c.Debugging.Valgrind, c.Debugging.RR} {
		if on {
			wrappers++
		}
	}
	if wrappers > 1 {
		return fmt.Errorf("%w: only one of gdb, valgrind and rr can be used", ErrConflictingDebuggers)
	}

	if c.Services.HTTPPort < 0 || c.Services.HTTPPort > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Services.HTTPPort)
	}

	return nil
}

// GetLogsDir returns the logs directory, falling back to MainDir/logs.
func (c *Config) GetLogsDir() string {
	if c.Paths.LogsDir != "" {
		return c.Paths.LogsDir
	}
	return filepath.Join(c.Paths.MainDir, "logs")
}

// GetHistoryDB returns the results database path.
func (c *Config) GetHistoryDB() string {
	if c.Output.HistoryDB != "" {
		return c.Output.HistoryDB
	}
	return filepath.Join(c.GetLogsDir(), "history.db")
}

// WantsRetries reports whether failing tests may be re-run.
func (c *Config) WantsRetries() bool {
	return c.Run.RetryOnFailures && !c.Run.NoRetryOnFailures
}
