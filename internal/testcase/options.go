package testcase

import (
	"os"
	"strconv"
	"time"

	"github.com/five82/gvlauncher/internal/config"
)

// Timeout multipliers applied when the process runs under a debugger.
const (
	GDBTimeoutFactor      = 20
	ValgrindTimeoutFactor = 20
	RRTimeoutFactor       = 2

	// HardTimeoutFactor derives the hard timeout of validate tests.
	HardTimeoutFactor = 5

	// MaxExtraLogSize is the size from which extra logs are not inlined.
	MaxExtraLogSize = 500 * 1024

	// KillTimeout bounds the kill escalation of a test process.
	KillTimeout = config.DefaultTimeout * time.Second
)

// Infinite stands for "never time out" when running under gdb.
const Infinite = float64(1 << 53)

// TraceRequest identifies the process a stack trace is wanted for.
type TraceRequest struct {
	Pid         int
	Running     bool
	Application string
	Classname   string
}

// Backtracer produces stack traces for crashed or stuck processes.
type Backtracer interface {
	Trace(req TraceRequest) string
}

// Options holds the launcher wide settings a test needs.
type Options struct {
	LogsDir       string
	TimeoutFactor float64
	RedirectLogs  string

	GDB                  bool
	GDBNonStop           bool
	Valgrind             bool
	RR                   bool
	ValgrindSuppressions []string
	ValgrindConfig       string
	ValidateConfig       string

	NoColor        bool
	Verbose        bool
	KeepStackTrace bool
	// ServerURL is exported as GST_VALIDATE_SERVER to validate tests.
	ServerURL string
	// ArtifactsURL prefixes log paths in result lines (CI_ARTIFACTS_URL).
	ArtifactsURL string

	Backtracer Backtracer
}

// EnvTimeoutFactor returns the TIMEOUT_FACTOR environment multiplier.
func EnvTimeoutFactor() float64 {
	if v := os.Getenv(config.TimeoutFactorEnv); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return 1
}

// OptionsFromConfig derives test options from the launcher configuration.
func OptionsFromConfig(cfg *config.Config) *Options {
	return &Options{
		LogsDir:              cfg.GetLogsDir(),
		TimeoutFactor:        cfg.Run.TimeoutFactor,
		RedirectLogs:         cfg.Run.RedirectLogs,
		GDB:                  cfg.Debugging.GDB,
		GDBNonStop:           cfg.Debugging.GDBNonStop,
		Valgrind:             cfg.Debugging.Valgrind,
		RR:                   cfg.Debugging.RR,
		ValgrindSuppressions: cfg.Paths.ValgrindSuppressions,
		NoColor:              cfg.Output.NoColor,
		Verbose:              cfg.Output.Verbose,
		KeepStackTrace:       cfg.Output.XunitFile != "",
		ArtifactsURL:         os.Getenv("CI_ARTIFACTS_URL"),
	}
}

func (o *Options) clone() *Options {
	c := *o
	c.ValgrindSuppressions = append([]string(nil), o.ValgrindSuppressions...)
	return &c
}

func (o *Options) timeoutFactor() float64 {
	f := o.TimeoutFactor
	if f <= 0 {
		f = 1
	}
	return f * EnvTimeoutFactor()
}
