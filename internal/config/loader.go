package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (GVLAUNCHER_RUN_JOBS...).
const EnvPrefix = "GVLAUNCHER"

// Manager loads the configuration from file, environment and flags.
type Manager struct {
	viper  *viper.Viper
	mu     sync.RWMutex
	config *Config
}

// NewManager creates a configuration manager. An empty configFile searches
// the default locations for gvlauncher.{toml,yaml,json}.
func NewManager(configFile string) (*Manager, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("gvlauncher")
		v.SetConfigType("toml")
		configDir, err := GetConfigDir()
		if err == nil {
			v.AddConfigPath(configDir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("paths.main_dir", EnvPrefix+"_PATHS_MAIN_DIR", MainDirEnv); err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", MainDirEnv, err)
	}

	m := &Manager{viper: v}
	m.setDefaults()
	return m, nil
}

// GetConfigDir returns the user configuration directory of the launcher.
func GetConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gvlauncher"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gvlauncher"), nil
}

// BindFlag binds a command line flag to a configuration key.
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for key %s", key)
	}
	return m.viper.BindPFlag(key, flag)
}

// Load reads the config file (if any), applies overrides and validates.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file %s: %w", m.viper.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := m.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", m.viper.ConfigFileUsed(), err)
	}
	normalizeConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = cfg
	return cfg, nil
}

// Get returns a copy of the last loaded configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil
	}
	cfgCopy := *m.config
	return &cfgCopy
}

// ConfigFileUsed returns the path of the file that was read.
func (m *Manager) ConfigFileUsed() string {
	return m.viper.ConfigFileUsed()
}

func (m *Manager) setDefaults() {
	d := NewConfig()

	m.viper.SetDefault("paths.main_dir", d.Paths.MainDir)
	m.viper.SetDefault("paths.logs_dir", d.Paths.LogsDir)
	m.viper.SetDefault("paths.testsuites_dirs", d.Paths.TestsuitesDirs)
	m.viper.SetDefault("paths.media_paths", d.Paths.MediaPaths)
	m.viper.SetDefault("paths.scenario_paths", d.Paths.ScenarioPaths)
	m.viper.SetDefault("paths.extra_bin_paths", d.Paths.ExtraBinPaths)
	m.viper.SetDefault("paths.valgrind_suppressions", d.Paths.ValgrindSuppressions)
	m.viper.SetDefault("paths.expected_issues", d.Paths.ExpectedIssues)

	m.viper.SetDefault("run.testsuites", d.Run.Testsuites)
	m.viper.SetDefault("run.jobs", d.Run.NumJobs)
	m.viper.SetDefault("run.timeout_factor", d.Run.TimeoutFactor)
	m.viper.SetDefault("run.long_limit", d.Run.LongLimit)
	m.viper.SetDefault("run.forever", d.Run.Forever)
	m.viper.SetDefault("run.n_runs", d.Run.NRuns)
	m.viper.SetDefault("run.fatal_error", d.Run.FatalError)
	m.viper.SetDefault("run.retry_on_failures", d.Run.RetryOnFailures)
	m.viper.SetDefault("run.no_retry_on_failures", d.Run.NoRetryOnFailures)
	m.viper.SetDefault("run.shuffle", d.Run.Shuffle)
	m.viper.SetDefault("run.parts", d.Run.NumParts)
	m.viper.SetDefault("run.part_index", d.Run.PartIndex)
	m.viper.SetDefault("run.redirect_logs", d.Run.RedirectLogs)
	m.viper.SetDefault("run.gst_debug", d.Run.GstDebug)
	m.viper.SetDefault("run.dump_dot_dir", d.Run.DumpDotDir)
	m.viper.SetDefault("run.extra_env", d.Run.ExtraEnv)

	m.viper.SetDefault("selection.wanted", d.Selection.Wanted)
	m.viper.SetDefault("selection.blacklisted", d.Selection.Blacklisted)
	m.viper.SetDefault("selection.check_bugs_status", d.Selection.CheckBugsStatus)
	m.viper.SetDefault("selection.fail_on_testlist_change", d.Selection.FailOnTestlistChange)

	m.viper.SetDefault("debugging.gdb", d.Debugging.GDB)
	m.viper.SetDefault("debugging.gdb_non_stop", d.Debugging.GDBNonStop)
	m.viper.SetDefault("debugging.valgrind", d.Debugging.Valgrind)
	m.viper.SetDefault("debugging.rr", d.Debugging.RR)
	m.viper.SetDefault("debugging.no_display", d.Debugging.NoDisplay)

	m.viper.SetDefault("output.xunit_file", d.Output.XunitFile)
	m.viper.SetDefault("output.json", d.Output.JSONEvents)
	m.viper.SetDefault("output.live_addr", d.Output.LiveAddr)
	m.viper.SetDefault("output.history_db", d.Output.HistoryDB)
	m.viper.SetDefault("output.no_history", d.Output.NoHistory)
	m.viper.SetDefault("output.no_log", d.Output.NoLog)
	m.viper.SetDefault("output.verbose", d.Output.Verbose)
	m.viper.SetDefault("output.no_color", d.Output.NoColor)

	m.viper.SetDefault("services.http_only", d.Services.HTTPOnly)
	m.viper.SetDefault("services.http_port", d.Services.HTTPPort)
	m.viper.SetDefault("services.xvfb_display", d.Services.XvfbDisplay)
}

// normalizeConfig splits comma separated list entries and expands ~.
func normalizeConfig(cfg *Config) {
	cfg.Run.Testsuites = splitCommaList(cfg.Run.Testsuites)
	cfg.Selection.Wanted = splitCommaList(cfg.Selection.Wanted)
	cfg.Selection.Blacklisted = splitCommaList(cfg.Selection.Blacklisted)

	cfg.Paths.MainDir = expandHome(cfg.Paths.MainDir)
	cfg.Paths.LogsDir = expandHome(cfg.Paths.LogsDir)
	for i, p := range cfg.Paths.TestsuitesDirs {
		cfg.Paths.TestsuitesDirs[i] = expandHome(p)
	}
	for i, p := range cfg.Paths.MediaPaths {
		cfg.Paths.MediaPaths[i] = expandHome(p)
	}
	cfg.Run.RedirectLogs = strings.ToLower(strings.TrimSpace(cfg.Run.RedirectLogs))
}

func splitCommaList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
