package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Setenv(MainDirEnv, "/srv/validate")
	cfg := NewConfig()

	assert.Equal(t, "/srv/validate", cfg.Paths.MainDir)
	assert.Equal(t, []string{filepath.Join("/srv/validate", "gst-integration-testsuites", "testsuites")}, cfg.Paths.TestsuitesDirs)
	assert.GreaterOrEqual(t, cfg.Run.NumJobs, 1)
	assert.Equal(t, 1.0, cfg.Run.TimeoutFactor)
	assert.Equal(t, LongTestLimit, cfg.Run.LongLimit)
	assert.Equal(t, 1, cfg.Run.NumParts)
	assert.Equal(t, 1, cfg.Run.PartIndex)
	assert.Equal(t, DefaultHTTPPort, cfg.Services.HTTPPort)
	assert.Equal(t, filepath.Join("/srv/validate", "logs"), cfg.GetLogsDir())
	assert.Equal(t, filepath.Join("/srv/validate", "logs", "history.db"), cfg.GetHistoryDB())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name         string
		modify       func(*Config)
		wantSentinel error
	}{
		{name: "default config is valid", modify: func(c *Config) {}},
		{name: "zero jobs", modify: func(c *Config) { c.Run.NumJobs = 0 }, wantSentinel: ErrInvalidJobs},
		{name: "zero timeout factor", modify: func(c *Config) { c.Run.TimeoutFactor = 0 }, wantSentinel: ErrInvalidTimeoutFactor},
		{name: "negative long limit", modify: func(c *Config) { c.Run.LongLimit = -1 }, wantSentinel: ErrInvalidLongLimit},
		{name: "zero parts", modify: func(c *Config) { c.Run.NumParts = 0 }, wantSentinel: ErrInvalidParts},
		{name: "part index above parts", modify: func(c *Config) { c.Run.NumParts = 2; c.Run.PartIndex = 3 }, wantSentinel: ErrInvalidParts},
		{name: "part index in range", modify: func(c *Config) { c.Run.NumParts = 3; c.Run.PartIndex = 3 }},
		{name: "redirect to stdout", modify: func(c *Config) { c.Run.RedirectLogs = RedirectStdout }},
		{name: "redirect to file", modify: func(c *Config) { c.Run.RedirectLogs = "file" }, wantSentinel: ErrInvalidRedirect},
		{name: "forever with n_runs", modify: func(c *Config) { c.Run.Forever = true; c.Run.NRuns = 2 }, wantSentinel: ErrConflictingModes},
		{name: "negative n_runs", modify: func(c *Config) { c.Run.NRuns = -1 }, wantSentinel: ErrConflictingModes},
		{name: "gdb and valgrind", modify: func(c *Config) { c.Debugging.GDB = true; c.Debugging.Valgrind = true }, wantSentinel: ErrConflictingDebuggers},
		{name: "rr alone", modify: func(c *Config) { c.Debugging.RR = true }},
		{name: "port out of range", modify: func(c *Config) { c.Services.HTTPPort = 70000 }, wantSentinel: ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantSentinel == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantSentinel), "got %v", err)
		})
	}
}

func TestWantsRetries(t *testing.T) {
	cfg := NewConfig()
	assert.False(t, cfg.WantsRetries())
	cfg.Run.RetryOnFailures = true
	assert.True(t, cfg.WantsRetries())
	cfg.Run.NoRetryOnFailures = true
	assert.False(t, cfg.WantsRetries())
}

func TestManagerLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gvlauncher.toml")
	content := `
[run]
jobs = 3
testsuites = ["validate, check"]
redirect_logs = "STDOUT"

[selection]
wanted = ["validate.file.*,validate.http.*"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Run.NumJobs)
	assert.Equal(t, []string{"validate", "check"}, cfg.Run.Testsuites)
	assert.Equal(t, []string{"validate.file.*", "validate.http.*"}, cfg.Selection.Wanted)
	assert.Equal(t, RedirectStdout, cfg.Run.RedirectLogs)
	assert.Equal(t, DefaultHTTPPort, cfg.Services.HTTPPort)
	assert.Equal(t, path, m.ConfigFileUsed())
	assert.Equal(t, cfg.Run.NumJobs, m.Get().Run.NumJobs)
}

func TestManagerEnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("GVLAUNCHER_RUN_JOBS", "7")
	t.Setenv(MainDirEnv, "/data/validate")

	m, err := NewManager("")
	require.NoError(t, err)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Run.NumJobs)
	assert.Equal(t, "/data/validate", cfg.Paths.MainDir)
}

func TestManagerInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gvlauncher.toml")
	require.NoError(t, os.WriteFile(path, []byte("[run]\njobs = 0\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	_, err = m.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidJobs)
	assert.Nil(t, m.Get())
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "gvlauncher.toml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[run]")
	assert.Contains(t, string(data), "timeout_factor")

	m, err := NewManager(path)
	require.NoError(t, err)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Run.NumJobs, cfg.Run.NumJobs)
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "gvlauncher configuration")
	assert.Contains(t, s, "timeout_factor")
	assert.Contains(t, s, "redirect_logs")
}

func TestWatch(t *testing.T) {
	WatchDebounce = 20 * time.Millisecond
	dir := t.TempDir()
	path := filepath.Join(dir, "known_issues.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 4)
	require.NoError(t, Watch(ctx, path, func(p string) { changed <- p }))

	require.NoError(t, os.WriteFile(path, []byte(`{"bug": {}}`), 0o644))

	select {
	case p := <-changed:
		assert.Equal(t, filepath.Base(path), filepath.Base(p))
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}
