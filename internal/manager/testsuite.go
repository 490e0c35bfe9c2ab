package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/media"
	"github.com/five82/gvlauncher/internal/util"
)

// TestsuiteExtensions are the definition file formats, by preference.
var TestsuiteExtensions = []string{"toml", "yaml", "yml", "json"}

// Generator names a testsuite can enable.
const (
	GeneratorPipelines  = "pipelines"
	GeneratorPlayback   = "playback"
	GeneratorMediaCheck = "media_check"
	GeneratorTranscode  = "transcode"
	GeneratorCommands   = "commands"
)

// PipelineDef is a gst-validate pipeline test run once per scenario.
type PipelineDef struct {
	Name        string   `mapstructure:"name"`
	Pipeline    string   `mapstructure:"pipeline"`
	Scenarios   []string `mapstructure:"scenarios"`
	ExtraArgs   []string `mapstructure:"extra_args"`
	Timeout     float64  `mapstructure:"timeout"`
	HardTimeout float64  `mapstructure:"hard_timeout"`
	Config      string   `mapstructure:"config"`
	NotParallel bool     `mapstructure:"not_parallel"`
	// Env entries are KEY=VALUE; viper lowercases map keys.
	Env []string `mapstructure:"env"`
}

// CommandDef is an arbitrary command judged on its exit code.
type CommandDef struct {
	Name        string   `mapstructure:"name"`
	Command     []string `mapstructure:"command"`
	Timeout     float64  `mapstructure:"timeout"`
	Env         []string `mapstructure:"env"`
	Workdir     string   `mapstructure:"workdir"`
	NotParallel bool     `mapstructure:"not_parallel"`
	Optional    bool     `mapstructure:"optional"`
}

// Testsuite is a testsuite definition file.
type Testsuite struct {
	Name              string                    `mapstructure:"name"`
	TestManager       []string                  `mapstructure:"test_manager"`
	DefaultBlacklist  []BlacklistEntry          `mapstructure:"default_blacklist"`
	ExpectedIssues    []string                  `mapstructure:"expected_issues"`
	MediaPaths        []string                  `mapstructure:"media_paths"`
	ScenarioPaths     []string                  `mapstructure:"scenario_paths"`
	Scenarios         []string                  `mapstructure:"scenarios"`
	EncodingFormats   []media.FormatCombination `mapstructure:"encoding_formats"`
	Generators        []string                  `mapstructure:"generators"`
	GenerateMediaInfo bool                      `mapstructure:"generate_media_info"`
	Pipelines         []PipelineDef             `mapstructure:"pipelines"`
	Commands          []CommandDef              `mapstructure:"commands"`

	// Path of the definition file.
	Path string `mapstructure:"-"`
}

// LoadTestsuite reads a definition file. Relative paths inside it are
// resolved against its directory.
func LoadTestsuite(path string) (*Testsuite, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, gverrors.NewTestsuiteError("could not load testsuite "+path, err)
	}

	ts := &Testsuite{}
	if err := v.Unmarshal(ts); err != nil {
		return nil, gverrors.NewTestsuiteError("invalid testsuite "+path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	ts.Path = abs
	if ts.Name == "" {
		ts.Name = util.GetFileStem(path)
	}
	if len(ts.TestManager) == 0 {
		ts.TestManager = append([]string(nil), Names...)
	}

	dir := filepath.Dir(abs)
	ts.ExpectedIssues = resolvePaths(dir, ts.ExpectedIssues)
	ts.MediaPaths = resolvePaths(dir, ts.MediaPaths)
	ts.ScenarioPaths = resolvePaths(dir, ts.ScenarioPaths)

	if err := ts.validate(); err != nil {
		return nil, gverrors.NewTestsuiteError("invalid testsuite "+path, err)
	}
	return ts, nil
}

func resolvePaths(dir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) && !util.IsURI(p) {
			p = filepath.Join(dir, p)
		}
		out = append(out, p)
	}
	return out
}

func (ts *Testsuite) validate() error {
	for _, name := range ts.TestManager {
		if !isKnownManager(name) {
			return fmt.Errorf("unknown test manager %q", name)
		}
	}
	for _, c := range ts.EncodingFormats {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, p := range ts.Pipelines {
		if p.Name == "" || p.Pipeline == "" {
			return fmt.Errorf("pipelines need a name and a pipeline")
		}
		if _, err := parseEnv(p.Env); err != nil {
			return err
		}
	}
	for _, c := range ts.Commands {
		if c.Name == "" || len(c.Command) == 0 {
			return fmt.Errorf("commands need a name and a command")
		}
		if _, err := parseEnv(c.Env); err != nil {
			return err
		}
	}
	return nil
}

func isKnownManager(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// UsesManager reports whether the testsuite wants the named manager.
func (ts *Testsuite) UsesManager(name string) bool {
	for _, n := range ts.TestManager {
		if n == name {
			return true
		}
	}
	return false
}

// EnabledGenerators lists the generators the testsuite runs. Without an
// explicit list they follow from what the definition declares.
func (ts *Testsuite) EnabledGenerators() []string {
	if len(ts.Generators) > 0 {
		return ts.Generators
	}
	var out []string
	if len(ts.Pipelines) > 0 {
		out = append(out, GeneratorPipelines)
	}
	if len(ts.MediaPaths) > 0 {
		out = append(out, GeneratorPlayback, GeneratorMediaCheck)
		if len(ts.EncodingFormats) > 0 {
			out = append(out, GeneratorTranscode)
		}
	}
	if len(ts.Commands) > 0 {
		out = append(out, GeneratorCommands)
	}
	return out
}

// TestslistPath is the .testslist file beside the definition.
func (ts *Testsuite) TestslistPath() string {
	return strings.TrimSuffix(ts.Path, filepath.Ext(ts.Path)) + ".testslist"
}

// Dir is the directory of the definition.
func (ts *Testsuite) Dir() string { return filepath.Dir(ts.Path) }

// FindTestsuite resolves a testsuite name or path to a definition file.
func FindTestsuite(name string, dirs []string) (string, error) {
	if util.FileExists(name) {
		return name, nil
	}
	for _, dir := range dirs {
		for _, ext := range TestsuiteExtensions {
			p := filepath.Join(dir, name+"."+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", gverrors.NewTestsuiteError(fmt.Sprintf("could not find testsuite %s in %s", name, strings.Join(dirs, ", ")), nil)
}

// parseEnv turns KEY=VALUE entries into a map.
func parseEnv(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment entry %q", e)
		}
		env[k] = v
	}
	return env, nil
}
