package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/util"
)

// Runner runs a GStreamer tool. *gstcmd.Tools implements it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) gstcmd.Result
}

// Manager discovers scenarios through gst-validate and caches them.
type Manager struct {
	runner  Runner
	mainDir string
	logsDir string

	mu         sync.Mutex
	discovered bool
	system     []*Scenario
	special    map[string]*Scenario
}

// NewManager creates a manager writing scenarios.def into mainDir.
func NewManager(runner Runner, mainDir, logsDir string) *Manager {
	return &Manager{
		runner:  runner,
		mainDir: mainDir,
		logsDir: logsDir,
		special: make(map[string]*Scenario),
	}
}

// DefsPath is where gst-validate dumps scenario definitions.
func (m *Manager) DefsPath() string {
	return filepath.Join(m.mainDir, "scenarios.def")
}

// Discover asks gst-validate for the definitions of the scenarios in paths,
// or of every installed scenario when paths is empty. mediaFile names the
// media special scenarios belong to.
func (m *Manager) Discover(ctx context.Context, paths []string, mediaFile string) ([]*Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoverLocked(ctx, paths, mediaFile)
}

func (m *Manager) discoverLocked(ctx context.Context, paths []string, mediaFile string) ([]*Scenario, error) {
	defs := m.DefsPath()
	if err := util.EnsureDirectory(filepath.Dir(defs)); err != nil {
		return nil, gverrors.NewIOError("failed to create main dir", err)
	}

	args := append([]string{"--scenarios-defs-output-file", defs}, paths...)
	res := m.runner.Run(ctx, gstcmd.Validate, args...)
	m.writeDiscoveryLog(res)
	if res.Err != nil {
		if gverrors.IsCancelled(res.Err) {
			return nil, res.Err
		}
		logging.Error("scenario discovery failed", zap.Error(res.Err),
			zap.String("log", filepath.Join(m.logsDir, "scenarios_discovery.log")))
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:         true,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, defs)
	if err != nil {
		return nil, gverrors.NewParseError("failed to read "+defs, err)
	}

	var scenarios []*Scenario
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}

		name, path := "", ""
		if len(paths) > 0 {
			for _, p := range paths {
				if section.Name() != p {
					continue
				}
				path = p
				if mediaFile == "" {
					name = nameFromSection(p)
				} else {
					name = strings.TrimSuffix(strings.Replace(p, mediaFile+".", "", 1), "."+FileExtension)
				}
				break
			}
			if name == "" {
				logging.Warn("unexpected scenario section", zap.String("section", section.Name()))
				continue
			}
		} else {
			name = nameFromSection(section.Name())
		}

		props := make(map[string]string)
		for _, key := range section.Keys() {
			props[key.Name()] = key.Value()
		}
		s := New(name, props, path)
		if path != "" {
			m.special[path] = s
		}
		scenarios = append(scenarios, s)
	}

	if len(paths) == 0 {
		m.discovered = true
		m.system = append(m.system, scenarios...)
	}
	return scenarios, nil
}

func (m *Manager) writeDiscoveryLog(res gstcmd.Result) {
	if m.logsDir == "" {
		return
	}
	if err := util.EnsureDirectory(m.logsDir); err != nil {
		return
	}
	content := res.Stdout + res.Stderr
	if err := os.WriteFile(filepath.Join(m.logsDir, "scenarios_discovery.log"), []byte(content), 0o644); err != nil {
		logging.Warn("could not write scenario discovery log", zap.Error(err))
	}
}

// FindSpecialScenarios discovers the scenarios dedicated to mediaFile,
// files named <media>.<name>.scenario beside it.
func (m *Manager) FindSpecialScenarios(ctx context.Context, mediaFile string) ([]*Scenario, error) {
	dir := filepath.Dir(mediaFile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, gverrors.NewIOError("failed to list "+dir, err)
	}

	re := regexp.MustCompile(regexp.QuoteMeta(filepath.Base(mediaFile)) + `\..*\.` + FileExtension + `$`)
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && re.MatchString(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return m.Discover(ctx, paths, mediaFile)
}

// Get returns the named scenario. Absolute paths to scenario files are
// discovered on demand.
func (m *Manager) Get(ctx context.Context, name string) (*Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if filepath.IsAbs(name) && strings.HasSuffix(name, FileExtension) {
		if s, ok := m.special[name]; ok {
			return s, nil
		}
		found, err := m.discoverLocked(ctx, []string{name}, "")
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}

	if !m.discovered {
		if _, err := m.discoverLocked(ctx, nil, ""); err != nil {
			return nil, err
		}
	}
	for _, s := range m.system {
		if s.Name == name {
			return s, nil
		}
	}
	logging.Warn("scenario not found", zap.String("scenario", name))
	return nil, fmt.Errorf("scenario %s not found", name)
}

// All returns every installed scenario.
func (m *Manager) All(ctx context.Context) ([]*Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discovered {
		if _, err := m.discoverLocked(ctx, nil, ""); err != nil {
			return nil, err
		}
	}
	return append([]*Scenario(nil), m.system...), nil
}
