package manager

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/discovery"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/media"
	"github.com/five82/gvlauncher/internal/scenario"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
	"github.com/five82/gvlauncher/internal/worker"
)

// Loader populates managers from testsuite definitions.
type Loader struct {
	Tools     Tools
	Scenarios *scenario.Manager
	Options   *testcase.Options
	// Jobs bounds concurrent media-check runs.
	Jobs int
	// MediaPaths and ExpectedIssues extend every testsuite's own.
	MediaPaths     []string
	ExpectedIssues []string
	Log            discovery.DiscoveryLogger
}

// Setup adds the tests of ts to m.
func (l *Loader) Setup(ctx context.Context, ts *Testsuite, m *Manager) error {
	m.SetLoadingTestsuite(ts.Name)
	if err := m.SetDefaultBlacklist(ts.DefaultBlacklist); err != nil {
		return gverrors.NewTestsuiteError("invalid blacklist in "+ts.Path, err)
	}

	db := issues.NewDatabase()
	for _, path := range append(append([]string(nil), ts.ExpectedIssues...), l.ExpectedIssues...) {
		if err := db.LoadFile(path); err != nil {
			return err
		}
	}
	if err := m.AddExpectedIssues(db); err != nil {
		return gverrors.NewTestsuiteError("invalid expected issues", err)
	}

	var enabled []Generator
	needsMedia := false
	for _, name := range ts.EnabledGenerators() {
		g, ok := GeneratorFor(m.Name, name)
		if !ok {
			continue
		}
		enabled = append(enabled, g)
		if name == GeneratorPlayback || name == GeneratorMediaCheck || name == GeneratorTranscode {
			needsMedia = true
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	env := &Env{
		Testsuite: ts,
		Tools:     l.Tools,
		Scenarios: l.Scenarios,
		Options:   l.Options,
		ExtraData: l.extraData(ts),
	}
	if needsMedia {
		entries, err := l.loadMedia(ctx, ts, m.Name == NameValidate)
		if err != nil {
			return err
		}
		env.Media = entries
	}

	for _, g := range enabled {
		m.AddGenerator(g)
		tests, err := g.Generate(ctx, env)
		if err != nil {
			return gverrors.NewTestsuiteError("generator "+g.Name()+" failed for "+ts.Name, err)
		}
		for _, t := range tests {
			m.AddTest(t)
		}
		logging.Debug("generated tests", zap.String("testsuite", ts.Name), zap.String("generator", g.Name()), zap.Int("count", len(tests)))
	}
	return nil
}

func (l *Loader) extraData(ts *Testsuite) map[string]string {
	data := map[string]string{
		"validate-flow-expectations-dir":   filepath.Join(ts.Dir(), "flow-expectations"),
		"validate-flow-actual-results-dir": filepath.Join(l.Options.LogsDir, "flow-actual-results"),
		"ssim-results-dir":                 filepath.Join(l.Options.LogsDir, "ssim-results"),
		"logsdir":                          l.Options.LogsDir,
	}
	if paths := l.mediaPaths(ts); len(paths) > 0 {
		data["medias"] = paths[0]
	}
	return data
}

func (l *Loader) mediaPaths(ts *Testsuite) []string {
	return append(append([]string(nil), ts.MediaPaths...), l.MediaPaths...)
}

func (l *Loader) loadMedia(ctx context.Context, ts *Testsuite, specials bool) ([]MediaEntry, error) {
	var dirs []string
	for _, p := range l.mediaPaths(ts) {
		if util.DirectoryExists(p) {
			dirs = append(dirs, p)
		} else {
			logging.Warn("media path does not exist", zap.String("path", p))
		}
	}
	if len(dirs) == 0 {
		return nil, nil
	}

	found, err := discovery.FindMedia(dirs, l.Log)
	if err != nil {
		return nil, gverrors.NewIOError("media discovery failed", err)
	}
	paths := found.Descriptors
	if ts.GenerateMediaInfo && len(found.Undescribed) > 0 && l.Tools != nil {
		paths = append(paths, l.generateMediaInfo(ctx, found.Undescribed)...)
	}

	var entries []MediaEntry
	for _, p := range paths {
		d, err := media.Get(p)
		if err != nil {
			logging.Warn("skipping invalid media descriptor", zap.String("path", p), zap.Error(err))
			continue
		}
		entry := MediaEntry{Descriptor: d}
		if specials && l.Scenarios != nil {
			special, err := l.Scenarios.FindSpecialScenarios(ctx, d.MediaFilepath())
			if err != nil {
				logging.Debug("no special scenarios", zap.String("media", d.MediaFilepath()), zap.Error(err))
			}
			entry.Special = special
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// generateMediaInfo runs media-check on media files without descriptors
// and returns the descriptors it produced.
func (l *Loader) generateMediaInfo(ctx context.Context, files []string) []string {
	results := worker.ForEach(ctx, l.Jobs, files, func(ctx context.Context, path string) error {
		_, err := media.NewFromURI(ctx, l.Tools, util.PathToURL(path), media.CheckOptions{Frames: media.FramesNever})
		return err
	}, func(p worker.Progress) {
		logging.Debug("generating media info", zap.Int("done", p.Complete), zap.Int("total", p.Total))
	})

	var out []string
	for _, r := range results {
		if r.Error != nil {
			logging.Warn("could not generate media info", zap.String("media", r.Item), zap.Error(r.Error))
			continue
		}
		out = append(out, media.DescriptorPath(r.Item, media.CheckOptions{}))
	}
	return out
}
