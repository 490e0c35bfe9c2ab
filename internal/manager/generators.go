package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/gstcmd"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/media"
	"github.com/five82/gvlauncher/internal/scenario"
	"github.com/five82/gvlauncher/internal/testcase"
	"github.com/five82/gvlauncher/internal/util"
)

// Tools resolves and runs the GStreamer tools. *gstcmd.Tools implements it.
type Tools interface {
	Path(name string) string
	Run(ctx context.Context, name string, args ...string) gstcmd.Result
}

// MediaEntry is a described media file with its dedicated scenarios.
type MediaEntry struct {
	Descriptor *media.Descriptor
	Special    []*scenario.Scenario
}

// Env is what generators build tests from.
type Env struct {
	Testsuite *Testsuite
	Tools     Tools
	Scenarios *scenario.Manager
	Media     []MediaEntry
	Options   *testcase.Options
	// ExtraData holds the variables of validate config templates.
	ExtraData map[string]string
}

// Generator produces the tests of a testsuite.
type Generator interface {
	Name() string
	Generate(ctx context.Context, env *Env) ([]*testcase.Test, error)
}

type generatorFunc struct {
	name string
	fn   func(ctx context.Context, env *Env) ([]*testcase.Test, error)
}

func (g generatorFunc) Name() string { return g.name }

func (g generatorFunc) Generate(ctx context.Context, env *Env) ([]*testcase.Test, error) {
	return g.fn(ctx, env)
}

var generators = map[string]struct {
	manager string
	gen     Generator
}{
	GeneratorPipelines:  {NameValidate, generatorFunc{GeneratorPipelines, generatePipelines}},
	GeneratorPlayback:   {NameValidate, generatorFunc{GeneratorPlayback, generatePlayback}},
	GeneratorMediaCheck: {NameValidate, generatorFunc{GeneratorMediaCheck, generateMediaCheck}},
	GeneratorTranscode:  {NameValidate, generatorFunc{GeneratorTranscode, generateTranscode}},
	GeneratorCommands:   {NameCommands, generatorFunc{GeneratorCommands, generateCommands}},
}

// GeneratorFor returns the named generator when the manager owns it.
func GeneratorFor(managerName, name string) (Generator, bool) {
	g, ok := generators[name]
	if !ok || g.manager != managerName {
		return nil, false
	}
	return g.gen, true
}

func (env *Env) app(name string) string {
	if env.Tools != nil {
		if p := env.Tools.Path(name); p != "" {
			return p
		}
	}
	return name
}

func (env *Env) classname(parts ...string) string {
	return env.Testsuite.Name + "." + strings.Join(parts, ".")
}

// scenarios resolves scenario names; "none" yields a nil scenario.
func (env *Env) scenarios(ctx context.Context, names []string) ([]*scenario.Scenario, error) {
	if len(names) == 0 {
		names = []string{"none"}
	}
	var out []*scenario.Scenario
	for _, name := range names {
		if name == "" || strings.EqualFold(name, "none") {
			out = append(out, nil)
			continue
		}
		if env.Scenarios == nil {
			return nil, fmt.Errorf("scenario %s requested without gst-validate", name)
		}
		sc, err := env.Scenarios.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func scenarioName(sc *scenario.Scenario) string {
	if sc == nil {
		return "none"
	}
	return sc.Name
}

func scenarioExecName(sc *scenario.Scenario) string {
	if sc == nil {
		return ""
	}
	return sc.ExecutionName()
}

func needsClock(sc *scenario.Scenario) bool {
	return sc != nil && sc.NeedsClockSync()
}

// expandSinks replaces the %(videosink)s and %(audiosink)s placeholders.
func expandSinks(pipeline string, sc *scenario.Scenario) string {
	r := strings.NewReplacer(
		"%(videosink)s", util.FakesinkForMediaType("video", needsClock(sc)),
		"%(audiosink)s", util.FakesinkForMediaType("audio", needsClock(sc)),
	)
	return r.Replace(pipeline)
}

// writeValidateConfig renders a config template into the logs directory
// and points GST_VALIDATE_CONFIG at it.
func (env *Env) writeValidateConfig(classname, template string, extraEnv map[string]string) error {
	content, err := util.FormatConfigTemplate(env.ExtraData, template, classname)
	if err != nil {
		return err
	}
	path := filepath.Join(env.Options.LogsDir, util.ClassnameToPath(classname)+".validateconfig")
	if err := util.EnsureDirectory(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	if cur := extraEnv["GST_VALIDATE_CONFIG"]; cur != "" {
		path = cur + string(os.PathListSeparator) + path
	}
	extraEnv["GST_VALIDATE_CONFIG"] = path
	return nil
}

func generatePipelines(ctx context.Context, env *Env) ([]*testcase.Test, error) {
	var tests []*testcase.Test
	for _, def := range env.Testsuite.Pipelines {
		scenarios, err := env.scenarios(ctx, def.Scenarios)
		if err != nil {
			return nil, err
		}
		for _, sc := range scenarios {
			extraEnv, err := parseEnv(def.Env)
			if err != nil {
				return nil, err
			}
			args, err := splitArgs(expandSinks(def.Pipeline, sc))
			if err != nil {
				return nil, fmt.Errorf("invalid pipeline %s: %w", def.Name, err)
			}
			classname := env.classname("launch_pipeline", def.Name, scenarioName(sc))
			if def.Config != "" {
				if err := env.writeValidateConfig(classname, def.Config, extraEnv); err != nil {
					return nil, err
				}
			}
			var duration float64
			if sc != nil {
				duration = sc.Duration()
			}
			t := testcase.New(testcase.Params{
				Application: env.app(gstcmd.Validate),
				Classname:   classname,
				Args:        append(append([]string(nil), def.ExtraArgs...), args...),
				Duration:    duration,
				Timeout:     def.Timeout,
				HardTimeout: def.HardTimeout,
				ExtraEnv:    extraEnv,
				NotParallel: def.NotParallel,
				Validate:    true,
				Scenario:    scenarioExecName(sc),
			}, env.Options)
			t.Generator = GeneratorPipelines
			tests = append(tests, t)
		}
	}
	return tests, nil
}

// mediaDuration is the media duration in seconds.
func mediaDuration(d *media.Descriptor) float64 {
	return float64(d.Duration()) / float64(media.GstSecond)
}

func generatePlayback(ctx context.Context, env *Env) ([]*testcase.Test, error) {
	scenarios, err := env.scenarios(ctx, env.Testsuite.Scenarios)
	if err != nil {
		return nil, err
	}

	var tests []*testcase.Test
	for _, entry := range env.Media {
		d := entry.Descriptor
		if d.IsSkipped() {
			continue
		}
		candidates := append(append([]*scenario.Scenario(nil), scenarios...), entry.Special...)
		for _, sc := range candidates {
			if !d.IsCompatible(sc) {
				continue
			}
			pipeline := fmt.Sprintf(`playbin3 uri="%s" video-sink="%s" audio-sink="%s"`, d.URI(),
				util.FakesinkForMediaType("video", needsClock(sc)),
				util.FakesinkForMediaType("audio", needsClock(sc)))
			args, err := splitArgs(pipeline)
			if err != nil {
				return nil, err
			}
			// splitArgs drops the quotes; keep sink descriptions whole.
			for i, a := range args {
				if k, v, ok := strings.Cut(a, "="); ok && strings.HasSuffix(k, "-sink") {
					args[i] = k + `="` + v + `"`
				}
			}
			if !d.Live() {
				args = append(args, "--set-media-info", d.Path())
			}

			duration := mediaDuration(d)
			if sc != nil && sc.Duration() > 0 {
				duration = sc.Duration()
			}
			t := testcase.New(testcase.Params{
				Application:     env.app(gstcmd.Validate),
				Classname:       env.classname("playback", scenarioName(sc), d.CleanName()),
				Args:            args,
				Duration:        duration,
				Validate:        true,
				Scenario:        scenarioExecName(sc),
				MediaPath:       d.MediaFilepath(),
				NeedsHTTPServer: media.ProtocolNeedsHTTPServer(d.Protocol()),
			}, env.Options)
			t.Generator = GeneratorPlayback
			tests = append(tests, t)
		}
	}
	return tests, nil
}

func generateMediaCheck(_ context.Context, env *Env) ([]*testcase.Test, error) {
	var tests []*testcase.Test
	for _, entry := range env.Media {
		d := entry.Descriptor
		if d.IsSkipped() {
			continue
		}
		var timeout float64
		if d.HasFrames() {
			timeout = 3 * testcase.KillTimeout.Seconds()
		}
		t := testcase.New(testcase.Params{
			Application:     env.app(gstcmd.ValidateMediaCheck),
			Classname:       env.classname("media_check", d.CleanName()),
			Args:            []string{d.URI(), "--expected-results", d.Path()},
			Duration:        mediaDuration(d),
			Timeout:         timeout,
			Validate:        true,
			MediaPath:       d.MediaFilepath(),
			NeedsHTTPServer: media.ProtocolNeedsHTTPServer(d.Protocol()),
		}, env.Options)
		t.Generator = GeneratorMediaCheck
		tests = append(tests, t)
	}
	return tests, nil
}

func generateTranscode(_ context.Context, env *Env) ([]*testcase.Test, error) {
	var tests []*testcase.Test
	for _, entry := range env.Media {
		d := entry.Descriptor
		if d.IsSkipped() || d.IsImage() || d.Live() {
			continue
		}
		for _, comb := range env.Testsuite.EncodingFormats {
			classname := env.classname("transcode", strings.ReplaceAll(comb.String(), " ", "_"), d.CleanName())
			dest := filepath.Join(env.Options.LogsDir, "transcoded", util.ClassnameToPath(classname)+"."+comb.Container)
			if err := util.EnsureDirectory(filepath.Dir(dest)); err != nil {
				return nil, err
			}
			destURI := util.PathToURL(dest)

			duration := mediaDuration(d)
			if comb.DurationFactor > 0 {
				duration *= comb.DurationFactor
			}
			t := testcase.New(testcase.Params{
				Application:     env.app(gstcmd.ValidateTranscoding),
				Classname:       classname,
				Args:            []string{"-o", comb.Profile(d, media.ProfileOptions{}), d.URI(), destURI},
				Duration:        duration,
				Validate:        true,
				MediaPath:       d.MediaFilepath(),
				NeedsHTTPServer: media.ProtocolNeedsHTTPServer(d.Protocol()),
			}, env.Options)
			t.Generator = GeneratorTranscode
			t.PostRun = checkTranscoded(env.Tools, comb, d, destURI)
			tests = append(tests, t)
		}
	}
	return tests, nil
}

// checkTranscoded verifies the encoded file once the transcoding exited
// successfully.
func checkTranscoded(tools Tools, comb media.FormatCombination, original *media.Descriptor, destURI string) func(context.Context, *testcase.Test) {
	return func(ctx context.Context, t *testcase.Test) {
		if t.ReturnCode() != 0 || tools == nil {
			return
		}
		for _, r := range media.CheckEncodedFile(ctx, tools, comb, original, destURI) {
			logging.Debug("transcoded file mismatch", zap.String("test", t.Classname), zap.Any("issue-id", r[issues.KeyIssueID]))
			t.AddReport(r)
		}
	}
}

func generateCommands(_ context.Context, env *Env) ([]*testcase.Test, error) {
	var tests []*testcase.Test
	for _, def := range env.Testsuite.Commands {
		extraEnv, err := parseEnv(def.Env)
		if err != nil {
			return nil, err
		}
		app := def.Command[0]
		if !filepath.IsAbs(app) {
			if p := util.Which(app, ""); p != "" {
				app = p
			}
		}
		workdir := def.Workdir
		if workdir != "" && !filepath.IsAbs(workdir) {
			workdir = filepath.Join(env.Testsuite.Dir(), workdir)
		}
		t := testcase.New(testcase.Params{
			Application: app,
			Classname:   env.classname(def.Name),
			Args:        append([]string(nil), def.Command[1:]...),
			Timeout:     def.Timeout,
			ExtraEnv:    extraEnv,
			NotParallel: def.NotParallel,
			Workdir:     workdir,
		}, env.Options)
		t.Generator = GeneratorCommands
		t.Optional = def.Optional
		tests = append(tests, t)
	}
	return tests, nil
}

// splitArgs splits s like a POSIX shell: whitespace separates words,
// quotes group them and a backslash escapes the next character.
func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash in %q", s)
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
