package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/media"
	"github.com/five82/gvlauncher/internal/testcase"
)

func newTest(t *testing.T, classname string, duration float64) *testcase.Test {
	t.Helper()
	return testcase.New(testcase.Params{
		Application: "true",
		Classname:   classname,
		Duration:    duration,
	}, &testcase.Options{LogsDir: t.TempDir(), TimeoutFactor: 1})
}

func TestIsTestWanted(t *testing.T) {
	tests := []struct {
		name        string
		wanted      []string
		blacklisted []string
		classname   string
		duration    float64
		want        bool
	}{
		{"no filters", nil, nil, "suite.a", 0, true},
		{"blacklisted", nil, []string{"suite.a"}, "suite.a.b", 0, false},
		{"comma separated blacklist", nil, []string{"x,suite.a"}, "suite.a.b", 0, false},
		{"not wanted", []string{"suite.b"}, nil, "suite.a", 0, false},
		{"wanted", []string{"suite.a"}, nil, "suite.a.b", 0, true},
		{"wanted but blacklisted", []string{"suite.a"}, []string{"suite.a.b"}, "suite.a.b", 0, false},
		{"exactly wanted bypasses blacklist", []string{"suite.a.b"}, []string{"suite.a"}, "suite.a.b", 0, true},
		{"too long", nil, nil, "suite.a", 100, false},
		{"wanted but too long", []string{"suite"}, nil, "suite.a", 100, false},
		{"short enough", nil, nil, "suite.a", 40, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(NameCommands, Settings{Wanted: tt.wanted, Blacklisted: tt.blacklisted, LongLimit: 40})
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.IsTestWanted(newTest(t, tt.classname, tt.duration)))
		})
	}
}

func TestInvalidPattern(t *testing.T) {
	_, err := New(NameCommands, Settings{Wanted: []string{"("}})
	require.Error(t, err)
}

func TestAddTest(t *testing.T) {
	m, err := New(NameCommands, Settings{Blacklisted: []string{"suite.skipped"}, LongLimit: 40})
	require.NoError(t, err)
	m.SetLoadingTestsuite("suite")

	db := issues.NewDatabase()
	require.NoError(t, db.AddDefinition("bug1", []string{"suite.b"}, []issues.Issue{{"returncode": 1}}, 0))
	require.NoError(t, db.AddDefinition("bug2", []string{"suite.flaky"}, nil, 3))
	require.NoError(t, m.AddExpectedIssues(db))

	b := newTest(t, "b", 0)
	flaky := newTest(t, "flaky", 0)
	skipped := newTest(t, "skipped", 0)
	generated := newTest(t, "suite.a", 0)
	generated.Generator = GeneratorCommands
	for _, tc := range []*testcase.Test{b, flaky, skipped, generated, b} {
		m.AddTest(tc)
	}

	var names []string
	for _, tc := range m.ListTests() {
		names = append(names, tc.Classname)
	}
	assert.Equal(t, []string{"suite.a", "suite.b", "suite.flaky"}, names)
	require.Len(t, m.UnwantedTests(), 1)
	assert.Equal(t, "suite.skipped", m.UnwantedTests()[0].Classname)

	require.Len(t, b.ExpectedIssues, 1)
	assert.Equal(t, "bug1", b.ExpectedIssues[0][issues.KeyBug])
	assert.Equal(t, 3, flaky.MaxRetries)
	assert.Empty(t, flaky.ExpectedIssues)

	found, err := m.FindTests(`\.fl`)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, flaky, found[0])
	assert.Equal(t, []string{"suite"}, m.Testsuites())
}

func TestAddExpectedIssuesToExistingTests(t *testing.T) {
	m, err := New(NameCommands, Settings{LongLimit: 40})
	require.NoError(t, err)
	m.SetLoadingTestsuite("suite")
	tc := newTest(t, "late", 0)
	m.AddTest(tc)

	db := issues.NewDatabase()
	require.NoError(t, db.AddDefinition("bug", []string{"suite.late"}, []issues.Issue{{"summary": "x"}}, 0))
	require.NoError(t, m.AddExpectedIssues(db))
	require.Len(t, tc.ExpectedIssues, 1)
	assert.Equal(t, 1, m.ExpectedIssues().Len())
}

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CheckResolution(ctx context.Context, groups []issues.BugGroup) error {
	return m.Called(ctx, groups).Error(0)
}

func TestCheckBugs(t *testing.T) {
	m, err := New(NameValidate, Settings{CheckBugsStatus: true})
	require.NoError(t, err)
	m.SetLoadingTestsuite("suite")
	require.NoError(t, m.SetDefaultBlacklist([]BlacklistEntry{
		{Regex: "a.*", Reason: "https://bugs/1"},
		{Regex: "suite.b", Reason: "https://bugs/2"},
	}))
	assert.Equal(t, "suite.a.*", m.Blacklist()[0].Regex)
	assert.Equal(t, "suite.b", m.Blacklist()[1].Regex)

	checker := &mockChecker{}
	checker.On("CheckResolution", mock.Anything, []issues.BugGroup{
		{TestsRegex: "suite.a.*", Bugs: []string{"https://bugs/1"}},
		{TestsRegex: "suite.b", Bugs: []string{"https://bugs/2"}},
	}).Return(nil).Once()
	require.NoError(t, m.CheckBlacklists(context.Background(), checker))

	// Nothing to check without known issues.
	require.NoError(t, m.CheckExpectedIssues(context.Background(), checker))

	db := issues.NewDatabase()
	require.NoError(t, db.AddDefinition("https://bugs/3", []string{"suite.c"}, []issues.Issue{{"summary": "x"}}, 0))
	require.NoError(t, m.AddExpectedIssues(db))
	checker.On("CheckResolution", mock.Anything, []issues.BugGroup{
		{TestsRegex: "suite.c", Bugs: []string{"https://bugs/3"}},
	}).Return(assert.AnError).Once()
	require.ErrorIs(t, m.CheckExpectedIssues(context.Background(), checker), assert.AnError)
	checker.AssertExpectations(t)

	// Disabled checks never call the checker.
	off, err := New(NameValidate, Settings{})
	require.NoError(t, err)
	require.NoError(t, off.CheckBlacklists(context.Background(), nil))
}

func loadSuite(t *testing.T) *Testsuite {
	t.Helper()
	ts, err := LoadTestsuite(filepath.Join("testdata", "suite.toml"))
	require.NoError(t, err)
	return ts
}

func TestLoadTestsuite(t *testing.T) {
	ts := loadSuite(t)
	abs, err := filepath.Abs("testdata")
	require.NoError(t, err)

	assert.Equal(t, "check", ts.Name)
	assert.Equal(t, []string{NameValidate, NameCommands}, ts.TestManager)
	assert.Equal(t, []string{filepath.Join(abs, "medias")}, ts.MediaPaths)
	assert.Equal(t, []string{filepath.Join(abs, "known_issues.json")}, ts.ExpectedIssues)
	require.Len(t, ts.Pipelines, 3)
	assert.Equal(t, 10.0, ts.Pipelines[0].Timeout)
	require.Len(t, ts.Commands, 2)
	assert.Equal(t, []string{"CHECK_MODE=fast"}, ts.Commands[0].Env)
	require.Len(t, ts.DefaultBlacklist, 1)
	require.Len(t, ts.EncodingFormats, 1)
	assert.Equal(t, "theora", ts.EncodingFormats[0].Video)
	assert.Equal(t, filepath.Join(abs, "suite.testslist"), ts.TestslistPath())
	assert.True(t, ts.UsesManager(NameCommands))

	path, err := FindTestsuite("suite", []string{"/nonexistent", "testdata"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "suite.toml"), path)
	_, err = FindTestsuite("missing", []string{"testdata"})
	require.Error(t, err)
}

func TestLoadInvalidTestsuite(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"manager.toml":  `test_manager = ["nope"]`,
		"format.toml":   "encoding_formats = [{ container = \"nope\" }]",
		"command.toml":  "[[commands]]\nname = \"x\"",
		"env.toml":      "[[commands]]\nname = \"x\"\ncommand = [\"true\"]\nenv = [\"NOVALUE\"]",
		"pipeline.toml": "[[pipelines]]\nname = \"x\"",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := LoadTestsuite(path)
			require.Error(t, err)
		})
	}
}

func TestEnabledGenerators(t *testing.T) {
	ts := &Testsuite{MediaPaths: []string{"m"}, Commands: []CommandDef{{Name: "c", Command: []string{"true"}}}}
	assert.Equal(t, []string{GeneratorPlayback, GeneratorMediaCheck, GeneratorCommands}, ts.EnabledGenerators())
	ts.EncodingFormats = []media.FormatCombination{{Container: "ogg"}}
	assert.Contains(t, ts.EnabledGenerators(), GeneratorTranscode)
	ts.Generators = []string{GeneratorCommands}
	assert.Equal(t, []string{GeneratorCommands}, ts.EnabledGenerators())
}

func classnames(tests []*testcase.Test) []string {
	out := make([]string, 0, len(tests))
	for _, t := range tests {
		out = append(out, t.Classname)
	}
	return out
}

func TestSetup(t *testing.T) {
	ts := loadSuite(t)
	logsDir := t.TempDir()
	loader := &Loader{Options: &testcase.Options{LogsDir: logsDir, TimeoutFactor: 1}, Jobs: 1}

	validate, err := New(NameValidate, Settings{LongLimit: 100})
	require.NoError(t, err)
	require.NoError(t, loader.Setup(context.Background(), ts, validate))

	names := classnames(validate.ListTests())
	for _, want := range []string{
		"check.launch_pipeline.videotestsrc.none",
		"check.launch_pipeline.flow.none",
		"check.playback.none.clip_ogg",
		"check.playback.none.stream_webm",
		"check.media_check.clip_ogg",
		"check.media_check.stream_webm",
		"check.transcode.vorbis_and_theora_in_ogg.clip_ogg",
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "check.true")
	assert.Equal(t, []string{"check.launch_pipeline.broken.none"}, classnames(validate.UnwantedTests()))
	assert.True(t, validate.NeedsHTTPServer())

	found, err := validate.FindTests(`videotestsrc`)
	require.NoError(t, err)
	require.Len(t, found, 1)
	pipeline := found[0]
	require.Len(t, pipeline.ExpectedIssues, 1)
	assert.Equal(t, "videotestsrc", pipeline.Args[0])
	assert.Contains(t, pipeline.Args, "fakevideosink")

	found, err = validate.FindTests(`flow`)
	require.NoError(t, err)
	require.Len(t, found, 1)
	configPath := found[0].ExtraEnv["GST_VALIDATE_CONFIG"]
	require.NotEmpty(t, configPath)
	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "validateflow"))

	found, err = validate.FindTests(`transcode.*clip_ogg`)
	require.NoError(t, err)
	require.Len(t, found, 1)
	transcode := found[0]
	assert.NotNil(t, transcode.PostRun)
	assert.Equal(t, "-o", transcode.Args[0])
	assert.True(t, strings.HasPrefix(transcode.Args[1], "application/ogg:"))
	assert.True(t, strings.HasPrefix(transcode.Args[3], "file://"+logsDir))

	commands, err := New(NameCommands, Settings{LongLimit: 100})
	require.NoError(t, err)
	require.NoError(t, loader.Setup(context.Background(), ts, commands))
	tests := commands.ListTests()
	assert.Equal(t, []string{"check.slow", "check.true"}, classnames(tests))
	assert.True(t, tests[0].Optional)
	assert.False(t, tests[0].IsParallel)
	assert.Equal(t, 2, tests[1].MaxRetries)
	assert.Equal(t, "fast", tests[1].ExtraEnv["CHECK_MODE"])
	assert.False(t, commands.NeedsHTTPServer())
}

func TestUpdateTestslist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.testslist")

	change, err := UpdateTestslist(path, nil)
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.False(t, change.Changed())

	require.NoError(t, os.WriteFile(path, []byte("suite.b\nsuite.gone\n~suite.maybe\n"), 0o644))
	optional := newTest(t, "suite.opt", 0)
	optional.Optional = true
	tests := []*testcase.Test{newTest(t, "suite.b", 0), newTest(t, "suite.a", 0), optional}

	change, err = UpdateTestslist(path, tests)
	require.NoError(t, err)
	require.True(t, change.Changed())
	assert.Equal(t, []string{"suite.gone"}, change.Removed)
	assert.Equal(t, []string{"suite.a", "~suite.opt"}, change.Added)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "suite.a\nsuite.b\n~suite.maybe\n~suite.opt\n", string(data))

	change, err = UpdateTestslist(path, tests)
	require.NoError(t, err)
	assert.False(t, change.Changed())
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"a b  c", []string{"a", "b", "c"}, false},
		{`uri="file:///a b.ogg" x`, []string{"uri=file:///a b.ogg", "x"}, false},
		{`'single \ quoted'`, []string{`single \ quoted`}, false},
		{`a\ b`, []string{"a b"}, false},
		{`""`, []string{""}, false},
		{`"open`, nil, true},
		{`trailing\`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := splitArgs(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
