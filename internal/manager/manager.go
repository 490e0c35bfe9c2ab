// Package manager collects the tests of the loaded testsuites and decides
// which of them run.
package manager

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
	"github.com/five82/gvlauncher/internal/testcase"
)

// Known manager names.
const (
	NameValidate = "validate"
	NameCommands = "commands"
)

// Names lists every manager, in registration order.
var Names = []string{NameValidate, NameCommands}

// BlacklistEntry disables the tests matching Regex; Reason is usually the
// URL of a bug.
type BlacklistEntry struct {
	Regex  string `mapstructure:"regex"`
	Reason string `mapstructure:"reason"`
}

// BugChecker verifies that the bugs referenced by blacklists and known
// issues are still open.
type BugChecker interface {
	CheckResolution(ctx context.Context, groups []issues.BugGroup) error
}

// Settings selects the tests a manager keeps.
type Settings struct {
	Wanted          []string
	Blacklisted     []string
	LongLimit       int
	CheckBugsStatus bool
}

// Manager keeps the tests of one kind, filtered by the wanted and
// blacklisted patterns.
type Manager struct {
	Name string

	mu               sync.Mutex
	settings         Settings
	tests            []*testcase.Test
	unwanted         []*testcase.Test
	wanted           []*regexp.Regexp
	blacklisted      []*regexp.Regexp
	blacklist        []BlacklistEntry
	expected         *issues.Database
	generators       []Generator
	loadingTestsuite string
	testsuites       []string
	CheckTestslist   bool
}

// New creates a manager. Patterns are comma separated regular expressions.
func New(name string, settings Settings) (*Manager, error) {
	m := &Manager{
		Name:           name,
		settings:       settings,
		expected:       issues.NewDatabase(),
		CheckTestslist: true,
	}
	var err error
	if m.wanted, err = compilePatterns(settings.Wanted); err != nil {
		return nil, err
	}
	if m.blacklisted, err = compilePatterns(settings.Blacklisted); err != nil {
		return nil, err
	}
	return m, nil
}

func compilePatterns(list []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, patterns := range list {
		for _, p := range strings.Split(patterns, ",") {
			if p == "" {
				continue
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid test pattern %q: %w", p, err)
			}
			out = append(out, re)
		}
	}
	return out, nil
}

// SetLoadingTestsuite names the testsuite whose tests are being added.
func (m *Manager) SetLoadingTestsuite(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadingTestsuite = name
	for _, t := range m.testsuites {
		if t == name {
			return
		}
	}
	m.testsuites = append(m.testsuites, name)
}

// Testsuites lists the testsuites that added tests to the manager.
func (m *Manager) Testsuites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.testsuites...)
}

// SetDefaultBlacklist blacklists entries of the loading testsuite. Regexes
// are prefixed with the testsuite name when they are not already.
func (m *Manager) SetDefaultBlacklist(entries []BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		regex := e.Regex
		if m.loadingTestsuite != "" && !strings.HasPrefix(regex, m.loadingTestsuite+".") {
			regex = m.loadingTestsuite + "." + regex
		}
		compiled, err := compilePatterns([]string{regex})
		if err != nil {
			return err
		}
		m.blacklist = append(m.blacklist, BlacklistEntry{Regex: regex, Reason: e.Reason})
		m.blacklisted = append(m.blacklisted, compiled...)
	}
	return nil
}

// Blacklist returns the default blacklist entries.
func (m *Manager) Blacklist() []BlacklistEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BlacklistEntry(nil), m.blacklist...)
}

// AddExpectedIssues merges db into the manager's known issues and attaches
// them to the tests already added.
func (m *Manager) AddExpectedIssues(db *issues.Database) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := issues.NewDatabase()
	for _, def := range db.Definitions() {
		if err := m.expected.AddDefinition(def.Bug, def.Tests, def.Issues, def.MaxRetries); err != nil {
			return err
		}
		if err := added.AddDefinition(def.Bug, def.Tests, def.Issues, def.MaxRetries); err != nil {
			return err
		}
	}
	for _, list := range [][]*testcase.Test{m.tests, m.unwanted} {
		for _, t := range list {
			attach(added, t)
		}
	}
	return nil
}

// ExpectedIssues returns the known issues database.
func (m *Manager) ExpectedIssues() *issues.Database {
	return m.expected
}

func attach(db *issues.Database, t *testcase.Test) {
	a := db.AttachTo(t.Classname)
	if a.MaxRetries > 0 {
		t.MaxRetries = a.MaxRetries
		logging.Debug("test allows retries", zap.String("test", t.Classname), zap.Int("max_retries", a.MaxRetries))
	}
	if len(a.Issues) > 0 {
		t.ExpectedIssues = append(t.ExpectedIssues, a.Issues...)
		logging.Debug("test has expected issues", zap.String("test", t.Classname), zap.Int("issues", len(a.Issues)))
	}
}

// AddTest adds a test. Tests not produced by a generator get the loading
// testsuite prefixed to their classname.
func (m *Manager) AddTest(t *testcase.Test) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range [][]*testcase.Test{m.tests, m.unwanted} {
		for _, existing := range list {
			if existing == t {
				return
			}
		}
	}

	if t.Generator == "" && m.loadingTestsuite != "" {
		t.Classname = m.loadingTestsuite + "." + t.Classname
	}
	attach(m.expected, t)
	if m.isTestWantedLocked(t) {
		m.tests = append(m.tests, t)
	} else {
		m.unwanted = append(m.unwanted, t)
	}
}

// IsTestWanted reports whether the test passes the filters.
func (m *Manager) IsTestWanted(t *testcase.Test) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isTestWantedLocked(t)
}

func (m *Manager) isTestWantedLocked(t *testcase.Test) bool {
	if m.checkWhitelisted(t) {
		return m.checkDuration(t)
	}
	if m.checkBlacklisted(t) {
		return false
	}
	if !m.checkDuration(t) {
		return false
	}
	return len(m.wanted) == 0
}

func (m *Manager) checkBlacklisted(t *testcase.Test) bool {
	for _, re := range m.blacklisted {
		if re.MatchString(t.Classname) {
			logging.Info("test is blacklisted", zap.String("test", t.Classname), zap.String("pattern", re.String()))
			return true
		}
	}
	return false
}

// checkWhitelisted bypasses the blacklist only when the wanted pattern is
// exactly the classname.
func (m *Manager) checkWhitelisted(t *testcase.Test) bool {
	for _, re := range m.wanted {
		if !re.MatchString(t.Classname) {
			continue
		}
		if m.checkBlacklisted(t) && re.String() != t.Classname {
			return false
		}
		return true
	}
	return false
}

func (m *Manager) checkDuration(t *testcase.Test) bool {
	if t.Duration > 0 && m.settings.LongLimit < int(t.Duration) {
		logging.Info("not activating long test",
			zap.String("test", t.Classname), zap.Float64("duration", t.Duration), zap.Int("long_limit", m.settings.LongLimit))
		return false
	}
	return true
}

// ListTests returns the wanted tests sorted by classname.
func (m *Manager) ListTests() []*testcase.Test {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*testcase.Test(nil), m.tests...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Classname < out[j].Classname })
	return out
}

// UnwantedTests returns the tests the filters rejected.
func (m *Manager) UnwantedTests() []*testcase.Test {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*testcase.Test(nil), m.unwanted...)
}

// FindTests returns the wanted tests whose classname matches pattern.
func (m *Manager) FindTests(pattern string) ([]*testcase.Test, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var out []*testcase.Test
	for _, t := range m.ListTests() {
		if re.MatchString(t.Classname) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AddGenerator registers a generator; a generator is kept once per name.
func (m *Manager) AddGenerator(g Generator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.generators {
		if existing.Name() == g.Name() {
			return
		}
	}
	m.generators = append(m.generators, g)
}

// Generators returns the registered generators.
func (m *Manager) Generators() []Generator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Generator(nil), m.generators...)
}

// NeedsHTTPServer reports whether a wanted test needs the media server.
func (m *Manager) NeedsHTTPServer() bool {
	for _, t := range m.ListTests() {
		if t.NeedsHTTPServer {
			return true
		}
	}
	return false
}

// CheckBlacklists checks the bugs of the default blacklist are still open.
func (m *Manager) CheckBlacklists(ctx context.Context, checker BugChecker) error {
	if !m.settings.CheckBugsStatus || checker == nil {
		return nil
	}
	var groups []issues.BugGroup
	for _, e := range m.Blacklist() {
		groups = append(groups, issues.BugGroup{TestsRegex: e.Regex, Bugs: []string{e.Reason}})
	}
	if len(groups) == 0 {
		return nil
	}
	return checker.CheckResolution(ctx, groups)
}

// LogBlacklists logs the default blacklist.
func (m *Manager) LogBlacklists() {
	entries := m.Blacklist()
	if len(entries) == 0 {
		return
	}
	logging.Info("currently hardcoded blacklisted tests", zap.String("manager", m.Name), zap.Int("count", len(entries)))
	if m.settings.CheckBugsStatus {
		return
	}
	for _, e := range entries {
		logging.Info("blacklisted", zap.String("tests", e.Regex), zap.String("bug", e.Reason))
	}
}

// CheckExpectedIssues checks the bugs of the known issues are still open.
func (m *Manager) CheckExpectedIssues(ctx context.Context, checker BugChecker) error {
	if !m.settings.CheckBugsStatus || checker == nil || m.expected.Len() == 0 {
		return nil
	}
	return checker.CheckResolution(ctx, m.expected.Groups())
}
