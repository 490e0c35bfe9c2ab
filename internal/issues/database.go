package issues

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON renders the issue as compact JSON with sorted keys.
func (i Issue) JSON() string {
	data, err := json.Marshal(map[string]any(i))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(i))
	}
	return string(data)
}

// IndentJSON renders the issue as indented JSON.
func (i Issue) IndentJSON() string {
	data, err := json.MarshalIndent(map[string]any(i), "", "    ")
	if err != nil {
		return i.JSON()
	}
	return string(data)
}

// Definition is a bug entry of a known issues file.
type Definition struct {
	Bug        string
	Tests      []string
	Issues     []Issue
	MaxRetries int

	patterns []*regexp.Regexp
}

// Flaky reports whether tests hit by the bug are retried instead of
// having issues attached.
func (d *Definition) Flaky() bool { return d.MaxRetries > 0 }

// AppliesTo reports whether classname matches one of the test patterns.
func (d *Definition) AppliesTo(classname string) bool {
	for _, re := range d.patterns {
		if re.MatchString(classname) {
			return true
		}
	}
	return false
}

type rawDefinition struct {
	Tests          []string         `json:"tests"`
	Issues         []map[string]any `json:"issues"`
	AllowFlakiness any              `json:"allow_flakiness"`
	MaxRetries     int              `json:"max_retries"`
}

// Database holds known issue definitions keyed by bug id.
type Database struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{defs: make(map[string]*Definition)}
}

// LoadFile merges the definitions of a JSON known issues file.
func (db *Database) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open known issues %s: %w", path, err)
	}
	defer f.Close()

	if err := db.Load(f); err != nil {
		return fmt.Errorf("failed to load known issues %s: %w", path, err)
	}
	return nil
}

var (
	lineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	trailingComma = regexp.MustCompile(`,(\s*[\]}])`)
)

// Load merges definitions from a JSON object keyed by bug id. Whole line
// // comments and trailing commas are accepted, so generated snippets can
// be pasted as is.
func (db *Database) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	data = lineComment.ReplaceAll(data, nil)
	data = trailingComma.ReplaceAll(data, []byte("$1"))

	raw := make(map[string]rawDefinition)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	defs := make(map[string]*Definition, len(raw))
	for bug, rd := range raw {
		def, err := newDefinition(bug, rd)
		if err != nil {
			return err
		}
		defs[bug] = def
	}
	db.Add(defs)
	return nil
}

// Add merges definitions, replacing existing ones with the same bug id.
func (db *Database) Add(defs map[string]*Definition) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for bug, def := range defs {
		db.defs[bug] = def
	}
}

// AddDefinition validates and merges a single definition.
func (db *Database) AddDefinition(bug string, tests []string, list []Issue, maxRetries int) error {
	raw := rawDefinition{Tests: tests, MaxRetries: maxRetries}
	for _, issue := range list {
		raw.Issues = append(raw.Issues, map[string]any(issue))
	}
	def, err := newDefinition(bug, raw)
	if err != nil {
		return err
	}
	db.Add(map[string]*Definition{bug: def})
	return nil
}

func newDefinition(bug string, rd rawDefinition) (*Definition, error) {
	def := &Definition{Bug: bug, Tests: rd.Tests, MaxRetries: rd.MaxRetries}
	if def.MaxRetries == 0 && truthy(rd.AllowFlakiness) {
		def.MaxRetries, _ = toInt(rd.AllowFlakiness)
		if def.MaxRetries == 0 {
			def.MaxRetries = 1
		}
	}

	for _, pattern := range rd.Tests {
		re, err := compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bug %s: invalid test pattern %q: %w", bug, pattern, err)
		}
		def.patterns = append(def.patterns, re)
	}

	for _, issue := range rd.Issues {
		for key, v := range issue {
			if s, ok := v.(string); ok && key != KeyBug && key != KeyBugs {
				if _, err := compile(s); err != nil {
					return nil, fmt.Errorf("bug %s: invalid %s pattern %q: %w", bug, key, s, err)
				}
			}
		}
		def.Issues = append(def.Issues, Issue(issue))
	}
	return def, nil
}

// Len returns the number of definitions.
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.defs)
}

// Definitions returns the definitions sorted by bug id.
func (db *Database) Definitions() []*Definition {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Definition, 0, len(db.defs))
	for _, def := range db.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bug < out[j].Bug })
	return out
}

// Attachment is what the database knows about one test.
type Attachment struct {
	Issues     []Issue
	MaxRetries int
}

// AttachTo returns the issues and retry budget matching classname. Flaky
// definitions only raise the retry budget; the others contribute their
// issues, tagged with the bug id.
func (db *Database) AttachTo(classname string) Attachment {
	var a Attachment
	for _, def := range db.Definitions() {
		if !def.AppliesTo(classname) {
			continue
		}
		if def.Flaky() {
			if def.MaxRetries > a.MaxRetries {
				a.MaxRetries = def.MaxRetries
			}
			continue
		}
		for _, issue := range def.Issues {
			tagged := issue.Copy()
			tagged[KeyBug] = def.Bug
			a.Issues = append(a.Issues, tagged)
		}
	}
	return a
}

// BugGroup lists the bugs referenced by a set of test patterns.
type BugGroup struct {
	TestsRegex string
	Bugs       []string
}

// Groups returns the bug ids of every definition grouped by test patterns.
func (db *Database) Groups() []BugGroup {
	index := make(map[string]int)
	var groups []BugGroup
	for _, def := range db.Definitions() {
		key := strings.Join(def.Tests, "|")
		var bugs []string
		for _, issue := range def.Issues {
			if b := issue.String(KeyBug); b != "" {
				bugs = append(bugs, b)
			}
			for _, b := range toList(issue[KeyBugs]) {
				bugs = append(bugs, stringify(b))
			}
		}
		bugs = append(bugs, def.Bug)

		i, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, BugGroup{TestsRegex: key})
			i = len(groups) - 1
		}
		groups[i].Bugs = appendUnique(groups[i].Bugs, bugs...)
	}
	return groups
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, d := range dst {
			if d == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}
