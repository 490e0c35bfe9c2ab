package manager

import (
	"os"
	"sort"
	"strings"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/testcase"
)

// TestslistChange lists the differences between a .testslist file and the
// tests the testsuite defines.
type TestslistChange struct {
	Path    string
	Removed []string
	Added   []string
}

// Changed reports whether the list differs.
func (c *TestslistChange) Changed() bool {
	return c != nil && (len(c.Removed) > 0 || len(c.Added) > 0)
}

// UpdateTestslist compares the file at path with tests and rewrites it
// sorted. Entries starting with '~' are optional and may disappear. A
// missing file is not checked and yields nil.
func UpdateTestslist(path string, tests []*testcase.Test) (*TestslistChange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gverrors.NewIOError("could not read "+path, err)
	}
	known := strings.Split(string(data), "\n")
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}

	names := make(map[string]bool, len(tests))
	for _, t := range tests {
		names[t.Classname] = true
	}

	change := &TestslistChange{Path: path}
	type entry struct {
		name     string
		optional bool
	}
	var entries []entry
	for _, k := range known {
		if k == "" || names[strings.Trim(k, "~")] {
			continue
		}
		if strings.HasPrefix(k, "~") {
			entries = append(entries, entry{name: k})
		} else {
			change.Removed = append(change.Removed, k)
		}
	}
	for _, t := range tests {
		entries = append(entries, entry{name: t.Classname, optional: t.Optional})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.Trim(entries[i].name, "~") < strings.Trim(entries[j].name, "~")
	})

	var b strings.Builder
	for _, e := range entries {
		name := e.name
		if e.optional {
			name = "~" + name
		}
		b.WriteString(name + "\n")
		if !knownSet[name] {
			change.Added = append(change.Added, name)
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, gverrors.NewIOError("could not write "+path, err)
	}
	return change, nil
}
