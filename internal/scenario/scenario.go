// Package scenario loads the gst-validate scenario definitions tests are
// generated from.
package scenario

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileExtension is the extension of scenario files.
const FileExtension = "scenario"

// Scenario is a scenario with the metadata gst-validate declared for it.
type Scenario struct {
	Name  string
	Path  string
	Props map[string]string
}

// New creates a scenario; dashes in property names become underscores.
func New(name string, props map[string]string, path string) *Scenario {
	s := &Scenario{Name: name, Path: path, Props: make(map[string]string, len(props))}
	for k, v := range props {
		s.Props[strings.ReplaceAll(k, "-", "_")] = v
	}
	return s
}

// ExecutionName is the value given to GST_VALIDATE_SCENARIO.
func (s *Scenario) ExecutionName() string {
	if s.Path != "" {
		return s.Path
	}
	return s.Name
}

// Bool returns a boolean property, false when absent.
func (s *Scenario) Bool(name string) bool {
	v, ok := s.Props[name]
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Float returns a numeric property, 0 when absent or invalid.
func (s *Scenario) Float(name string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s.Props[name]), 64)
	if err != nil {
		return 0
	}
	return f
}

// Has reports whether the property is set.
func (s *Scenario) Has(name string) bool {
	_, ok := s.Props[name]
	return ok
}

func (s *Scenario) Seeks() bool { return s.Bool("seek") }
func (s *Scenario) NeedsClockSync() bool { return s.Bool("need_clock_sync") }
func (s *Scenario) NeedsLiveContent() bool { return s.Bool("live_content_required") }
func (s *Scenario) DoesReversePlayback() bool { return s.Bool("reverse_playback") }
func (s *Scenario) NeedsPreroll() bool { return s.Bool("needs_preroll") }
func (s *Scenario) HandlesStates() bool { return s.Bool("handles_states") }

// CompatibleWithLiveContent reports whether the scenario may run on live
// content. Scenarios requiring live content always are.
func (s *Scenario) CompatibleWithLiveContent() bool {
	if s.NeedsLiveContent() {
		return true
	}
	return s.Bool("live_content_compatible")
}

// MinMediaDuration is the minimum media duration in seconds.
func (s *Scenario) MinMediaDuration() float64 { return s.Float("min_media_duration") }

// Duration is the scenario duration in seconds, 0 when unknown.
func (s *Scenario) Duration() float64 { return s.Float("duration") }

// MinTracks is the number of tracks of trackType the scenario needs.
func (s *Scenario) MinTracks(trackType string) int {
	return int(s.Float("min_" + trackType + "_track"))
}

func (s *Scenario) String() string { return "<Scenario " + s.Name + ">" }

// nameFromSection derives the scenario name of a definitions section.
func nameFromSection(section string) string {
	return strings.TrimSuffix(filepath.Base(section), "."+FileExtension)
}

// SortedNames returns the names of scenarios, sorted.
func SortedNames(list []*Scenario) []string {
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}
