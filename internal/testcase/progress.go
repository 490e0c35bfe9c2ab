package testcase

import "github.com/five82/gvlauncher/internal/issues"

// SetPosition records playback progress. A zero speed keeps the current one.
func (t *Test) SetPosition(position, duration int64, speed float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = position
	t.mediaDuration = duration
	if speed != 0 {
		t.speed = speed
	}
}

// Position returns the last reported position and media duration.
func (t *Test) Position() (position, duration int64, speed float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position, t.mediaDuration, t.speed
}

// AddAction records the start of a scenario action. It counts as progress.
func (t *Test) AddAction(action map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = append(t.actions, action)
	t.position++
}

// ActionDone records the end of the last action. It counts as progress.
func (t *Test) ActionDone(executionDuration any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position++
	if n := len(t.actions); n > 0 {
		t.actions[n-1]["execution-duration"] = executionDuration
	}
}

// Actions returns the executed actions.
func (t *Test) Actions() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]map[string]any(nil), t.actions...)
}

// AddReport records an issue report of the running process.
func (t *Test) AddReport(report issues.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, report)
}

// Reports returns the issue reports received so far.
func (t *Test) Reports() []issues.Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]issues.Report(nil), t.reports...)
}

// Criticals returns the critical reports no expected issue accounted for.
func (t *Test) Criticals() []issues.Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]issues.Report(nil), t.criticals...)
}

// Skip marks the test as skipped at the request of the process.
func (t *Test) Skip() {
	t.SetResult(Skipped, "", "")
}
