package bugtracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/issues"
)

func noEnv(string) string { return "" }

func newTracker(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/api/v4/projects/gst%2Fgst-plugins-base/issues/12":
			atomic.AddInt32(&hits, 1)
			fmt.Fprint(w, `{"iid": 12, "title": "crash in decoder", "state": "opened"}`)
		case "/api/v4/projects/gst%2Fgst-plugins-base/issues/13":
			atomic.AddInt32(&hits, 1)
			fmt.Fprint(w, `{"iid": 13, "title": "fixed leak", "state": "closed"}`)
		case "/show_bug.cgi":
			atomic.AddInt32(&hits, 1)
			assert.Equal(t, "xml", r.URL.Query().Get("ctype"))
			assert.Equal(t, "100,101", r.URL.Query().Get("id"))
			fmt.Fprint(w, `<?xml version="1.0"?>
<bugzilla>
  <bug><bug_id>100</bug_id><bug_status>NEW</bug_status><short_desc>still broken</short_desc></bug>
  <bug><bug_id>101</bug_id><bug_status>RESOLVED</bug_status><short_desc>fixed</short_desc></bug>
</bugzilla>`)
		case "/api/v4/projects/42/merge_requests/7/closes_issues":
			fmt.Fprint(w, `[{"iid": 12, "title": "crash in decoder", "state": "opened", "web_url": "https://example.org/gst/gst-plugins-base/-/issues/12"}]`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func bySeverity(findings []Finding) map[Severity][]Finding {
	out := make(map[Severity][]Finding)
	for _, f := range findings {
		out[f.Severity] = append(out[f.Severity], f)
	}
	return out
}

func TestCheckGitlab(t *testing.T) {
	srv, _ := newTracker(t)
	c := New(WithHTTPClient(srv.Client()), WithGetenv(noEnv))

	groups := []issues.BugGroup{
		{TestsRegex: "check.playback.*", Bugs: []string{srv.URL + "/gst/gst-plugins-base/-/issues/12"}},
		{TestsRegex: "check.media_check.*", Bugs: []string{srv.URL + "/gst/gst-plugins-base/issues/13"}},
		{TestsRegex: "check.other", Bugs: []string{srv.URL + "/gst/issues/13", "not a url", "https://example.org/tracker/1"}},
	}
	findings, err := c.Check(context.Background(), groups)
	require.NoError(t, err)

	sev := bySeverity(findings)
	require.Len(t, sev[Info], 1)
	assert.Equal(t, "crash in decoder", sev[Info][0].Title)
	require.Len(t, sev[Failure], 1)
	assert.Equal(t, "check.media_check.*", sev[Failure][0].Tests)
	assert.Contains(t, sev[Failure][0].Message, "closed")
	require.Len(t, sev[Warning], 1)
	assert.Equal(t, "not a proper gitlab report", sev[Warning][0].Message)
}

func TestCheckGitlabOncePerIssue(t *testing.T) {
	srv, hits := newTracker(t)
	c := New(WithHTTPClient(srv.Client()), WithGetenv(noEnv))
	bug := srv.URL + "/gst/gst-plugins-base/-/issues/12"

	groups := []issues.BugGroup{
		{TestsRegex: "a", Bugs: []string{bug}},
		{TestsRegex: "b", Bugs: []string{bug}},
	}
	findings, err := c.Check(context.Background(), groups)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "a, b", findings[0].Tests)

	findings, err = c.Check(context.Background(), groups)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestCheckBugzilla(t *testing.T) {
	srv, hits := newTracker(t)
	c := New(WithHTTPClient(srv.Client()), WithGetenv(noEnv))

	groups := []issues.BugGroup{
		{TestsRegex: "x", Bugs: []string{srv.URL + "/show_bug.cgi?id=100", srv.URL + "/show_bug.cgi"}},
		{TestsRegex: "y", Bugs: []string{srv.URL + "/show_bug.cgi?id=101"}},
	}
	findings, err := c.Check(context.Background(), groups)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	sev := bySeverity(findings)
	require.Len(t, sev[Info], 1)
	assert.Equal(t, "NEW", sev[Info][0].Status)
	require.Len(t, sev[Failure], 1)
	assert.Equal(t, "y", sev[Failure][0].Tests)
	assert.Equal(t, "bug closed already (status: RESOLVED)", sev[Failure][0].Message)
	require.Len(t, sev[Warning], 1)
	assert.Equal(t, "can't check bug", sev[Warning][0].Message)
}

func TestMergeRequestClosesIssue(t *testing.T) {
	srv, _ := newTracker(t)
	env := map[string]string{
		"CI_MERGE_REQUEST_IID":        "7",
		"CI_MERGE_REQUEST_PROJECT_ID": "42",
		"CI_API_V4_URL":               srv.URL + "/api/v4",
	}
	c := New(WithHTTPClient(srv.Client()), WithGetenv(func(k string) string { return env[k] }))

	groups := []issues.BugGroup{
		{TestsRegex: "check.playback.*", Bugs: []string{srv.URL + "/gst/gst-plugins-base/-/issues/12"}},
	}
	err := c.CheckResolution(context.Background(), groups)
	require.Error(t, err)
	assert.True(t, gverrors.IsKind(err, gverrors.KindBugTracker))
	assert.Contains(t, err.Error(), "issues/12")
}

func TestUnreachableTrackerOnlyWarns(t *testing.T) {
	srv, _ := newTracker(t)
	url := srv.URL
	srv.Close()

	c := New(WithGetenv(noEnv))
	groups := []issues.BugGroup{
		{TestsRegex: "x", Bugs: []string{url + "/gst/gst-plugins-base/-/issues/12", url + "/show_bug.cgi?id=100"}},
	}
	findings, err := c.Check(context.Background(), groups)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, Warning, f.Severity)
	}
	assert.NoError(t, New(WithGetenv(noEnv)).CheckResolution(context.Background(), groups))
}

func TestFindingString(t *testing.T) {
	f := Finding{Tests: "check.*", Bug: "https://bugs/1", Title: "crash", Message: "bug closed already (status: closed)"}
	assert.Equal(t, "check.* --> https://bugs/1: 'crash' ==> bug closed already (status: closed)", f.String())
	assert.Equal(t, "failure", Failure.String())
}
