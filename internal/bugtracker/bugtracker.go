// Package bugtracker checks that the bugs referenced by blacklists and
// known issues are still open.
package bugtracker

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	gverrors "github.com/five82/gvlauncher/internal/errors"
	"github.com/five82/gvlauncher/internal/issues"
	"github.com/five82/gvlauncher/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bugzilla statuses of bugs still open.
var openBugzillaStatuses = map[string]bool{
	"new":         true,
	"verified":    true,
	"assigned":    true,
	"confirmed":   true,
	"unconfirmed": true,
	"reopened":    true,
}

// Severity of a finding.
type Severity int

const (
	// Info findings report an open bug.
	Info Severity = iota
	// Warning findings could not be checked.
	Warning
	// Failure findings reference closed (or closing) bugs.
	Failure
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Failure:
		return "failure"
	default:
		return "info"
	}
}

// Finding is the status of one referenced bug.
type Finding struct {
	Tests    string
	Bug      string
	Title    string
	Status   string
	Message  string
	Severity Severity
}

func (f Finding) String() string {
	s := fmt.Sprintf("%s --> %s", f.Tests, f.Bug)
	if f.Title != "" {
		s += fmt.Sprintf(": '%s'", f.Title)
	}
	if f.Message != "" {
		s += " ==> " + f.Message
	}
	return s
}

// Checker queries GitLab and Bugzilla instances.
type Checker struct {
	client *http.Client
	getenv func(string) string

	mu   sync.Mutex
	seen map[string]bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(ch *Checker) { ch.client = c }
}

// WithGetenv replaces os.Getenv for the CI merge request variables.
func WithGetenv(fn func(string) string) Option {
	return func(ch *Checker) { ch.getenv = fn }
}

// New creates a checker.
func New(opts ...Option) *Checker {
	c := &Checker{
		client: &http.Client{Timeout: 30 * time.Second},
		getenv: os.Getenv,
		seen:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckResolution logs the findings and fails when a referenced bug is
// closed or about to be closed by the current merge request.
func (c *Checker) CheckResolution(ctx context.Context, groups []issues.BugGroup) error {
	findings, err := c.Check(ctx, groups)
	if err != nil {
		return err
	}
	var closed []string
	for _, f := range findings {
		switch f.Severity {
		case Failure:
			logging.Error("bug referenced by known issues is closed", zap.String("tests", f.Tests), zap.String("bug", f.Bug), zap.String("message", f.Message))
			closed = append(closed, f.Bug)
		case Warning:
			logging.Warn("could not check bug", zap.String("tests", f.Tests), zap.String("bug", f.Bug), zap.String("message", f.Message))
		default:
			logging.Debug("bug still open", zap.String("bug", f.Bug), zap.String("status", f.Status))
		}
	}
	if len(closed) > 0 {
		return gverrors.NewBugTrackerError(
			"some bugs marked as known issues have been (or will be) closed: "+strings.Join(closed, ", "), nil)
	}
	return nil
}

type gitlabRef struct {
	api     string
	project string
	iid     int
	tests   []string
	bug     string
}

type bugzillaRef struct {
	id    string
	tests string
	bug   string
}

// Check returns a finding per referenced bug. Unknown trackers are
// ignored. GitLab issues already checked by this Checker are skipped.
func (c *Checker) Check(ctx context.Context, groups []issues.BugGroup) ([]Finding, error) {
	var (
		findings []Finding
		gitlab   = make(map[string]*gitlabRef)
		gitOrder []string
		bugzilla = make(map[string][]bugzillaRef)
	)

	closing, err := c.mergeRequestClosedIssues(ctx)
	if err != nil {
		findings = append(findings, Finding{Bug: "merge request", Message: err.Error(), Severity: Warning})
	}

	for _, g := range groups {
		for _, bug := range g.Bugs {
			u, err := url.Parse(bug)
			if err != nil || u.Host == "" {
				continue
			}
			switch {
			case isGitlab(u):
				ref, finding := parseGitlab(u, g.TestsRegex, bug)
				if finding != nil {
					findings = append(findings, *finding)
					continue
				}
				for _, issue := range closing {
					if issue.matches(ref) {
						findings = append(findings, Finding{
							Tests: g.TestsRegex, Bug: issue.WebURL, Title: issue.Title, Status: issue.State,
							Message:  "will be closed by the current merge request, remove the blacklisting before merging",
							Severity: Failure,
						})
					}
				}
				if existing, ok := gitlab[ref.api]; ok {
					existing.tests = append(existing.tests, g.TestsRegex)
					continue
				}
				if c.markSeen(ref.api) {
					continue
				}
				gitlab[ref.api] = ref
				gitOrder = append(gitOrder, ref.api)
			case isBugzilla(u):
				id := u.Query().Get("id")
				if id == "" {
					findings = append(findings, Finding{Tests: g.TestsRegex, Bug: bug, Message: "can't check bug", Severity: Warning})
					continue
				}
				server := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()
				bugzilla[server] = append(bugzilla[server], bugzillaRef{id: id, tests: g.TestsRegex, bug: bug})
			}
		}
	}

	var mu sync.Mutex
	add := func(f ...Finding) {
		mu.Lock()
		findings = append(findings, f...)
		mu.Unlock()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, api := range gitOrder {
		ref := gitlab[api]
		eg.Go(func() error {
			add(c.checkGitlab(ctx, ref))
			return nil
		})
	}
	servers := make([]string, 0, len(bugzilla))
	for s := range bugzilla {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	for _, server := range servers {
		refs := bugzilla[server]
		eg.Go(func() error {
			add(c.checkBugzilla(ctx, server, refs)...)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, gverrors.NewBugTrackerError("bug checks failed", err)
	}
	return findings, nil
}

func (c *Checker) markSeen(api string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[api] {
		return true
	}
	c.seen[api] = true
	return false
}

func isGitlab(u *url.URL) bool {
	return strings.Contains(u.Host, "gitlab") || strings.Contains(u.Path, "/issues/")
}

func isBugzilla(u *url.URL) bool {
	return strings.Contains(u.Host, "bugzilla") || strings.HasSuffix(u.Path, "show_bug.cgi")
}

func pathComponents(p string) []string {
	var out []string
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// parseGitlab accepts <group>/<project>/issues/<id> and
// <group>/<project>/-/issues/<id>.
func parseGitlab(u *url.URL, tests, bug string) (*gitlabRef, *Finding) {
	components := pathComponents(u.Path)
	if len(components) != 4 && len(components) != 5 {
		return nil, &Finding{Tests: tests, Bug: bug, Message: "not a proper gitlab report", Severity: Warning}
	}
	iid, err := strconv.Atoi(components[len(components)-1])
	if err != nil {
		return nil, &Finding{Tests: tests, Bug: bug, Message: "not a proper gitlab report", Severity: Warning}
	}
	project := components[0] + "%2F" + components[1]
	return &gitlabRef{
		api:     fmt.Sprintf("%s://%s/api/v4/projects/%s/issues/%d", u.Scheme, u.Host, project, iid),
		project: project,
		iid:     iid,
		tests:   []string{tests},
		bug:     bug,
	}, nil
}

type gitlabIssue struct {
	IID    int    `json:"iid"`
	Title  string `json:"title"`
	State  string `json:"state"`
	WebURL string `json:"web_url"`
}

func (i gitlabIssue) matches(ref *gitlabRef) bool {
	u, err := url.Parse(i.WebURL)
	if err != nil {
		return false
	}
	components := pathComponents(u.Path)
	if len(components) < 2 {
		return false
	}
	return components[0]+"%2F"+components[1] == ref.project && i.IID == ref.iid
}

func (c *Checker) mergeRequestClosedIssues(ctx context.Context) ([]gitlabIssue, error) {
	mr := c.getenv("CI_MERGE_REQUEST_IID")
	if mr == "" {
		return nil, nil
	}
	api := fmt.Sprintf("%s/projects/%s/merge_requests/%s/closes_issues",
		c.getenv("CI_API_V4_URL"), c.getenv("CI_MERGE_REQUEST_PROJECT_ID"), mr)
	var out []gitlabIssue
	if err := c.getJSON(ctx, api, &out); err != nil {
		return nil, fmt.Errorf("could not list issues closed by merge request %s: %w", mr, err)
	}
	return out, nil
}

func (c *Checker) checkGitlab(ctx context.Context, ref *gitlabRef) Finding {
	tests := strings.Join(ref.tests, ", ")
	var issue gitlabIssue
	if err := c.getJSON(ctx, ref.api, &issue); err != nil {
		return Finding{Tests: tests, Bug: ref.bug, Message: fmt.Sprintf("could not properly check bug status: %v", err), Severity: Warning}
	}
	f := Finding{Tests: tests, Bug: ref.bug, Title: issue.Title, Status: issue.State, Severity: Info}
	if issue.WebURL != "" {
		f.Bug = issue.WebURL
	}
	if issue.State == "closed" {
		f.Message = "bug closed already (status: closed)"
		f.Severity = Failure
	}
	return f
}

type bugzillaDoc struct {
	Bugs []struct {
		ID        string `xml:"bug_id"`
		Status    string `xml:"bug_status"`
		ShortDesc string `xml:"short_desc"`
	} `xml:"bug"`
}

func (c *Checker) checkBugzilla(ctx context.Context, server string, refs []bugzillaRef) []Finding {
	byID := make(map[string]bugzillaRef, len(refs))
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, ok := byID[r.id]; !ok {
			ids = append(ids, r.id)
		}
		byID[r.id] = r
	}
	query := url.Values{"id": {strings.Join(ids, ",")}, "ctype": {"xml"}}
	target := server + "?" + query.Encode()

	body, err := c.get(ctx, target)
	if err != nil {
		return []Finding{{Bug: target, Message: fmt.Sprintf("could not properly check bugs status: %v", err), Severity: Warning}}
	}
	var doc bugzillaDoc
	if err := xml.Unmarshal(body, &doc); err != nil || len(doc.Bugs) != len(ids) {
		return []Finding{{Bug: target, Message: "could not properly check bugs status on server", Severity: Warning}}
	}

	var out []Finding
	for _, b := range doc.Bugs {
		ref, ok := byID[b.ID]
		if !ok {
			continue
		}
		f := Finding{Tests: ref.tests, Bug: ref.bug, Title: b.ShortDesc, Status: b.Status, Severity: Info}
		switch {
		case b.Status == "":
			f.Message = "status unknown"
			f.Severity = Warning
		case !openBugzillaStatuses[strings.ToLower(b.Status)]:
			f.Message = fmt.Sprintf("bug closed already (status: %s)", b.Status)
			f.Severity = Failure
		}
		out = append(out, f)
	}
	return out
}

func (c *Checker) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Checker) getJSON(ctx context.Context, target string, v any) error {
	body, err := c.get(ctx, target)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
