package coordinator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"forksentry/classifier"
	"forksentry/hosting"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"
	"forksentry/scanner"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	logger.Init("error")
}

func evilELF() []byte {
	buf := make([]byte, 64)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 0x3e)
	le.PutUint32(buf[20:], 1)
	le.PutUint16(buf[52:], 64)
	le.PutUint16(buf[54:], 56)
	le.PutUint16(buf[58:], 64)
	return append(buf, []byte("EVIL")...)
}

type fakeHosting struct {
	repos     map[string]model.RepositoryRef
	releases  []hosting.Release
	blobs     map[string][]byte
	listErr   error
	branches  []string
	branchErr error
}

func (f *fakeHosting) Resolve(_ context.Context, fullName string) (model.RepositoryRef, error) {
	ref, ok := f.repos[fullName]
	if !ok {
		return model.RepositoryRef{}, fmt.Errorf("%w: %s", model.ErrNotFound, fullName)
	}
	return ref, nil
}

func (f *fakeHosting) ListBranches(context.Context, model.RepositoryRef) ([]string, error) {
	return f.branches, f.branchErr
}

func (f *fakeHosting) ListReleases(context.Context, model.RepositoryRef) ([]hosting.Release, error) {
	return f.releases, f.listErr
}

func (f *fakeHosting) Download(_ context.Context, asset model.ReleaseAsset, dst string) (int64, error) {
	data, ok := f.blobs[asset.Filename]
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrAssetFetchFailed, asset.Filename)
	}
	return int64(len(data)), os.WriteFile(dst, data, 0o600)
}

type fakeCheckout map[string][]byte

func (f fakeCheckout) ReadBlob(_ context.Context, branch, path string) ([]byte, error) {
	data, ok := f[branch+":"+path]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return data, nil
}

type fakeDiffer struct {
	deltas      []model.FileDelta
	checkout    fakeCheckout
	err         error
	panics      bool
	sawDir      string
	sawBranches []string
}

func (f *fakeDiffer) Resolve(_ context.Context, _, _ model.RepositoryRef, dir string, branches []string) ([]model.FileDelta, Checkout, error) {
	f.sawDir = dir
	f.sawBranches = branches
	if f.panics {
		panic("differ exploded")
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	// Simulate the clone occupying the workspace.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, err
	}
	return f.deltas, f.checkout, nil
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*model.AnalysisReport
	err     error
}

func (s *recordingSink) Publish(_ context.Context, r *model.AnalysisReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

type recordingStore struct {
	mu   sync.Mutex
	keys []string
	meta []map[string]string
}

func (s *recordingStore) Put(_ context.Context, key string, _ []byte, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.meta = append(s.meta, meta)
	return nil
}

type evilCapability struct{}

func (evilCapability) Name() string { return "fake" }

func (evilCapability) Scan(_ context.Context, s scanner.Sample) ([]string, error) {
	if bytes.Contains(s.Content, []byte("EVIL")) {
		return []string{"fake:evil"}, nil
	}
	return nil, nil
}

type harness struct {
	coord   *Coordinator
	host    *fakeHosting
	differ  *fakeDiffer
	sink    *recordingSink
	store   *recordingStore
	events  *[]*sentry.Event
	metrics *metrics.Metrics
	workDir string
	token   *string
}

func newHarness(t *testing.T, forkOwner, parentOwner string) *harness {
	t.Helper()
	forkName, parentName := forkOwner+"/requests", parentOwner+"/requests"
	h := &harness{
		host: &fakeHosting{
			repos: map[string]model.RepositoryRef{
				forkName:   {Owner: forkOwner, FullName: forkName, DefaultBranch: "main"},
				parentName: {Owner: parentOwner, FullName: parentName, DefaultBranch: "main"},
			},
			blobs: map[string][]byte{},
		},
		differ:  &fakeDiffer{checkout: fakeCheckout{}},
		sink:    &recordingSink{},
		store:   &recordingStore{},
		workDir: t.TempDir(),
		token:   new(string),
	}
	var mu sync.Mutex
	events := []*sentry.Event{}
	h.events = &events
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(e *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("sentry client: %v", err)
	}
	_, h.metrics = metrics.NewRegistry()

	orch := scanner.New(context.Background(), []scanner.Capability{evilCapability{}}, scanner.Options{Concurrency: 2, Metrics: h.metrics})
	h.coord = New(Deps{
		Hosting: func(_ context.Context, token string) (Hosting, error) {
			*h.token = token
			return h.host, nil
		},
		Differ:    func(string) Differ { return h.differ },
		Inspector: classifier.NewInspector(classifier.DefaultOptions()),
		Scanner:   orch,
		Sink:      h.sink,
		Store:     h.store,
		Metrics:   h.metrics,
		Hub:       sentry.NewHub(client, sentry.NewScope()),
	}, Options{DefaultToken: "default-token", JobTimeout: time.Minute, WorkDir: h.workDir})
	h.coord.jitter = func(time.Duration) time.Duration { return 0 }
	return h
}

func (h *harness) job(forkOwner, parentOwner string) model.Job {
	return model.Job{ForkFullName: forkOwner + "/requests", ParentFullName: parentOwner + "/requests", CredentialToken: "job-token"}
}

func (h *harness) assertWorkspaceGone(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("job workspace left behind: %v", entries[0].Name())
	}
}

const (
	farFork   = "zzzzzzzzzzzzzzzzzzzz"
	farParent = "averyveryverylongname"
)

func TestRunPublishesAndArchivesFindings(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	h.differ.deltas = []model.FileDelta{
		{Branch: "main", Path: "bin/tool", Kind: model.ChangeAdded},
		{Branch: "main", Path: "src/main.go", Kind: model.ChangeAdded},
		{Branch: "main", Path: "docs/readme.txt", Kind: model.ChangeAdded},
	}
	h.differ.checkout["main:bin/tool"] = evilELF()
	h.differ.checkout["main:docs/readme.txt"] = []byte("hello")
	h.host.releases = []hosting.Release{{Tag: "v1", Assets: []model.ReleaseAsset{{ReleaseTag: "v1", Filename: "installer.sh"}}}}
	h.host.blobs["installer.sh"] = []byte("#!/bin/sh\n")

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomePublished {
		t.Fatalf("expected published, got %s", res.Outcome)
	}
	if len(h.sink.reports) != 1 {
		t.Fatalf("expected one published report, got %d", len(h.sink.reports))
	}
	r := h.sink.reports[0]
	if r.Typosquat.IsSquatting {
		t.Fatalf("unexpected typosquat decision: %+v", r.Typosquat)
	}
	if len(r.SuspiciousCommitted) != 1 || r.SuspiciousCommitted[0].Path != "bin/tool" || r.SuspiciousCommitted[0].Indicators[0] != "fake:evil" {
		t.Fatalf("unexpected committed findings: %+v", r.SuspiciousCommitted)
	}
	if len(r.SuspiciousReleased) != 1 || r.SuspiciousReleased[0].Path != "v1/installer.sh" {
		t.Fatalf("unexpected released findings: %+v", r.SuspiciousReleased)
	}
	if strings.Join(r.AllCommittedPaths, ",") != "main:bin/tool,main:docs/readme.txt,main:src/main.go" {
		t.Fatalf("unexpected committed ledger: %v", r.AllCommittedPaths)
	}
	if r.CredentialToken != "job-token" || *h.token != "job-token" {
		t.Fatalf("job credential not used: report=%q hosting=%q", r.CredentialToken, *h.token)
	}

	want := map[string]bool{
		farParent + "/requests/" + farFork + "/tool":         true,
		farParent + "/requests/" + farFork + "/installer.sh": true,
	}
	if len(h.store.keys) != 2 {
		t.Fatalf("expected two archived artifacts, got %v", h.store.keys)
	}
	for _, k := range h.store.keys {
		if !want[k] {
			t.Fatalf("unexpected object key %q", k)
		}
	}
	if got := testutil.ToFloat64(h.metrics.Jobs.WithLabelValues(string(OutcomePublished))); got != 1 {
		t.Fatalf("expected published job metric, got %v", got)
	}
	h.assertWorkspaceGone(t)
}

func TestRunArchivesFindingsAcrossBatches(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	h.coord.opts.MaxBatchBytes = 1
	h.differ.deltas = []model.FileDelta{
		{Branch: "main", Path: "bin/a", Kind: model.ChangeAdded},
		{Branch: "main", Path: "bin/b", Kind: model.ChangeAdded},
		{Branch: "dev", Path: "bin/c", Kind: model.ChangeAdded},
	}
	for i, key := range []string{"main:bin/a", "main:bin/b", "dev:bin/c"} {
		h.differ.checkout[key] = append(evilELF(), byte(i))
	}

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	if err != nil || res.Outcome != OutcomePublished {
		t.Fatalf("expected published, got %+v %v", res, err)
	}
	if got := len(res.Report.SuspiciousCommitted); got != 3 {
		t.Fatalf("expected three committed findings, got %d", got)
	}
	if len(h.store.keys) != 3 {
		t.Fatalf("expected every finding archived, got %v", h.store.keys)
	}
}

func TestRunSuppressesCleanFork(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	h.differ.deltas = []model.FileDelta{{Branch: "main", Path: "notes.txt", Kind: model.ChangeAdded}}
	h.differ.checkout["main:notes.txt"] = []byte("just text")

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeSuppressed || res.Report == nil {
		t.Fatalf("expected suppressed with report, got %+v", res)
	}
	if len(h.sink.reports) != 0 || len(h.store.keys) != 0 {
		t.Fatal("clean report must not be forwarded or archived")
	}
	h.assertWorkspaceGone(t)
}

func TestRunPublishesTyposquatAlone(t *testing.T) {
	h := newHarness(t, "reqests", "requests")
	res, err := h.coord.Run(context.Background(), h.job("reqests", "requests"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomePublished || !res.Report.Typosquat.IsSquatting || res.Report.Typosquat.Distance != 1 {
		t.Fatalf("expected typosquat alert, got %+v", res)
	}
}

func TestRunDefersOnRateLimit(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.coord.now = func() time.Time { return now }
	h.host.listErr = &model.RateLimitError{ResetAt: now.Add(10 * time.Minute), Err: errors.New("403 API rate limit exceeded")}
	h.differ.deltas = []model.FileDelta{{Branch: "main", Path: "bin/tool", Kind: model.ChangeAdded}}
	h.differ.checkout["main:bin/tool"] = evilELF()

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	var deferral *Deferral
	if !errors.As(err, &deferral) {
		t.Fatalf("expected deferral, got %v", err)
	}
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatal("deferral should wrap the rate limit")
	}
	if res.Outcome != OutcomeDeferred || res.RetryAfter != 10*time.Minute || deferral.RetryAfter != 10*time.Minute {
		t.Fatalf("unexpected deferral: %+v %+v", res, deferral)
	}
	if len(h.sink.reports) != 0 {
		t.Fatal("deferred job must not publish")
	}
	if len(*h.events) != 0 {
		t.Fatal("deferrals are not internal failures")
	}
	h.assertWorkspaceGone(t)
}

func TestRunFailsOnRepositoryUnavailable(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	h.differ.err = fmt.Errorf("%w: clone: exit status 128", model.ErrRepositoryUnavailable)

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	if !errors.Is(err, model.ErrRepositoryUnavailable) {
		t.Fatalf("expected repository unavailable, got %v", err)
	}
	var deferral *Deferral
	if errors.As(err, &deferral) {
		t.Fatal("failure must not look like a deferral")
	}
	if res.Outcome != OutcomeFailed || res.Report != nil {
		t.Fatalf("expected failure without partial report, got %+v", res)
	}
	if len(*h.events) != 1 || (*h.events)[0].Tags["fork"] != farFork+"/requests" {
		t.Fatalf("expected one tagged sentry event, got %+v", *h.events)
	}
	if !strings.HasPrefix(h.differ.sawDir, h.workDir) {
		t.Fatalf("clone dir %q outside the work dir", h.differ.sawDir)
	}
	h.assertWorkspaceGone(t)
}

func TestRunComparesListedBranches(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	h.host.branches = []string{"main", "dev"}
	if _, err := h.coord.Run(context.Background(), h.job(farFork, farParent)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(h.differ.sawBranches, ",") != "main,dev" {
		t.Fatalf("differ did not receive the listed branches: %v", h.differ.sawBranches)
	}
}

func TestRunDefersWhenBranchListingIsRateLimited(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.coord.now = func() time.Time { return now }
	h.host.branchErr = &model.RateLimitError{ResetAt: now.Add(5 * time.Minute), Err: errors.New("403 API rate limit exceeded")}

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	if !errors.Is(err, model.ErrRateLimited) || res.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferral, got %+v %v", res, err)
	}
	if h.differ.sawDir != "" {
		t.Fatal("differ must not run without a branch list")
	}
	h.assertWorkspaceGone(t)
}

func TestRunRecoversPanicAndCleansUp(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	h.differ.panics = true

	res, err := h.coord.Run(context.Background(), h.job(farFork, farParent))
	if err == nil || !strings.Contains(err.Error(), "differ exploded") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	h.assertWorkspaceGone(t)
}

func TestRunFailsWhenPublishFails(t *testing.T) {
	h := newHarness(t, "reqests", "requests")
	h.sink.err = errors.New("topic gone")
	res, err := h.coord.Run(context.Background(), h.job("reqests", "requests"))
	if err == nil || res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %+v %v", res, err)
	}
	if got := testutil.ToFloat64(h.metrics.ReportsPublished.WithLabelValues("false")); got != 1 {
		t.Fatalf("expected failed publish metric, got %v", got)
	}
}

func TestRunRejectsInvalidJob(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	res, err := h.coord.Run(context.Background(), model.Job{ParentFullName: "psf", ForkFullName: "x/y"})
	if !errors.Is(err, ErrInvalidJob) || res.Outcome != OutcomeFailed {
		t.Fatalf("expected invalid job failure, got %+v %v", res, err)
	}
}

func TestRunFallsBackToDefaultToken(t *testing.T) {
	h := newHarness(t, farFork, farParent)
	job := h.job(farFork, farParent)
	job.CredentialToken = ""
	if _, err := h.coord.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if *h.token != "default-token" {
		t.Fatalf("expected default token, got %q", *h.token)
	}
}

func TestRequeueDelay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Coordinator{now: func() time.Time { return now }, jitter: func(limit time.Duration) time.Duration { return limit / 2 }}
	cases := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"unknown reset", model.ErrRateLimited, time.Hour + 30*time.Second},
		{"reset ahead", &model.RateLimitError{ResetAt: now.Add(20 * time.Minute)}, 20*time.Minute + 30*time.Second},
		{"reset passed", &model.RateLimitError{ResetAt: now.Add(-time.Hour)}, time.Minute},
		{"reset imminent", &model.RateLimitError{ResetAt: now.Add(5 * time.Second)}, time.Minute},
	}
	for _, tc := range cases {
		if got := c.requeueDelay(tc.err); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
	for range 100 {
		if j := randomJitter(time.Minute); j < 0 || j >= time.Minute {
			t.Fatalf("jitter out of range: %s", j)
		}
	}
}
