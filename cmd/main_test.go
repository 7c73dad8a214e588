package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"forksentry/coordinator"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"
)

func init() {
	logger.Init("error")
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []model.Job
	res  coordinator.Result
	err  error
}

func (f *fakeRunner) Run(_ context.Context, job model.Job) (coordinator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.res, f.err
}

func (f *fakeRunner) calls() []model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Job(nil), f.jobs...)
}

func pushBody(t *testing.T, data []byte) io.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "42",
		},
		"subscription": "projects/p/subscriptions/fork-jobs",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return bytes.NewReader(body)
}

func push(t *testing.T, runner jobRunner, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	_, m := metrics.NewRegistry()
	rec := httptest.NewRecorder()
	newMux(runner, m).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", body))
	return rec
}

func TestPushRunsJob(t *testing.T) {
	runner := &fakeRunner{res: coordinator.Result{Outcome: coordinator.OutcomePublished}}
	job := model.Job{ParentFullName: "psf/requests", ForkFullName: "reqests/requests", CredentialToken: "t"}
	data, _ := json.Marshal(job)

	rec := push(t, runner, pushBody(t, data))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	calls := runner.calls()
	if len(calls) != 1 || calls[0] != job {
		t.Fatalf("unexpected jobs: %+v", calls)
	}
}

func TestPushDeferralAsksForRedelivery(t *testing.T) {
	runner := &fakeRunner{
		res: coordinator.Result{Outcome: coordinator.OutcomeDeferred, RetryAfter: 9*time.Minute + 59500*time.Millisecond},
		err: &coordinator.Deferral{RetryAfter: 9*time.Minute + 59500*time.Millisecond, Err: model.ErrRateLimited},
	}
	data, _ := json.Marshal(model.Job{ParentFullName: "a/b", ForkFullName: "c/b"})

	rec := push(t, runner, pushBody(t, data))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "600" {
		t.Fatalf("expected Retry-After 600, got %q", got)
	}
}

func TestPushAcknowledgesFailures(t *testing.T) {
	runner := &fakeRunner{
		res: coordinator.Result{Outcome: coordinator.OutcomeFailed},
		err: model.ErrRepositoryUnavailable,
	}
	data, _ := json.Marshal(model.Job{ParentFullName: "a/b", ForkFullName: "c/b"})
	if rec := push(t, runner, pushBody(t, data)); rec.Code != http.StatusNoContent {
		t.Fatalf("expected failed job to be acknowledged, got %d", rec.Code)
	}
}

func TestPushRejectsMalformedEnvelope(t *testing.T) {
	runner := &fakeRunner{}
	for name, body := range map[string]string{
		"not json":   "{",
		"bad base64": `{"message":{"data":"***"}}`,
	} {
		if rec := push(t, runner, strings.NewReader(body)); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if len(runner.calls()) != 0 {
		t.Fatal("runner must not be called for malformed envelopes")
	}
}

func TestPushDropsUndecodableJob(t *testing.T) {
	runner := &fakeRunner{}
	rec := push(t, runner, pushBody(t, []byte("not a job")))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected poison message to be acknowledged, got %d", rec.Code)
	}
	if len(runner.calls()) != 0 {
		t.Fatal("runner must not be called for undecodable jobs")
	}
}

func TestPushAcknowledgesEmptyMessage(t *testing.T) {
	runner := &fakeRunner{}
	for name, body := range map[string]io.Reader{
		"no data":    strings.NewReader(`{"message":{"messageId":"1"}}`),
		"empty data": pushBody(t, nil),
	} {
		if rec := push(t, runner, body); rec.Code != http.StatusNoContent {
			t.Errorf("%s: expected 204 so the message is not redelivered, got %d", name, rec.Code)
		}
	}
	if len(runner.calls()) != 0 {
		t.Fatal("runner must not be called for empty messages")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, m := metrics.NewRegistry()
	srv := httptest.NewServer(newMux(&fakeRunner{}, m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "forksentry_artifacts_scanned_total") {
		t.Fatalf("metrics output missing counters:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected GET / to be rejected, got %d", resp.StatusCode)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, "127.0.0.1:0", http.NewServeMux())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestRunOncePrintsRedactedReport(t *testing.T) {
	r := &model.AnalysisReport{
		ParentFullName:      "psf/requests",
		ForkFullName:        "reqests/requests",
		CredentialToken:     "secret",
		SuspiciousCommitted: []model.Artifact{},
		SuspiciousReleased:  []model.Artifact{},
		AllCommittedPaths:   []string{},
		AllReleaseAssets:    []model.ReleaseAsset{},
	}
	runner := &fakeRunner{res: coordinator.Result{Report: r, Outcome: coordinator.OutcomeSuppressed}}

	var out bytes.Buffer
	code := runOnce(context.Background(), runner, model.Job{ForkFullName: "reqests/requests"}, &out)
	if code != exitOK {
		t.Fatalf("expected exit %d, got %d", exitOK, code)
	}
	if strings.Contains(out.String(), "secret") {
		t.Fatal("credential token printed")
	}
	var got model.AnalysisReport
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode printed report: %v", err)
	}
	if got.ForkFullName != "reqests/requests" {
		t.Fatalf("unexpected report: %+v", got)
	}
	if r.CredentialToken != "secret" {
		t.Fatal("printing must not mutate the report")
	}
}

func TestRunOnceWithoutReport(t *testing.T) {
	runner := &fakeRunner{
		res: coordinator.Result{Outcome: coordinator.OutcomeFailed},
		err: errors.New("boom"),
	}
	var out bytes.Buffer
	if code := runOnce(context.Background(), runner, model.Job{}, &out); code != exitFailed {
		t.Fatalf("expected exit %d, got %d", exitFailed, code)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestExitCode(t *testing.T) {
	cases := map[coordinator.Outcome]int{
		coordinator.OutcomePublished:  exitOK,
		coordinator.OutcomeSuppressed: exitOK,
		coordinator.OutcomeDeferred:   exitDeferred,
		coordinator.OutcomeFailed:     exitFailed,
		"":                            exitFailed,
	}
	for outcome, want := range cases {
		if got := exitCode(outcome); got != want {
			t.Errorf("exitCode(%q) = %d, want %d", outcome, got, want)
		}
	}
}

func TestHandleSignalEventCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	diagDir := t.TempDir()

	done := make(chan struct{})
	go func() {
		handleSignalEvent(cancel, false, diagDir, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(context.Context, model.Job) (coordinator.Result, error) {
	close(b.started)
	<-b.release
	return coordinator.Result{Outcome: coordinator.OutcomeSuppressed}, nil
}

func TestActivityTracksJobsInFlight(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	act := &activity{runner: runner}

	done := make(chan struct{})
	go func() {
		_, _ = act.Run(context.Background(), model.Job{})
		close(done)
	}()
	<-runner.started
	if got := act.inFlight.Load(); got != 1 {
		t.Fatalf("expected one job in flight, got %d", got)
	}
	close(runner.release)
	<-done
	if act.inFlight.Load() != 0 || act.progress.Load() != 1 {
		t.Fatalf("unexpected counters: inFlight=%d progress=%d", act.inFlight.Load(), act.progress.Load())
	}
}
