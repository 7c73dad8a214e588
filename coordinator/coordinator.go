// Package coordinator runs one fork analysis job end to end: resolution,
// differential analysis, release audit, scanning, aggregation and delivery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"forksentry/classifier"
	"forksentry/differ"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"
	"forksentry/release"
	"forksentry/report"
	"forksentry/scanner"
	"forksentry/storage"
	"forksentry/tracing"
	"forksentry/typosquat"
	"forksentry/workspace"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"
)

type Outcome string

const (
	OutcomePublished  Outcome = "published"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeFailed     Outcome = "failed"
)

var ErrInvalidJob = errors.New("invalid job")

// Hosting is the per-job view of the hosting API.
type Hosting interface {
	Resolve(ctx context.Context, fullName string) (model.RepositoryRef, error)
	ListBranches(ctx context.Context, repo model.RepositoryRef) ([]string, error)
	release.Source
}

// Checkout reads committed content from a resolved fork.
type Checkout interface {
	ReadBlob(ctx context.Context, branch, path string) ([]byte, error)
}

// Differ lists the paths a fork introduced on the named branches. dir must
// not exist yet.
type Differ interface {
	Resolve(ctx context.Context, fork, parent model.RepositoryRef, dir string, branches []string) ([]model.FileDelta, Checkout, error)
}

// GitDiffer adapts differ.Resolver.
type GitDiffer struct {
	*differ.Resolver
}

func (g GitDiffer) Resolve(ctx context.Context, fork, parent model.RepositoryRef, dir string, branches []string) ([]model.FileDelta, Checkout, error) {
	res, err := g.Resolver.Resolve(ctx, fork, parent, dir, branches)
	if err != nil {
		return nil, nil, err
	}
	return res.Deltas, res, nil
}

// Deps are the collaborators of a Coordinator. Hosting and Differ are built
// per job because they carry the job credential.
type Deps struct {
	Hosting   func(ctx context.Context, token string) (Hosting, error)
	Differ    func(token string) Differ
	Inspector *classifier.Inspector
	Scanner   scanner.BatchScanner
	Sink      report.Sink
	// Store is optional; flagged artifacts are archived when it is set.
	Store   storage.Store
	Metrics *metrics.Metrics
	// Hub receives internal failures. Defaults to the current hub.
	Hub *sentry.Hub
}

type Options struct {
	// DefaultToken is used when a job carries no credential of its own.
	DefaultToken       string
	JobTimeout         time.Duration
	WorkDir            string
	DownloadsPerSecond int
	MaxArtifactSize    int64
	MmapMinSize        int64
	MaxBatchBytes      int64
	// FlightDir receives a flight recorder window when a job fails.
	FlightDir string
	Progress  func(int)
}

// Result is the observable end state of one job.
type Result struct {
	Report     *model.AnalysisReport
	Outcome    Outcome
	RetryAfter time.Duration
}

// Deferral signals that the job hit the hosting API quota and should be
// delivered again after RetryAfter.
type Deferral struct {
	RetryAfter time.Duration
	Err        error
}

func (d *Deferral) Error() string {
	return fmt.Sprintf("job deferred for %s: %v", d.RetryAfter.Round(time.Second), d.Err)
}

func (d *Deferral) Unwrap() error { return d.Err }

type Coordinator struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

func New(deps Deps, opts Options) *Coordinator {
	if deps.Hub == nil {
		deps.Hub = sentry.CurrentHub()
	}
	if deps.Inspector == nil {
		deps.Inspector = classifier.NewInspector(classifier.DefaultOptions())
	}
	return &Coordinator{deps: deps, opts: opts, now: time.Now, jitter: randomJitter}
}

// Run processes one job. A rate limit anywhere yields OutcomeDeferred and a
// *Deferral error; any other error yields OutcomeFailed. The job workspace
// is removed before Run returns, whatever the outcome.
func (c *Coordinator) Run(ctx context.Context, job model.Job) (res Result, err error) {
	start := c.now()
	ctx, endTask := tracing.StartTask(ctx, "forksentry.job")
	defer endTask()
	if c.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.JobTimeout)
		defer cancel()
	}
	log := logger.WithFields(map[string]interface{}{
		"parent": job.ParentFullName,
		"fork":   job.ForkFullName,
	})

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
			res = Result{Outcome: OutcomeFailed}
		}
		if err != nil {
			res, err = c.settle(job, res, err)
		}
		c.deps.Metrics.ObserveJob(string(res.Outcome), c.now().Sub(start))
		log.WithField("outcome", res.Outcome).Infof("Job finished in %s", c.now().Sub(start).Round(time.Millisecond))
	}()

	if err := validateJob(job); err != nil {
		return Result{}, err
	}
	ws, err := workspace.New(c.opts.WorkDir)
	if err != nil {
		return Result{}, err
	}
	defer ws.Cleanup()
	log = log.WithField("job", ws.ID)
	log.Info("Job started")

	r, err := c.analyse(ctx, job, ws)
	if err != nil {
		return Result{Report: r}, err
	}
	if !r.AlertWorthy() {
		log.Info("Nothing suspicious, report suppressed")
		return Result{Report: r, Outcome: OutcomeSuppressed}, nil
	}
	if err := c.deps.Sink.Publish(ctx, r); err != nil {
		c.deps.Metrics.ReportPublished(false)
		return Result{Report: r}, fmt.Errorf("publish report: %w", err)
	}
	c.deps.Metrics.ReportPublished(true)
	log.Warnf("Alert published: %d committed and %d released artifacts flagged, typosquat distance %d",
		len(r.SuspiciousCommitted), len(r.SuspiciousReleased), r.Typosquat.Distance)
	return Result{Report: r, Outcome: OutcomePublished}, nil
}

// settle turns a failed run into a deferral or a captured failure.
func (c *Coordinator) settle(job model.Job, res Result, err error) (Result, error) {
	if errors.Is(err, model.ErrRateLimited) {
		delay := c.requeueDelay(err)
		logger.WithFields(map[string]interface{}{"fork": job.ForkFullName}).Warnf("Rate limited, deferring for %s", delay.Round(time.Second))
		return Result{Report: res.Report, Outcome: OutcomeDeferred, RetryAfter: delay}, &Deferral{RetryAfter: delay, Err: err}
	}

	res.Outcome = OutcomeFailed
	logger.WithFields(map[string]interface{}{"fork": job.ForkFullName, "parent": job.ParentFullName}).Errorf("Job failed: %v", err)
	hub := c.deps.Hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("fork", job.ForkFullName)
		scope.SetTag("parent", job.ParentFullName)
	})
	hub.CaptureException(err)
	if c.opts.FlightDir != "" {
		if path, dumpErr := tracing.DumpFlightRecorder(c.opts.FlightDir, job.ForkFullName); dumpErr != nil {
			logger.Warnf("Flight recorder dump failed: %v", dumpErr)
		} else if path != "" {
			logger.Infof("Flight recorder window written to %s", path)
		}
	}
	return res, err
}

func (c *Coordinator) analyse(ctx context.Context, job model.Job, ws *workspace.Workspace) (*model.AnalysisReport, error) {
	token := job.CredentialToken
	if token == "" {
		token = c.opts.DefaultToken
	}
	host, err := c.deps.Hosting(ctx, token)
	if err != nil {
		return nil, err
	}
	fork, err := host.Resolve(ctx, job.ForkFullName)
	if err != nil {
		return nil, err
	}
	parent, err := host.Resolve(ctx, job.ParentFullName)
	if err != nil {
		return nil, err
	}

	decision := typosquat.Score(ownerOf(fork), ownerOf(parent))

	var (
		committed   commitResult
		released    release.Result
		differStage = c.deps.Differ(token)
		auditor     = release.New(host, c.deps.Inspector, c.deps.Scanner, release.Options{
			DownloadsPerSecond: c.opts.DownloadsPerSecond,
			MaxAssetSize:       c.opts.MaxArtifactSize,
			MmapMinSize:        c.opts.MmapMinSize,
			MaxBatchBytes:      c.opts.MaxBatchBytes,
			Metrics:            c.deps.Metrics,
			Progress:           c.opts.Progress,
		})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() (err error) {
		committed, err = c.auditCommits(gctx, host, differStage, fork, parent, ws)
		return err
	}))
	g.Go(guard(func() (err error) {
		released, err = auditor.Audit(gctx, fork, ws)
		return err
	}))
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := report.Aggregate(report.Input{
		Job:       job,
		Typosquat: decision,
		Deltas:    committed.deltas,
		Committed: committed.suspicious,
		Released:  released.Suspicious,
		Assets:    released.AllAssets,
	})
	if c.deps.Store != nil && r.AlertWorthy() {
		c.archive(ctx, parent, fork, r.SuspiciousCommitted, committed.contents)
		c.archive(ctx, parent, fork, r.SuspiciousReleased, released.Contents)
	}
	return r, nil
}

type commitResult struct {
	deltas     []model.FileDelta
	suspicious []model.Artifact
	contents   map[string][]byte
}

func (c *Coordinator) auditCommits(ctx context.Context, host Hosting, d Differ, fork, parent model.RepositoryRef, ws *workspace.Workspace) (commitResult, error) {
	defer tracing.StartRegion(ctx, "coordinator.commits")()

	branches, err := host.ListBranches(ctx, fork)
	if err != nil {
		return commitResult{}, err
	}
	dir, err := ws.Path("clone")
	if err != nil {
		return commitResult{}, err
	}
	deltas, checkout, err := d.Resolve(ctx, fork, parent, dir, branches)
	if err != nil {
		return commitResult{}, err
	}
	scratch, err := ws.Dir("commit-scratch")
	if err != nil {
		return commitResult{}, err
	}

	collector := scanner.NewCollector(c.deps.Scanner, model.OriginCommit, c.opts.MaxBatchBytes, c.opts.Progress)
	for _, delta := range deltas {
		if err := ctx.Err(); err != nil {
			return commitResult{}, err
		}
		if classifier.IsSourcePath(delta.Path) {
			continue
		}
		content, err := checkout.ReadBlob(ctx, delta.Branch, delta.Path)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"fork":   fork.FullName,
				"branch": delta.Branch,
				"path":   delta.Path,
			}).Warnf("Committed file skipped: %v", err)
			continue
		}
		found, err := c.deps.Inspector.Inspect(ctx, delta.Path, content, scratch)
		if err != nil {
			return commitResult{}, err
		}
		if err := collector.Add(ctx, found); err != nil {
			return commitResult{}, err
		}
	}
	if err := collector.Flush(ctx); err != nil {
		return commitResult{}, err
	}

	suspicious := collector.Artifacts()
	logger.Infof("Inspected %d introduced paths of %s: %d suspicious", len(deltas), fork.FullName, len(suspicious))
	return commitResult{
		deltas:     deltas,
		suspicious: suspicious,
		contents:   collector.Contents(),
	}, nil
}

// archive uploads flagged content. Failures are logged; the report is final.
func (c *Coordinator) archive(ctx context.Context, parent, fork model.RepositoryRef, artifacts []model.Artifact, contents map[string][]byte) {
	for _, a := range artifacts {
		content := contents[a.SHA256]
		if len(content) == 0 {
			continue
		}
		key := storage.ObjectKey(parent.FullName, ownerOf(fork), a.Path)
		meta := map[string]string{
			"sha256":     a.SHA256,
			"origin":     string(a.Origin),
			"path":       a.Path,
			"indicators": strings.Join(a.Indicators, ","),
		}
		if err := c.deps.Store.Put(ctx, key, content, meta); err != nil {
			logger.WithFields(map[string]interface{}{"fork": fork.FullName, "key": key}).Warnf("Archive upload failed: %v", err)
		}
	}
}

// guard turns a panic in a stage goroutine into an error for that stage.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
			}
		}()
		return fn()
	}
}

func ownerOf(ref model.RepositoryRef) string {
	if ref.Owner != "" {
		return ref.Owner
	}
	return model.Owner(ref.FullName)
}

func validateJob(job model.Job) error {
	for _, name := range []string{job.ParentFullName, job.ForkFullName} {
		owner, repo, ok := strings.Cut(name, "/")
		if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
			return fmt.Errorf("%w: repository name %q", ErrInvalidJob, name)
		}
	}
	return nil
}
