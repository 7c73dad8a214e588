package scanner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"forksentry/hasher"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"

	"golang.org/x/sync/singleflight"
)

// Sample is one artifact handed to the scanners.
type Sample struct {
	Path    string
	Content []byte
	SHA256  string
	Tags    model.Tags
}

// Capability is a single malware detection technique. Scan returns zero or
// more indicator strings; an error means no verdict could be obtained.
type Capability interface {
	Name() string
	Scan(ctx context.Context, sample Sample) ([]string, error)
}

// Pinger is implemented by capabilities backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Concurrency int
	// Timeout bounds one capability call on one sample.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Orchestrator fans samples out to every configured capability.
type Orchestrator struct {
	caps []Capability
	opts Options
}

// New pings every capability that supports it and keeps only the reachable
// ones. A capability that cannot be reached is logged and left out.
func New(ctx context.Context, caps []Capability, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	kept := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if c == nil {
			continue
		}
		if p, ok := c.(Pinger); ok {
			if err := ping(ctx, p, opts.Timeout); err != nil {
				logger.Warnf("Scanner capability %s unavailable, disabling: %v", c.Name(), err)
				continue
			}
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		logger.Warn("No scanner capabilities configured; binaries will only be classified")
	}
	return &Orchestrator{caps: kept, opts: opts}
}

func ping(ctx context.Context, p Pinger, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Ping(ctx)
}

// Capabilities lists the active capability names in registration order.
func (o *Orchestrator) Capabilities() []string {
	names := make([]string, len(o.caps))
	for i, c := range o.caps {
		names[i] = c.Name()
	}
	return names
}

// Scan runs every capability against sample. Failures are logged and never
// stop the remaining capabilities. Indicators follow capability order.
func (o *Orchestrator) Scan(ctx context.Context, sample Sample) []string {
	if sample.SHA256 == "" {
		sample.SHA256 = hasher.SHA256(sample.Content)
	}
	var indicators []string
	for _, c := range o.caps {
		if ctx.Err() != nil {
			break
		}
		found, err := o.runOne(ctx, c, sample)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"capability": c.Name(),
				"artifact":   sample.Path,
			}).Warnf("Scan failed: %v", err)
			o.opts.Metrics.CapabilityFailed(c.Name())
			continue
		}
		for range found {
			o.opts.Metrics.IndicatorRaised(c.Name())
		}
		indicators = append(indicators, found...)
	}
	return indicators
}

func (o *Orchestrator) runOne(ctx context.Context, c Capability, sample Sample) (found []string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", model.ErrScannerUnavailable, c.Name(), r)
		}
	}()
	found, err = c.Scan(callCtx, sample)
	if err != nil && !errors.Is(err, model.ErrScannerUnavailable) {
		err = fmt.Errorf("%w: %s: %w", model.ErrScannerUnavailable, c.Name(), err)
	}
	return found, err
}

// Job pairs a sample with the indicators found for it.
type Job struct {
	Sample     Sample
	Indicators []string
}

// ScanAll scans jobs with a bounded worker pool. Identical content is scanned
// once per call and the resulting indicator slice is shared between those
// jobs. progress, when set, is called from the workers once per finished job.
func (o *Orchestrator) ScanAll(ctx context.Context, jobs []*Job, progress func(int)) error {
	if len(jobs) == 0 {
		return ctx.Err()
	}

	var (
		memoMu sync.Mutex
		memo   = make(map[[32]byte][]string, len(jobs))
		group  singleflight.Group
	)
	scanMemo := func(job *Job) {
		key := hasher.ContentKey(job.Sample.Content)
		memoMu.Lock()
		cached, ok := memo[key]
		memoMu.Unlock()
		if ok {
			job.Indicators = cached
			o.opts.Metrics.ArtifactScanned(true)
			return
		}
		v, _, shared := group.Do(hex.EncodeToString(key[:]), func() (interface{}, error) {
			memoMu.Lock()
			cached, ok := memo[key]
			memoMu.Unlock()
			if ok {
				return cached, nil
			}
			found := o.Scan(ctx, job.Sample)
			if ctx.Err() == nil {
				memoMu.Lock()
				memo[key] = found
				memoMu.Unlock()
			}
			return found, nil
		})
		job.Indicators = v.([]string)
		o.opts.Metrics.ArtifactScanned(shared)
	}

	jobsCh := make(chan *Job, o.opts.Concurrency)
	var wg sync.WaitGroup
	for range o.opts.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobsCh {
				select {
				case <-ctx.Done():
					continue
				default:
				}
				scanMemo(job)
				if progress != nil {
					progress(1)
				}
			}
		}()
	}

feed:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case jobsCh <- job:
		}
	}
	close(jobsCh)
	wg.Wait()
	return ctx.Err()
}
