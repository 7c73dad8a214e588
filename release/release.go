package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"forksentry/classifier"
	"forksentry/hosting"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"
	"forksentry/scanner"
	"forksentry/tracing"
	"forksentry/workspace"

	"golang.org/x/time/rate"
)

// Source lists and fetches release assets.
type Source interface {
	ListReleases(ctx context.Context, repo model.RepositoryRef) ([]hosting.Release, error)
	Download(ctx context.Context, asset model.ReleaseAsset, dst string) (int64, error)
}

type Options struct {
	// DownloadsPerSecond paces asset downloads; zero leaves them unpaced.
	DownloadsPerSecond int
	MaxAssetSize       int64
	MmapMinSize        int64
	// MaxBatchBytes bounds the downloaded bytes held before they are
	// scanned. Zero means scanner.DefaultBatchBytes.
	MaxBatchBytes      int64
	Metrics            *metrics.Metrics
	Progress           func(int)
}

// Failure records one asset that could not be audited.
type Failure struct {
	Asset model.ReleaseAsset
	Err   error
}

type Result struct {
	Suspicious []model.Artifact
	AllAssets  []model.ReleaseAsset
	Failures   []Failure
	// Contents holds the bytes of each suspicious artifact keyed by digest.
	Contents map[string][]byte
}

// Auditor applies classification and scanning to every release asset of a
// fork.
type Auditor struct {
	src       Source
	inspector *classifier.Inspector
	scan      scanner.BatchScanner
	limiter   *rate.Limiter
	opts      Options
}

func New(src Source, inspector *classifier.Inspector, scan scanner.BatchScanner, opts Options) *Auditor {
	a := &Auditor{src: src, inspector: inspector, scan: scan, opts: opts}
	if opts.DownloadsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.DownloadsPerSecond), opts.DownloadsPerSecond)
	}
	return a
}

// Audit downloads each asset into ws, classifies it and scans what needs
// scanning. A failed download is recorded and skipped; a rate limit aborts
// the audit.
func (a *Auditor) Audit(ctx context.Context, fork model.RepositoryRef, ws *workspace.Workspace) (Result, error) {
	defer tracing.StartRegion(ctx, "release.audit")()

	res := Result{AllAssets: []model.ReleaseAsset{}}
	releases, err := a.src.ListReleases(ctx, fork)
	if err != nil {
		return res, err
	}
	downloads, err := ws.Dir("releases")
	if err != nil {
		return res, err
	}
	scratch, err := ws.Dir("release-scratch")
	if err != nil {
		return res, err
	}

	collector := scanner.NewCollector(a.scan, model.OriginReleaseAsset, a.opts.MaxBatchBytes, a.opts.Progress)
	n := 0
	for _, rel := range releases {
		for _, asset := range rel.Assets {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.AllAssets = append(res.AllAssets, asset)
			n++
			found, err := a.auditAsset(ctx, asset, filepath.Join(downloads, fmt.Sprintf("%04d-%s", n, safeName(asset.Filename))), scratch)
			if errors.Is(err, model.ErrRateLimited) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			if err != nil {
				logger.WithFields(map[string]interface{}{
					"fork":    fork.FullName,
					"release": asset.ReleaseTag,
					"asset":   asset.Filename,
				}).Warnf("Asset skipped: %v", err)
				a.opts.Metrics.AssetFetchFailed()
				res.Failures = append(res.Failures, Failure{Asset: asset, Err: err})
				continue
			}
			if err := collector.Add(ctx, found); err != nil {
				return res, err
			}
		}
	}

	if err := collector.Flush(ctx); err != nil {
		return res, err
	}
	res.Suspicious = collector.Artifacts()
	res.Contents = collector.Contents()
	logger.Infof("Audited %d release assets of %s: %d suspicious, %d failed", len(res.AllAssets), fork.FullName, len(res.Suspicious), len(res.Failures))
	return res, nil
}

func (a *Auditor) auditAsset(ctx context.Context, asset model.ReleaseAsset, dst, scratch string) ([]classifier.Candidate, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	// The downloaded copy never outlives this call.
	defer os.Remove(dst)
	if _, err := a.src.Download(ctx, asset, dst); err != nil {
		return nil, err
	}
	content, err := classifier.ReadFile(dst, a.opts.MaxAssetSize, a.opts.MmapMinSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrAssetFetchFailed, asset.Filename, err)
	}
	_ = os.Remove(dst)
	return a.inspector.Inspect(ctx, asset.ReleaseTag+"/"+asset.Filename, content, scratch)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(name string) string {
	name = unsafeName.ReplaceAllString(filepath.Base(name), "_")
	if name == "" || name == "." || name == ".." {
		return "asset"
	}
	return name
}
