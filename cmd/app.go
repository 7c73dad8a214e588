package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"forksentry/classifier"
	"forksentry/config"
	"forksentry/coordinator"
	"forksentry/differ"
	"forksentry/fuzzy"
	"forksentry/hosting"
	"forksentry/logger"
	"forksentry/metrics"
	"forksentry/model"
	"forksentry/report"
	"forksentry/scanner"
	"forksentry/storage"
)

// app owns every long-lived collaborator of the process.
type app struct {
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, progress func(int)) (*app, error) {
	a := &app{}
	_, a.metrics = metrics.NewRegistry()

	caps, err := a.buildCapabilities(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	orchestrator := scanner.New(ctx, caps, scanner.Options{
		Concurrency: cfg.ConcurrencyLevel,
		Timeout:     cfg.ScanTimeout,
		Metrics:     a.metrics,
	})
	logger.Infof("Active scanner capabilities: %v", orchestrator.Capabilities())

	sink, err := a.buildSinks(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := coordinator.Deps{
		Hosting: func(ctx context.Context, token string) (coordinator.Hosting, error) {
			client, err := hosting.NewClient(ctx, hosting.Options{
				BaseURL:           cfg.GitHubBaseURL,
				Token:             token,
				RequestsPerSecond: cfg.MaxAPIPerSecond,
				APITimeout:        cfg.APITimeout,
				DownloadTimeout:   cfg.DownloadTimeout,
				MaxDownloadSize:   cfg.MaxArtifactSize,
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Differ: func(token string) coordinator.Differ {
			return coordinator.GitDiffer{Resolver: differ.New(differ.Options{
				Token:       token,
				Timeout:     cfg.GitTimeout,
				MaxBlobSize: cfg.MaxArtifactSize,
			})}
		},
		Inspector: classifier.NewInspector(classifier.Options{
			MaxDepth:          cfg.MaxArchiveDepth,
			MaxMembers:        cfg.MaxArchiveMembers,
			MaxExtractedBytes: cfg.MaxExtractedBytes,
			MaxMemberSize:     cfg.MaxArtifactSize,
			MmapMinSize:       cfg.MmapMinSize,
		}),
		Scanner: orchestrator,
		Sink:    sink,
		Metrics: a.metrics,
	}
	if cfg.InfectedBucket != "" {
		store, err := storage.NewGCSStore(ctx, cfg.InfectedBucket)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("cold storage: %w", err)
		}
		a.closers = append(a.closers, store)
		deps.Store = store
	}

	flightDir := ""
	if cfg.TraceFlight {
		flightDir = cfg.DiagDir
	}
	a.coord = coordinator.New(deps, coordinator.Options{
		DefaultToken:       cfg.GitHubToken,
		JobTimeout:         cfg.JobTimeout,
		WorkDir:            cfg.WorkDir,
		DownloadsPerSecond: cfg.MaxDownloadsPerSec,
		MaxArtifactSize:    cfg.MaxArtifactSize,
		MmapMinSize:        cfg.MmapMinSize,
		MaxBatchBytes:      cfg.MaxBatchBytes,
		FlightDir:          flightDir,
		Progress:           progress,
	})
	return a, nil
}

// buildCapabilities constructs every configured scanner. The hash intel index
// file is removed with the app.
func (a *app) buildCapabilities(cfg *config.Config) ([]scanner.Capability, error) {
	var caps []scanner.Capability
	if cfg.HashIntelFile != "" {
		intel, err := scanner.LoadHashIntel(cfg.HashIntelFile, cfg.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("hash intel: %w", err)
		}
		a.closers = append(a.closers, intel)
		logger.Infof("Loaded %d known-bad digests from %s", intel.Len(), cfg.HashIntelFile)
		caps = append(caps, intel)
	}
	if cfg.ClamdAddress != "" {
		caps = append(caps, scanner.NewClamd(cfg.ClamdAddress))
	}
	if cfg.VTAPIKey != "" {
		vt, err := scanner.NewVirusTotal(scanner.VirusTotalOptions{
			BaseURL: cfg.VTBaseURL,
			APIKey:  cfg.VTAPIKey,
			Upload:  cfg.VTUpload,
		})
		if err != nil {
			return nil, err
		}
		caps = append(caps, vt)
	}
	if cfg.SimilarityCorpus != "" {
		corpus, err := fuzzy.LoadCorpus(cfg.SimilarityCorpus)
		if err != nil {
			return nil, fmt.Errorf("similarity corpus: %w", err)
		}
		logger.Infof("Loaded %d reference digests from %s", corpus.Len(), cfg.SimilarityCorpus)
		caps = append(caps, scanner.NewSimilarity(corpus, cfg.SimilarityThreshold))
	}
	if len(cfg.IOCTerms) > 0 {
		caps = append(caps, scanner.NewStrings(cfg.IOCTerms))
	}
	return caps, nil
}

// buildSinks wires every configured delivery target. Sinks that hold
// connections are closed with the app.
func (a *app) buildSinks(ctx context.Context, cfg *config.Config) (report.MultiSink, error) {
	var sinks report.MultiSink
	if cfg.AlertTopic != "" {
		ps, err := report.NewPubSubSink(ctx, cfg.GoogleProjectID, cfg.AlertTopic)
		if err != nil {
			return nil, fmt.Errorf("alert topic: %w", err)
		}
		a.closers = append(a.closers, ps)
		sinks = append(sinks, ps)
	}
	if cfg.OutputFileName != "" {
		fs, err := report.NewFileSink(cfg.OutputFileName, cfg.MaxOutputFileSize)
		if err != nil {
			return nil, fmt.Errorf("output file: %w", err)
		}
		a.closers = append(a.closers, fs)
		sinks = append(sinks, fs)
	}
	otelSink, err := report.NewOtelSink(report.OtelOptions{
		Endpoint:       cfg.OtelEndpoint,
		FromEnv:        cfg.OtelFromEnv,
		Headers:        cfg.OtelHeaders,
		ServiceName:    cfg.OtelServiceName,
		ServiceVersion: config.Version,
		Timeout:        cfg.OtelTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("otel export: %w", err)
	}
	if otelSink != nil {
		logger.Infof("Exporting reports to %s", otelSink.Endpoint())
		a.closers = append(a.closers, otelSink)
		sinks = append(sinks, otelSink)
	}
	if len(sinks) == 0 && !cfg.OneShot() {
		logger.Warn("No report sink configured; alert-worthy reports will only be logged")
	}
	return sinks, nil
}

// Close releases sinks and storage in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// activity counts jobs in flight and scan progress for the stall watchdog.
type activity struct {
	runner   jobRunner
	inFlight atomic.Int64
	progress atomic.Int64
}

func (a *activity) Run(ctx context.Context, job model.Job) (coordinator.Result, error) {
	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	defer a.progress.Add(1)
	return a.runner.Run(ctx, job)
}
