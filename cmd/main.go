package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"forksentry/config"
	"forksentry/coordinator"
	"forksentry/diag"
	"forksentry/logger"
	"forksentry/model"
	"forksentry/report"
	"forksentry/tracing"

	"github.com/getsentry/sentry-go"
	"github.com/schollz/progressbar/v3"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitDeferred = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	if path := os.Getenv("FORKSENTRY_TRACE"); path != "" {
		if err := tracing.Start(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
		} else {
			defer tracing.Stop()
		}
	}

	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return exitFailed
	}

	logger.InitWithFormat(cfg.LogLevel, cfg.LogFormat)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: "forksentry@" + config.Version,
		}); err != nil {
			logger.Warnf("Failed to initialize Sentry: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer tracing.StopFlightRecorder()
		}
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, cfg.TraceFlight, cfg.DiagDir)

	act := &activity{}
	var bar *progressbar.ProgressBar
	if cfg.OneShot() {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Scanning artifacts"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetVisibility(progressVisible()),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetWriter(os.Stderr),
		)
	}
	progress := func(n int) {
		act.progress.Add(int64(n))
		if bar != nil {
			_ = bar.Add(n)
		}
	}

	a, err := newApp(ctx, cfg, progress)
	if err != nil {
		logger.Errorf("Failed to initialize: %v", err)
		return exitFailed
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("Failed to close sinks: %v", err)
		}
	}()
	act.runner = a.coord

	watchdog := diag.New(diag.Options{
		StallThreshold:     cfg.DiagStallThreshold,
		Dir:                cfg.DiagDir,
		ProgressFn:         act.progress.Load,
		BusyFn:             act.inFlight.Load,
		DumpFlightRecorder: flightDumper(cfg.TraceFlight),
	})
	watchdog.Start(ctx)
	defer watchdog.Close()

	if !cfg.OneShot() {
		if err := serve(ctx, cfg.Listen, newMux(act, a.metrics)); err != nil {
			logger.Errorf("Push endpoint failed: %v", err)
			return exitFailed
		}
		logger.Info("Push endpoint stopped.")
		return exitOK
	}

	job := model.Job{
		ParentFullName:  cfg.ParentFullName,
		ForkFullName:    cfg.ForkFullName,
		CredentialToken: cfg.GitHubToken,
	}
	code := runOnce(ctx, act, job, os.Stdout)
	_ = bar.Finish()
	return code
}

// runOnce analyses one fork and prints the report without its credential.
func runOnce(ctx context.Context, runner jobRunner, job model.Job, out io.Writer) int {
	res, err := runner.Run(ctx, job)
	if res.Report != nil {
		data, encErr := report.EncodeIndent(report.Redacted(res.Report))
		if encErr != nil {
			logger.Errorf("Failed to encode report: %v", encErr)
		} else {
			fmt.Fprintln(out, string(data))
		}
	}
	if err != nil {
		logger.Errorf("Analysis of %s did not complete: %v", job.ForkFullName, err)
	}
	return exitCode(res.Outcome)
}

func exitCode(outcome coordinator.Outcome) int {
	switch outcome {
	case coordinator.OutcomePublished, coordinator.OutcomeSuppressed:
		return exitOK
	case coordinator.OutcomeDeferred:
		return exitDeferred
	default:
		return exitFailed
	}
}

func flightDumper(enabled bool) func(string) error {
	if !enabled {
		return nil
	}
	return tracing.WriteFlightRecorder
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("FORKSENTRY_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}

func handleSignals(cancelFunc context.CancelFunc, traceFlight bool, diagDir string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	handleSignalEvent(cancelFunc, traceFlight, diagDir, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, traceFlight bool, diagDir string, sigChan <-chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Shutting down...")

	if traceFlight {
		if path, err := tracing.DumpFlightRecorder(diagDir, "interrupt"); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		} else if path != "" {
			logger.Infof("Flight recorder window written to %s", path)
		}
	}

	cancelFunc()
}
