package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is stamped at build time with -ldflags "-X forksentry/config.Version=...".
var Version = "dev"

type Config struct {
	ParentFullName      string            `json:"parent" yaml:"parent"`
	ForkFullName        string            `json:"fork" yaml:"fork"`
	GitHubToken         string            `json:"github_token" yaml:"github_token"`
	GitHubBaseURL       string            `json:"github_base_url" yaml:"github_base_url"`
	Listen              string            `json:"listen" yaml:"listen"`
	LogLevel            string            `json:"log_level" yaml:"log_level"`
	LogFormat           string            `json:"log_format" yaml:"log_format"`
	ConcurrencyLevel    int               `json:"concurrency_level" yaml:"concurrency_level"`
	MaxAPIPerSecond     int               `json:"max_api_per_second" yaml:"max_api_per_second"`
	MaxDownloadsPerSec  int               `json:"max_downloads_per_second" yaml:"max_downloads_per_second"`
	JobTimeout          time.Duration     `json:"job_timeout" yaml:"job_timeout"`
	APITimeout          time.Duration     `json:"api_timeout" yaml:"api_timeout"`
	GitTimeout          time.Duration     `json:"git_timeout" yaml:"git_timeout"`
	ScanTimeout         time.Duration     `json:"scan_timeout" yaml:"scan_timeout"`
	DownloadTimeout     time.Duration     `json:"download_timeout" yaml:"download_timeout"`
	MaxArtifactSize     int64             `json:"max_artifact_size" yaml:"max_artifact_size"`
	MaxArchiveDepth     int               `json:"max_archive_depth" yaml:"max_archive_depth"`
	MaxArchiveMembers   int               `json:"max_archive_members" yaml:"max_archive_members"`
	MaxExtractedBytes   int64             `json:"max_extracted_bytes" yaml:"max_extracted_bytes"`
	MmapMinSize         int64             `json:"mmap_min_size" yaml:"mmap_min_size"`
	MaxBatchBytes       int64             `json:"max_batch_bytes" yaml:"max_batch_bytes"`
	WorkDir             string            `json:"work_dir" yaml:"work_dir"`
	ClamdAddress        string            `json:"clamd_address" yaml:"clamd_address"`
	VTAPIKey            string            `json:"vt_api_key" yaml:"vt_api_key"`
	VTBaseURL           string            `json:"vt_base_url" yaml:"vt_base_url"`
	VTUpload            bool              `json:"vt_upload" yaml:"vt_upload"`
	SimilarityCorpus    string            `json:"similarity_corpus" yaml:"similarity_corpus"`
	SimilarityThreshold int               `json:"similarity_threshold" yaml:"similarity_threshold"`
	HashIntelFile       string            `json:"hash_intel_file" yaml:"hash_intel_file"`
	IOCTerms            []string          `json:"ioc_terms" yaml:"ioc_terms"`
	GoogleProjectID     string            `json:"google_project_id" yaml:"google_project_id"`
	AlertTopic          string            `json:"alert_topic" yaml:"alert_topic"`
	InfectedBucket      string            `json:"infected_bucket" yaml:"infected_bucket"`
	OutputFileName      string            `json:"output_file_name" yaml:"output_file_name"`
	MaxOutputFileSize   int64             `json:"max_output_file_size" yaml:"max_output_file_size"`
	SentryDSN           string            `json:"sentry_dsn" yaml:"sentry_dsn"`
	OtelEndpoint        string            `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv         bool              `json:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders         map[string]string `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName     string            `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout         time.Duration     `json:"otel_timeout" yaml:"otel_timeout"`
	TraceFlight         bool              `json:"trace_flight" yaml:"trace_flight"`
	TraceFlightMaxBytes uint64            `json:"trace_flight_max_bytes" yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge   time.Duration     `json:"trace_flight_min_age" yaml:"trace_flight_min_age"`
	DiagDir             string            `json:"diag_dir" yaml:"diag_dir"`
	DiagStallThreshold  time.Duration     `json:"diag_stall_threshold" yaml:"diag_stall_threshold"`
	ConfigFile          string            `json:"-" yaml:"-"`
}

// Default returns the configuration used before files, environment and flags
// are applied.
func Default() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		ConcurrencyLevel:    runtime.NumCPU(),
		MaxAPIPerSecond:     10,
		MaxDownloadsPerSec:  4,
		JobTimeout:          30 * time.Minute,
		APITimeout:          30 * time.Second,
		GitTimeout:          10 * time.Minute,
		ScanTimeout:         2 * time.Minute,
		DownloadTimeout:     5 * time.Minute,
		MaxArtifactSize:     100 * 1024 * 1024,
		MaxArchiveDepth:     3,
		MaxArchiveMembers:   2000,
		MaxExtractedBytes:   512 * 1024 * 1024,
		MmapMinSize:         128 * 1024,
		MaxBatchBytes:       256 * 1024 * 1024,
		VTBaseURL:           "https://www.virustotal.com",
		SimilarityThreshold: 50,
		MaxOutputFileSize:   104857600,
		OtelHeaders:         map[string]string{},
		OtelServiceName:     "forksentry",
		OtelTimeout:         5 * time.Second,
		DiagDir:             ".",
	}
}

func LoadConfig() (*Config, error) {
	cfg := Default()

	parent := flag.String("parent", "", "Parent repository full name (owner/name) for a one-shot analysis.")
	fork := flag.String("fork", "", "Fork repository full name (owner/name) for a one-shot analysis.")
	token := flag.String("token", "", "Hosting API credential (default: $GITHUB_TOKEN).")
	githubBaseURL := flag.String("github-base-url", "", "Hosting API base URL for enterprise installs (default: public GitHub).")
	listen := flag.String("listen", "", "Serve the push endpoint on this address instead of running one job (e.g. :8080).")
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	logFormat := flag.String("log-format", cfg.LogFormat, "Log format: text or json (default: text).")
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, fmt.Sprintf("Scan worker pool size (default: %d).", cfg.ConcurrencyLevel))
	maxAPI := flag.Int("max-api-per-second", cfg.MaxAPIPerSecond, fmt.Sprintf("Maximum hosting API calls per second, 0 for unlimited (default: %d).", cfg.MaxAPIPerSecond))
	maxDownloads := flag.Int("max-downloads-per-second", cfg.MaxDownloadsPerSec, fmt.Sprintf("Maximum release asset downloads per second, 0 for unlimited (default: %d).", cfg.MaxDownloadsPerSec))
	jobTimeout := flag.Duration("job-timeout", cfg.JobTimeout, "Overall deadline for one analysis job (default: 30m).")
	apiTimeout := flag.Duration("api-timeout", cfg.APITimeout, "Per-call hosting API timeout (default: 30s).")
	gitTimeout := flag.Duration("git-timeout", cfg.GitTimeout, "Per-fetch git timeout (default: 10m).")
	scanTimeout := flag.Duration("scan-timeout", cfg.ScanTimeout, "Per-call scanner capability timeout (default: 2m).")
	downloadTimeout := flag.Duration("download-timeout", cfg.DownloadTimeout, "Per-asset download timeout (default: 5m).")
	maxArtifactSize := flag.Int64("max-artifact-size", cfg.MaxArtifactSize, fmt.Sprintf("Maximum size in bytes of a single artifact (default: %d).", cfg.MaxArtifactSize))
	maxArchiveDepth := flag.Int("max-archive-depth", cfg.MaxArchiveDepth, fmt.Sprintf("Maximum nested archive depth (default: %d).", cfg.MaxArchiveDepth))
	maxArchiveMembers := flag.Int("max-archive-members", cfg.MaxArchiveMembers, fmt.Sprintf("Maximum members extracted per archive (default: %d).", cfg.MaxArchiveMembers))
	maxExtracted := flag.Int64("max-extracted-bytes", cfg.MaxExtractedBytes, fmt.Sprintf("Maximum bytes extracted per archive (default: %d).", cfg.MaxExtractedBytes))
	mmapMinSize := flag.Int64("mmap-min-size", cfg.MmapMinSize, "Minimum file size in bytes for the mmap read path (default: 131072).")
	maxBatch := flag.Int64("max-batch-bytes", cfg.MaxBatchBytes, fmt.Sprintf("Maximum artifact bytes held in memory before they are scanned (default: %d).", cfg.MaxBatchBytes))
	workDir := flag.String("work-dir", "", "Parent directory for job workspaces (default: system temp dir).")
	clamd := flag.String("clamd-address", "", "ClamAV daemon address, host:port or unix socket path (default: $CLAMD_ADDRESS).")
	vtKey := flag.String("vt-api-key", "", "VirusTotal API key (default: $VT_API_KEY).")
	vtBaseURL := flag.String("vt-base-url", cfg.VTBaseURL, "VirusTotal API host URL.")
	vtUpload := flag.Bool("vt-upload", cfg.VTUpload, "Upload unknown samples to VirusTotal and wait for a verdict (default: false).")
	corpus := flag.String("similarity-corpus", "", "YAML reference corpus of TLSH digests (default: none).")
	similarity := flag.Int("similarity-threshold", cfg.SimilarityThreshold, fmt.Sprintf("Maximum TLSH distance reported as a family match (default: %d).", cfg.SimilarityThreshold))
	hashIntel := flag.String("hash-intel-file", "", "Known-bad SHA-256 list, one '<sha256> [label]' per line (default: none).")
	iocTerms := flag.String("ioc-terms", "", "Comma-separated strings flagged when present in scanned artifacts (default: none).")
	projectID := flag.String("project", "", "Google Cloud project ID (default: $GOOGLE_PROJECT_ID).")
	alertTopic := flag.String("alert-topic", "", "Pub/Sub topic receiving alert-worthy reports (default: $ALERT_TOPIC).")
	bucket := flag.String("infected-bucket", "", "Cloud Storage bucket for flagged artifacts (default: $INFECTED_BUCKET).")
	output := flag.String("output", "", "Append alert-worthy reports to this NDJSON file (default: none).")
	maxOutputFileSize := flag.Int64("max-output-file-size", cfg.MaxOutputFileSize, fmt.Sprintf("Maximum output file size before rotation in bytes (default: %d).", cfg.MaxOutputFileSize))
	sentryDSN := flag.String("sentry-dsn", "", "Sentry DSN for internal failures (default: $SENTRY_DSN).")
	configFile := flag.String("config", "", "Path to JSON or YAML configuration file (default: none).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: forksentry).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Keep a flight recorder window and dump it when a job fails (default: %t).", cfg.TraceFlight))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Directory receiving flight recorder dumps (default: current directory).")
	diagStall := flag.Duration("diag-stall-threshold", cfg.DiagStallThreshold, "Capture diagnostics when running jobs make no progress for this long (default: 0, disabled).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("forksentry version %s\n", Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.Getenv)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "parent":
			cfg.ParentFullName = strings.TrimSpace(*parent)
		case "fork":
			cfg.ForkFullName = strings.TrimSpace(*fork)
		case "token":
			cfg.GitHubToken = *token
		case "github-base-url":
			cfg.GitHubBaseURL = strings.TrimSpace(*githubBaseURL)
		case "listen":
			cfg.Listen = strings.TrimSpace(*listen)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
		case "max-api-per-second":
			cfg.MaxAPIPerSecond = *maxAPI
		case "max-downloads-per-second":
			cfg.MaxDownloadsPerSec = *maxDownloads
		case "job-timeout":
			cfg.JobTimeout = *jobTimeout
		case "api-timeout":
			cfg.APITimeout = *apiTimeout
		case "git-timeout":
			cfg.GitTimeout = *gitTimeout
		case "scan-timeout":
			cfg.ScanTimeout = *scanTimeout
		case "download-timeout":
			cfg.DownloadTimeout = *downloadTimeout
		case "max-artifact-size":
			cfg.MaxArtifactSize = *maxArtifactSize
		case "max-archive-depth":
			cfg.MaxArchiveDepth = *maxArchiveDepth
		case "max-archive-members":
			cfg.MaxArchiveMembers = *maxArchiveMembers
		case "max-extracted-bytes":
			cfg.MaxExtractedBytes = *maxExtracted
		case "mmap-min-size":
			cfg.MmapMinSize = *mmapMinSize
		case "max-batch-bytes":
			cfg.MaxBatchBytes = *maxBatch
		case "work-dir":
			cfg.WorkDir = strings.TrimSpace(*workDir)
		case "clamd-address":
			cfg.ClamdAddress = strings.TrimSpace(*clamd)
		case "vt-api-key":
			cfg.VTAPIKey = strings.TrimSpace(*vtKey)
		case "vt-base-url":
			cfg.VTBaseURL = strings.TrimSpace(*vtBaseURL)
		case "vt-upload":
			cfg.VTUpload = *vtUpload
		case "similarity-corpus":
			cfg.SimilarityCorpus = strings.TrimSpace(*corpus)
		case "similarity-threshold":
			cfg.SimilarityThreshold = *similarity
		case "hash-intel-file":
			cfg.HashIntelFile = strings.TrimSpace(*hashIntel)
		case "ioc-terms":
			cfg.IOCTerms = parseCommaSeparated(*iocTerms)
		case "project":
			cfg.GoogleProjectID = strings.TrimSpace(*projectID)
		case "alert-topic":
			cfg.AlertTopic = strings.TrimSpace(*alertTopic)
		case "infected-bucket":
			cfg.InfectedBucket = strings.TrimSpace(*bucket)
		case "output":
			cfg.OutputFileName = strings.TrimSpace(*output)
		case "max-output-file-size":
			cfg.MaxOutputFileSize = *maxOutputFileSize
		case "sentry-dsn":
			cfg.SentryDSN = strings.TrimSpace(*sentryDSN)
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStall
		}
	})
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.OtelHeaders == nil {
		cfg.OtelHeaders = map[string]string{}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("forksentry - fork supply-chain analysis")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  forksentry [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  forksentry --parent psf/requests --fork someone/requests")
	fmt.Println("  forksentry --listen :8080 --alert-topic fork-alerts --clamd-address clamd:3310")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

// applyEnv fills settings that deployments conventionally pass through the
// environment. Values already set by the config file win.
func (cfg *Config) applyEnv(getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		*dst = strings.TrimSpace(getenv(key))
	}
	fill(&cfg.GitHubToken, "GITHUB_TOKEN")
	fill(&cfg.ClamdAddress, "CLAMD_ADDRESS")
	fill(&cfg.VTAPIKey, "VT_API_KEY")
	fill(&cfg.GoogleProjectID, "GOOGLE_PROJECT_ID")
	fill(&cfg.AlertTopic, "ALERT_TOPIC")
	fill(&cfg.InfectedBucket, "INFECTED_BUCKET")
	fill(&cfg.SentryDSN, "SENTRY_DSN")
}

// OneShot reports whether the process analyses a single fork from flags
// instead of serving the push endpoint.
func (cfg *Config) OneShot() bool {
	return cfg.Listen == ""
}

func (cfg *Config) validate() error {
	if cfg.OneShot() {
		if cfg.ParentFullName == "" || cfg.ForkFullName == "" {
			return fmt.Errorf("either --listen or both --parent and --fork must be specified")
		}
		if !validFullName(cfg.ParentFullName) {
			return fmt.Errorf("invalid parent repository name: %s", cfg.ParentFullName)
		}
		if !validFullName(cfg.ForkFullName) {
			return fmt.Errorf("invalid fork repository name: %s", cfg.ForkFullName)
		}
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.MaxAPIPerSecond < 0 {
		return fmt.Errorf("max-api-per-second must be zero or positive")
	}
	if cfg.MaxDownloadsPerSec < 0 {
		return fmt.Errorf("max-downloads-per-second must be zero or positive")
	}
	for name, d := range map[string]time.Duration{
		"job-timeout":      cfg.JobTimeout,
		"api-timeout":      cfg.APITimeout,
		"git-timeout":      cfg.GitTimeout,
		"scan-timeout":     cfg.ScanTimeout,
		"download-timeout": cfg.DownloadTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.MaxArtifactSize <= 0 {
		return fmt.Errorf("max-artifact-size must be positive")
	}
	if cfg.MaxArchiveDepth < 0 {
		return fmt.Errorf("max-archive-depth must be zero or positive")
	}
	if cfg.MaxArchiveMembers <= 0 || cfg.MaxExtractedBytes <= 0 {
		return fmt.Errorf("archive member and byte limits must be positive")
	}
	if cfg.MaxBatchBytes <= 0 {
		return fmt.Errorf("max-batch-bytes must be positive")
	}
	if cfg.MmapMinSize < 0 {
		return fmt.Errorf("mmap-min-size must be zero or positive")
	}
	if cfg.SimilarityThreshold < 0 {
		return fmt.Errorf("similarity-threshold must be zero or positive")
	}
	if cfg.VTUpload && cfg.VTAPIKey == "" {
		return fmt.Errorf("--vt-upload requires a VirusTotal API key")
	}
	if cfg.AlertTopic != "" && cfg.GoogleProjectID == "" {
		return fmt.Errorf("--alert-topic requires a Google Cloud project")
	}
	if cfg.InfectedBucket != "" && cfg.GoogleProjectID == "" {
		return fmt.Errorf("--infected-bucket requires a Google Cloud project")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func validFullName(name string) bool {
	owner, repo, ok := strings.Cut(name, "/")
	return ok && owner != "" && repo != "" && !strings.Contains(repo, "/")
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
