package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"forksentry/logger"
	"forksentry/model"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type OtelOptions struct {
	Endpoint string
	// FromEnv falls back to the OTEL_EXPORTER_OTLP_* variables when Endpoint
	// is empty.
	FromEnv        bool
	Headers        map[string]string
	ServiceName    string
	ServiceVersion string
	Timeout        time.Duration
}

// OtelSink exports each report as one OTLP/HTTP log record.
type OtelSink struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
}

// NewOtelSink returns nil without error when no endpoint is configured.
func NewOtelSink(opts OtelOptions) (*OtelSink, error) {
	endpoint := resolveOtelEndpoint(opts)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	exportOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		exportOpts = append(exportOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		exportOpts = append(exportOpts, otlploghttp.WithTimeout(opts.Timeout))
	}
	exp, err := otlploghttp.New(context.Background(), exportOpts...)
	if err != nil {
		return nil, err
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "forksentry"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(opts.ServiceVersion))
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	)
	return &OtelSink{
		provider: provider,
		logger:   provider.Logger("forksentry"),
		timeout:  opts.Timeout,
		endpoint: endpoint,
	}, nil
}

func resolveOtelEndpoint(opts OtelOptions) string {
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		return endpoint
	}
	if !opts.FromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *OtelSink) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *OtelSink) Publish(ctx context.Context, r *model.AnalysisReport) error {
	if o == nil || o.logger == nil || r == nil {
		return nil
	}
	now := time.Now()
	var record otelLog.Record
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("forksentry.report")
	record.SetSeverity(otelLog.SeverityWarn)
	record.AddAttributes(
		otelLog.String("record_type", "analysis_report"),
		otelLog.String("schema_version", SchemaVersion),
	)
	record.AddAttributes(reportAttributes(r)...)

	payload := payloadToMap(Redacted(r))
	if payload == nil {
		return fmt.Errorf("otel: report for %s could not be converted", r.ForkFullName)
	}
	record.SetBody(toLogValue(payload))
	o.logger.Emit(ctx, record)
	return nil
}

// Close flushes pending records.
func (o *OtelSink) Close() error {
	if o == nil || o.provider == nil {
		return nil
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
		return err
	}
	return nil
}

func reportAttributes(r *model.AnalysisReport) []otelLog.KeyValue {
	return []otelLog.KeyValue{
		otelLog.String("forksentry.parent", r.ParentFullName),
		otelLog.String("forksentry.fork", r.ForkFullName),
		otelLog.Int("forksentry.typosquat.distance", r.Typosquat.Distance),
		otelLog.Bool("forksentry.typosquat.is_squatting", r.Typosquat.IsSquatting),
		otelLog.Int("forksentry.suspicious_committed_count", len(r.SuspiciousCommitted)),
		otelLog.Int("forksentry.suspicious_released_count", len(r.SuspiciousReleased)),
		otelLog.Int("forksentry.committed_paths_count", len(r.AllCommittedPaths)),
		otelLog.Int("forksentry.release_assets_count", len(r.AllReleaseAssets)),
	}
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		if v == float64(int64(v)) {
			return otelLog.Int64Value(int64(v))
		}
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.StringValue(fmt.Sprint(v))
	}
}

func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func payloadToMap(payload interface{}) map[string]interface{} {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return decoded
}
