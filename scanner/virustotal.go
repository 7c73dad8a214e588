package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"forksentry/model"

	vt "github.com/VirusTotal/vt-go"
	"golang.org/x/time/rate"
)

type VirusTotalOptions struct {
	// BaseURL overrides the API host, e.g. for a proxy. Only scheme and host
	// are used; the client owns the /api/v3 prefix.
	BaseURL string
	APIKey  string
	// Upload submits unknown samples and polls for the analysis verdict.
	Upload       bool
	PollInterval time.Duration
	MaxPolls     int
	// RequestsPerMinute paces API calls; zero leaves them unpaced.
	RequestsPerMinute int
	Client            *http.Client
}

// VirusTotal looks samples up by digest with the v3 API.
type VirusTotal struct {
	opts    VirusTotalOptions
	client  *vt.Client
	limiter *rate.Limiter
}

func NewVirusTotal(opts VirusTotalOptions) (*VirusTotal, error) {
	if opts.APIKey == "" {
		return nil, errors.New("virustotal: api key is required")
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("virustotal: invalid base url %q", opts.BaseURL)
		}
		vt.SetHost(u.Scheme + "://" + u.Host)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 20
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	client := vt.NewClient(opts.APIKey, vt.WithHTTPClient(httpClient))
	client.Agent = "forksentry"
	v := &VirusTotal{opts: opts, client: client}
	if opts.RequestsPerMinute > 0 {
		v.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return v, nil
}

func (v *VirusTotal) Name() string { return "virustotal" }

type vtStats struct {
	Malicious  int
	Suspicious int
	Undetected int
	Harmless   int
}

func (s vtStats) engines() int {
	return s.Malicious + s.Suspicious + s.Undetected + s.Harmless
}

var errVTUnknown = errors.New("virustotal: sample unknown")

func (v *VirusTotal) Scan(ctx context.Context, sample Sample) ([]string, error) {
	stats, err := v.lookup(ctx, sample.SHA256)
	if errors.Is(err, errVTUnknown) {
		if !v.opts.Upload {
			return nil, nil
		}
		stats, err = v.submit(ctx, sample)
	}
	if err != nil {
		return nil, err
	}
	return verdict(stats), nil
}

func verdict(stats vtStats) []string {
	if stats.Malicious == 0 {
		return nil
	}
	return []string{fmt.Sprintf("virustotal:%d/%d", stats.Malicious, stats.engines())}
}

func (v *VirusTotal) lookup(ctx context.Context, sha256 string) (vtStats, error) {
	obj, err := v.getObject(ctx, vt.URL("files/%s", sha256))
	if err != nil {
		return vtStats{}, err
	}
	return statsOf(obj, "last_analysis_stats")
}

func (v *VirusTotal) submit(ctx context.Context, sample Sample) (vtStats, error) {
	name := sample.SHA256
	if sample.Path != "" {
		name = sample.Path[strings.LastIndexAny(sample.Path, "/!")+1:]
	}
	analysis, err := v.call(ctx, func() (*vt.Object, error) {
		return v.client.NewFileScanner().Scan(bytes.NewReader(sample.Content), name, nil)
	})
	if err != nil {
		return vtStats{}, fmt.Errorf("upload: %w", err)
	}
	if analysis.ID() == "" {
		return vtStats{}, errors.New("virustotal: upload returned no analysis id")
	}

	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()
	for range v.opts.MaxPolls {
		select {
		case <-ctx.Done():
			return vtStats{}, ctx.Err()
		case <-ticker.C:
		}
		obj, err := v.getObject(ctx, vt.URL("analyses/%s", analysis.ID()))
		if err != nil {
			return vtStats{}, err
		}
		if status, _ := obj.GetString("status"); status == "completed" {
			return statsOf(obj, "stats")
		}
	}
	return vtStats{}, fmt.Errorf("virustotal: analysis %s did not complete", analysis.ID())
}

func (v *VirusTotal) getObject(ctx context.Context, u *url.URL) (*vt.Object, error) {
	return v.call(ctx, func() (*vt.Object, error) { return v.client.GetObject(u) })
}

// call paces fn and abandons it when ctx ends. The client has no context
// support, so the HTTP client timeout bounds an abandoned request.
func (v *VirusTotal) call(ctx context.Context, fn func() (*vt.Object, error)) (*vt.Object, error) {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	type result struct {
		obj *vt.Object
		err error
	}
	done := make(chan result, 1)
	go func() {
		obj, err := fn()
		done <- result{obj, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.obj, classifyVTError(r.err)
	}
}

func classifyVTError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr vt.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("virustotal: %w", err)
	}
	switch apiErr.Code {
	case "NotFoundError":
		return errVTUnknown
	case "QuotaExceededError", "TooManyRequestsError":
		return fmt.Errorf("%w: virustotal quota exceeded", model.ErrScannerUnavailable)
	case "WrongCredentialsError", "AuthenticationRequiredError", "ForbiddenError", "UserNotActiveError":
		return fmt.Errorf("%w: virustotal rejected api key", model.ErrScannerUnavailable)
	}
	return fmt.Errorf("virustotal %s: %s", apiErr.Code, apiErr.Message)
}

// statsOf reads an engine verdict map such as last_analysis_stats.
func statsOf(obj *vt.Object, attr string) (vtStats, error) {
	raw, err := obj.Get(attr)
	if err != nil {
		return vtStats{}, fmt.Errorf("virustotal %s: %w", attr, err)
	}
	counts, ok := raw.(map[string]interface{})
	if !ok {
		return vtStats{}, fmt.Errorf("virustotal: object has no %s", attr)
	}
	count := func(key string) int {
		n, _ := counts[key].(json.Number)
		c, _ := n.Int64()
		return int(c)
	}
	return vtStats{
		Malicious:  count("malicious"),
		Suspicious: count("suspicious"),
		Undetected: count("undetected"),
		Harmless:   count("harmless"),
	}, nil
}
