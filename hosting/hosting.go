package hosting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"forksentry/logger"
	"forksentry/model"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

type Options struct {
	// BaseURL overrides the public API endpoint, e.g. for GitHub Enterprise.
	BaseURL string
	Token   string
	// RequestsPerSecond paces API calls; zero leaves them unpaced.
	RequestsPerSecond int
	APITimeout        time.Duration
	DownloadTimeout   time.Duration
	MaxDownloadSize   int64
}

// Release is one published release with its attached assets.
type Release struct {
	Tag    string
	Assets []model.ReleaseAsset
}

// Client gives uniform access to repository metadata, branches and releases.
type Client struct {
	gh      *github.Client
	http    *http.Client
	limiter *rate.Limiter
	opts    Options
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	httpClient := &http.Client{}
	if opts.Token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	}
	gh := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid api base url: %w", err)
		}
		gh.BaseURL = u
	}
	if opts.APITimeout <= 0 {
		opts.APITimeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 5 * time.Minute
	}
	c := &Client{gh: gh, http: httpClient, opts: opts}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestsPerSecond)
	}
	return c, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Resolve looks up an "owner/name" repository.
func (c *Client) Resolve(ctx context.Context, fullName string) (model.RepositoryRef, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return model.RepositoryRef{}, fmt.Errorf("%w: invalid repository name %q", model.ErrNotFound, fullName)
	}
	if err := c.wait(ctx); err != nil {
		return model.RepositoryRef{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout)
	defer cancel()
	repo, _, err := c.gh.Repositories.Get(callCtx, owner, name)
	if err != nil {
		return model.RepositoryRef{}, classifyError(err, "resolve "+fullName)
	}
	return model.RepositoryRef{
		Owner:         repo.GetOwner().GetLogin(),
		FullName:      repo.GetFullName(),
		DefaultBranch: repo.GetDefaultBranch(),
		CloneURL:      repo.GetCloneURL(),
	}, nil
}

// ListBranches names every branch of repo. The differ compares exactly these
// against the parent.
func (c *Client) ListBranches(ctx context.Context, repo model.RepositoryRef) ([]string, error) {
	owner, name, _ := strings.Cut(repo.FullName, "/")
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var branches []string
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout)
		page, resp, err := c.gh.Repositories.ListBranches(callCtx, owner, name, opts)
		cancel()
		if err != nil {
			return nil, classifyError(err, "list branches of "+repo.FullName)
		}
		for _, b := range page {
			branches = append(branches, b.GetName())
		}
		if resp == nil || resp.NextPage == 0 {
			return branches, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) ListReleases(ctx context.Context, repo model.RepositoryRef) ([]Release, error) {
	owner, name, _ := strings.Cut(repo.FullName, "/")
	opts := &github.ListOptions{PerPage: 100}
	var releases []Release
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.APITimeout)
		page, resp, err := c.gh.Repositories.ListReleases(callCtx, owner, name, opts)
		cancel()
		if err != nil {
			return nil, classifyError(err, "list releases of "+repo.FullName)
		}
		for _, r := range page {
			rel := Release{Tag: r.GetTagName()}
			for _, a := range r.Assets {
				rel.Assets = append(rel.Assets, model.ReleaseAsset{
					ReleaseTag:  r.GetTagName(),
					Filename:    a.GetName(),
					DownloadURL: a.GetBrowserDownloadURL(),
				})
			}
			releases = append(releases, rel)
		}
		if resp == nil || resp.NextPage == 0 {
			return releases, nil
		}
		opts.Page = resp.NextPage
	}
}

// Download writes asset to dst, which must not exist. Oversized assets and
// transport failures are reported as model.ErrAssetFetchFailed; the partial
// file is removed.
func (c *Client) Download(ctx context.Context, asset model.ReleaseAsset, dst string) (n int64, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrAssetFetchFailed, asset.Filename, err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrAssetFetchFailed, asset.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, &model.RateLimitError{ResetAt: retryAfter(resp), Err: fmt.Errorf("download %s: %s", asset.Filename, resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %s: %s", model.ErrAssetFetchFailed, asset.Filename, resp.Status)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrAssetFetchFailed, asset.Filename, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	body := io.Reader(resp.Body)
	if c.opts.MaxDownloadSize > 0 {
		body = io.LimitReader(resp.Body, c.opts.MaxDownloadSize+1)
	}
	n, err = io.Copy(f, body)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", model.ErrAssetFetchFailed, asset.Filename, err)
	}
	if c.opts.MaxDownloadSize > 0 && n > c.opts.MaxDownloadSize {
		return n, fmt.Errorf("%w: %s exceeds %d bytes", model.ErrAssetFetchFailed, asset.Filename, c.opts.MaxDownloadSize)
	}
	logger.Debugf("Downloaded %s (%d bytes)", asset.Filename, n)
	return n, nil
}

// classifyError maps hosting API errors onto the model error kinds the
// coordinator branches on.
func classifyError(err error, what string) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &model.RateLimitError{ResetAt: rle.Rate.Reset.Time, Err: err}
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		var reset time.Time
		if abuse.RetryAfter != nil {
			reset = time.Now().Add(*abuse.RetryAfter)
		}
		return &model.RateLimitError{ResetAt: reset, Err: err}
	}
	var resp *github.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		switch resp.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", model.ErrNotFound, what)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s: %s", model.ErrAuth, what, resp.Message)
		case http.StatusTooManyRequests:
			return &model.RateLimitError{ResetAt: retryAfter(resp.Response), Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrRepositoryUnavailable, what, err)
}

func retryAfter(resp *http.Response) time.Time {
	if resp == nil {
		return time.Time{}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := time.ParseDuration(v + "s"); err == nil {
			return time.Now().Add(secs)
		}
		if at, err := http.ParseTime(v); err == nil {
			return at
		}
	}
	return time.Time{}
}
