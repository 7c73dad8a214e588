package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"forksentry/logger"
	"forksentry/model"
)

func init() {
	logger.Init("error")
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/evil/requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Bad credentials"}`)
			return
		}
		fmt.Fprint(w, `{"full_name":"evil/requests","default_branch":"main","clone_url":"https://example.invalid/evil/requests.git","owner":{"login":"evil"}}`)
	})
	mux.HandleFunc("/repos/gone/repo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("/repos/busy/repo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded for 10.0.0.1."}`)
	})
	mux.HandleFunc("/repos/broken/repo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"message":"upstream"}`)
	})
	mux.HandleFunc("/repos/evil/requests/branches", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"name":"payload"}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/evil/requests/branches?page=2>; rel="next"`, srv.URL))
		fmt.Fprint(w, `[{"name":"main"},{"name":"dev"}]`)
	})
	mux.HandleFunc("/repos/evil/requests/releases", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"tag_name":"v0.9","assets":[]}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/evil/requests/releases?page=2>; rel="next"`, srv.URL))
		fmt.Fprintf(w, `[{"tag_name":"v1.0","assets":[{"name":"tool","browser_download_url":"%[1]s/dl/tool"},{"name":"big.bin","browser_download_url":"%[1]s/dl/big"}]}]`, srv.URL)
	})
	mux.HandleFunc("/dl/tool", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary-bytes"))
	})
	mux.HandleFunc("/dl/big", func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	})
	mux.HandleFunc("/dl/throttled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Options{BaseURL: srv.URL, Token: token, MaxDownloadSize: 1024})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestResolve(t *testing.T) {
	srv := fakeAPI(t)
	c := newTestClient(t, srv, "tok")
	ref, err := c.Resolve(context.Background(), "evil/requests")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Owner != "evil" || ref.FullName != "evil/requests" || ref.DefaultBranch != "main" || ref.CloneURL == "" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestResolveErrorKinds(t *testing.T) {
	srv := fakeAPI(t)
	ctx := context.Background()

	if _, err := newTestClient(t, srv, "wrong").Resolve(ctx, "evil/requests"); !errors.Is(err, model.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	c := newTestClient(t, srv, "tok")
	if _, err := c.Resolve(ctx, "gone/repo"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.Resolve(ctx, "no-slash"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found for malformed name, got %v", err)
	}
	if _, err := c.Resolve(ctx, "broken/repo"); !errors.Is(err, model.ErrRepositoryUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	_, err := c.Resolve(ctx, "busy/repo")
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	reset, ok := model.ResetTime(err)
	if !ok || time.Until(reset) < 5*time.Minute {
		t.Fatalf("expected reset time about ten minutes out, got %v %v", reset, ok)
	}
}

func TestListBranchesFollowsPages(t *testing.T) {
	srv := fakeAPI(t)
	c := newTestClient(t, srv, "tok")
	branches, err := c.ListBranches(context.Background(), model.RepositoryRef{FullName: "evil/requests"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(branches) != 3 || branches[2] != "payload" {
		t.Fatalf("unexpected branches: %v", branches)
	}
}

func TestListReleasesFollowsPagesAndDownload(t *testing.T) {
	srv := fakeAPI(t)
	c := newTestClient(t, srv, "tok")
	releases, err := c.ListReleases(context.Background(), model.RepositoryRef{FullName: "evil/requests"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(releases) != 2 || len(releases[0].Assets) != 2 || len(releases[1].Assets) != 0 {
		t.Fatalf("unexpected releases: %+v", releases)
	}
	tool := releases[0].Assets[0]
	if tool.ReleaseTag != "v1.0" || tool.Filename != "tool" {
		t.Fatalf("unexpected asset: %+v", tool)
	}

	dir := t.TempDir()
	dst := filepath.Join(dir, "tool")
	n, err := c.Download(context.Background(), tool, dst)
	if err != nil || n != int64(len("binary-bytes")) {
		t.Fatalf("download: %d %v", n, err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "binary-bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	bigDst := filepath.Join(dir, "big")
	if _, err := c.Download(context.Background(), releases[0].Assets[1], bigDst); !errors.Is(err, model.ErrAssetFetchFailed) {
		t.Fatalf("expected size failure, got %v", err)
	}
	if _, err := os.Stat(bigDst); !os.IsNotExist(err) {
		t.Fatal("partial download should be removed")
	}

	missing := model.ReleaseAsset{Filename: "x", DownloadURL: srv.URL + "/dl/missing"}
	if _, err := c.Download(context.Background(), missing, filepath.Join(dir, "x")); !errors.Is(err, model.ErrAssetFetchFailed) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	throttled := model.ReleaseAsset{Filename: "t", DownloadURL: srv.URL + "/dl/throttled"}
	if _, err := c.Download(context.Background(), throttled, filepath.Join(dir, "t")); !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
