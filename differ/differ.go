package differ

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"forksentry/logger"
	"forksentry/model"
	"forksentry/tracing"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

const (
	forkRemote     = "origin"
	upstreamRemote = "upstream"
	forkPrefix     = "refs/heads/"
	upstreamPrefix = "refs/remotes/upstream/"
)

type Options struct {
	Token string
	// Timeout bounds each fetch.
	Timeout time.Duration
	// MaxBlobSize skips blobs larger than this when reading content.
	MaxBlobSize int64
}

// Resolver computes the paths a fork introduced relative to its parent.
type Resolver struct {
	opts Options
}

func New(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Resolver{opts: opts}
}

// Result describes one fork checkout. The object store lives in the directory
// passed to Resolve and is discarded with it.
type Result struct {
	Comparisons []model.BranchComparison
	Deltas      []model.FileDelta
	repo        *git.Repository
	maxBlob     int64
}

// Resolve fetches the fork into a bare repository at dir (which must not
// exist yet), fetches parent as the "upstream" remote and returns the
// fork-introduced paths per branch. branches names the fork branches to
// compare; nil compares every fetched branch. Fetch failures are
// model.ErrRepositoryUnavailable.
func (r *Resolver) Resolve(ctx context.Context, fork, parent model.RepositoryRef, dir string, branches []string) (*Result, error) {
	defer tracing.StartRegion(ctx, "differ.resolve")()

	repo, err := git.PlainInit(dir, true)
	if err != nil {
		return nil, fmt.Errorf("%w: init %s: %w", model.ErrRepositoryUnavailable, dir, err)
	}
	if err := r.fetch(ctx, repo, forkRemote, fork.CloneURL, forkPrefix); err != nil {
		return nil, fmt.Errorf("%w: clone %s: %w", model.ErrRepositoryUnavailable, fork.FullName, err)
	}
	if err := r.fetch(ctx, repo, upstreamRemote, parent.CloneURL, upstreamPrefix); err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", model.ErrRepositoryUnavailable, parent.FullName, err)
	}

	forkHeads, err := heads(repo, forkPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list fork branches: %w", model.ErrRepositoryUnavailable, err)
	}
	parentHeads, err := heads(repo, upstreamPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list parent branches: %w", model.ErrRepositoryUnavailable, err)
	}

	res := &Result{repo: repo, maxBlob: r.opts.MaxBlobSize}
	reachable := map[string]map[plumbing.Hash]bool{}
	for _, branch := range selectBranches(forkHeads, branches, fork.FullName) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmp := model.BranchComparison{ForkBranch: branch, ParentBranch: parent.DefaultBranch}
		if _, ok := parentHeads[branch]; ok {
			cmp.ParentBranch = branch
		}
		seen, err := upstreamHistory(repo, parentHeads, cmp.ParentBranch, reachable)
		if err != nil {
			logger.Warnf("Skipping branch %s of %s: %v", branch, fork.FullName, err)
			continue
		}
		tip, err := repo.CommitObject(forkHeads[branch])
		if err != nil {
			logger.Warnf("Skipping branch %s of %s: %v", branch, fork.FullName, err)
			continue
		}
		ahead, err := aheadCount(tip, seen)
		if err != nil {
			logger.Warnf("Skipping branch %s of %s: %v", branch, fork.FullName, err)
			continue
		}
		cmp.Ahead = ahead
		res.Comparisons = append(res.Comparisons, cmp)
		if ahead == 0 {
			continue
		}
		paths, err := introducedPaths(ctx, tip, ahead)
		if err != nil {
			logger.Warnf("Skipping branch %s of %s: %v", branch, fork.FullName, err)
			continue
		}
		for _, p := range paths {
			res.Deltas = append(res.Deltas, model.FileDelta{Branch: branch, Path: p, Kind: model.ChangeAdded})
		}
		logger.Debugf("Branch %s is %d ahead of upstream/%s with %d new paths", branch, ahead, cmp.ParentBranch, len(paths))
	}
	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, repo *git.Repository, remote, url, into string) error {
	spec := gitconfig.RefSpec("+refs/heads/*:" + into + "*")
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name:  remote,
		URLs:  []string{url},
		Fetch: []gitconfig.RefSpec{spec},
	}); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       r.auth(),
		Tags:       git.NoTags,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (r *Resolver) auth() transport.AuthMethod {
	if r.opts.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: r.opts.Token}
}

// heads maps branch names under prefix to their tips.
func heads(repo *git.Repository, prefix string) (map[string]plumbing.Hash, error) {
	iter, err := repo.References()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := map[string]plumbing.Hash{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if ref.Type() == plumbing.HashReference && strings.HasPrefix(name, prefix) {
			out[strings.TrimPrefix(name, prefix)] = ref.Hash()
		}
		return nil
	})
	return out, err
}

// selectBranches returns the sorted fork branches to compare. Listed
// branches that were not fetched are skipped with a warning.
func selectBranches(fetched map[string]plumbing.Hash, listed []string, fork string) []string {
	var names []string
	if listed == nil {
		for name := range fetched {
			names = append(names, name)
		}
	} else {
		seen := map[string]bool{}
		for _, name := range listed {
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, ok := fetched[name]; !ok {
				logger.Warnf("Branch %s of %s is listed by the API but was not fetched", name, fork)
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// upstreamHistory returns every commit reachable from the named parent
// branch, memoised in cache. A missing branch has no history.
func upstreamHistory(repo *git.Repository, parentHeads map[string]plumbing.Hash, branch string, cache map[string]map[plumbing.Hash]bool) (map[plumbing.Hash]bool, error) {
	if seen, ok := cache[branch]; ok {
		return seen, nil
	}
	seen := map[plumbing.Hash]bool{}
	if tip, ok := parentHeads[branch]; ok {
		c, err := repo.CommitObject(tip)
		if err != nil {
			return nil, err
		}
		err = object.NewCommitPreorderIter(c, nil, nil).ForEach(func(c *object.Commit) error {
			seen[c.Hash] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	cache[branch] = seen
	return seen, nil
}

// aheadCount counts commits reachable from tip that upstream cannot reach.
func aheadCount(tip *object.Commit, upstream map[plumbing.Hash]bool) (int, error) {
	count := 0
	err := object.NewCommitPreorderIter(tip, upstream, nil).ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	return count, err
}

// introducedPaths diffs the tip back to the commit ahead first-parent steps
// earlier. Paths the diff deletes exist at the tip only, so the fork added
// them. When the history is shorter than ahead, the empty tree is the base.
func introducedPaths(ctx context.Context, tip *object.Commit, ahead int) ([]string, error) {
	tipTree, err := tip.Tree()
	if err != nil {
		return nil, err
	}
	baseTree, err := ancestorTree(tip, ahead)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTreeContext(ctx, tipTree, baseTree)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, err
		}
		if action == merkletrie.Delete {
			paths = append(paths, change.From.Name)
		}
	}
	return paths, nil
}

// ancestorTree walks n first parents back from c. It returns nil, the empty
// tree, when the history ends first.
func ancestorTree(c *object.Commit, n int) (*object.Tree, error) {
	for range n {
		if c.NumParents() == 0 {
			return nil, nil
		}
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		c = parent
	}
	return c.Tree()
}

// ReadBlob returns the content of path at the tip of a fork branch.
func (r *Result) ReadBlob(ctx context.Context, branch, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, err := r.repo.Reference(plumbing.ReferenceName(forkPrefix+branch), true)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, err)
	}
	file, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("%s:%s: %w", branch, path, err)
	}
	if r.maxBlob > 0 && file.Size > r.maxBlob {
		return nil, fmt.Errorf("blob %s:%s is %d bytes, limit %d", branch, path, file.Size, r.maxBlob)
	}
	rd, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}
