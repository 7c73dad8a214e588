package classifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"forksentry/hasher"
	"forksentry/logger"
	"forksentry/model"
)

// Options bounds archive expansion.
type Options struct {
	MaxDepth          int
	MaxMembers        int
	MaxExtractedBytes int64
	MaxMemberSize     int64
	MmapMinSize       int64
}

func DefaultOptions() Options {
	return Options{
		MaxDepth:          3,
		MaxMembers:        2000,
		MaxExtractedBytes: 512 * 1024 * 1024,
		MaxMemberSize:     100 * 1024 * 1024,
		MmapMinSize:       defaultMmapMinSize,
	}
}

// Candidate is a classified item ready for scanning or reporting.
type Candidate struct {
	// Path is the artifact path; archive members are addressed as
	// "archive!member".
	Path    string
	Content []byte
	SHA256  string
	Tags    model.Tags
	// Scan is set for binaries and archive members.
	Scan bool
	// Heuristic holds indicators that need no scanner.
	Heuristic []string
}

// Inspector classifies items and expands archives into a scratch directory.
type Inspector struct {
	opts Options
}

func NewInspector(opts Options) *Inspector {
	def := DefaultOptions()
	if opts.MaxDepth < 0 {
		opts.MaxDepth = 0
	}
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = def.MaxMembers
	}
	if opts.MaxExtractedBytes <= 0 {
		opts.MaxExtractedBytes = def.MaxExtractedBytes
	}
	if opts.MaxMemberSize <= 0 {
		opts.MaxMemberSize = def.MaxMemberSize
	}
	if opts.MmapMinSize <= 0 {
		opts.MmapMinSize = def.MmapMinSize
	}
	return &Inspector{opts: opts}
}

type budget struct {
	members int
	bytes   int64
}

// Inspect classifies one item. Uninteresting items yield no candidates. For
// archives, every interesting member is returned as well; members are
// extracted below scratchDir and removed before Inspect returns.
func (in *Inspector) Inspect(ctx context.Context, itemPath string, content []byte, scratchDir string) ([]Candidate, error) {
	tags := Classify(itemPath, content)
	if tags.Empty() {
		return nil, nil
	}
	top := Candidate{
		Path:      itemPath,
		Content:   content,
		SHA256:    hasher.SHA256(content),
		Tags:      tags,
		Scan:      tags.Has(model.TagBinary),
		Heuristic: HeuristicIndicators(tags),
	}
	out := []Candidate{top}
	if !tags.Has(model.TagArchive) || in.opts.MaxDepth == 0 {
		return out, nil
	}

	dir, err := os.MkdirTemp(scratchDir, "extract-")
	if err != nil {
		return out, fmt.Errorf("create extraction dir: %w", err)
	}
	defer os.RemoveAll(dir)

	b := &budget{members: in.opts.MaxMembers, bytes: in.opts.MaxExtractedBytes}
	members, err := in.expand(ctx, itemPath, content, dir, 1, b)
	out = append(out, members...)
	return out, err
}

func (in *Inspector) expand(ctx context.Context, displayPath string, content []byte, dir string, depth int, b *budget) ([]Candidate, error) {
	files, err := in.extract(ctx, content, dir, b)
	if err != nil {
		logger.Warnf("Archive %s only partially extracted: %v", displayPath, err)
	}

	var out []Candidate
	for i, f := range files {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		data, readErr := ReadFile(f.diskPath, in.opts.MaxMemberSize, in.opts.MmapMinSize)
		// Extracted copies are only needed until they are read back.
		_ = os.Remove(f.diskPath)
		if readErr != nil {
			logger.Warnf("Skipping member %s of %s: %v", f.name, displayPath, readErr)
			continue
		}
		memberPath := displayPath + "!" + f.name
		tags := Classify(f.name, data)
		if tags.Empty() {
			continue
		}
		out = append(out, Candidate{
			Path:      memberPath,
			Content:   data,
			SHA256:    hasher.SHA256(data),
			Tags:      tags,
			Scan:      true,
			Heuristic: HeuristicIndicators(tags),
		})
		if !tags.Has(model.TagArchive) {
			continue
		}
		if depth >= in.opts.MaxDepth {
			logger.Debugf("Not descending into %s: depth limit %d reached", memberPath, in.opts.MaxDepth)
			continue
		}
		nested := filepath.Join(dir, "nested-"+strconv.Itoa(i))
		if err := os.MkdirAll(nested, 0o700); err != nil {
			return out, err
		}
		children, err := in.expand(ctx, memberPath, data, nested, depth+1, b)
		out = append(out, children...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
