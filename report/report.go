// Package report merges the per-stage findings of one job into the outbound
// AnalysisReport and delivers it to the configured sinks.
package report

import (
	"sort"

	"forksentry/model"
)

// SchemaVersion versions the envelope written by FileSink and attached to
// exported log records.
const SchemaVersion = "1.0"

// Input is everything one job produced.
type Input struct {
	Job       model.Job
	Typosquat model.TyposquatDecision
	Deltas    []model.FileDelta
	Committed []model.Artifact
	Released  []model.Artifact
	Assets    []model.ReleaseAsset
}

// Aggregate finalizes the report. Artifacts are merged on (origin, path,
// sha256) and every list is sorted, so equal inputs encode to identical bytes.
// No list in the result is nil.
func Aggregate(in Input) *model.AnalysisReport {
	return &model.AnalysisReport{
		ParentFullName:      in.Job.ParentFullName,
		ForkFullName:        in.Job.ForkFullName,
		CredentialToken:     in.Job.CredentialToken,
		Typosquat:           in.Typosquat,
		SuspiciousCommitted: mergeArtifacts(in.Committed),
		SuspiciousReleased:  mergeArtifacts(in.Released),
		AllCommittedPaths:   committedPaths(in.Deltas),
		AllReleaseAssets:    releaseAssets(in.Assets),
	}
}

type artifactKey struct {
	origin model.Origin
	path   string
	sha256 string
}

func mergeArtifacts(in []model.Artifact) []model.Artifact {
	out := make([]model.Artifact, 0, len(in))
	seen := make(map[artifactKey]int, len(in))
	for _, a := range in {
		key := artifactKey{a.Origin, a.Path, a.SHA256}
		if i, ok := seen[key]; ok {
			out[i].Tags = out[i].Tags.Union(a.Tags)
			out[i].Indicators = appendMissing(out[i].Indicators, a.Indicators)
			continue
		}
		seen[key] = len(out)
		a.Tags = model.NewTags(a.Tags...)
		a.Indicators = appendMissing(make([]string, 0, len(a.Indicators)), a.Indicators)
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].SHA256 < out[j].SHA256
	})
	return out
}

// appendMissing keeps indicator order while dropping repeats.
func appendMissing(dst, src []string) []string {
	for _, s := range src {
		dup := false
		for _, d := range dst {
			if d == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}

// committedPaths lists every introduced path as "branch:path". A path added on
// several branches appears once per branch. Git ref names cannot contain ':',
// so the first colon always separates the two.
func committedPaths(deltas []model.FileDelta) []string {
	seen := make(map[[2]string]struct{}, len(deltas))
	out := make([]string, 0, len(deltas))
	for _, d := range deltas {
		key := [2]string{d.Branch, d.Path}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d.Branch+":"+d.Path)
	}
	sort.Strings(out)
	return out
}

func releaseAssets(in []model.ReleaseAsset) []model.ReleaseAsset {
	out := make([]model.ReleaseAsset, 0, len(in))
	seen := make(map[[2]string]struct{}, len(in))
	for _, a := range in {
		key := [2]string{a.ReleaseTag, a.Filename}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ReleaseTag != out[j].ReleaseTag {
			return out[i].ReleaseTag < out[j].ReleaseTag
		}
		return out[i].Filename < out[j].Filename
	})
	return out
}

// Encode renders the outbound message body.
func Encode(r *model.AnalysisReport) ([]byte, error) {
	return jsonMarshal(r)
}

// EncodeIndent renders the report for humans.
func EncodeIndent(r *model.AnalysisReport) ([]byte, error) {
	return jsonMarshalIndent(r, "", "  ")
}

// Redacted returns a copy without the job credential. Sinks that persist or
// export the report outside the alert boundary use it.
func Redacted(r *model.AnalysisReport) *model.AnalysisReport {
	if r == nil {
		return nil
	}
	cp := *r
	cp.CredentialToken = ""
	return &cp
}
