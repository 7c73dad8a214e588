package scanner

import (
	"context"

	"forksentry/classifier"
	"forksentry/model"
)

// BatchScanner is the part of Orchestrator the pipeline stages depend on.
type BatchScanner interface {
	ScanAll(ctx context.Context, jobs []*Job, progress func(int)) error
}

// Assess scans every scan-worthy candidate in one batch and returns the
// candidates that ended up with at least one indicator, heuristic or scanned,
// as artifacts of the given origin. Input order is preserved.
func Assess(ctx context.Context, s BatchScanner, candidates []classifier.Candidate, origin model.Origin, progress func(int)) ([]model.Artifact, error) {
	jobs := make([]*Job, len(candidates))
	var batch []*Job
	for i, c := range candidates {
		if !c.Scan {
			continue
		}
		jobs[i] = &Job{Sample: Sample{Path: c.Path, Content: c.Content, SHA256: c.SHA256, Tags: c.Tags}}
		batch = append(batch, jobs[i])
	}
	if len(batch) > 0 && s != nil {
		if err := s.ScanAll(ctx, batch, progress); err != nil {
			return nil, err
		}
	}

	var out []model.Artifact
	for i, c := range candidates {
		indicators := append([]string(nil), c.Heuristic...)
		if jobs[i] != nil {
			indicators = append(indicators, jobs[i].Indicators...)
		}
		if len(indicators) == 0 {
			continue
		}
		out = append(out, model.Artifact{
			Path:       c.Path,
			SHA256:     c.SHA256,
			Tags:       c.Tags,
			Indicators: indicators,
			Origin:     origin,
		})
	}
	return out, nil
}

// Contents maps each artifact digest to the candidate bytes it was built
// from, so flagged content can be archived after the candidates are gone.
func Contents(candidates []classifier.Candidate, artifacts []model.Artifact) map[string][]byte {
	out := make(map[string][]byte, len(artifacts))
	for _, a := range artifacts {
		out[a.SHA256] = nil
	}
	for _, c := range candidates {
		if content, ok := out[c.SHA256]; ok && content == nil {
			out[c.SHA256] = c.Content
		}
	}
	return out
}
