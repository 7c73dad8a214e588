package scanner

import (
	"context"

	"forksentry/classifier"
	"forksentry/model"
)

// DefaultBatchBytes caps the candidate bytes a Collector holds before it
// assesses them.
const DefaultBatchBytes = 256 * 1024 * 1024

// Collector assesses candidates in batches bounded by their combined size.
// Once a batch is assessed only the bytes of flagged candidates are kept.
type Collector struct {
	scan     BatchScanner
	origin   model.Origin
	progress func(int)
	limit    int64

	pending      []classifier.Candidate
	pendingBytes int64

	artifacts []model.Artifact
	contents  map[string][]byte
}

func NewCollector(s BatchScanner, origin model.Origin, maxBatchBytes int64, progress func(int)) *Collector {
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultBatchBytes
	}
	return &Collector{
		scan:     s,
		origin:   origin,
		progress: progress,
		limit:    maxBatchBytes,
		contents: map[string][]byte{},
	}
}

// Add queues the candidates of one item. The batch is assessed as soon as it
// reaches the size limit; an item larger than the limit forms a batch alone.
func (c *Collector) Add(ctx context.Context, found []classifier.Candidate) error {
	for _, cand := range found {
		c.pending = append(c.pending, cand)
		c.pendingBytes += int64(len(cand.Content))
	}
	if c.pendingBytes >= c.limit {
		return c.Flush(ctx)
	}
	return nil
}

// Flush assesses whatever is queued.
func (c *Collector) Flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}
	flagged, err := Assess(ctx, c.scan, c.pending, c.origin, c.progress)
	if err != nil {
		return err
	}
	c.artifacts = append(c.artifacts, flagged...)
	for digest, content := range Contents(c.pending, flagged) {
		if _, ok := c.contents[digest]; !ok {
			c.contents[digest] = content
		}
	}
	c.pending = nil
	c.pendingBytes = 0
	return nil
}

// Pending reports the candidate bytes not yet assessed.
func (c *Collector) Pending() int64 { return c.pendingBytes }

// Artifacts returns every flagged candidate in the order it was added.
func (c *Collector) Artifacts() []model.Artifact { return c.artifacts }

// Contents maps each flagged digest to its bytes.
func (c *Collector) Contents() map[string][]byte { return c.contents }
