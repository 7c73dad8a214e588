package prefilter

import (
	"bytes"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// SearchCounter counts occurrences of a fixed set of indicator terms.
type SearchCounter interface {
	Count(content string) map[string]int
	CountBytes(content []byte) map[string]int
	// Matched returns the terms present in content, in configured order.
	Matched(content []byte) []string
}

const (
	autoAhoMinTerms        = 8
	autoAhoMinContentBytes = 4 * 1024
)

type naiveSearchCounter struct {
	terms     []string
	termsByte [][]byte
	fold      bool
}

func (c naiveSearchCounter) Count(content string) map[string]int {
	return c.CountBytes([]byte(content))
}

func (c naiveSearchCounter) CountBytes(content []byte) map[string]int {
	content = c.prepare(content)
	var hits map[string]int
	for i, term := range c.terms {
		count := bytes.Count(content, c.termsByte[i])
		if count > 0 {
			if hits == nil {
				hits = make(map[string]int, 4)
			}
			hits[term] = count
		}
	}
	return hits
}

func (c naiveSearchCounter) Matched(content []byte) []string {
	return matchedInOrder(c.terms, c.CountBytes(content))
}

func (c naiveSearchCounter) prepare(content []byte) []byte {
	if c.fold {
		return lowerASCII(content)
	}
	return content
}

type ahoSearchCounter struct {
	naiveSearchCounter
	matcher *ahocorasick.Matcher
}

func (c ahoSearchCounter) Count(content string) map[string]int {
	return c.CountBytes([]byte(content))
}

func (c ahoSearchCounter) CountBytes(content []byte) map[string]int {
	content = c.prepare(content)
	matches := c.matcher.MatchThreadSafe(content)
	if len(matches) == 0 {
		return nil
	}

	candidates := make([]bool, len(c.terms))
	for _, idx := range matches {
		if idx < 0 || idx >= len(c.terms) {
			continue
		}
		candidates[idx] = true
	}

	var hits map[string]int
	for i := range candidates {
		if !candidates[i] {
			continue
		}
		count := bytes.Count(content, c.termsByte[i])
		if count > 0 {
			if hits == nil {
				hits = make(map[string]int, len(candidates))
			}
			hits[c.terms[i]] = count
		}
	}
	return hits
}

func (c ahoSearchCounter) Matched(content []byte) []string {
	return matchedInOrder(c.terms, c.CountBytes(content))
}

type autoSearchCounter struct {
	naive naiveSearchCounter
	aho   ahoSearchCounter
}

func (c autoSearchCounter) Count(content string) map[string]int {
	return c.CountBytes([]byte(content))
}

func (c autoSearchCounter) CountBytes(content []byte) map[string]int {
	if len(c.naive.terms) < autoAhoMinTerms || len(content) < autoAhoMinContentBytes {
		return c.naive.CountBytes(content)
	}
	return c.aho.CountBytes(content)
}

func (c autoSearchCounter) Matched(content []byte) []string {
	return matchedInOrder(c.naive.terms, c.CountBytes(content))
}

// BuildSearchCounter compiles terms into a counter. Blank and duplicate terms
// are dropped. With fold set, ASCII letters compare case-insensitively and
// the returned term names are lowercased.
func BuildSearchCounter(terms []string, fold bool) SearchCounter {
	normalized := normalizeTerms(terms, fold)
	termBytes := make([][]byte, len(normalized))
	for i := range normalized {
		termBytes[i] = []byte(normalized[i])
	}
	naive := naiveSearchCounter{terms: normalized, termsByte: termBytes, fold: fold}
	if len(normalized) == 0 {
		return naive
	}

	aho := ahoSearchCounter{naiveSearchCounter: naive, matcher: ahocorasick.NewStringMatcher(normalized)}
	return autoSearchCounter{naive: naive, aho: aho}
}

func matchedInOrder(terms []string, hits map[string]int) []string {
	if len(hits) == 0 {
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, term := range terms {
		if hits[term] > 0 {
			out = append(out, term)
		}
	}
	return out
}

func lowerASCII(content []byte) []byte {
	out := make([]byte, len(content))
	for i, b := range content {
		out[i] = toASCIILower(b)
	}
	return out
}

func toASCIILower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func normalizeTerms(terms []string, fold bool) []string {
	seen := make(map[string]struct{}, len(terms))
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if fold {
			term = string(lowerASCII([]byte(term)))
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		normalized = append(normalized, term)
	}
	return normalized
}
