package fuzzy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"forksentry/logger"

	"gopkg.in/yaml.v3"
)

var ErrTooSmall = errors.New("content too small for fuzzy hashing")

// Reference is one known-bad digest in the similarity corpus.
type Reference struct {
	Family    string `yaml:"family"`
	Algorithm string `yaml:"algorithm"`
	Digest    string `yaml:"digest"`
}

// Match is the closest corpus reference to a sample.
type Match struct {
	Family    string
	Algorithm string
	Distance  int
}

// Corpus indexes reference digests by algorithm.
type Corpus struct {
	byAlgorithm map[string][]Reference
}

type corpusFile struct {
	References []Reference `yaml:"references"`
}

// LoadCorpus reads a YAML corpus of the form
//
//	references:
//	  - family: xmrig
//	    algorithm: tlsh
//	    digest: T1...
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read similarity corpus: %w", err)
	}
	var file corpusFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse similarity corpus: %w", err)
	}
	return NewCorpus(file.References), nil
}

// NewCorpus builds an index, dropping references whose algorithm is not
// registered.
func NewCorpus(refs []Reference) *Corpus {
	c := &Corpus{byAlgorithm: map[string][]Reference{}}
	for _, ref := range refs {
		algo := strings.ToLower(strings.TrimSpace(ref.Algorithm))
		if algo == "" {
			algo = "tlsh"
		}
		if _, ok := Lookup(algo); !ok {
			logger.Warnf("Skipping corpus entry %s: unknown algorithm %s", ref.Family, algo)
			continue
		}
		ref.Algorithm = algo
		c.byAlgorithm[algo] = append(c.byAlgorithm[algo], ref)
	}
	return c
}

func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, refs := range c.byAlgorithm {
		n += len(refs)
	}
	return n
}

// Closest hashes content with every indexed algorithm and returns the nearest
// reference within threshold. Content too small to digest never matches.
func (c *Corpus) Closest(content []byte, threshold int) (Match, bool, error) {
	best := Match{Distance: -1}
	if c == nil {
		return best, false, nil
	}
	for algo, refs := range c.byAlgorithm {
		hasher, _ := Lookup(algo)
		digest, err := hasher.Hash(content)
		if errors.Is(err, ErrTooSmall) {
			continue
		}
		if err != nil {
			return best, false, fmt.Errorf("%s digest: %w", algo, err)
		}
		for _, ref := range refs {
			dist, err := hasher.Distance(digest, ref.Digest)
			if err != nil {
				logger.Debugf("Corpus entry %s has unusable digest: %v", ref.Family, err)
				continue
			}
			if dist > threshold {
				continue
			}
			if best.Distance < 0 || dist < best.Distance || (dist == best.Distance && ref.Family < best.Family) {
				best = Match{Family: ref.Family, Algorithm: algo, Distance: dist}
			}
		}
	}
	return best, best.Distance >= 0, nil
}
