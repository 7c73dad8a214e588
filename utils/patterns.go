package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// PatternMatcher matches slash-separated paths against regular expressions.
type PatternMatcher struct {
	patterns []*regexp.Regexp
}

func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	m := &PatternMatcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// MustPatternMatcher is NewPatternMatcher for package-level tables.
func MustPatternMatcher(patterns ...string) *PatternMatcher {
	m, err := NewPatternMatcher(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Matches reports whether any pattern matches path. A nil or empty matcher
// matches nothing.
func (m *PatternMatcher) Matches(path string) bool {
	if m == nil {
		return false
	}
	slashed := filepath.ToSlash(path)
	for _, re := range m.patterns {
		if re.MatchString(slashed) {
			return true
		}
	}
	return false
}
