package fuzzy

import (
	"github.com/glaslos/tlsh"
)

// TLSHMinSize is the smallest input TLSH will digest.
const TLSHMinSize = 50

type TLSHHasher struct{}

func (h TLSHHasher) Name() string {
	return "tlsh"
}

func (h TLSHHasher) Hash(content []byte) (string, error) {
	if len(content) < TLSHMinSize {
		return "", ErrTooSmall
	}
	hash, err := tlsh.HashBytes(content)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (h TLSHHasher) Distance(a, b string) (int, error) {
	left, err := tlsh.ParseStringToTlsh(a)
	if err != nil {
		return 0, err
	}
	right, err := tlsh.ParseStringToTlsh(b)
	if err != nil {
		return 0, err
	}
	return left.Diff(right), nil
}

func init() {
	Register(TLSHHasher{})
}
