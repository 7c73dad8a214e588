package typosquat

import (
	"strings"

	"forksentry/model"
)

// Score compares a fork owner to the parent owner. Owner logins are
// case-insensitive on the hosting side, so the comparison is too.
func Score(forkOwner, parentOwner string) model.TyposquatDecision {
	d := Distance(strings.ToLower(forkOwner), strings.ToLower(parentOwner))
	return model.TyposquatDecision{Distance: d, IsSquatting: d <= model.SquatThreshold}
}

// Distance walks a longest-common-subsequence alignment of a and b. Between
// two aligned characters, a run of i insertions and d deletions costs
// max(i, d), so a substitution costs one and a contiguous rewrite costs the
// length of its longer side.
func Distance(a, b string) int {
	// The walk breaks ties in a fixed direction; ordering the pair keeps the
	// result symmetric.
	if a > b {
		a, b = b, a
	}
	x, y := []rune(a), []rune(b)
	n, m := len(x), len(y)

	// lcs[i][j] is the LCS length of x[i:] and y[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if x[i] == y[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	distance, ins, del := 0, 0, 0
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case x[i] == y[j]:
			distance += max(ins, del)
			ins, del = 0, 0
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			del++
			i++
		default:
			ins++
			j++
		}
	}
	del += n - i
	ins += m - j
	return distance + max(ins, del)
}
