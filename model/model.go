// Package model holds the records exchanged between the analysis stages and
// the JSON shapes of the inbound job and outbound report messages.
package model

import (
	"sort"
	"strings"
)

// RepositoryRef identifies a resolved repository. It is never mutated after
// resolution.
type RepositoryRef struct {
	Owner         string `json:"owner"`
	FullName      string `json:"fullName"`
	DefaultBranch string `json:"defaultBranch"`
	CloneURL      string `json:"cloneURL"`
}

// BranchComparison pairs a fork branch with the parent branch it is compared
// against.
type BranchComparison struct {
	ForkBranch   string
	ParentBranch string
	Ahead        int
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeModified ChangeKind = "modified"
	ChangeRenamed  ChangeKind = "renamed"
)

// FileDelta is one path a fork branch introduced relative to its comparison
// point.
type FileDelta struct {
	Branch string
	Path   string
	Kind   ChangeKind
}

type Origin string

const (
	OriginCommit       Origin = "commit"
	OriginReleaseAsset Origin = "releaseAsset"
)

// Classification tags.
const (
	TagBinary      = "binary"
	TagArchive     = "archive"
	TagBuildScript = "build-script"
	TagCIModified  = "ci-modified"
)

// Artifact is an interesting file with everything the scanners said about it.
type Artifact struct {
	Path       string   `json:"path"`
	SHA256     string   `json:"sha256"`
	Tags       Tags     `json:"classificationTags"`
	Indicators []string `json:"indicators"`
	Origin     Origin   `json:"origin"`
}

type ReleaseAsset struct {
	ReleaseTag  string `json:"releaseTag"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadURL"`
}

// SquatThreshold is the largest owner distance still treated as impersonation.
const SquatThreshold = 5

type TyposquatDecision struct {
	Distance    int  `json:"distance"`
	IsSquatting bool `json:"isSquatting"`
}

// Job is the inbound analysis request.
type Job struct {
	ParentFullName  string `json:"parentFullName"`
	ForkFullName    string `json:"forkFullName"`
	CredentialToken string `json:"credentialToken"`
}

// AnalysisReport is the outbound alert payload. Every list is always present.
type AnalysisReport struct {
	ParentFullName      string            `json:"parentFullName"`
	ForkFullName        string            `json:"forkFullName"`
	CredentialToken     string            `json:"credentialToken"`
	Typosquat           TyposquatDecision `json:"typosquat"`
	SuspiciousCommitted []Artifact        `json:"suspiciousCommitted"`
	SuspiciousReleased  []Artifact        `json:"suspiciousReleased"`
	AllCommittedPaths   []string          `json:"allCommittedPaths"`
	AllReleaseAssets    []ReleaseAsset    `json:"allReleaseAssets"`
}

// AlertWorthy reports whether the report carries any signal worth forwarding.
func (r *AnalysisReport) AlertWorthy() bool {
	if r == nil {
		return false
	}
	return len(r.SuspiciousCommitted) > 0 || len(r.SuspiciousReleased) > 0 || r.Typosquat.IsSquatting
}

// Owner returns the account part of an "owner/name" identifier.
func Owner(fullName string) string {
	owner, _, _ := strings.Cut(strings.TrimSpace(fullName), "/")
	return owner
}

// Tags is a sorted, duplicate free set of classification tags.
type Tags []string

func NewTags(values ...string) Tags {
	var t Tags
	for _, v := range values {
		t = t.Add(v)
	}
	return t
}

func (t Tags) Has(tag string) bool {
	i := sort.SearchStrings(t, tag)
	return i < len(t) && t[i] == tag
}

// Add returns the set with tag inserted in order.
func (t Tags) Add(tag string) Tags {
	tag = strings.TrimSpace(tag)
	if tag == "" || t.Has(tag) {
		return t
	}
	i := sort.SearchStrings(t, tag)
	out := make(Tags, 0, len(t)+1)
	out = append(out, t[:i]...)
	out = append(out, tag)
	return append(out, t[i:]...)
}

func (t Tags) Union(other Tags) Tags {
	out := t
	for _, tag := range other {
		out = out.Add(tag)
	}
	return out
}

func (t Tags) Empty() bool { return len(t) == 0 }
