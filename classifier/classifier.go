// Package classifier decides which files a fork introduced are worth a closer
// look and expands archives into their members.
package classifier

import (
	"path"
	"strings"

	"forksentry/model"
	"forksentry/utils"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
)

var sourceExtensions = map[string]struct{}{
	".c": {}, ".cc": {}, ".cpp": {}, ".cxx": {}, ".h": {}, ".hh": {}, ".hpp": {},
	".rs": {}, ".go": {}, ".py": {}, ".pyi": {}, ".java": {}, ".class": {}, ".kt": {},
	".scala": {}, ".cs": {}, ".swift": {}, ".m": {}, ".html": {}, ".htm": {}, ".css": {},
	".js": {}, ".mjs": {}, ".cjs": {}, ".ts": {}, ".tsx": {}, ".jsx": {}, ".lua": {},
	".pl": {}, ".pm": {}, ".rb": {}, ".php": {},
}

var scriptExtensions = map[string]struct{}{
	".sh": {}, ".bash": {}, ".zsh": {}, ".ksh": {}, ".csh": {}, ".fish": {}, ".command": {},
	".bat": {}, ".cmd": {}, ".ps1": {}, ".psm1": {}, ".vbs": {}, ".wsf": {},
	".msi": {}, ".run": {}, ".nsi": {}, ".iss": {},
}

var makefileNames = map[string]struct{}{
	"makefile": {}, "gnumakefile": {},
}

var archiveMIME = map[string]struct{}{
	"application/gzip":            {},
	"application/x-bzip2":         {},
	"application/x-xz":            {},
	"application/zip":             {},
	"application/x-tar":           {},
	"application/x-7z-compressed": {},
	"application/x-unix-archive":  {},

	"application/vnd.debian.binary-package": {},
}

var ciPatterns = []string{
	`^\.github/workflows/`,
	`^\.github/actions/`,
	`^\.gitlab-ci\.ya?ml$`,
	`^\.circleci/`,
	`^\.buildkite/`,
	`^\.travis\.ya?ml$`,
	`^azure-pipelines\.ya?ml$`,
	`^Jenkinsfile$`,
}

var ciMatcher = utils.MustPatternMatcher(ciPatterns...)

// Classify returns the tags for one file. An empty set means the file is not
// interesting; source files always yield an empty set.
func Classify(filePath string, content []byte) model.Tags {
	filePath = cleanPath(filePath)
	if IsSourcePath(filePath) {
		return nil
	}
	base := path.Base(filePath)
	ext := strings.ToLower(path.Ext(base))

	var tags model.Tags
	if IsExecutable(content) {
		tags = tags.Add(model.TagBinary)
	}
	if IsArchive(content) {
		tags = tags.Add(model.TagArchive)
	}
	if _, ok := scriptExtensions[ext]; ok {
		tags = tags.Add(model.TagBuildScript)
	} else if _, ok := makefileNames[strings.ToLower(base)]; ok {
		tags = tags.Add(model.TagBuildScript)
	}
	if ciMatcher.Matches(filePath) {
		tags = tags.Add(model.TagCIModified)
	}
	return tags
}

// IsSourcePath reports whether the path has a source-code extension. Such
// files are never classified, so callers may skip reading them.
func IsSourcePath(filePath string) bool {
	_, ok := sourceExtensions[strings.ToLower(path.Ext(filePath))]
	return ok
}

func cleanPath(filePath string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(filePath, `\`, "/")), "/")
}

// executableKinds are matched on magic bytes alone. Images with broken
// section tables or cut short still load, so they must still be tagged.
var executableKinds = matchers.Map{
	matchers.TypeElf:   matchers.Elf,
	matchers.TypeExe:   matchers.Archive[matchers.TypeExe],
	matchers.TypeMachO: matchers.MachO,
}

// IsExecutable reports whether content starts like an ELF, PE or Mach-O image.
func IsExecutable(content []byte) bool {
	return filetype.MatchesMap(content, executableKinds)
}

// IsArchive reports whether content is a container format we can expand.
func IsArchive(content []byte) bool {
	_, ok := archiveKind(content)
	return ok
}

func archiveKind(content []byte) (string, bool) {
	kind, err := filetype.Match(content)
	if err != nil || kind == filetype.Unknown {
		return "", false
	}
	_, ok := archiveMIME[kind.MIME.Value]
	return kind.MIME.Value, ok
}

// HeuristicIndicators turns tags that are reported without scanning into
// indicator strings.
func HeuristicIndicators(tags model.Tags) []string {
	var out []string
	for _, tag := range []string{model.TagBuildScript, model.TagCIModified} {
		if tags.Has(tag) {
			out = append(out, "heuristic:"+tag)
		}
	}
	return out
}
