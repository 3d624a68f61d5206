package watcher

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnoreLines keep version-control metadata, editor swap/backup
// files and our own bookkeeping out of the watch and the mirror.
var defaultIgnoreLines = []string{
	".git/",
	".hg/",
	".svn/",
	".op-retest/",
	"*.swp",
	"*.swo",
	"*~",
	".#*",
	`\#*\#`,
	"*.kate-swp",
	".goutputstream-*",
}

// Rules answers "is this path ignored" with version-control ignore
// semantics: the root .gitignore, built-in defaults, explicit exclude
// patterns, and include overrides that win over everything else.
type Rules struct {
	include  *gitignore.GitIgnore
	exclude  *gitignore.GitIgnore
	defaults *gitignore.GitIgnore
	project  *gitignore.GitIgnore
}

// NewRules compiles the rule set for a source root. include and exclude
// use gitignore pattern syntax; a missing root .gitignore is fine.
func NewRules(root string, include, exclude []string) (*Rules, error) {
	r := &Rules{
		defaults: gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
	if len(include) > 0 {
		r.include = gitignore.CompileIgnoreLines(include...)
	}
	if len(exclude) > 0 {
		r.exclude = gitignore.CompileIgnoreLines(exclude...)
	}

	gitignorePath := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		project, err := gitignore.CompileIgnoreFile(gitignorePath)
		if err != nil {
			return nil, err
		}
		r.project = project
	}
	return r, nil
}

// Match reports whether the slash-separated relative path is ignored.
// Include overrides are checked first so they can re-include paths the
// other rules would drop.
func (r *Rules) Match(rel string, isDir bool) bool {
	if rel == "" || rel == "." {
		return false
	}
	if r.matches(r.include, rel, isDir) {
		return false
	}
	return r.matches(r.exclude, rel, isDir) ||
		r.matches(r.defaults, rel, isDir) ||
		r.matches(r.project, rel, isDir)
}

// MatchAny reports whether the path is ignored when its kind is unknown,
// as with removal events where the entry no longer exists.
func (r *Rules) MatchAny(rel string) bool {
	return r.Match(rel, false) || r.Match(rel, true)
}

func (r *Rules) matches(gi *gitignore.GitIgnore, rel string, isDir bool) bool {
	if gi == nil {
		return false
	}
	if gi.MatchesPath(rel) {
		return true
	}
	// Directory patterns like "target/" need the trailing slash to match
	// the directory entry itself.
	return isDir && gi.MatchesPath(rel+"/")
}
