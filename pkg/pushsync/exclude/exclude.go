// Package exclude decides which relative paths are kept out of a sync.
package exclude

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Built-in rules, merged with any rule file.
var (
	DefaultExtensions  = []string{".db", ".db-journal", ".log", ".pyc", ".pyo", ".pyd"}
	DefaultDirectories = []string{"__pycache__", "backups", "logs", ".git"}
)

// Rule file directive prefixes.
const (
	DirectiveExt  = "ext:"
	DirectiveDir  = "dir:"
	DirectivePath = "path:"
	DirectiveGlob = "glob:"
)

// ErrInvalidDirective is returned for rule file lines with no known prefix.
var ErrInvalidDirective = errors.New("invalid exclusion directive")

// RuleSet is the merged set of exclusion rules. The zero value excludes nothing.
type RuleSet struct {
	extensions  map[string]struct{}
	directories map[string]struct{}
	paths       map[string]struct{}
	globs       map[string]glob.Glob
}

// Option configures a RuleSet.
type Option func(*RuleSet) error

// New builds a RuleSet from options. Use WithDefaults for the built-in rules.
func New(opts ...Option) (*RuleSet, error) {
	rs := &RuleSet{
		extensions:  make(map[string]struct{}),
		directories: make(map[string]struct{}),
		paths:       make(map[string]struct{}),
		globs:       make(map[string]glob.Glob),
	}
	for _, opt := range opts {
		if err := opt(rs); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Default returns a RuleSet holding only the built-in rules.
func Default() *RuleSet {
	rs, _ := New(WithDefaults())
	return rs
}

// WithDefaults adds the built-in extensions and directory names.
func WithDefaults() Option {
	return func(rs *RuleSet) error {
		rs.addExtensions(DefaultExtensions...)
		rs.addDirectories(DefaultDirectories...)
		return nil
	}
}

// WithExtensions adds extensions. They are lower-cased and given a leading dot.
func WithExtensions(exts ...string) Option {
	return func(rs *RuleSet) error {
		rs.addExtensions(exts...)
		return nil
	}
}

// WithDirectories adds directory names matched against any path segment.
func WithDirectories(dirs ...string) Option {
	return func(rs *RuleSet) error {
		rs.addDirectories(dirs...)
		return nil
	}
}

// WithPaths adds explicit relative paths; their subtrees are excluded too.
func WithPaths(paths ...string) Option {
	return func(rs *RuleSet) error {
		rs.addPaths(paths...)
		return nil
	}
}

// WithGlobs adds glob patterns matched against the whole relative path.
func WithGlobs(patterns ...string) Option {
	return func(rs *RuleSet) error {
		for _, p := range patterns {
			if err := rs.addGlob(p); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithFile merges a rule file. A missing file adds nothing.
func WithFile(name string) Option {
	return func(rs *RuleSet) error {
		if name == "" {
			return nil
		}
		f, err := os.Open(name)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("opening exclusion rules: %w", err)
		}
		defer f.Close()
		if err := rs.Parse(f); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

// Parse merges rules from r. Blank lines and # comments are skipped.
func (rs *RuleSet) Parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, DirectiveExt):
			rs.addExtensions(strings.TrimSpace(line[len(DirectiveExt):]))
		case strings.HasPrefix(line, DirectiveDir):
			rs.addDirectories(strings.TrimSpace(line[len(DirectiveDir):]))
		case strings.HasPrefix(line, DirectivePath):
			rs.addPaths(strings.TrimSpace(line[len(DirectivePath):]))
		case strings.HasPrefix(line, DirectiveGlob):
			if err := rs.addGlob(strings.TrimSpace(line[len(DirectiveGlob):])); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		default:
			return fmt.Errorf("%w on line %d: %q", ErrInvalidDirective, lineNo, line)
		}
	}
	return sc.Err()
}

func (rs *RuleSet) addExtensions(exts ...string) {
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == "." {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		rs.extensions[ext] = struct{}{}
	}
}

func (rs *RuleSet) addDirectories(dirs ...string) {
	for _, d := range dirs {
		d = strings.Trim(strings.TrimSpace(d), "/")
		if d != "" {
			rs.directories[d] = struct{}{}
		}
	}
}

func (rs *RuleSet) addPaths(paths ...string) {
	for _, p := range paths {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		if p == "" {
			continue
		}
		rs.paths[strings.TrimSuffix(path.Clean(p), "/")] = struct{}{}
	}
}

func (rs *RuleSet) addGlob(pattern string) error {
	if pattern == "" {
		return nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("compiling glob %q: %w", pattern, err)
	}
	rs.globs[pattern] = g
	return nil
}

// Reason names the rule that excludes rel, or "" if none does.
func (rs *RuleSet) Reason(rel string) string {
	if rs == nil {
		return ""
	}
	rel = strings.ReplaceAll(rel, "\\", "/")

	for p := range rs.paths {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return DirectivePath + p
		}
	}

	if ext := suffix(path.Base(rel)); ext != "" {
		if _, ok := rs.extensions[strings.ToLower(ext)]; ok {
			return DirectiveExt + strings.ToLower(ext)
		}
	}

	for _, part := range strings.Split(rel, "/") {
		if _, ok := rs.directories[part]; ok {
			return DirectiveDir + part
		}
	}

	for pattern, g := range rs.globs {
		if g.Match(rel) {
			return DirectiveGlob + pattern
		}
	}

	return ""
}

// Excluded reports whether rel is kept out of the sync.
func (rs *RuleSet) Excluded(rel string) bool {
	return rs.Reason(rel) != ""
}

// ExcludedDir reports whether a directory name prunes its whole subtree.
func (rs *RuleSet) ExcludedDir(rel string) bool {
	if rs == nil {
		return false
	}
	if _, ok := rs.directories[path.Base(rel)]; ok {
		return true
	}
	_, ok := rs.paths[rel]
	return ok
}

// Extensions returns the extension rules, sorted.
func (rs *RuleSet) Extensions() []string { return sortedKeys(rs.extensions) }

// Directories returns the directory rules, sorted.
func (rs *RuleSet) Directories() []string { return sortedKeys(rs.directories) }

// Paths returns the explicit path rules, sorted.
func (rs *RuleSet) Paths() []string { return sortedKeys(rs.paths) }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// suffix returns the final extension of a file name. Dotfiles such as
// ".bashrc" and names ending in "." have none.
func suffix(name string) string {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return ""
	}
	return name[i:]
}
