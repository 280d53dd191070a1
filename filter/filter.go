package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// PathSeparator joins folder names into the path the patterns match against.
const PathSeparator = "/"

// Options captures the filtering configuration.
type Options struct {
	Include []string
	Exclude []string
}

// Filter decides which archive folders are walked, by matching regexes
// against the folder name path (e.g. "Top of Personal Folders/Inbox").
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludePatterns []string
	ExcludePatterns []string
	Hits            map[string]int
}

// New creates a new Filter from the provided options. A nil Filter allows everything.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compile include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude pattern: %w", err)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return &Filter{include: include, exclude: exclude, hits: make(map[string]int)}, nil
}

// JoinPath builds the matchable path of a folder from its ancestors' names.
func JoinPath(names ...string) string {
	return strings.Join(names, PathSeparator)
}

// Descend reports whether the folder at path and its sub folders are walked.
// Only exclude patterns prune the tree; include patterns select messages.
func (f *Filter) Descend(path string) bool {
	if f == nil || len(f.exclude) == 0 {
		return true
	}
	return !f.match(f.exclude, path)
}

// Allows reports whether the direct messages of the folder at path are processed.
func (f *Filter) Allows(path string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 {
		return f.match(f.include, path)
	}
	if len(f.exclude) > 0 {
		return !f.match(f.exclude, path)
	}
	return true
}

// Stats returns a copy of the pattern hit counters.
func (f *Filter) Stats() Stats {
	if f == nil {
		return Stats{Hits: map[string]int{}}
	}
	s := Stats{Hits: make(map[string]int)}
	for _, re := range f.include {
		s.IncludePatterns = append(s.IncludePatterns, re.String())
	}
	for _, re := range f.exclude {
		s.ExcludePatterns = append(s.ExcludePatterns, re.String())
	}
	f.mu.Lock()
	for k, v := range f.hits {
		s.Hits[k] = v
	}
	f.mu.Unlock()
	return s
}

func (f *Filter) match(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
