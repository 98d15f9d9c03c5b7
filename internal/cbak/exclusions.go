package cbak

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionSet holds regular expressions matched against file names only.
type ExclusionSet []*regexp.Regexp

// CompileExclusions compiles exclusion patterns. Blank patterns are skipped.
func CompileExclusions(patterns []string) (ExclusionSet, error) {
	var set ExclusionSet
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling exclusion %q: %w", p, err)
		}
		set = append(set, re)
	}
	return set, nil
}

// Match reports whether any pattern matches the file name.
func (e ExclusionSet) Match(name string) bool {
	for _, re := range e {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
