package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// IgnoreFileName is the per-source file listing extra exclusion patterns,
// one regular expression per line, matched against file names.
const IgnoreFileName = ".cbakignore"

// ignoreFilePattern keeps the ignore file itself out of backups.
var ignoreFilePattern = "^" + regexp.QuoteMeta(IgnoreFileName) + "$"

// SourceExclusions merges configured exclusion patterns with those read from
// the ignore file at the source root. Blank lines and lines starting with '#'
// are skipped. A missing ignore file is not an error.
func SourceExclusions(root string, configured []string) ([]string, error) {
	patterns := append([]string{}, configured...)

	fromFile, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	if fromFile == nil {
		return patterns, nil
	}
	patterns = append(patterns, ignoreFilePattern)
	for _, p := range fromFile {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("bad pattern %q in %s: %w", p, IgnoreFileName, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// ParseIgnoreFile reads an ignore file and returns its raw lines.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	lines := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
