package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSourceExclusions(t *testing.T) {
	t.Run("no ignore file keeps configured patterns", func(t *testing.T) {
		got, err := SourceExclusions(t.TempDir(), []string{`\.tmp$`})
		if err != nil {
			t.Fatalf("SourceExclusions() error = %v", err)
		}
		if diff := cmp.Diff([]string{`\.tmp$`}, got); diff != "" {
			t.Errorf("SourceExclusions() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("merges ignore file and excludes it", func(t *testing.T) {
		root := t.TempDir()
		content := "# generated files\n\n^~\\$\n\\.bak$\n"
		if err := os.WriteFile(filepath.Join(root, IgnoreFileName), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := SourceExclusions(root, []string{`\.tmp$`})
		if err != nil {
			t.Fatalf("SourceExclusions() error = %v", err)
		}
		want := []string{`\.tmp$`, `^\.cbakignore$`, `^~\$`, `\.bak$`}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("SourceExclusions() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("rejects bad pattern", func(t *testing.T) {
		root := t.TempDir()
		os.WriteFile(filepath.Join(root, IgnoreFileName), []byte("(unclosed\n"), 0o644)
		if _, err := SourceExclusions(root, nil); err == nil {
			t.Error("SourceExclusions() expected error for bad pattern")
		}
	})
}

func TestParseIgnoreFile_Missing(t *testing.T) {
	got, err := ParseIgnoreFile(filepath.Join(t.TempDir(), "nope"))
	if err != nil || got != nil {
		t.Errorf("ParseIgnoreFile() = %v, %v; want nil, nil", got, err)
	}
}
