package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFilesystemManager(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewOSFilesystemManager()

	t.Run("read dir lists entries", func(t *testing.T) {
		entries, err := m.ReadDir(root)
		if err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		if len(entries) != 2 || entries[0].Name() != "a.txt" || !entries[1].IsDir() {
			t.Errorf("ReadDir() = %v", entries)
		}
	})

	t.Run("stat missing file matches ErrNotExist", func(t *testing.T) {
		_, err := m.Stat(filepath.Join(root, "gone"))
		if !errors.Is(err, iofs.ErrNotExist) {
			t.Errorf("Stat() error = %v, want ErrNotExist", err)
		}
	})

	t.Run("open shared reads at offsets", func(t *testing.T) {
		r, err := m.OpenShared(path)
		if err != nil {
			t.Fatalf("OpenShared() error = %v", err)
		}
		buf := make([]byte, 5)
		if _, err := r.ReadAt(buf, 6); err != nil {
			t.Fatalf("ReadAt() error = %v", err)
		}
		if string(buf) != "world" {
			t.Errorf("ReadAt() = %q, want world", buf)
		}

		// Two readers may hold the shared lock at once.
		r2, err := m.OpenShared(path)
		if err != nil {
			t.Fatalf("second OpenShared() error = %v", err)
		}
		r2.Close()
		if err := r.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	t.Run("open shared rejects directories", func(t *testing.T) {
		if _, err := m.OpenShared(filepath.Join(root, "sub")); err == nil {
			t.Error("OpenShared(dir) expected error")
		}
	})
}
