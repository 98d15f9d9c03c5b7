package fs

import (
	"fmt"
	"io/fs"
	"os"

	"cbak-go/internal/cbak"
)

// OSFilesystemManager is the real filesystem implementation of cbak.FilesystemManager.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// ReadDir lists a directory. Entries are sorted by name.
func (m *OSFilesystemManager) ReadDir(path string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	return entries, nil
}

// Stat returns fresh file info for a path without following a final symlink.
func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

// OpenShared opens a regular file for reading and takes a shared lock on it,
// so cooperating writers that request an exclusive lock are refused while the
// transfer runs. The lock is released on Close.
func (m *OSFilesystemManager) OpenShared(path string) (cbak.SourceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if err := lockShared(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &sharedFile{File: f}, nil
}

type sharedFile struct {
	*os.File
}

func (s *sharedFile) Close() error {
	unlock(s.File)
	return s.File.Close()
}

var _ cbak.FilesystemManager = (*OSFilesystemManager)(nil)
