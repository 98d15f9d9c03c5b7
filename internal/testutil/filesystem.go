package testutil

import (
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cbak-go/internal/cbak"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool
}

// MockFilesystemManager is an in-memory filesystem for testing.
// Paths are used as given; parents of added files are created implicitly.
type MockFilesystemManager struct {
	mu         sync.Mutex
	files      map[string]*MockFile
	dirErrors  map[string]error
	openErrors map[string]error
	readErrors map[string]error
	infoErrors map[string]error
	open       int
	opened     int

	// OnOpen, when set, runs after every successful OpenShared.
	OnOpen func(path string)
	// OnReadDir, when set, runs before every ReadDir.
	OnReadDir func(path string)
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:      make(map[string]*MockFile),
		dirErrors:  make(map[string]error),
		openErrors: make(map[string]error),
		readErrors: make(map[string]error),
		infoErrors: make(map[string]error),
	}
}

// AddFile adds or replaces a file with a fixed modification time.
func (m *MockFilesystemManager) AddFile(path string, content []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addParents(filepath.Dir(path))
	m.files[path] = &MockFile{
		Content:     content,
		Permissions: 0o644,
		ModTime:     modTime,
	}
}

// AddDirectory adds a directory and its parents.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addParents(path)
}

func (m *MockFilesystemManager) addParents(dir string) {
	for {
		if f, ok := m.files[dir]; ok && f.IsDirectory {
			return
		}
		m.files[dir] = &MockFile{Permissions: 0o755, IsDirectory: true}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// Remove deletes a file or directory tree.
func (m *MockFilesystemManager) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + string(filepath.Separator)
	for p := range m.files {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.files, p)
		}
	}
}

// FailReadDir makes ReadDir of path return err. A nil err clears the failure.
func (m *MockFilesystemManager) FailReadDir(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.dirErrors, path)
		return
	}
	m.dirErrors[path] = err
}

// FailOpen makes OpenShared of path return err, as a file locked by a writer would.
func (m *MockFilesystemManager) FailOpen(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.openErrors, path)
		return
	}
	m.openErrors[path] = err
}

// FailRead makes reads from an opened path return err after the open succeeds.
func (m *MockFilesystemManager) FailRead(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.readErrors, path)
		return
	}
	m.readErrors[path] = err
}

// FailInfo makes the directory entry for path return err from Info, as a
// file removed between listing and stat would.
func (m *MockFilesystemManager) FailInfo(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.infoErrors, path)
		return
	}
	m.infoErrors[path] = err
}

// OpenCount returns the number of readers not yet closed.
func (m *MockFilesystemManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// OpenedTotal returns the number of successful OpenShared calls.
func (m *MockFilesystemManager) OpenedTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MockFilesystemManager) ReadDir(path string) ([]fs.DirEntry, error) {
	if hook := m.readDirHook(); hook != nil {
		hook(path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.dirErrors[path]; ok {
		return nil, err
	}
	dir, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: path, Err: fs.ErrNotExist}
	}
	if !dir.IsDirectory {
		return nil, &fs.PathError{Op: "readdir", Path: path, Err: fmt.Errorf("not a directory")}
	}

	var entries []fs.DirEntry
	for p, f := range m.files {
		if p == path || filepath.Dir(p) != path {
			continue
		}
		entry := fs.FileInfoToDirEntry(newMockFileInfo(p, f))
		if err, ok := m.infoErrors[p]; ok {
			entry = failingDirEntry{DirEntry: entry, err: err}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (m *MockFilesystemManager) readDirHook() func(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OnReadDir
}

type failingDirEntry struct {
	fs.DirEntry
	err error
}

func (e failingDirEntry) Info() (fs.FileInfo, error) { return nil, e.err }

func (m *MockFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return newMockFileInfo(path, f), nil
}

func (m *MockFilesystemManager) OpenShared(path string) (cbak.SourceReader, error) {
	m.mu.Lock()
	if err, ok := m.openErrors[path]; ok {
		m.mu.Unlock()
		return nil, err
	}
	f, ok := m.files[path]
	if !ok {
		m.mu.Unlock()
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	if f.IsDirectory {
		m.mu.Unlock()
		return nil, fmt.Errorf("cannot open directory: %s", path)
	}
	// Readers see a snapshot, like a file held with a shared lock.
	content := append([]byte(nil), f.Content...)
	m.open++
	m.opened++
	hook := m.OnOpen
	readErr := m.readErrors[path]
	m.mu.Unlock()

	if hook != nil {
		hook(path)
	}
	return &mockReader{Reader: bytes.NewReader(content), fs: m, readErr: readErr}, nil
}

type mockReader struct {
	*bytes.Reader
	fs      *MockFilesystemManager
	readErr error
	closed  bool
}

func (r *mockReader) Read(p []byte) (int, error) {
	if r.readErr != nil {
		return 0, r.readErr
	}
	return r.Reader.Read(p)
}

func (r *mockReader) ReadAt(p []byte, off int64) (int, error) {
	if r.readErr != nil {
		return 0, r.readErr
	}
	return r.Reader.ReadAt(p, off)
}

func (r *mockReader) Close() error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.fs.open--
	}
	return nil
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func newMockFileInfo(path string, f *MockFile) *mockFileInfo {
	mode := f.Permissions
	if f.IsDirectory {
		mode |= fs.ModeDir
	}
	return &mockFileInfo{
		name:    filepath.Base(path),
		size:    int64(len(f.Content)),
		mode:    mode,
		modTime: f.ModTime,
		isDir:   f.IsDirectory,
	}
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// Compile-time check
var _ cbak.FilesystemManager = (*MockFilesystemManager)(nil)
