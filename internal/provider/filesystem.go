package provider

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystemStore is a Store kept in a local directory, typically a mounted
// backup disk or network share:
//
//	<root>/
//	  <container>/
//	    <object>              (committed content)
//	    <object>.meta.json    (metadata, block list, tier)
//	    .staged/<object>/     (uncommitted blocks, named by hex block ID)
type FileSystemStore struct {
	root string
}

var _ Store = (*FileSystemStore)(nil)

type fsObjectInfo struct {
	Metadata map[string]string `json:"metadata"`
	BlockIDs []string          `json:"block_ids"`
	Archived bool              `json:"archived"`
}

// NewFileSystemStore creates a store rooted at root, creating it if needed.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

// ValidateSetup verifies that the store root is an accessible directory.
func (s *FileSystemStore) ValidateSetup() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store root is not a directory: %s", s.root)
	}
	return nil
}

func (s *FileSystemStore) objectPath(container, object string) string {
	return filepath.Join(s.root, container, object)
}

func (s *FileSystemStore) infoPath(container, object string) string {
	return s.objectPath(container, object) + ".meta.json"
}

func (s *FileSystemStore) stagedPath(container, object, blockID string) string {
	return filepath.Join(s.root, container, ".staged", object, hex.EncodeToString([]byte(blockID)))
}

func (s *FileSystemStore) EnsureContainer(_ context.Context, container string) error {
	if err := os.MkdirAll(filepath.Join(s.root, container, ".staged"), 0o755); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// StageBlock verifies the block as written to disk, and removes it on mismatch.
func (s *FileSystemStore) StageBlock(_ context.Context, container, object, blockID string, data []byte, sum Checksum) error {
	path := s.stagedPath(container, object, blockID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := writeFile(path, bytes.NewReader(data), int64(len(data))); err != nil {
		return err
	}
	written, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading staged block: %w", err)
	}
	if err := sum.Verify(written); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (s *FileSystemStore) CommitBlocks(_ context.Context, container, object string, blockIDs []string, metadata map[string]string) error {
	var total int64
	readers := make([]io.Reader, 0, len(blockIDs))
	for _, id := range blockIDs {
		f, err := os.Open(s.stagedPath(container, object, id))
		if err != nil {
			return fmt.Errorf("block %s is not staged: %w", id, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat staged block: %w", err)
		}
		total += info.Size()
		readers = append(readers, f)
	}

	if err := writeFile(s.objectPath(container, object), io.MultiReader(readers...), total); err != nil {
		return err
	}
	return s.writeInfo(container, object, fsObjectInfo{Metadata: metadata, BlockIDs: blockIDs})
}

func (s *FileSystemStore) SetMetadata(_ context.Context, container, object string, metadata map[string]string) error {
	info, err := s.readInfo(container, object)
	if err != nil {
		return err
	}
	info.Metadata = metadata
	return s.writeInfo(container, object, info)
}

// Archive marks the object as archived and drops its staged blocks.
func (s *FileSystemStore) Archive(_ context.Context, container, object string) error {
	info, err := s.readInfo(container, object)
	if err != nil {
		return err
	}
	info.Archived = true
	if err := s.writeInfo(container, object, info); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, container, ".staged", object)); err != nil {
		return fmt.Errorf("removing staged blocks: %w", err)
	}
	return nil
}

func (s *FileSystemStore) Metadata(_ context.Context, container, object string) (map[string]string, error) {
	info, err := s.readInfo(container, object)
	if err != nil {
		return nil, err
	}
	return info.Metadata, nil
}

// Content returns the committed content of an object.
func (s *FileSystemStore) Content(container, object string) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(container, object))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return data, err
}

func (s *FileSystemStore) readInfo(container, object string) (fsObjectInfo, error) {
	var info fsObjectInfo
	data, err := os.ReadFile(s.infoPath(container, object))
	if err != nil {
		if os.IsNotExist(err) {
			return info, ErrObjectNotFound
		}
		return info, fmt.Errorf("reading object info: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parsing object info: %w", err)
	}
	return info, nil
}

func (s *FileSystemStore) writeInfo(container, object string, info fsObjectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding object info: %w", err)
	}
	return writeFile(s.infoPath(container, object), bytes.NewReader(data), int64(len(data)))
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
