package cbak

import (
	"io"
	"io/fs"
)

// SourceReader is a source file opened for the duration of one transfer.
type SourceReader interface {
	io.ReaderAt
	io.Closer
}

// FilesystemManager abstracts access to source trees.
type FilesystemManager interface {
	// ReadDir lists a directory's entries.
	ReadDir(path string) ([]fs.DirEntry, error)

	// Stat returns fresh file info. A missing file yields an error matching fs.ErrNotExist.
	Stat(path string) (fs.FileInfo, error)

	// OpenShared opens a file for reading while blocking writers.
	OpenShared(path string) (SourceReader, error)
}
