//go:build !unix

package fs

import (
	"errors"
	"os"
)

// ErrLockedForWrite means another process holds an exclusive lock on the file.
var ErrLockedForWrite = errors.New("file is locked for writing")

// Advisory locks are not available here; reads proceed unlocked.
func lockShared(*os.File) error { return nil }

func unlock(*os.File) {}
