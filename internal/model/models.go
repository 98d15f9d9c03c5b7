package model

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSourceLocation is returned by SourceLocation.Validate.
var ErrInvalidSourceLocation = errors.New("invalid source location")

// Directory maps a local directory path to a stable identifier.
// Remote container names are derived from the ID, never from the path.
type Directory struct {
	ID        string // UUID
	Path      string // Absolute path on host
	CreatedAt time.Time
}

// SourceLocation is one configured backup root.
type SourceLocation struct {
	ID                int64
	Path              string   // Local directory or network share
	FileMatchFilter   string   // Glob matched against file names, e.g. "*.*" or "*.dll"
	Exclusions        []string // Regular expressions matched against file names only
	Priority          Priority
	RevisionCount     int
	Providers         []string // Names of destination providers
	LastCompletedScan time.Time
}

// Validate checks the configuration-time invariants of a source location.
func (s *SourceLocation) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidSourceLocation, s.ID)
	}
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidSourceLocation)
	}
	if s.FileMatchFilter != "" && !strings.ContainsAny(s.FileMatchFilter, "*?") {
		return fmt.Errorf("%w: file match filter %q has no wildcard", ErrInvalidSourceLocation, s.FileMatchFilter)
	}
	if s.RevisionCount <= 0 {
		return fmt.Errorf("%w: revision count must be positive, got %d", ErrInvalidSourceLocation, s.RevisionCount)
	}
	if len(s.Providers) == 0 {
		return fmt.Errorf("%w: no destination providers", ErrInvalidSourceLocation)
	}
	return nil
}

// MatchAll reports whether the filter selects every file.
func (s *SourceLocation) MatchAll() bool {
	switch s.FileMatchFilter {
	case "", "*", "*.*":
		return true
	}
	return false
}

// BackupFile is one tracked source file.
type BackupFile struct {
	ID               string // UUID assigned at first discovery
	FullSourcePath   string
	FileName         string
	DirectoryID      string // Foreign key to Directory
	SourceLocationID int64
	FileSizeBytes    int64
	LastModified     time.Time
	LastScanned      time.Time
	Priority         Priority
	RevisionCount    int
	TotalFileBlocks  int64
	BlockSizeBytes   int64 // Block size TotalFileBlocks and copy progress were computed with
	FileHash         []byte
	HashAlgorithm    HashAlgorithm
	Deleted          bool   // Source vanished since the last scan
	LastError        string // Most recent failure reason, empty when none

	// CopyState is keyed by provider name. The keys are exactly the providers
	// configured for the file's source location.
	CopyState map[string]ProviderCopyState
}

// TotalBlocks returns ceil(size / blockSize).
func TotalBlocks(size, blockSize int64) int64 {
	if size <= 0 || blockSize <= 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}

// Clone returns a deep copy so pipeline stages never share the copy-state map.
func (f BackupFile) Clone() BackupFile {
	out := f
	if f.FileHash != nil {
		out.FileHash = bytes.Clone(f.FileHash)
	}
	out.CopyState = make(map[string]ProviderCopyState, len(f.CopyState))
	for k, v := range f.CopyState {
		out.CopyState[k] = v.Clone()
	}
	return out
}

// ResetCopyState sets every listed provider back to a fresh Unsynced state,
// clearing any recorded failure and the deleted flag.
func (f *BackupFile) ResetCopyState(providers []string) {
	f.CopyState = make(map[string]ProviderCopyState, len(providers))
	for _, p := range providers {
		f.CopyState[p] = NewProviderCopyState()
	}
	f.LastError = ""
	f.Deleted = false
}

// SetMetadata updates the size and modification time, recomputing the block
// count for blockSize.
func (f *BackupFile) SetMetadata(size int64, modified time.Time, blockSize int64) {
	f.FileSizeBytes = size
	f.LastModified = modified
	f.BlockSizeBytes = blockSize
	f.TotalFileBlocks = TotalBlocks(size, blockSize)
}

// BlockLayoutChanged reports whether the file's block count and copy progress
// were computed with a block size other than blockSize.
func (f *BackupFile) BlockLayoutChanged(blockSize int64) bool {
	return f.BlockSizeBytes != blockSize || f.TotalFileBlocks != TotalBlocks(f.FileSizeBytes, blockSize)
}

// OverallState derives the file's aggregate sync state from its providers.
// A file with no providers is Unsynced.
func (f *BackupFile) OverallState() OverallState {
	if len(f.CopyState) == 0 {
		return OverallUnsynced
	}
	var unsynced, inProgress bool
	for _, s := range f.CopyState {
		switch s.SyncStatus {
		case ProviderError:
			return OverallProviderError
		case Unsynced:
			unsynced = true
		case InProgress:
			inProgress = true
		}
	}
	switch {
	case unsynced:
		return OverallUnsynced
	case inProgress:
		return OverallInProgress
	default:
		return OverallSynced
	}
}

// ProvidersNeedingBlocks returns, in the given order, the providers that still
// require at least one block.
func (f *BackupFile) ProvidersNeedingBlocks(providers []string) []string {
	var out []string
	for _, p := range providers {
		s, ok := f.CopyState[p]
		if !ok {
			s = NewProviderCopyState()
		}
		if s.NeedsBlocks(f.TotalFileBlocks) {
			out = append(out, p)
		}
	}
	return out
}

// ProviderCopyState is the per (file, provider) synchronization record.
type ProviderCopyState struct {
	SyncStatus                  SyncStatus
	LastCompletedFileBlockIndex int64 // -1 means no block committed yet
	HydrationStatus             HydrationStatus
	Metadata                    map[string]string // Mirrored remote metadata, may be nil
}

// NewProviderCopyState returns the Unsynced state with no committed blocks.
func NewProviderCopyState() ProviderCopyState {
	return ProviderCopyState{
		SyncStatus:                  Unsynced,
		LastCompletedFileBlockIndex: -1,
		HydrationStatus:             HydrationNone,
	}
}

// Clone returns a copy with its own metadata map.
func (s ProviderCopyState) Clone() ProviderCopyState {
	if s.Metadata != nil {
		m := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		s.Metadata = m
	}
	return s
}

// NextBlockIndex is the 0-based index of the next block this provider needs.
func (s ProviderCopyState) NextBlockIndex() int64 {
	return s.LastCompletedFileBlockIndex + 1
}

// NeedsBlocks reports whether blocks remain to be sent to this provider.
// A failed provider needs nothing further in the current attempt.
func (s ProviderCopyState) NeedsBlocks(totalBlocks int64) bool {
	if s.SyncStatus == ProviderError {
		return false
	}
	return s.NextBlockIndex() < totalBlocks
}

// SameProgress compares the fields that reconciliation cares about.
// Mirrored metadata is informational and not compared.
func (s ProviderCopyState) SameProgress(o ProviderCopyState) bool {
	return s.SyncStatus == o.SyncStatus &&
		s.LastCompletedFileBlockIndex == o.LastCompletedFileBlockIndex &&
		s.HydrationStatus == o.HydrationStatus
}

// Block is the ephemeral unit handed to providers.
type Block struct {
	Index       int64
	TotalBlocks int64
	Data        []byte
	Hash        []byte
}

// IsFinal reports whether this is the last block of the file.
func (b Block) IsFinal() bool {
	return b.Index == b.TotalBlocks-1
}

// TransferPayload is one block together with the providers that still need it.
type TransferPayload struct {
	FileID    string
	Block     Block
	Providers []string
}

// StateFor returns the provider's copy state, or the fresh state when none is recorded.
func (f *BackupFile) StateFor(provider string) ProviderCopyState {
	if s, ok := f.CopyState[provider]; ok {
		return s
	}
	return NewProviderCopyState()
}
