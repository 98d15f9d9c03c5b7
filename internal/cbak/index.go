package cbak

import (
	"time"

	"cbak-go/internal/model"
)

// Index is the persistent file index. Lookups return nil, nil when nothing matches.
// Instances coordinate only through the Index: each claim method hands a
// source or file to exactly one caller at a time.
type Index interface {
	// Source locations

	// SaveSourceLocation inserts or updates a configured source, keeping its scan history.
	SaveSourceLocation(source *model.SourceLocation) error

	// GetSourceLocation returns a source by ID.
	GetSourceLocation(id int64) (*model.SourceLocation, error)

	// ListSourceLocations returns all sources ordered by ID.
	ListSourceLocations() ([]*model.SourceLocation, error)

	// ClaimSourceForScan claims a source whose last completed scan is older
	// than interval (or never happened, or a rescan was requested), skipping
	// sources claimed by another instance less than lease ago.
	ClaimSourceForScan(instanceID string, now time.Time, interval, lease time.Duration) (*model.SourceLocation, error)

	// CompleteSourceScan records a finished scan and releases the claim. A
	// rescan requested after started stays pending.
	CompleteSourceScan(sourceID int64, started, at time.Time) error

	// ReleaseSourceClaim releases a scan claim without recording completion.
	ReleaseSourceClaim(sourceID int64) error

	// RequestRescan makes a source due for scanning regardless of interval.
	RequestRescan(sourceID int64) error

	// Directories

	// GetOrCreateDirectory returns the stable directory record for a path, creating it if absent.
	GetOrCreateDirectory(path string) (*model.Directory, error)

	// GetDirectory returns a directory by ID.
	GetDirectory(id string) (*model.Directory, error)

	// Files

	// FindFileByPath returns the file record with an exact source path match.
	FindFileByPath(path string) (*model.BackupFile, error)

	// GetFile returns a file by ID.
	GetFile(id string) (*model.BackupFile, error)

	// ListFiles returns every file of a source, ordered by path.
	ListFiles(sourceID int64) ([]*model.BackupFile, error)

	// CreateFile stores a newly discovered file with its copy state and queues it for backup.
	CreateFile(file *model.BackupFile) error

	// UpdateFileMetadata stores changed size, mtime and block count, replaces
	// the copy state with file.CopyState, clears hash and failure, and queues the file.
	UpdateFileMetadata(file *model.BackupFile) error

	// ResetCopyState sets every provider of the file back to Unsynced, clears
	// the failure and deleted flag, and queues the file.
	ResetCopyState(fileID string, scannedAt time.Time) error

	// SetLastScanned touches the last-scanned time only.
	SetLastScanned(fileID string, at time.Time) error

	// SetFailure records a failure reason and marks every provider that is
	// not Synced as ProviderError.
	SetFailure(fileID string, message string) error

	// RecordError records a failure reason without touching copy state.
	RecordError(fileID string, message string) error

	// SetFileHash records the whole-file digest.
	SetFileHash(fileID string, hash []byte, alg model.HashAlgorithm) error

	// UpdateCopyState persists one provider's copy state.
	UpdateCopyState(fileID string, provider string, state model.ProviderCopyState) error

	// SaveCopyStates persists every provider's copy state of the file in one write.
	SaveCopyStates(file *model.BackupFile) error

	// DeleteFile removes a file record together with its queue entries.
	DeleteFile(fileID string) error

	// MarkMissingDeleted flags files of a source not scanned since the given
	// time as deleted and queues them for cleanup. Returns the number flagged.
	MarkMissingDeleted(sourceID int64, scannedBefore time.Time) (int, error)

	// Queues

	// EnqueueBackup adds a file to the backup queue. Queuing twice is a no-op.
	EnqueueBackup(fileID string) error

	// DequeueBackup removes a file from the backup queue.
	DequeueBackup(fileID string) error

	// IsQueued reports whether the file is in the backup queue.
	IsQueued(fileID string) (bool, error)

	// ClaimNextBackupFile claims the highest-priority, oldest queued file not
	// claimed by another instance less than lease ago.
	ClaimNextBackupFile(instanceID string, now time.Time, lease time.Duration) (*model.BackupFile, error)

	// QueueLength counts queued files, claimed or not.
	QueueLength() (int, error)

	// ReleaseBackupClaim leaves the file queued but unclaimed.
	ReleaseBackupClaim(fileID string) error

	// Close closes the index.
	Close() error
}
