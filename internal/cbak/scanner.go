package cbak

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"unicode/utf8"

	"cbak-go/internal/model"
)

// Classification is the per-file outcome of a scan.
type Classification int

const (
	ClassNew Classification = iota
	ClassUpdated
	ClassExisting
	ClassUnsupported
	ClassExcluded
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassUpdated:
		return "updated"
	case ClassExisting:
		return "existing"
	case ClassUnsupported:
		return "unsupported"
	case ClassExcluded:
		return "excluded"
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// ScanResult counts what one scan of a source location saw.
// Excluded files are not counted anywhere.
type ScanResult struct {
	DirectoriesScanned int
	DirectoryErrors    int
	FileErrors         int
	FilesFound         int
	NewFiles           int
	NewBytes           int64
	UpdatedFiles       int
	UpdatedBytes       int64
	ExistingFiles      int
	UnsupportedFiles   int
	UnsupportedBytes   int64
	MarkedDeleted      int
	Cancelled          bool
}

// Scanner walks a source location and reconciles what it finds with the index.
type Scanner struct {
	index   Index
	fsmgr   FilesystemManager
	logger  Logger
	clock   Clock
	idgen   IDGenerator
	metrics Metrics
	opts    Options
}

// NewScanner creates a Scanner. A nil metrics sink is replaced with NopMetrics.
func NewScanner(index Index, fsmgr FilesystemManager, logger Logger, clock Clock, idgen IDGenerator, metrics Metrics, opts Options) *Scanner {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Scanner{
		index:   index,
		fsmgr:   fsmgr,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
		metrics: metrics,
		opts:    opts.withDefaults(),
	}
}

// Scan traverses the source breadth-first and classifies every matching file.
// Unreadable directories are counted and skipped. Cancellation stops the walk
// with Cancelled set. Only a complete walk that could read every directory
// and file flags vanished files as deleted.
// The returned error is reserved for index failures.
func (s *Scanner) Scan(ctx context.Context, source *model.SourceLocation, exclusions ExclusionSet) (ScanResult, error) {
	var res ScanResult
	started := s.clock.Now()

	queue := []string{source.Path}
walk:
	for len(queue) > 0 {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		dir := queue[0]
		queue = queue[1:]

		entries, err := s.fsmgr.ReadDir(dir)
		if err != nil {
			res.DirectoryErrors++
			s.logger.Warn("directory enumeration failed", "path", dir, "error", err)
			continue
		}
		res.DirectoriesScanned++

		var files []fs.DirEntry
		for _, e := range entries {
			switch {
			case e.IsDir():
				queue = append(queue, filepath.Join(dir, e.Name()))
			case e.Type().IsRegular() && matchesFilter(source, e.Name()):
				files = append(files, e)
			}
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		for _, e := range files {
			if ctx.Err() != nil {
				res.Cancelled = true
				break walk
			}
			path := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				res.FileErrors++
				s.logger.Warn("reading file info failed", "path", path, "error", err)
				continue
			}
			class, err := s.classify(source, path, info, exclusions)
			if err != nil {
				return res, err
			}
			res.record(class, info.Size())
			s.logger.Debug("file classified", "path", path, "class", class.String())
		}
	}

	if !res.Cancelled && res.DirectoryErrors == 0 && res.FileErrors == 0 {
		n, err := s.index.MarkMissingDeleted(source.ID, started)
		if err != nil {
			return res, fmt.Errorf("marking missing files: %w", err)
		}
		res.MarkedDeleted = n
	}

	s.logger.Info("scan finished",
		"source", source.ID,
		"path", source.Path,
		"directories", res.DirectoriesScanned,
		"directory_errors", res.DirectoryErrors,
		"found", res.FilesFound,
		"new", res.NewFiles,
		"updated", res.UpdatedFiles,
		"existing", res.ExistingFiles,
		"unsupported", res.UnsupportedFiles,
		"deleted", res.MarkedDeleted,
		"cancelled", res.Cancelled,
	)
	s.metrics.ScanCompleted(source.ID, res)
	return res, nil
}

func (r *ScanResult) record(c Classification, size int64) {
	if c == ClassExcluded {
		return
	}
	r.FilesFound++
	switch c {
	case ClassNew:
		r.NewFiles++
		r.NewBytes += size
	case ClassUpdated:
		r.UpdatedFiles++
		r.UpdatedBytes += size
	case ClassExisting:
		r.ExistingFiles++
	case ClassUnsupported:
		r.UnsupportedFiles++
		r.UnsupportedBytes += size
	}
}

// classify decides what a file is and applies the matching index update.
func (s *Scanner) classify(source *model.SourceLocation, path string, info fs.FileInfo, exclusions ExclusionSet) (Classification, error) {
	size := info.Size()
	if size == 0 {
		return ClassUnsupported, nil
	}
	if utf8.RuneCountInString(path) >= s.opts.MaxPathLength {
		s.logger.Warn("path too long", "path", path)
		return ClassUnsupported, nil
	}
	if exclusions.Match(info.Name()) {
		return ClassExcluded, nil
	}

	now := s.clock.Now()
	existing, err := s.index.FindFileByPath(path)
	if err != nil {
		return 0, fmt.Errorf("finding file %s: %w", path, err)
	}

	if existing == nil {
		dir, err := s.index.GetOrCreateDirectory(filepath.Dir(path))
		if err != nil {
			return 0, fmt.Errorf("getting directory for %s: %w", path, err)
		}
		file := &model.BackupFile{
			ID:               s.idgen.New(),
			FullSourcePath:   path,
			FileName:         info.Name(),
			DirectoryID:      dir.ID,
			SourceLocationID: source.ID,
			LastScanned:      now,
			Priority:         source.Priority,
			RevisionCount:    source.RevisionCount,
		}
		file.SetMetadata(size, info.ModTime(), s.opts.BlockSizeBytes)
		file.ResetCopyState(source.Providers)
		if err := s.index.CreateFile(file); err != nil {
			return 0, fmt.Errorf("creating file %s: %w", path, err)
		}
		return ClassNew, nil
	}

	if existing.FileSizeBytes != size || !existing.LastModified.Equal(info.ModTime()) {
		file := existing.Clone()
		file.SetMetadata(size, info.ModTime(), s.opts.BlockSizeBytes)
		file.ResetCopyState(source.Providers)
		file.FileHash = nil
		file.HashAlgorithm = model.HashNone
		file.LastScanned = now
		file.Priority = source.Priority
		file.RevisionCount = source.RevisionCount
		if err := s.index.UpdateFileMetadata(&file); err != nil {
			return 0, fmt.Errorf("updating file %s: %w", path, err)
		}
		return ClassUpdated, nil
	}

	switch {
	case existing.Deleted, existing.OverallState() == model.OverallProviderError, providersChanged(existing, source):
		// Re-arm the file. Remote progress is recovered by reconciliation.
		if err := s.index.ResetCopyState(existing.ID, now); err != nil {
			return 0, fmt.Errorf("resetting file %s: %w", path, err)
		}
	default:
		if err := s.index.SetLastScanned(existing.ID, now); err != nil {
			return 0, fmt.Errorf("touching file %s: %w", path, err)
		}
		if existing.OverallState() != model.OverallSynced {
			if err := s.index.EnqueueBackup(existing.ID); err != nil {
				return 0, fmt.Errorf("queueing file %s: %w", path, err)
			}
		}
	}
	return ClassExisting, nil
}

// providersChanged reports whether the file's copy state is keyed by a
// provider set other than the source's.
func providersChanged(file *model.BackupFile, source *model.SourceLocation) bool {
	for _, p := range source.Providers {
		if _, ok := file.CopyState[p]; !ok {
			return true
		}
	}
	for p := range file.CopyState {
		if !slices.Contains(source.Providers, p) {
			return true
		}
	}
	return false
}

func matchesFilter(source *model.SourceLocation, name string) bool {
	if source.MatchAll() {
		return true
	}
	ok, err := filepath.Match(source.FileMatchFilter, name)
	return err == nil && ok
}
