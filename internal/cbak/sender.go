package cbak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"cbak-go/internal/hasher"
	"cbak-go/internal/model"
)

// TransferOutcome is how one transfer of a file ended.
type TransferOutcome int

const (
	OutcomeCompleted TransferOutcome = iota
	OutcomeSourceRemoved
	OutcomeFailed
	OutcomeProviderFailed
	OutcomeCancelled
)

func (o TransferOutcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSourceRemoved:
		return "source_removed"
	case OutcomeFailed:
		return "failed"
	case OutcomeProviderFailed:
		return "provider_failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("TransferOutcome(%d)", int(o))
}

// Sender moves a claimed file's blocks to every provider that still needs them.
type Sender struct {
	index      Index
	providers  Providers
	fsmgr      FilesystemManager
	reconciler *Reconciler
	logger     Logger
	metrics    Metrics
	opts       Options
}

// NewSender creates a Sender. A nil metrics sink is replaced with NopMetrics.
func NewSender(index Index, providers Providers, fsmgr FilesystemManager, logger Logger, metrics Metrics, opts Options) *Sender {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Sender{
		index:      index,
		providers:  providers,
		fsmgr:      fsmgr,
		reconciler: NewReconciler(index, providers, logger),
		logger:     logger,
		metrics:    metrics,
		opts:       opts.withDefaults(),
	}
}

// Transfer runs one file through pre-flight checks, hashing, reconciliation
// and the block loop. Per-file problems are recorded on the file and reported
// through the outcome; the error is reserved for index failures.
// A cancelled transfer leaves the file queued for a later attempt.
func (s *Sender) Transfer(ctx context.Context, file model.BackupFile, source *model.SourceLocation) (outcome TransferOutcome, err error) {
	file = file.Clone()
	defer func() {
		if r := recover(); r != nil {
			outcome, err = s.fail(&file, fmt.Sprintf("unexpected failure: %v", r))
		}
		s.metrics.TransferFinished(outcome)
	}()
	return s.transfer(ctx, &file, source)
}

func (s *Sender) transfer(ctx context.Context, file *model.BackupFile, source *model.SourceLocation) (TransferOutcome, error) {
	for _, name := range source.Providers {
		if _, ok := s.providers[name]; !ok {
			return s.fail(file, fmt.Sprintf("unknown provider %q", name))
		}
	}

	info, err := s.fsmgr.Stat(file.FullSourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.index.DeleteFile(file.ID); err != nil {
			return OutcomeFailed, fmt.Errorf("removing vanished file: %w", err)
		}
		s.logger.Info("source file removed", "file", file.ID, "path", file.FullSourcePath)
		return OutcomeSourceRemoved, nil
	}
	if err != nil {
		return s.fail(file, fmt.Sprintf("stat source: %v", err))
	}
	if info.Size() == 0 {
		return s.fail(file, "source file is empty")
	}
	changed := info.Size() != file.FileSizeBytes || !info.ModTime().Equal(file.LastModified)
	if changed || file.BlockLayoutChanged(s.opts.BlockSizeBytes) {
		s.logger.Info("block layout reset", "file", file.ID, "size", info.Size(), "source_changed", changed)
		file.SetMetadata(info.Size(), info.ModTime(), s.opts.BlockSizeBytes)
		file.ResetCopyState(source.Providers)
		file.FileHash = nil
		file.HashAlgorithm = model.HashNone
		if err := s.index.UpdateFileMetadata(file); err != nil {
			return OutcomeFailed, fmt.Errorf("refreshing file metadata: %w", err)
		}
	}

	r, err := s.fsmgr.OpenShared(file.FullSourcePath)
	if err != nil {
		return s.fail(file, fmt.Sprintf("opening source: %v", err))
	}
	defer r.Close()

	if ctx.Err() != nil {
		return s.cancelled(file)
	}

	alg := hasher.DefaultAlgorithmFor(file.Priority)
	digest := hasher.Hash(alg, io.NewSectionReader(r, 0, file.FileSizeBytes))
	if len(digest) == 0 {
		return s.fail(file, "hashing source produced no digest")
	}
	if err := s.index.SetFileHash(file.ID, digest, alg); err != nil {
		return OutcomeFailed, fmt.Errorf("recording file hash: %w", err)
	}
	file.FileHash = digest
	file.HashAlgorithm = alg

	if ctx.Err() != nil {
		return s.cancelled(file)
	}

	dir, err := s.index.GetDirectory(file.DirectoryID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("getting directory: %w", err)
	}
	if dir == nil {
		return s.fail(file, fmt.Sprintf("directory %s not found", file.DirectoryID))
	}

	reconciled, err := s.reconciler.Reconcile(ctx, *file, source, dir)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(file)
		}
		return s.fail(file, fmt.Sprintf("reconciling: %v", err))
	}
	*file = reconciled

	return s.sendBlocks(ctx, file, source, dir, r)
}

func (s *Sender) sendBlocks(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory, r io.ReaderAt) (TransferOutcome, error) {
	for {
		if ctx.Err() != nil {
			return s.cancelled(file)
		}
		payload, ok, err := s.nextPayload(file, source.Providers, r)
		if err != nil {
			return s.fail(file, err.Error())
		}
		if !ok {
			break
		}

		for _, name := range payload.Providers {
			err := s.providers[name].UploadBlock(ctx, file, source, dir, payload.Block)
			if err != nil && ctx.Err() != nil {
				return s.cancelled(file)
			}

			state := file.StateFor(name).Clone()
			if err != nil {
				state.SyncStatus = model.ProviderError
				file.CopyState[name] = state
				file.LastError = fmt.Sprintf("provider %s block %d: %v", name, payload.Block.Index, err)
				if err := s.index.UpdateCopyState(file.ID, name, state); err != nil {
					return OutcomeFailed, fmt.Errorf("persisting copy state: %w", err)
				}
				if err := s.index.RecordError(file.ID, file.LastError); err != nil {
					return OutcomeFailed, fmt.Errorf("recording provider error: %w", err)
				}
				if err := s.index.DequeueBackup(file.ID); err != nil {
					return OutcomeFailed, fmt.Errorf("dequeueing file: %w", err)
				}
				s.metrics.ProviderFailed(name)
				s.logger.Error("block upload failed",
					"file", file.ID,
					"provider", name,
					"block", payload.Block.Index,
					"error", err,
				)
				return OutcomeProviderFailed, nil
			}

			done := model.StateAfter(payload.Block)
			state.SyncStatus = done.SyncStatus
			state.LastCompletedFileBlockIndex = done.LastCompletedFileBlockIndex
			state.Metadata = model.RemoteMetadata(file, state)
			file.CopyState[name] = state
			if err := s.index.UpdateCopyState(file.ID, name, state); err != nil {
				return OutcomeFailed, fmt.Errorf("persisting copy state: %w", err)
			}
			s.metrics.BlockSent(name, len(payload.Block.Data))
			s.logger.Debug("block sent",
				"file", file.ID,
				"provider", name,
				"block", payload.Block.Index,
				"total", payload.Block.TotalBlocks,
			)
		}
	}

	if err := s.index.DequeueBackup(file.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("dequeueing file: %w", err)
	}
	s.logger.Info("file transferred", "file", file.ID, "path", file.FullSourcePath, "blocks", file.TotalFileBlocks)
	return OutcomeCompleted, nil
}

// nextPayload reads the lowest block any provider still needs and pairs it
// with exactly the providers whose next block is that one.
func (s *Sender) nextPayload(file *model.BackupFile, providers []string, r io.ReaderAt) (model.TransferPayload, bool, error) {
	needing := file.ProvidersNeedingBlocks(providers)
	if len(needing) == 0 {
		return model.TransferPayload{}, false, nil
	}

	next := file.StateFor(needing[0]).NextBlockIndex()
	for _, name := range needing[1:] {
		if i := file.StateFor(name).NextBlockIndex(); i < next {
			next = i
		}
	}
	var targets []string
	for _, name := range needing {
		if file.StateFor(name).NextBlockIndex() == next {
			targets = append(targets, name)
		}
	}

	offset := next * s.opts.BlockSizeBytes
	size := min(s.opts.BlockSizeBytes, file.FileSizeBytes-offset)
	if size <= 0 {
		return model.TransferPayload{}, false, fmt.Errorf("block %d lies beyond end of file", next)
	}
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, offset)
	if int64(n) < size {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return model.TransferPayload{}, false, fmt.Errorf("reading block %d: %v", next, err)
	}

	return model.TransferPayload{
		FileID: file.ID,
		Block: model.Block{
			Index:       next,
			TotalBlocks: file.TotalFileBlocks,
			Data:        buf,
			Hash:        hasher.HashBytes(file.HashAlgorithm, buf),
		},
		Providers: targets,
	}, true, nil
}

// fail records a per-file failure, marks unfinished providers as failed and
// removes the file from the queue until the next scan re-arms it.
func (s *Sender) fail(file *model.BackupFile, reason string) (TransferOutcome, error) {
	s.logger.Error("transfer failed", "file", file.ID, "path", file.FullSourcePath, "reason", reason)
	if err := s.index.SetFailure(file.ID, reason); err != nil {
		return OutcomeFailed, fmt.Errorf("recording failure: %w", err)
	}
	if err := s.index.DequeueBackup(file.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("dequeueing file: %w", err)
	}
	return OutcomeFailed, nil
}

func (s *Sender) cancelled(file *model.BackupFile) (TransferOutcome, error) {
	s.logger.Info("transfer cancelled", "file", file.ID)
	if err := s.index.ReleaseBackupClaim(file.ID); err != nil {
		return OutcomeCancelled, fmt.Errorf("releasing claim: %w", err)
	}
	return OutcomeCancelled, nil
}
