package cbak

import (
	"context"
	"fmt"
	"slices"

	"cbak-go/internal/hasher"
	"cbak-go/internal/model"
)

// Reconciler rebuilds local copy state from what the providers actually hold.
// Providers are authoritative: interrupted uploads resume from the last block
// the remote side committed.
type Reconciler struct {
	index     Index
	providers Providers
	logger    Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(index Index, providers Providers, logger Logger) *Reconciler {
	return &Reconciler{index: index, providers: providers, logger: logger}
}

// Reconcile queries every provider of the file's source and replaces any local
// state that disagrees with the remote one. A remote object whose mirrored hash
// differs from the file's current hash holds an older version, and one written
// with another block size cannot be resumed; both count as Unsynced. State for
// providers the source no longer lists is dropped. Changes are persisted in a
// single write; the reconciled file is returned.
func (r *Reconciler) Reconcile(ctx context.Context, file model.BackupFile, source *model.SourceLocation, dir *model.Directory) (model.BackupFile, error) {
	file = file.Clone()
	changed := false

	for name := range file.CopyState {
		if !slices.Contains(source.Providers, name) {
			r.logger.Info("dropping copy state of removed provider", "file", file.ID, "provider", name)
			delete(file.CopyState, name)
			changed = true
		}
	}

	for _, name := range source.Providers {
		if err := ctx.Err(); err != nil {
			return file, err
		}
		p, ok := r.providers[name]
		if !ok {
			return file, fmt.Errorf("unknown provider %q", name)
		}

		remote, err := p.GetStatus(ctx, &file, source, dir)
		if err != nil {
			return file, fmt.Errorf("getting status from %s: %w", name, err)
		}
		if staleRemote(remote, file.FileHash) {
			r.logger.Debug("remote holds an older version", "file", file.ID, "provider", name)
			remote = model.NewProviderCopyState()
		} else if foreignLayout(remote, file.BlockSizeBytes) {
			r.logger.Info("remote written with another block size", "file", file.ID, "provider", name)
			remote = model.NewProviderCopyState()
		}

		local, ok := file.CopyState[name]
		if ok && local.SameProgress(remote) {
			continue
		}
		r.logger.Info("copy state reconciled",
			"file", file.ID,
			"provider", name,
			"local", local.SyncStatus.String(),
			"remote", remote.SyncStatus.String(),
			"remote_block", remote.LastCompletedFileBlockIndex,
		)
		file.CopyState[name] = remote
		changed = true
	}

	if changed {
		if err := r.index.SaveCopyStates(&file); err != nil {
			return file, fmt.Errorf("saving reconciled copy state: %w", err)
		}
	}
	return file, nil
}

func staleRemote(remote model.ProviderCopyState, localHash []byte) bool {
	remoteHash, ok := model.RemoteHash(remote)
	if !ok || len(remoteHash) == 0 || len(localHash) == 0 {
		return false
	}
	return !hasher.Equal(remoteHash, localHash)
}

func foreignLayout(remote model.ProviderCopyState, blockSize int64) bool {
	remoteSize, ok := model.RemoteBlockSize(remote)
	return ok && blockSize > 0 && remoteSize != blockSize
}
