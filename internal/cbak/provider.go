package cbak

import (
	"context"

	"cbak-go/internal/model"
)

// Provider is the boundary to a remote storage backend.
// The engine depends only on this interface.
type Provider interface {
	// Name is the identifier used as the copy-state key.
	Name() string

	// GetStatus rebuilds the provider's copy state from the remote object's
	// mirrored metadata. A nonexistent object yields the fresh Unsynced state
	// and no error. Missing or unparsable metadata wraps model.ErrMalformedMetadata.
	GetStatus(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory) (model.ProviderCopyState, error)

	// UploadBlock sends one block. Implementations create the container if
	// absent, stage the block under model.BlockID, commit the block list on
	// the first and last block, write the mirrored metadata on every call, and
	// move the object to its long-term tier after the last block.
	UploadBlock(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory, block model.Block) error
}

// Providers maps provider names to adapters. It is built once from configuration.
type Providers map[string]Provider
