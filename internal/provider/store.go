// Package provider implements the storage provider adapters.
//
// Every backend is reduced to a block-blob Store: blocks are staged under
// deterministic IDs and become part of the object only when a block list is
// committed. BlobProvider drives a Store with the commit, metadata and tiering
// rules the engine relies on for resumable transfers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cbak-go/internal/cbak"
	"cbak-go/internal/hasher"
	"cbak-go/internal/model"
)

// ErrObjectNotFound is returned by Store.Metadata for an object that does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrChecksumMismatch means staged block data does not match its checksum.
var ErrChecksumMismatch = errors.New("block checksum mismatch")

// Checksum is the digest a block was read with.
type Checksum struct {
	Algorithm model.HashAlgorithm
	Sum       []byte
}

// Verify checks data against c. A checksum without a digest accepts anything.
func (c Checksum) Verify(data []byte) error {
	if len(c.Sum) == 0 {
		return nil
	}
	if !hasher.Equal(hasher.HashBytes(c.Algorithm, data), c.Sum) {
		return fmt.Errorf("%w: %s of %d bytes", ErrChecksumMismatch, c.Algorithm, len(data))
	}
	return nil
}

// Store is the minimal block-blob surface of a storage backend.
type Store interface {
	// EnsureContainer creates the container if absent. A container created
	// concurrently by another uploader is not an error.
	EnsureContainer(ctx context.Context, container string) error

	// StageBlock uploads an uncommitted block. Staging the same ID twice
	// replaces it. Data that does not match sum is rejected with
	// ErrChecksumMismatch, either locally or by the backend.
	StageBlock(ctx context.Context, container, object, blockID string, data []byte, sum Checksum) error

	// CommitBlocks makes exactly the listed staged blocks, in order, the
	// object's content and sets its metadata.
	CommitBlocks(ctx context.Context, container, object string, blockIDs []string, metadata map[string]string) error

	// SetMetadata replaces the metadata of a committed object.
	SetMetadata(ctx context.Context, container, object string, metadata map[string]string) error

	// Archive moves a committed object to long-term storage.
	Archive(ctx context.Context, container, object string) error

	// Metadata returns the object's metadata, or ErrObjectNotFound.
	Metadata(ctx context.Context, container, object string) (map[string]string, error)
}

// BlobProvider adapts a Store to cbak.Provider.
type BlobProvider struct {
	name  string
	store Store

	mu      sync.Mutex
	ensured map[string]bool
}

var _ cbak.Provider = (*BlobProvider)(nil)

// NewBlobProvider creates a provider named name over store.
func NewBlobProvider(name string, store Store) *BlobProvider {
	return &BlobProvider{name: name, store: store, ensured: make(map[string]bool)}
}

func (p *BlobProvider) Name() string { return p.name }

// Store returns the underlying store.
func (p *BlobProvider) Store() Store { return p.store }

func (p *BlobProvider) GetStatus(ctx context.Context, file *model.BackupFile, _ *model.SourceLocation, dir *model.Directory) (model.ProviderCopyState, error) {
	md, err := p.store.Metadata(ctx, model.ContainerName(dir.ID), model.ObjectName(file.ID))
	if errors.Is(err, ErrObjectNotFound) {
		return model.NewProviderCopyState(), nil
	}
	if err != nil {
		return model.ProviderCopyState{}, fmt.Errorf("%s: reading metadata: %w", p.name, err)
	}
	state, err := model.ParseRemoteMetadata(md)
	if err != nil {
		return model.ProviderCopyState{}, fmt.Errorf("%s: %w", p.name, err)
	}
	return state, nil
}

func (p *BlobProvider) UploadBlock(ctx context.Context, file *model.BackupFile, _ *model.SourceLocation, dir *model.Directory, block model.Block) error {
	container := model.ContainerName(dir.ID)
	object := model.ObjectName(file.ID)

	if err := p.ensureContainer(ctx, container); err != nil {
		return err
	}
	sum := Checksum{Algorithm: file.HashAlgorithm, Sum: block.Hash}
	if err := p.store.StageBlock(ctx, container, object, model.BlockID(file.ID, block.Index), block.Data, sum); err != nil {
		return fmt.Errorf("%s: staging block %d: %w", p.name, block.Index, err)
	}

	md := model.RemoteMetadata(file, model.StateAfter(block))
	if block.Index == 0 || block.IsFinal() {
		ids := make([]string, block.Index+1)
		for i := range ids {
			ids[i] = model.BlockID(file.ID, int64(i))
		}
		if err := p.store.CommitBlocks(ctx, container, object, ids, md); err != nil {
			return fmt.Errorf("%s: committing %d blocks: %w", p.name, len(ids), err)
		}
	} else if err := p.store.SetMetadata(ctx, container, object, md); err != nil {
		return fmt.Errorf("%s: writing metadata: %w", p.name, err)
	}

	if block.IsFinal() {
		if err := p.store.Archive(ctx, container, object); err != nil {
			return fmt.Errorf("%s: archiving: %w", p.name, err)
		}
	}
	return nil
}

func (p *BlobProvider) ensureContainer(ctx context.Context, container string) error {
	p.mu.Lock()
	done := p.ensured[container]
	p.mu.Unlock()
	if done {
		return nil
	}
	if err := p.store.EnsureContainer(ctx, container); err != nil {
		return fmt.Errorf("%s: creating container %s: %w", p.name, container, err)
	}
	p.mu.Lock()
	p.ensured[container] = true
	p.mu.Unlock()
	return nil
}
