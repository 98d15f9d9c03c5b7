package provider

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"cbak-go/internal/cbak"
	"cbak-go/internal/hasher"
	"cbak-go/internal/model"
)

// maxFrameSize bounds a sealed block read back by OpenSealed.
const maxFrameSize = 1 << 30

// Encrypting seals every block before handing it to the wrapped provider.
// Each sealed block is framed with its 8-byte big-endian length so a
// committed object can be split back into blocks for decryption.
type Encrypting struct {
	inner cbak.Provider
	enc   cbak.BlockEncryptor
}

var _ cbak.Provider = (*Encrypting)(nil)

// NewEncrypting wraps p with enc, which must already be configured.
func NewEncrypting(p cbak.Provider, enc cbak.BlockEncryptor) *Encrypting {
	return &Encrypting{inner: p, enc: enc}
}

func (e *Encrypting) Name() string { return e.inner.Name() }

func (e *Encrypting) GetStatus(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory) (model.ProviderCopyState, error) {
	return e.inner.GetStatus(ctx, file, source, dir)
}

func (e *Encrypting) UploadBlock(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory, block model.Block) error {
	sealed, err := e.enc.Seal(block.Data)
	if err != nil {
		return fmt.Errorf("%s: sealing block %d: %w", e.inner.Name(), block.Index, err)
	}
	framed := make([]byte, 8+len(sealed))
	binary.BigEndian.PutUint64(framed, uint64(len(sealed)))
	copy(framed[8:], sealed)

	out := block
	out.Data = framed
	out.Hash = hasher.HashBytes(file.HashAlgorithm, framed)
	return e.inner.UploadBlock(ctx, file, source, dir, out)
}

// OpenSealed reads framed sealed blocks from r and returns the concatenated plaintext.
func OpenSealed(r io.Reader, opener cbak.BlockOpener) ([]byte, error) {
	var out bytes.Buffer
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out.Bytes(), nil
			}
			return nil, fmt.Errorf("reading frame header: %w", err)
		}
		n := binary.BigEndian.Uint64(header[:])
		if n > maxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
		}
		sealed := make([]byte, n)
		if _, err := io.ReadFull(r, sealed); err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		plain, err := opener.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("opening frame: %w", err)
		}
		out.Write(plain)
	}
}
