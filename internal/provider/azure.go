package provider

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// AzureOptions configures an AzureStore. A connection string takes precedence
// over the account URL, which authenticates with the default credential chain.
type AzureOptions struct {
	AccountURL       string
	ConnectionString string
	ArchiveTier      string // "Archive" (default), "Cold" or "Cool"
}

// azureBlobs is the part of the blob service AzureStore talks to.
type azureBlobs interface {
	createContainer(ctx context.Context, container string) error
	stageBlock(ctx context.Context, container, object, blockID string, data []byte, validation blob.TransferValidationType) error
	commitBlockList(ctx context.Context, container, object string, blockIDs []string, metadata map[string]*string) error
	setMetadata(ctx context.Context, container, object string, metadata map[string]*string) error
	setTier(ctx context.Context, container, object string, tier blob.AccessTier) error
	properties(ctx context.Context, container, object string) (map[string]*string, error)
}

// AzureStore is a Store on Azure block blobs, which match the Store model directly.
type AzureStore struct {
	blobs azureBlobs
	tier  blob.AccessTier
}

var _ Store = (*AzureStore)(nil)

// NewAzureStore creates a store authenticated per opts.
func NewAzureStore(opts AzureOptions) (*AzureStore, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.AccountURL != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("loading azure credential: %w", credErr)
		}
		client, err = azblob.NewClient(opts.AccountURL, cred, nil)
	default:
		return nil, fmt.Errorf("azure store requires an account url or connection string")
	}
	if err != nil {
		return nil, fmt.Errorf("creating azure client: %w", err)
	}
	return newAzureStore(&azblobClient{client: client}, opts.ArchiveTier), nil
}

func newAzureStore(blobs azureBlobs, tier string) *AzureStore {
	t := blob.AccessTierArchive
	if tier != "" {
		t = blob.AccessTier(tier)
	}
	return &AzureStore{blobs: blobs, tier: t}
}

func (s *AzureStore) EnsureContainer(ctx context.Context, container string) error {
	err := s.blobs.createContainer(ctx, container)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return err
	}
	return nil
}

// StageBlock verifies the block locally and has the service check a CRC64
// of the bytes it received.
func (s *AzureStore) StageBlock(ctx context.Context, container, object, blockID string, data []byte, sum Checksum) error {
	if err := sum.Verify(data); err != nil {
		return err
	}
	err := s.blobs.stageBlock(ctx, container, object, blockID, data, blob.TransferValidationTypeComputeCRC64())
	if bloberror.HasCode(err, bloberror.CRC64Mismatch, bloberror.MD5Mismatch) {
		return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	return err
}

func (s *AzureStore) CommitBlocks(ctx context.Context, container, object string, blockIDs []string, metadata map[string]string) error {
	return s.blobs.commitBlockList(ctx, container, object, blockIDs, toAzureMetadata(metadata))
}

func (s *AzureStore) SetMetadata(ctx context.Context, container, object string, metadata map[string]string) error {
	err := s.blobs.setMetadata(ctx, container, object, toAzureMetadata(metadata))
	if isAzureNotFound(err) {
		return ErrObjectNotFound
	}
	return err
}

func (s *AzureStore) Archive(ctx context.Context, container, object string) error {
	err := s.blobs.setTier(ctx, container, object, s.tier)
	if isAzureNotFound(err) {
		return ErrObjectNotFound
	}
	return err
}

func (s *AzureStore) Metadata(ctx context.Context, container, object string) (map[string]string, error) {
	md, err := s.blobs.properties(ctx, container, object)
	if isAzureNotFound(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if v != nil {
			out[k] = *v
		}
	}
	return out, nil
}

func isAzureNotFound(err error) bool {
	return err != nil && bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

func toAzureMetadata(md map[string]string) map[string]*string {
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = &v
	}
	return out
}

// azblobClient implements azureBlobs with the Azure SDK.
type azblobClient struct {
	client *azblob.Client
}

func (c *azblobClient) blockBlob(container, object string) *blockblob.Client {
	return c.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(object)
}

func (c *azblobClient) createContainer(ctx context.Context, container string) error {
	_, err := c.client.CreateContainer(ctx, container, nil)
	return err
}

func (c *azblobClient) stageBlock(ctx context.Context, container, object, blockID string, data []byte, validation blob.TransferValidationType) error {
	_, err := c.blockBlob(container, object).StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), &blockblob.StageBlockOptions{
		TransactionalValidation: validation,
	})
	return err
}

func (c *azblobClient) commitBlockList(ctx context.Context, container, object string, blockIDs []string, metadata map[string]*string) error {
	_, err := c.blockBlob(container, object).CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{
		Metadata: metadata,
	})
	return err
}

func (c *azblobClient) setMetadata(ctx context.Context, container, object string, metadata map[string]*string) error {
	_, err := c.blockBlob(container, object).SetMetadata(ctx, metadata, nil)
	return err
}

func (c *azblobClient) setTier(ctx context.Context, container, object string, tier blob.AccessTier) error {
	_, err := c.blockBlob(container, object).SetTier(ctx, tier, nil)
	return err
}

func (c *azblobClient) properties(ctx context.Context, container, object string) (map[string]*string, error) {
	resp, err := c.blockBlob(container, object).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}
