package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"cbak-go/internal/model"
)

// DefaultS3StorageClass is where finished objects' blocks are moved.
const DefaultS3StorageClass = types.StorageClassGlacier

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Options configures an S3Store.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // Custom endpoint for S3-compatible services
	StorageClass    string
	AccessKeyID     string // Static credentials; empty uses the default chain
	SecretAccessKey string
}

// S3Store is a Store on one S3 bucket. S3 has no uncommitted blocks, so a
// container is a key prefix, each block is its own object, and the committed
// object is a manifest listing the blocks and carrying the metadata:
//
//	<prefix><container>/<object>                 (manifest)
//	<prefix><container>/<object>.blocks/<hex id> (block)
type S3Store struct {
	client       S3API
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	region       string
	storageClass types.StorageClass

	bucketMu sync.Mutex
	bucketOK bool
}

var _ Store = (*S3Store)(nil)

type s3Manifest struct {
	BlockIDs []string `json:"block_ids"`
}

// NewS3Store loads AWS configuration and creates a store for opts.Bucket.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreFromClient(client, opts), nil
}

// NewS3StoreFromClient creates a store over an existing client.
func NewS3StoreFromClient(client S3API, opts S3Options) *S3Store {
	class := DefaultS3StorageClass
	if opts.StorageClass != "" {
		class = types.StorageClass(opts.StorageClass)
	}
	return &S3Store{
		client:       client,
		uploader:     manager.NewUploader(client),
		bucket:       opts.Bucket,
		prefix:       opts.Prefix,
		region:       opts.Region,
		storageClass: class,
	}
}

func (s *S3Store) manifestKey(container, object string) string {
	return s.prefix + path.Join(container, object)
}

func (s *S3Store) blockKey(container, object, blockID string) string {
	return s.manifestKey(container, object) + ".blocks/" + hex.EncodeToString([]byte(blockID))
}

// EnsureContainer makes sure the bucket exists. Containers themselves are key prefixes.
func (s *S3Store) EnsureContainer(ctx context.Context, _ string) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketOK {
		return nil
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if err != nil {
		in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
		if s.region != "" && s.region != "us-east-1" {
			in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.region),
			}
		}
		_, err := s.client.CreateBucket(ctx, in)
		var owned *types.BucketAlreadyOwnedByYou
		if err != nil && !errors.As(err, &owned) {
			return fmt.Errorf("creating bucket: %w", err)
		}
	}
	s.bucketOK = true
	return nil
}

// StageBlock sends SHA-1 and SHA-256 checksums for S3 to validate. Other
// algorithms are verified before the upload.
func (s *S3Store) StageBlock(ctx context.Context, container, object, blockID string, data []byte, sum Checksum) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blockKey(container, object, blockID)),
		Body:   bytes.NewReader(data),
	}
	switch {
	case len(sum.Sum) == 0:
	case sum.Algorithm == model.HashSHA256:
		in.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(sum.Sum))
	case sum.Algorithm == model.HashSHA1:
		in.ChecksumSHA1 = aws.String(base64.StdEncoding.EncodeToString(sum.Sum))
	default:
		if err := sum.Verify(data); err != nil {
			return err
		}
	}
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		if isS3ChecksumError(err) {
			return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
		return fmt.Errorf("uploading block: %w", err)
	}
	return nil
}

func isS3ChecksumError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "BadDigest", "InvalidDigest", "XAmzContentChecksumMismatch":
		return true
	}
	return false
}

func (s *S3Store) CommitBlocks(ctx context.Context, container, object string, blockIDs []string, metadata map[string]string) error {
	body, err := json.Marshal(s3Manifest{BlockIDs: blockIDs})
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.manifestKey(container, object)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// SetMetadata rewrites the manifest onto itself, the only way S3 changes metadata.
func (s *S3Store) SetMetadata(ctx context.Context, container, object string, metadata map[string]string) error {
	key := s.manifestKey(container, object)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(s.bucket + "/" + key),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       aws.String("application/json"),
	})
	if isS3NotFound(err) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("copying manifest: %w", err)
	}
	return nil
}

// Archive moves every committed block to the configured storage class.
// The manifest stays in the standard class so status checks stay cheap.
func (s *S3Store) Archive(ctx context.Context, container, object string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(container, object)),
	})
	if isS3NotFound(err) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	raw, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var m s3Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	for _, id := range m.BlockIDs {
		key := s.blockKey(container, object, id)
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:       aws.String(s.bucket),
			Key:          aws.String(key),
			CopySource:   aws.String(s.bucket + "/" + key),
			StorageClass: s.storageClass,
		})
		if err != nil {
			return fmt.Errorf("moving block to %s: %w", s.storageClass, err)
		}
	}
	return nil
}

func (s *S3Store) Metadata(ctx context.Context, container, object string) (map[string]string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(container, object)),
	})
	if isS3NotFound(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("head manifest: %w", err)
	}
	return out.Metadata, nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var (
		notFound *types.NotFound
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &notFound) || errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}
