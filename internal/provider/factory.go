package provider

import (
	"context"
	"fmt"

	"cbak-go/internal/cbak"
	"cbak-go/internal/config"
)

// NewStoreFromConfig creates the Store for a provider section.
func NewStoreFromConfig(ctx context.Context, cfg config.ProviderConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem provider %q requires fs_root to be set", cfg.Name)
		}
		return NewFileSystemStore(cfg.FSRoot)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			StorageClass:    cfg.S3StorageClass,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
		})
	case "azure":
		return NewAzureStore(AzureOptions{
			AccountURL:       cfg.AzureAccountURL,
			ConnectionString: cfg.AzureConnectionString,
			ArchiveTier:      cfg.AzureArchiveTier,
		})
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// NewProviderFromConfig creates a provider: the store's BlobProvider, sealed
// by enc when the section asks for encryption, retried per its retry settings.
func NewProviderFromConfig(ctx context.Context, cfg config.ProviderConfig, enc cbak.BlockEncryptor, logger cbak.Logger) (cbak.Provider, error) {
	store, err := NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var p cbak.Provider = NewBlobProvider(cfg.Name, store)
	if cfg.Encrypt {
		if enc == nil || !enc.IsConfigured() {
			return nil, fmt.Errorf("provider %q requires encryption keys; run 'cbak keys init'", cfg.Name)
		}
		p = NewEncrypting(p, enc)
	}
	if cfg.Retry.MaxAttempts > 1 {
		p = NewRetrying(p, RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval.Duration,
			MaxInterval:     cfg.Retry.MaxInterval.Duration,
		}, logger)
	}
	return p, nil
}

// NewProvidersFromConfig builds every configured provider, keyed by name.
func NewProvidersFromConfig(ctx context.Context, cfgs []config.ProviderConfig, enc cbak.BlockEncryptor, logger cbak.Logger) (cbak.Providers, error) {
	providers := make(cbak.Providers, len(cfgs))
	for _, c := range cfgs {
		if _, dup := providers[c.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", c.Name)
		}
		p, err := NewProviderFromConfig(ctx, c, enc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", c.Name, err)
		}
		providers[c.Name] = p
	}
	return providers, nil
}
