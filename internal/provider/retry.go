package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cbak-go/internal/cbak"
	"cbak-go/internal/model"
)

// RetryPolicy bounds the exponential backoff around provider calls.
type RetryPolicy struct {
	MaxAttempts     int // Total attempts, including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying retries a provider's calls on transient errors. Malformed remote
// metadata and context cancellation are never retried.
type Retrying struct {
	inner  cbak.Provider
	policy RetryPolicy
	logger cbak.Logger
}

var _ cbak.Provider = (*Retrying)(nil)

// NewRetrying wraps p. A policy with fewer than two attempts disables retries.
func NewRetrying(p cbak.Provider, policy RetryPolicy, logger cbak.Logger) *Retrying {
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 30 * time.Second
	}
	return &Retrying{inner: p, policy: policy, logger: logger}
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) GetStatus(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory) (model.ProviderCopyState, error) {
	var state model.ProviderCopyState
	err := r.retry(ctx, "get_status", file.ID, func() error {
		var err error
		state, err = r.inner.GetStatus(ctx, file, source, dir)
		return err
	})
	return state, err
}

func (r *Retrying) UploadBlock(ctx context.Context, file *model.BackupFile, source *model.SourceLocation, dir *model.Directory, block model.Block) error {
	return r.retry(ctx, "upload_block", file.ID, func() error {
		return r.inner.UploadBlock(ctx, file, source, dir, block)
	})
}

func (r *Retrying) retry(ctx context.Context, op, fileID string, fn func() error) error {
	if r.policy.MaxAttempts < 2 {
		return fn()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	bkoff := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(
		func() error {
			err := fn()
			if err == nil {
				return nil
			}
			if errors.Is(err, model.ErrMalformedMetadata) || errors.Is(err, ErrChecksumMismatch) || ctx.Err() != nil ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		},
		bkoff,
		func(err error, wait time.Duration) {
			r.logger.Warn("provider call failed, retrying",
				"provider", r.inner.Name(),
				"op", op,
				"file", fileID,
				"wait", wait,
				"error", err,
			)
		},
	)
	return err
}
