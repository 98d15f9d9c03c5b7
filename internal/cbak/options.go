package cbak

import "time"

// Options carries the engine's tunables. Zero fields fall back to defaults.
type Options struct {
	// BlockSizeBytes is the fixed transfer block size.
	BlockSizeBytes int64
	// MaxPathLength is the full-path length (in characters) at or above which
	// files are unsupported.
	MaxPathLength int
	// ScanInterval is how long a completed scan stays fresh.
	ScanInterval time.Duration
	// IdleInterval is how long a runner sleeps when there is no work.
	IdleInterval time.Duration
	// ClaimLease is how long a claim is honoured before another instance may take over.
	ClaimLease time.Duration
}

const (
	DefaultBlockSizeBytes int64 = 4 * 1024 * 1024
	DefaultMaxPathLength        = 260
	DefaultScanInterval         = time.Hour
	DefaultIdleInterval         = 30 * time.Second
	DefaultClaimLease           = time.Hour
)

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.BlockSizeBytes <= 0 {
		o.BlockSizeBytes = DefaultBlockSizeBytes
	}
	if o.MaxPathLength <= 0 {
		o.MaxPathLength = DefaultMaxPathLength
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = DefaultIdleInterval
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = DefaultClaimLease
	}
	return o
}
