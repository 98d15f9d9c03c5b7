package cbak

import (
	"time"

	"github.com/google/uuid"
)

// Logger provides structured logging for the engine.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time so scanning and claiming are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// Metrics receives engine counters. The app wires a prometheus implementation.
type Metrics interface {
	ScanCompleted(source int64, result ScanResult)
	BlockSent(provider string, bytes int)
	ProviderFailed(provider string)
	TransferFinished(outcome TransferOutcome)
}

// NopMetrics ignores everything.
type NopMetrics struct{}

func (NopMetrics) ScanCompleted(int64, ScanResult)  {}
func (NopMetrics) BlockSent(string, int)            {}
func (NopMetrics) ProviderFailed(string)            {}
func (NopMetrics) TransferFinished(TransferOutcome) {}
