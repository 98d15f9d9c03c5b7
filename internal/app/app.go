package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"cbak-go/internal/cbak"
	"cbak-go/internal/config"
	"cbak-go/internal/database"
	"cbak-go/internal/encryption"
	"cbak-go/internal/fs"
	"cbak-go/internal/metrics"
	"cbak-go/internal/model"
	"cbak-go/internal/provider"
	"cbak-go/internal/watch"
)

// App is the application layer between the CLI and the engine.
// It constructs all dependencies from config, keeps the index in step with the
// configured sources, and records mutating commands as operations.
type App struct {
	cfg       *config.Config
	index     *database.SQLiteIndex
	providers cbak.Providers
	fsmgr     cbak.FilesystemManager
	encryptor cbak.BlockEncryptor
	metrics   *metrics.Collector
	logger    cbak.Logger
	clock     cbak.Clock
	opts      cbak.Options
	op        *Operation
	logCloser io.Closer
}

// New creates a fully wired App from the given config. operation names the
// CLI command being run (e.g. "Scan", "Run"). Log output is copied to stderr
// when it is non-nil. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, stderr io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logCloser, err := newLogger(cfg.Log, opID, level, stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	a.op = NewOperation(operation, "")
	a.logCloser = logCloser
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger cbak.Logger) (*App, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	providers, err := provider.NewProvidersFromConfig(ctx, cfg.Providers, enc, logger)
	if err != nil {
		return nil, fmt.Errorf("creating providers: %w", err)
	}

	clock := cbak.RealClock{}
	index, err := database.NewIndexFromConfig(cfg.Database, cfg.HostID, clock, cbak.UUIDGenerator{})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if err := index.CheckMigrations(); err != nil {
		index.Close()
		return nil, fmt.Errorf("index schema out of date: %w", err)
	}

	a := &App{
		cfg:       cfg,
		index:     index,
		providers: providers,
		fsmgr:     fs.NewOSFilesystemManager(),
		encryptor: enc,
		metrics:   metrics.New(),
		logger:    logger,
		clock:     clock,
		opts: cbak.Options{
			BlockSizeBytes: cfg.Engine.BlockSizeBytes,
			MaxPathLength:  cfg.Engine.MaxPathLength,
			ScanInterval:   cfg.Engine.ScanInterval.Duration,
			IdleInterval:   cfg.Engine.IdleInterval.Duration,
			ClaimLease:     cfg.Engine.ClaimLease.Duration,
		},
	}
	if err := a.syncSources(); err != nil {
		index.Close()
		return nil, err
	}
	return a, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// syncSources writes every configured source into the index, merging each
// root's ignore file into its exclusions.
func (a *App) syncSources() error {
	for _, sc := range a.cfg.Sources {
		loc, err := sc.SourceLocation()
		if err != nil {
			return err
		}
		loc.Exclusions, err = fs.SourceExclusions(loc.Path, loc.Exclusions)
		if err != nil {
			return fmt.Errorf("source %d: %w", loc.ID, err)
		}
		if _, err := cbak.CompileExclusions(loc.Exclusions); err != nil {
			return fmt.Errorf("source %d: %w", loc.ID, err)
		}
		if err := a.index.SaveSourceLocation(loc); err != nil {
			return fmt.Errorf("saving source %d: %w", loc.ID, err)
		}
	}
	return nil
}

// persistOperation saves the operation to the index, giving it an ID.
// Only mutating commands call it.
func (a *App) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	rec, err := a.index.CreateOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = rec.ID
	return nil
}

func (a *App) newRunner(instanceID string) *cbak.Runner {
	scanner := cbak.NewScanner(a.index, a.fsmgr, a.logger, a.clock, cbak.UUIDGenerator{}, a.metrics, a.opts)
	sender := cbak.NewSender(a.index, a.providers, a.fsmgr, a.logger, a.metrics, a.opts)
	return cbak.NewRunner(instanceID, a.index, scanner, sender, a.logger, a.clock, a.opts)
}

func (a *App) instanceID(i int) string {
	return fmt.Sprintf("%s-%d", a.cfg.HostID, i)
}

// Sources returns the configured source locations as stored in the index.
func (a *App) Sources() ([]*model.SourceLocation, error) {
	return a.index.ListSourceLocations()
}

// SourceScan is the result of scanning one source.
type SourceScan struct {
	SourceID int64
	Result   cbak.ScanResult
}

// Scan scans one source, or every source when sourceID is 0.
func (a *App) Scan(ctx context.Context, sourceID int64) ([]SourceScan, error) {
	if err := a.persistOperation(fmt.Sprintf("source=%d", sourceID)); err != nil {
		return nil, err
	}
	ids := []int64{sourceID}
	if sourceID == 0 {
		sources, err := a.index.ListSourceLocations()
		if err != nil {
			a.op.Fail(err)
			return nil, err
		}
		ids = ids[:0]
		for _, s := range sources {
			ids = append(ids, s.ID)
		}
	}

	r := a.newRunner(a.instanceID(0))
	var out []SourceScan
	for _, id := range ids {
		res, err := r.ScanSource(ctx, id)
		if err != nil {
			a.op.Fail(err)
			return out, fmt.Errorf("scanning source %d: %w", id, err)
		}
		out = append(out, SourceScan{SourceID: id, Result: res})
	}
	return out, nil
}

// Drain performs due scans and queued transfers until nothing is left.
// It returns the number of steps that did work.
func (a *App) Drain(ctx context.Context) (int, error) {
	if err := a.persistOperation(""); err != nil {
		return 0, err
	}
	n, err := a.newRunner(a.instanceID(0)).Drain(ctx)
	a.op.Fail(err)
	return n, err
}

// Run starts the configured number of runners together with the watcher,
// the metrics server and the index snapshot scheduler, and blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.persistOperation(fmt.Sprintf("instances=%d", a.cfg.Engine.Instances)); err != nil {
		return err
	}
	// Everything that can fail is set up before the first goroutine starts.
	var watcher *watch.Watcher
	if a.cfg.Watch.Enabled {
		sources, err := a.index.ListSourceLocations()
		if err != nil {
			a.op.Fail(err)
			return fmt.Errorf("listing sources to watch: %w", err)
		}
		watcher, err = watch.New(sources, a.index, a.logger, a.cfg.Watch.Debounce.Duration)
		if err != nil {
			a.logger.Warn("source watching disabled", "error", err)
			watcher = nil
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	instances := max(a.cfg.Engine.Instances, 1)
	for i := range instances {
		r := a.newRunner(a.instanceID(i))
		g.Go(func() error { return r.Run(ctx) })
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		a.logger.Info("serving metrics", "addr", addr)
		g.Go(func() error { return a.metrics.Serve(ctx, addr) })
	}

	if a.snapshotsEnabled() {
		g.Go(func() error { return a.snapshotLoop(ctx) })
	}

	err := g.Wait()
	a.op.Fail(err)
	return err
}

// InitKeys generates the encryption key pair described by cfg.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	return enc.Setup(passphrase)
}

// Close finishes the operation record and releases all resources.
func (a *App) Close() error {
	var errs []error
	if a.op.Persisted() {
		if err := a.index.FinishOperation(a.op.ID, a.op.Status); err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}
	}
	if err := a.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing index: %w", err))
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return errors.Join(errs...)
}
