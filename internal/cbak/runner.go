package cbak

import (
	"context"
	"fmt"
	"time"
)

// StepKind says what a runner step did.
type StepKind int

const (
	StepIdle StepKind = iota
	StepScan
	StepTransfer
)

// StepResult describes one unit of work done by a runner.
type StepResult struct {
	Kind     StepKind
	SourceID int64
	FileID   string
	Scan     ScanResult
	Outcome  TransferOutcome
}

// Runner is one engine instance. Several runners, in one process or many,
// share work through the index's claims.
type Runner struct {
	id      string
	index   Index
	scanner *Scanner
	sender  *Sender
	logger  Logger
	clock   Clock
	opts    Options

	// OnStep, when set, observes every completed step.
	OnStep func(StepResult)
}

// NewRunner creates a Runner identified by instanceID in claims.
func NewRunner(instanceID string, index Index, scanner *Scanner, sender *Sender, logger Logger, clock Clock, opts Options) *Runner {
	return &Runner{
		id:      instanceID,
		index:   index,
		scanner: scanner,
		sender:  sender,
		logger:  logger,
		clock:   clock,
		opts:    opts.withDefaults(),
	}
}

// ID returns the runner's instance identifier.
func (r *Runner) ID() string { return r.id }

// Run performs steps until ctx is cancelled, sleeping for the idle interval
// whenever a step finds nothing to do or fails.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", "instance", r.id)
	defer r.logger.Info("runner stopped", "instance", r.id)

	for {
		res, err := r.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Error("runner step failed", "instance", r.id, "error", err)
		}
		if err == nil && res.Kind != StepIdle {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.opts.IdleInterval):
		}
	}
}

// Drain performs steps until there is no work left or ctx is cancelled.
// It returns the number of steps that did work.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		res, err := r.Step(ctx)
		if err != nil {
			return n, err
		}
		if res.Kind == StepIdle {
			break
		}
		n++
	}
	return n, nil
}

// Step performs one unit of work. Scans take precedence over transfers.
func (r *Runner) Step(ctx context.Context) (StepResult, error) {
	res, err := r.step(ctx)
	if err == nil && res.Kind != StepIdle && r.OnStep != nil {
		r.OnStep(res)
	}
	return res, err
}

func (r *Runner) step(ctx context.Context) (StepResult, error) {
	now := r.clock.Now()
	source, err := r.index.ClaimSourceForScan(r.id, now, r.opts.ScanInterval, r.opts.ClaimLease)
	if err != nil {
		return StepResult{}, fmt.Errorf("claiming source: %w", err)
	}
	if source != nil {
		return r.scan(ctx, source.ID)
	}

	file, err := r.index.ClaimNextBackupFile(r.id, now, r.opts.ClaimLease)
	if err != nil {
		return StepResult{}, fmt.Errorf("claiming file: %w", err)
	}
	if file == nil {
		return StepResult{Kind: StepIdle}, nil
	}

	res := StepResult{Kind: StepTransfer, SourceID: file.SourceLocationID, FileID: file.ID}
	src, err := r.index.GetSourceLocation(file.SourceLocationID)
	if err != nil {
		return res, fmt.Errorf("getting source: %w", err)
	}
	if src == nil {
		res.Outcome, err = r.sender.fail(file, fmt.Sprintf("source location %d is no longer configured", file.SourceLocationID))
		return res, err
	}
	res.Outcome, err = r.sender.Transfer(ctx, *file, src)
	return res, err
}

// ScanSource scans one source location directly. It is what the scheduler
// runs for a claimed source, and what the CLI uses for an explicit scan.
func (r *Runner) ScanSource(ctx context.Context, sourceID int64) (ScanResult, error) {
	res, err := r.scan(ctx, sourceID)
	return res.Scan, err
}

func (r *Runner) scan(ctx context.Context, sourceID int64) (StepResult, error) {
	res := StepResult{Kind: StepScan, SourceID: sourceID}
	source, err := r.index.GetSourceLocation(sourceID)
	if err != nil {
		return res, fmt.Errorf("getting source: %w", err)
	}
	if source == nil {
		return res, fmt.Errorf("source location %d not found", sourceID)
	}

	exclusions, err := CompileExclusions(source.Exclusions)
	if err != nil {
		r.release(sourceID)
		return res, err
	}

	started := r.clock.Now()
	res.Scan, err = r.scanner.Scan(ctx, source, exclusions)
	if err != nil || res.Scan.Cancelled {
		r.release(sourceID)
		return res, err
	}
	if err := r.index.CompleteSourceScan(sourceID, started, r.clock.Now()); err != nil {
		return res, fmt.Errorf("completing scan: %w", err)
	}
	return res, nil
}

func (r *Runner) release(sourceID int64) {
	if err := r.index.ReleaseSourceClaim(sourceID); err != nil {
		r.logger.Warn("releasing scan claim failed", "source", sourceID, "error", err)
	}
}
