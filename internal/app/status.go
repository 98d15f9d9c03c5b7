package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cbak-go/internal/dbbackup"
	"cbak-go/internal/model"
)

// Status summarizes the index for display.
type Status struct {
	Files       []*model.BackupFile
	QueueLength int
	ByState     map[model.OverallState]int
}

// Status returns every tracked file of one source, or of all sources when
// sourceID is 0.
func (a *App) Status(sourceID int64) (*Status, error) {
	sources, err := a.index.ListSourceLocations()
	if err != nil {
		return nil, err
	}
	st := &Status{ByState: make(map[model.OverallState]int)}
	for _, s := range sources {
		if sourceID != 0 && s.ID != sourceID {
			continue
		}
		files, err := a.index.ListFiles(s.ID)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			st.ByState[f.OverallState()]++
		}
		st.Files = append(st.Files, files...)
	}
	st.QueueLength, err = a.index.QueueLength()
	if err != nil {
		return nil, err
	}
	return st, nil
}

// History returns the most recent operations, newest first.
func (a *App) History(limit int) ([]*model.Operation, error) {
	return a.index.ListOperations(limit)
}

// SnapshotIndex writes a consistent copy of the index into dir and records it
// as a backup of the given kind. An empty dir means database.snapshot_dir.
// It returns the snapshot path.
func (a *App) SnapshotIndex(dir string, kind dbbackup.Kind) (string, error) {
	if kind == dbbackup.None {
		return "", fmt.Errorf("no backup kind given")
	}
	if dir == "" {
		dir = a.cfg.Database.SnapshotDir
	}
	if dir == "" {
		return "", fmt.Errorf("no snapshot directory configured")
	}
	if err := a.persistOperation(kind.String()); err != nil {
		return "", err
	}
	path, err := a.snapshot(dir, kind)
	a.op.Fail(err)
	return path, err
}

func (a *App) snapshot(dir string, kind dbbackup.Kind) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}

	now := a.clock.Now()
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%s.db", a.cfg.HostID, now.UTC().Format("20060102T150405Z"), kind))
	if err := a.index.BackupTo(path); err != nil {
		return "", err
	}
	if err := a.index.RecordIndexBackup(kind.String(), path, now); err != nil {
		return "", err
	}
	a.logger.Info("index snapshot written", "path", path, "kind", kind.String())
	return path, nil
}

// NextIndexBackup reports which index backup is due now.
func (a *App) NextIndexBackup() (dbbackup.Kind, error) {
	last, err := a.index.LastIndexBackups()
	if err != nil {
		return dbbackup.None, err
	}
	return dbbackup.NextBackup(dbbackup.HistoryFromRecords(last), a.clock.Now()), nil
}

func (a *App) snapshotsEnabled() bool {
	return a.cfg.Database.SnapshotDir != "" && a.cfg.Database.Type == "sqlite"
}

// snapshotLoop takes whichever index snapshot is due, checking once a minute.
// A snapshot is always a complete copy; the kind only drives the schedule.
func (a *App) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		kind, err := a.NextIndexBackup()
		if err != nil {
			a.logger.Error("checking index backup schedule", "error", err)
		} else if kind != dbbackup.None {
			if _, err := a.snapshot(a.cfg.Database.SnapshotDir, kind); err != nil {
				a.logger.Error("index snapshot failed", "kind", kind.String(), "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
