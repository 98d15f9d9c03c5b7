package model

import "time"

// Operation is one recorded CLI or engine run.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Operation statuses.
const (
	OperationRunning   = "running"
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
)

// IndexBackup records one copy of the index database.
type IndexBackup struct {
	ID      int64
	Kind    string
	Path    string
	TakenAt time.Time
}
