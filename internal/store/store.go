// Package store persists task run history in SQLite.
package store

import (
	"context"
	"time"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Run represents a single execution of a task.
type Run struct {
	ID           string
	TaskName     string
	Status       string
	Trigger      string
	ScheduledFor *time.Time
	ExitCode     int
	StartedAt    time.Time
	FinishedAt   *time.Time
	DurationMs   int64
	StdoutTail   string
	StderrTail   string
	ErrorMsg     string
	CreatedAt    time.Time
}

// ListOpts controls filtering and pagination for run queries.
type ListOpts struct {
	TaskName string
	Status   string
	Limit    int
	Offset   int
}

// TaskStats holds aggregate statistics for a task.
type TaskStats struct {
	TotalRuns     int
	Successes     int
	Failures      int
	LastRun       *time.Time
	AvgDurationMs float64
}

// RunStore is the interface for persisting and querying task runs.
type RunStore interface {
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)
	LastRun(ctx context.Context, taskName string) (time.Time, bool, error)
	GetTaskStats(ctx context.Context, taskName string) (*TaskStats, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}
