// Package store declares interfaces for persisting run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the analysis_runs status column.
type RunStatus string

// Run statuses persisted in analysis_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models the analysis_runs table for API responses.
type Run struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID `json:"id"`
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running/success/error.
	Status RunStatus `json:"status"`
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string `json:"error_message,omitempty"`
	// Items and Failed are derived from analysis_items.
	Items  int `json:"items"`
	Failed int `json:"failed"`
}

// ItemRecord is one row of analysis_items: the outcome of one item in a run.
type ItemRecord struct {
	RunID        uuid.UUID     `json:"run_id"`
	Group        string        `json:"group"`
	Key          string        `json:"key"`
	ItemID       string        `json:"item_id"`
	Status       string        `json:"status"`
	Tasks        int           `json:"tasks"`
	TaskFailures int           `json:"task_failures"`
	Duration     time.Duration `json:"duration_ns"`
	Note         string        `json:"note,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// RunRepository persists run lifecycle and per-item outcomes.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) a running row.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// RecordItems upserts item outcomes in one transaction.
	RecordItems(ctx context.Context, runID uuid.UUID, items []ItemRecord) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListItems returns item outcomes ordered by group and key.
	ListItems(ctx context.Context, runID uuid.UUID, limit, offset int) ([]ItemRecord, error)
}
