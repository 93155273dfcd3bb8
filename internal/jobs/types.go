// Package jobs tracks asynchronous Fortnox import runs: creation, progress
// reporting and terminal outcomes. The API layer reads jobs by ID while the
// sync engine writes progress from its worker goroutine.
package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job ID is unknown to the store.
var ErrNotFound = errors.New("job not found")

// JobStatus represents the lifecycle state of an import job.
type JobStatus string

const (
	// StatusQueued indicates the job is waiting for a worker.
	StatusQueued JobStatus = "queued"
	// StatusRunning indicates the job is currently syncing.
	StatusRunning JobStatus = "running"
	// StatusSucceeded indicates every requested month was imported.
	StatusSucceeded JobStatus = "succeeded"
	// StatusFailed indicates the run aborted; months imported before the
	// failure remain persisted.
	StatusFailed JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// YearStats is the per-year breakdown of a sync run.
type YearStats struct {
	Year     int `json:"year"`
	Vouchers int `json:"vouchers"`
	Months   int `json:"months"`
}

// SyncStats accumulates the counters a sync run reports back to the caller.
type SyncStats struct {
	// APICalls counts every HTTP request issued, retries included.
	APICalls int `json:"api_calls"`

	// Retries counts backoff-and-retry cycles (429 and transport errors).
	Retries int `json:"retries"`

	// RateLimitHits counts 429 responses specifically.
	RateLimitHits int `json:"rate_limit_hits"`

	// VouchersTotal counts vouchers whose rows were aggregated.
	VouchersTotal int `json:"vouchers_total"`

	// MonthsImported counts months written to storage.
	MonthsImported int `json:"months_imported"`

	// PerYear breaks the run down by calendar year.
	PerYear []YearStats `json:"per_year,omitempty"`
}

// ImportJob represents one asynchronous sync of a year range for a
// (userID, company) pair.
type ImportJob struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`

	// UserID and Company identify whose Fortnox connection drives the run.
	UserID  string `json:"user_id"`
	Company string `json:"company"`

	// StartYear and EndYear bound the requested range, inclusive.
	StartYear int `json:"start_year"`
	EndYear   int `json:"end_year"`

	// Status is the current lifecycle state.
	Status JobStatus `json:"status"`

	// Progress is 0-100 and never decreases.
	Progress int `json:"progress"`

	// Stats holds the run counters, updated as the sync proceeds.
	Stats SyncStats `json:"stats"`

	// LastError contains error details if the job failed.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the job was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when a worker picked the job up.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the job reached a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store tracks import jobs for status queries. Implementations must be safe
// for concurrent use; the worker writes while API handlers read.
type Store interface {
	// Create registers a new job. The job must carry a non-empty ID.
	Create(ctx context.Context, job *ImportJob) error

	// Get retrieves a job by ID, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*ImportJob, error)

	// List retrieves jobs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*ImportJob, error)

	// MarkRunning transitions a queued job to running.
	MarkRunning(ctx context.Context, jobID string) error

	// SetProgress records progress and stats. Progress below the stored
	// value is clamped; terminal jobs are left untouched.
	SetProgress(ctx context.Context, jobID string, progress int, stats SyncStats) error

	// MarkSucceeded finalizes a job at 100 percent.
	MarkSucceeded(ctx context.Context, jobID string, stats SyncStats) error

	// MarkFailed finalizes a job with the error message; progress keeps its
	// last reported value.
	MarkFailed(ctx context.Context, jobID string, jobErr error, stats SyncStats) error
}

// Filter defines filtering criteria for listing jobs.
type Filter struct {
	// Company filters jobs by company.
	Company string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

// Handler is the function a worker runs for each dequeued job. A returned
// error marks the job failed.
type Handler func(ctx context.Context, job *ImportJob) error

// Publisher enqueues import jobs for asynchronous processing.
type Publisher interface {
	// Publish enqueues a job and records it as queued in the store.
	Publish(ctx context.Context, job *ImportJob) error

	// Close releases queue resources.
	Close() error
}

// Consumer runs a worker pool over queued jobs.
type Consumer interface {
	// Start begins consuming jobs, invoking handler for each.
	Start(ctx context.Context, handler Handler) error

	// Stop drains in-flight jobs and shuts the workers down.
	Stop(ctx context.Context) error
}
