package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mkarlsson/budgetsync/internal/jobs"
)

// Store is an in-memory implementation of jobs.Store.
// It is safe for concurrent use. Data is lost on service restart; the
// BigQuery job repository mirrors terminal states for durable history.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.ImportJob

	// now is injectable for tests.
	now func() time.Time
}

// NewStore creates a new in-memory job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*jobs.ImportJob),
		now:  time.Now,
	}
}

// Create implements jobs.Store.
func (s *Store) Create(_ context.Context, job *jobs.ImportJob) error {
	if job.ID == "" {
		return fmt.Errorf("Create: job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("Create: duplicate job ID %s", job.ID)
	}

	// Store a copy to avoid external modifications.
	cp := *job
	if cp.Status == "" {
		cp.Status = jobs.StatusQueued
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.jobs[job.ID] = &cp

	return nil
}

// Get implements jobs.Store.
func (s *Store) Get(_ context.Context, jobID string) (*jobs.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("Get %s: %w", jobID, jobs.ErrNotFound)
	}

	cp := *job
	return &cp, nil
}

// List implements jobs.Store. Results are ordered newest first.
func (s *Store) List(_ context.Context, filter jobs.Filter) ([]*jobs.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*jobs.ImportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Company != "" && job.Company != filter.Company {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.ImportJob{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// MarkRunning implements jobs.Store.
func (s *Store) MarkRunning(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("MarkRunning %s: %w", jobID, jobs.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("MarkRunning %s: job already %s", jobID, job.Status)
	}

	job.Status = jobs.StatusRunning
	started := s.now()
	job.StartedAt = &started

	return nil
}

// SetProgress implements jobs.Store. Progress never decreases and terminal
// jobs are left untouched.
func (s *Store) SetProgress(_ context.Context, jobID string, progress int, stats jobs.SyncStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("SetProgress %s: %w", jobID, jobs.ErrNotFound)
	}
	if job.Status.Terminal() {
		return nil
	}

	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.Stats = stats

	return nil
}

// MarkSucceeded implements jobs.Store.
func (s *Store) MarkSucceeded(_ context.Context, jobID string, stats jobs.SyncStats) error {
	return s.finalize(jobID, jobs.StatusSucceeded, "", stats)
}

// MarkFailed implements jobs.Store.
func (s *Store) MarkFailed(_ context.Context, jobID string, jobErr error, stats jobs.SyncStats) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return s.finalize(jobID, jobs.StatusFailed, msg, stats)
}

func (s *Store) finalize(jobID string, status jobs.JobStatus, errMsg string, stats jobs.SyncStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("finalize %s: %w", jobID, jobs.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("finalize %s: job already %s", jobID, job.Status)
	}

	job.Status = status
	job.Stats = stats
	job.LastError = errMsg
	if status == jobs.StatusSucceeded {
		job.Progress = 100
	}
	finished := s.now()
	job.FinishedAt = &finished

	return nil
}

// Ensure Store implements the jobs.Store interface.
var _ jobs.Store = (*Store)(nil)
