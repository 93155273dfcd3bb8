package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/mkarlsson/budgetsync/internal/logger"
	"github.com/mkarlsson/budgetsync/internal/storage"
)

// InsertJob records a new import job row with status=running.
func (r *Repository) InsertJob(ctx context.Context, row *storage.ImportJobRow) error {
	if row.StartedTS.IsZero() {
		row.StartedTS = time.Now().UTC()
	}

	query := `INSERT INTO ` + r.table(jobsTable) + ` (
			job_id, user_id, company, start_year, end_year,
			status, progress, stats_json, error_message, started_ts
		)
		VALUES (
			@job_id, @user_id, @company, @start_year, @end_year,
			@status, @progress, @stats_json, @error_message, @started_ts
		)`

	params := []bigquery.QueryParameter{
		{Name: "job_id", Value: row.JobID},
		{Name: "user_id", Value: row.UserID},
		{Name: "company", Value: row.Company},
		{Name: "start_year", Value: row.StartYear},
		{Name: "end_year", Value: row.EndYear},
		{Name: "status", Value: row.Status},
		{Name: "progress", Value: row.Progress},
		{Name: "stats_json", Value: row.StatsJSON},
		{Name: "error_message", Value: row.ErrorMessage},
		{Name: "started_ts", Value: row.StartedTS},
	}

	if err := r.runDML(ctx, query, params); err != nil {
		return fmt.Errorf("InsertJob: %w", err)
	}
	return nil
}

// UpdateJobProgress stores the latest progress percentage and stats snapshot.
func (r *Repository) UpdateJobProgress(ctx context.Context, jobID string, progress int, statsJSON string) error {
	query := `UPDATE ` + r.table(jobsTable) + `
		SET progress = @progress,
		    stats_json = @stats_json
		WHERE job_id = @job_id`

	params := []bigquery.QueryParameter{
		{Name: "progress", Value: progress},
		{Name: "stats_json", Value: statsJSON},
		{Name: "job_id", Value: jobID},
	}

	if err := r.runDML(ctx, query, params); err != nil {
		return fmt.Errorf("UpdateJobProgress: %w", err)
	}
	return nil
}

// MarkJobSucceeded sets status=succeeded, progress=100 and finished_ts.
func (r *Repository) MarkJobSucceeded(ctx context.Context, jobID string) error {
	query := `UPDATE ` + r.table(jobsTable) + `
		SET status = @status,
		    progress = 100,
		    finished_ts = @finished_ts,
		    error_message = ""
		WHERE job_id = @job_id`

	params := []bigquery.QueryParameter{
		{Name: "status", Value: "succeeded"},
		{Name: "finished_ts", Value: time.Now().UTC()},
		{Name: "job_id", Value: jobID},
	}

	if err := r.runDML(ctx, query, params); err != nil {
		return fmt.Errorf("MarkJobSucceeded: %w", err)
	}
	return nil
}

// MarkJobFailed sets status=failed with the run error. Logged, not returned:
// a persistence failure on the failure record must not mask the run error.
func (r *Repository) MarkJobFailed(ctx context.Context, jobID string, runErr error) {
	log := logger.FromContext(ctx)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		const maxLen = 2000
		if len(errMsg) > maxLen {
			errMsg = errMsg[:maxLen]
		}
	}

	query := `UPDATE ` + r.table(jobsTable) + `
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE job_id = @job_id`

	params := []bigquery.QueryParameter{
		{Name: "status", Value: "failed"},
		{Name: "finished_ts", Value: time.Now().UTC()},
		{Name: "error_message", Value: errMsg},
		{Name: "job_id", Value: jobID},
	}

	if err := r.runDML(ctx, query, params); err != nil {
		log.Error().
			Err(err).
			Str("job_id", jobID).
			Msg("MarkJobFailed: updating job row")
	}
}
