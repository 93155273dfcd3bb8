// Package syncer drives the Fortnox import: it walks a year range month by
// month, fetches vouchers, folds their rows into category totals and
// persists one summary per month. Runs are resumable in the at-least-once
// sense: months written before a failure stay written.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarlsson/budgetsync/internal/aggregate"
	"github.com/mkarlsson/budgetsync/internal/fortnox"
	"github.com/mkarlsson/budgetsync/internal/jobs"
	"github.com/mkarlsson/budgetsync/internal/storage"
)

// API is the slice of the Fortnox client the engine consumes.
type API interface {
	FinancialYears(ctx context.Context, opt fortnox.RequestOptions) ([]fortnox.FinancialYear, error)
	VouchersPage(ctx context.Context, from, to time.Time, financialYear, page int, opt fortnox.RequestOptions) (*fortnox.VouchersResponse, error)
	VoucherDetail(ctx context.Context, series string, number, financialYear int, opt fortnox.RequestOptions) (*fortnox.Voucher, error)
}

// TokenSource supplies and renews access tokens for a connection.
type TokenSource interface {
	EnsureAccessToken(ctx context.Context, company, userID string) (string, error)
	RefreshAccessToken(ctx context.Context, company, userID string) (string, error)
}

// Request describes one sync run.
type Request struct {
	UserID    string
	Company   string
	StartYear int
	EndYear   int

	// JobID, when set, receives progress and stats through the job store.
	JobID string
}

// Result summarizes a completed run.
type Result struct {
	Stats jobs.SyncStats

	// MonthsSkipped counts months no financial year covered.
	MonthsSkipped int
}

// Engine coordinates token lifecycle, API fetching, aggregation and
// persistence for voucher imports.
type Engine struct {
	api       API
	tokens    TokenSource
	summaries storage.SummaryRepository
	jobStore  jobs.Store
	jobRepo   storage.JobRepository
	log       zerolog.Logger

	// monthLocks serializes engines touching the same (company, year, month)
	// so two overlapping runs cannot interleave their delete+upsert.
	mu         sync.Mutex
	monthLocks map[string]*sync.Mutex
}

// NewEngine creates a sync engine. jobStore and jobRepo may be nil for
// one-off synchronous runs.
func NewEngine(api API, tokens TokenSource, summaries storage.SummaryRepository, jobStore jobs.Store, jobRepo storage.JobRepository, log zerolog.Logger) *Engine {
	return &Engine{
		api:        api,
		tokens:     tokens,
		summaries:  summaries,
		jobStore:   jobStore,
		jobRepo:    jobRepo,
		log:        log,
		monthLocks: make(map[string]*sync.Mutex),
	}
}

// SyncRange imports every month of req's year range. It returns the partial
// result alongside the error when a run aborts midway.
func (e *Engine) SyncRange(ctx context.Context, req Request) (*Result, error) {
	if req.StartYear > req.EndYear {
		return nil, fmt.Errorf("SyncRange: start year %d after end year %d", req.StartYear, req.EndYear)
	}

	res := &Result{}
	callStats := &fortnox.CallStats{}

	token, err := e.tokens.EnsureAccessToken(ctx, req.Company, req.UserID)
	if err != nil {
		return res, fmt.Errorf("SyncRange: %w", err)
	}

	opt := fortnox.RequestOptions{
		AccessToken: token,
		Stats:       callStats,
		OnUnauthorized: func(ctx context.Context) (string, error) {
			return e.tokens.RefreshAccessToken(ctx, req.Company, req.UserID)
		},
	}

	// Financial years are fetched once per run; month resolution is local.
	years, err := e.api.FinancialYears(ctx, opt)
	if err != nil {
		e.mergeStats(res, callStats)
		return res, fmt.Errorf("SyncRange: fetching financial years: %w", err)
	}

	totalMonths := (req.EndYear - req.StartYear + 1) * 12
	monthsProcessed := 0

	for year := req.StartYear; year <= req.EndYear; year++ {
		yearStats := jobs.YearStats{Year: year}

		for month := 1; month <= 12; month++ {
			if err := ctx.Err(); err != nil {
				e.mergeStats(res, callStats)
				return res, fmt.Errorf("SyncRange: %w", err)
			}

			imported, vouchers, err := e.syncMonth(ctx, req, year, month, years, opt)
			if err != nil {
				e.mergeStats(res, callStats)
				return res, fmt.Errorf("SyncRange %d-%02d: %w", year, month, err)
			}

			switch {
			case vouchers < 0:
				// No financial year covers this month.
				res.MonthsSkipped++
			case imported:
				res.Stats.MonthsImported++
				yearStats.Months++
				yearStats.Vouchers += vouchers
				res.Stats.VouchersTotal += vouchers
			default:
				yearStats.Vouchers += vouchers
				res.Stats.VouchersTotal += vouchers
			}

			monthsProcessed++
			e.reportProgress(ctx, req.JobID, monthsProcessed, totalMonths, res, callStats, yearStats)
		}

		res.Stats.PerYear = append(res.Stats.PerYear, yearStats)
	}

	e.mergeStats(res, callStats)

	e.log.Info().
		Str("company", req.Company).
		Int("start_year", req.StartYear).
		Int("end_year", req.EndYear).
		Int("months_imported", res.Stats.MonthsImported).
		Int("months_skipped", res.MonthsSkipped).
		Int("vouchers", res.Stats.VouchersTotal).
		Int("api_calls", res.Stats.APICalls).
		Msg("Sync range finished")

	return res, nil
}

// syncMonth imports one calendar month. Returns (persisted, voucherCount).
// voucherCount -1 signals that no financial year covered the month.
func (e *Engine) syncMonth(ctx context.Context, req Request, year, month int, years []fortnox.FinancialYear, opt fortnox.RequestOptions) (bool, int, error) {
	// The 15th avoids boundary ambiguity for broken fiscal years.
	mid := time.Date(year, time.Month(month), 15, 0, 0, 0, 0, time.UTC)
	fy, ok := financialYearFor(years, mid)
	if !ok {
		e.log.Debug().
			Str("company", req.Company).
			Int("year", year).
			Int("month", month).
			Msg("No financial year covers month, skipping")
		return false, -1, nil
	}

	lock := e.lockFor(req.Company, year, month)
	lock.Lock()
	defer lock.Unlock()

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, -1)

	acc := aggregate.NewAccumulator(req.Company, year, month)
	vouchers := 0

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return false, vouchers, err
		}

		resp, err := e.api.VouchersPage(ctx, from, to, fy.ID, page, opt)
		if err != nil {
			return false, vouchers, err
		}

		for _, v := range resp.Vouchers {
			rows := v.VoucherRows
			if len(rows) == 0 {
				// List responses omit rows; the detail endpoint has them.
				detail, err := e.api.VoucherDetail(ctx, v.VoucherSeries, v.VoucherNumber, fy.ID, opt)
				if err != nil {
					return false, vouchers, err
				}
				rows = detail.VoucherRows
			}
			for _, row := range rows {
				acc.AddAmount(row.Account, row.SignedAmount())
			}
			vouchers++
		}

		if resp.MetaInformation.TotalPages <= page {
			break
		}
	}

	summary := acc.Summary()
	if summary.IsZero() {
		// Never overwrite a previously imported month with zeros.
		return false, vouchers, nil
	}

	if err := e.summaries.DeleteZeroSummary(ctx, req.Company, year, month); err != nil {
		return false, vouchers, fmt.Errorf("evicting zero summary: %w", err)
	}
	if err := e.summaries.UpsertSummary(ctx, summary); err != nil {
		return false, vouchers, fmt.Errorf("persisting summary: %w", err)
	}

	return true, vouchers, nil
}

// reportProgress pushes progress and stats to the job tracker and its
// durable mirror. Reporting failures never abort a run.
func (e *Engine) reportProgress(ctx context.Context, jobID string, monthsProcessed, totalMonths int, res *Result, callStats *fortnox.CallStats, current jobs.YearStats) {
	if jobID == "" {
		return
	}

	// 100 is reserved for the terminal transition.
	progress := int(math.Round(float64(monthsProcessed) / float64(totalMonths) * 100))
	if progress >= 100 {
		progress = 99
	}

	stats := res.Stats
	stats.APICalls = callStats.APICalls
	stats.Retries = callStats.Retries
	stats.RateLimitHits = callStats.RateLimitHits
	if current.Vouchers > 0 || current.Months > 0 {
		stats.PerYear = append(append([]jobs.YearStats{}, res.Stats.PerYear...), current)
	}

	if e.jobStore != nil {
		if err := e.jobStore.SetProgress(ctx, jobID, progress, stats); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			e.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record job progress")
		}
	}
	if e.jobRepo != nil {
		statsJSON, err := json.Marshal(stats)
		if err == nil {
			_ = e.jobRepo.UpdateJobProgress(ctx, jobID, progress, string(statsJSON))
		}
	}
}

func (e *Engine) mergeStats(res *Result, callStats *fortnox.CallStats) {
	res.Stats.APICalls = callStats.APICalls
	res.Stats.Retries = callStats.Retries
	res.Stats.RateLimitHits = callStats.RateLimitHits
}

func (e *Engine) lockFor(company string, year, month int) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := fmt.Sprintf("%s/%d/%d", company, year, month)
	lock, ok := e.monthLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.monthLocks[key] = lock
	}
	return lock
}

// financialYearFor returns the definition containing date, if any.
func financialYearFor(years []fortnox.FinancialYear, date time.Time) (fortnox.FinancialYear, bool) {
	for _, fy := range years {
		if fy.Contains(date) {
			return fy, true
		}
	}
	return fortnox.FinancialYear{}, false
}
