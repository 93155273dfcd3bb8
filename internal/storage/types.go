// Package storage defines the repository interfaces and row types for the
// three persisted shapes: monthly summaries, Fortnox tokens and import jobs.
// Implementations live under internal/infra; the core packages only see
// these interfaces.
package storage

import (
	"context"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/mkarlsson/budgetsync/internal/domain"
)

// SummaryRepository persists monthly category totals keyed by
// (company, year, month) with upsert semantics.
type SummaryRepository interface {
	// UpsertSummary replaces any existing row for the summary's key.
	UpsertSummary(ctx context.Context, s *domain.MonthlySummary) error

	// GetSummary returns the row for one key, or nil when absent.
	GetSummary(ctx context.Context, company string, year, month int) (*domain.MonthlySummary, error)

	// ListSummaries returns all rows for a company and year, month ascending.
	ListSummaries(ctx context.Context, company string, year int) ([]*domain.MonthlySummary, error)

	// DeleteZeroSummary removes the row for the key only when every category
	// total is zero. Both ingestion paths call this before re-populating a
	// month so a stale empty row never shadows fresh data.
	DeleteZeroSummary(ctx context.Context, company string, year, month int) error
}

// TokenRepository persists one Fortnox credential set per (userID, company).
type TokenRepository interface {
	// GetToken returns the stored token, or nil when the pair was never
	// connected.
	GetToken(ctx context.Context, userID, company string) (*domain.OAuthToken, error)

	// UpsertToken replaces the stored token for its (userID, company) key.
	UpsertToken(ctx context.Context, token *domain.OAuthToken) error
}

// JobRepository is the durable mirror of the in-memory job tracker, so job
// history survives a restart. Write failures here must not fail a sync run.
type JobRepository interface {
	InsertJob(ctx context.Context, row *ImportJobRow) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int, statsJSON string) error
	MarkJobSucceeded(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID string, runErr error)
}

// SummaryRow is the BigQuery shape of a monthly summary. Amounts are
// BIGNUMERIC, carried as *big.Rat on the row.
type SummaryRow struct {
	Company string `bigquery:"company"`
	Year    int    `bigquery:"year"`
	Month   int    `bigquery:"month"`

	Revenue     *big.Rat `bigquery:"revenue"`
	COGS        *big.Rat `bigquery:"cogs"`
	GrossProfit *big.Rat `bigquery:"gross_profit"`
	Personnel   *big.Rat `bigquery:"personnel"`
	Marketing   *big.Rat `bigquery:"marketing"`
	Office      *big.Rat `bigquery:"office"`
	OtherOpex   *big.Rat `bigquery:"other_opex"`

	UpdatedTS time.Time `bigquery:"updated_ts"`
}

// TokenRow is the BigQuery shape of a stored OAuth token.
type TokenRow struct {
	UserID       string    `bigquery:"user_id"`
	Company      string    `bigquery:"company"`
	AccessToken  string    `bigquery:"access_token"`
	RefreshToken string    `bigquery:"refresh_token"`
	ExpiresTS    time.Time `bigquery:"expires_ts"`
	UpdatedTS    time.Time `bigquery:"updated_ts"`
}

// ImportJobRow is the BigQuery shape of an import job record.
type ImportJobRow struct {
	JobID     string `bigquery:"job_id"`
	UserID    string `bigquery:"user_id"`
	Company   string `bigquery:"company"`
	StartYear int    `bigquery:"start_year"`
	EndYear   int    `bigquery:"end_year"`

	Status   string `bigquery:"status"`
	Progress int    `bigquery:"progress"`

	StatsJSON    string `bigquery:"stats_json"`
	ErrorMessage string `bigquery:"error_message"`

	StartedTS  time.Time              `bigquery:"started_ts"`
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"`
}

// SummaryToRow converts a domain summary to its BigQuery row.
func SummaryToRow(s *domain.MonthlySummary) *SummaryRow {
	return &SummaryRow{
		Company:     s.Company,
		Year:        s.Year,
		Month:       s.Month,
		Revenue:     s.Revenue.Rat(),
		COGS:        s.COGS.Rat(),
		GrossProfit: s.GrossProfit.Rat(),
		Personnel:   s.Personnel.Rat(),
		Marketing:   s.Marketing.Rat(),
		Office:      s.Office.Rat(),
		OtherOpex:   s.OtherOpex.Rat(),
		UpdatedTS:   s.UpdatedAt,
	}
}

// RowToSummary converts a BigQuery row back to the domain shape.
func RowToSummary(r *SummaryRow) *domain.MonthlySummary {
	return &domain.MonthlySummary{
		Company:     r.Company,
		Year:        r.Year,
		Month:       r.Month,
		Revenue:     ratToDecimal(r.Revenue),
		COGS:        ratToDecimal(r.COGS),
		GrossProfit: ratToDecimal(r.GrossProfit),
		Personnel:   ratToDecimal(r.Personnel),
		Marketing:   ratToDecimal(r.Marketing),
		Office:      ratToDecimal(r.Office),
		OtherOpex:   ratToDecimal(r.OtherOpex),
		UpdatedAt:   r.UpdatedTS,
	}
}

func ratToDecimal(r *big.Rat) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(r.FloatString(9))
	if err != nil {
		return decimal.Zero
	}
	return d
}
