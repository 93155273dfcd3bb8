package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/mkarlsson/budgetsync/internal/domain"
	"github.com/mkarlsson/budgetsync/internal/storage"
)

// UpsertSummary replaces the row for (company, year, month). BigQuery has no
// native upsert for streaming rows, so this is delete-then-insert inside the
// same call; the key is unique, so the delete touches at most one row.
func (r *Repository) UpsertSummary(ctx context.Context, s *domain.MonthlySummary) error {
	row := storage.SummaryToRow(s)
	if row.UpdatedTS.IsZero() {
		row.UpdatedTS = time.Now().UTC()
	}

	del := `DELETE FROM ` + r.table(summariesTable) + `
		WHERE company = @company AND year = @year AND month = @month`
	if err := r.runDML(ctx, del, summaryKeyParams(s.Company, s.Year, s.Month)); err != nil {
		return fmt.Errorf("UpsertSummary: deleting existing row: %w", err)
	}

	ins := `INSERT INTO ` + r.table(summariesTable) + ` (
			company, year, month,
			revenue, cogs, gross_profit,
			personnel, marketing, office, other_opex,
			updated_ts
		)
		VALUES (
			@company, @year, @month,
			@revenue, @cogs, @gross_profit,
			@personnel, @marketing, @office, @other_opex,
			@updated_ts
		)`
	params := append(summaryKeyParams(s.Company, s.Year, s.Month),
		bigquery.QueryParameter{Name: "revenue", Value: row.Revenue},
		bigquery.QueryParameter{Name: "cogs", Value: row.COGS},
		bigquery.QueryParameter{Name: "gross_profit", Value: row.GrossProfit},
		bigquery.QueryParameter{Name: "personnel", Value: row.Personnel},
		bigquery.QueryParameter{Name: "marketing", Value: row.Marketing},
		bigquery.QueryParameter{Name: "office", Value: row.Office},
		bigquery.QueryParameter{Name: "other_opex", Value: row.OtherOpex},
		bigquery.QueryParameter{Name: "updated_ts", Value: row.UpdatedTS},
	)
	if err := r.runDML(ctx, ins, params); err != nil {
		return fmt.Errorf("UpsertSummary: inserting row: %w", err)
	}

	return nil
}

// GetSummary returns the stored summary for one key, or nil when absent.
func (r *Repository) GetSummary(ctx context.Context, company string, year, month int) (*domain.MonthlySummary, error) {
	query := `SELECT
			company, year, month,
			revenue, cogs, gross_profit,
			personnel, marketing, office, other_opex,
			updated_ts
		FROM ` + r.table(summariesTable) + `
		WHERE company = @company AND year = @year AND month = @month
		LIMIT 1`

	q := r.client.Query(query)
	q.Parameters = summaryKeyParams(company, year, month)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetSummary: reading query: %w", err)
	}

	var row storage.SummaryRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetSummary: iterating: %w", err)
	}

	return storage.RowToSummary(&row), nil
}

// ListSummaries returns all summaries for a company and year, month ascending.
func (r *Repository) ListSummaries(ctx context.Context, company string, year int) ([]*domain.MonthlySummary, error) {
	query := `SELECT
			company, year, month,
			revenue, cogs, gross_profit,
			personnel, marketing, office, other_opex,
			updated_ts
		FROM ` + r.table(summariesTable) + `
		WHERE company = @company AND year = @year
		ORDER BY month`

	q := r.client.Query(query)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "company", Value: company},
		{Name: "year", Value: year},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSummaries: reading query: %w", err)
	}

	var out []*domain.MonthlySummary
	for {
		var row storage.SummaryRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListSummaries: iterating: %w", err)
		}
		out = append(out, storage.RowToSummary(&row))
	}

	return out, nil
}

// DeleteZeroSummary removes the row for the key only when every category
// total is zero, so a stale empty row never shadows data about to be written.
func (r *Repository) DeleteZeroSummary(ctx context.Context, company string, year, month int) error {
	query := `DELETE FROM ` + r.table(summariesTable) + `
		WHERE company = @company AND year = @year AND month = @month
		  AND revenue = 0 AND cogs = 0
		  AND personnel = 0 AND marketing = 0
		  AND office = 0 AND other_opex = 0`

	if err := r.runDML(ctx, query, summaryKeyParams(company, year, month)); err != nil {
		return fmt.Errorf("DeleteZeroSummary: %w", err)
	}
	return nil
}

func summaryKeyParams(company string, year, month int) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "company", Value: company},
		{Name: "year", Value: year},
		{Name: "month", Value: month},
	}
}
