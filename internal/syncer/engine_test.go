package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsson/budgetsync/internal/domain"
	"github.com/mkarlsson/budgetsync/internal/fortnox"
	"github.com/mkarlsson/budgetsync/internal/jobs"
	"github.com/mkarlsson/budgetsync/internal/jobs/inmemory"
)

type staticTokens struct{}

func (staticTokens) EnsureAccessToken(context.Context, string, string) (string, error) {
	return "tok", nil
}

func (staticTokens) RefreshAccessToken(context.Context, string, string) (string, error) {
	return "tok-2", nil
}

// fakeAPI serves canned vouchers keyed by "YYYY-MM". A month listed in
// failAt returns failErr instead.
type fakeAPI struct {
	years    []fortnox.FinancialYear
	vouchers map[string][]fortnox.Voucher
	details  map[string]fortnox.Voucher
	pageSize int

	failAt  string
	failErr error

	voucherCalls int
	detailCalls  int
}

func monthKey(from time.Time) string {
	return from.Format("2006-01")
}

func (f *fakeAPI) FinancialYears(context.Context, fortnox.RequestOptions) ([]fortnox.FinancialYear, error) {
	return f.years, nil
}

func (f *fakeAPI) VouchersPage(_ context.Context, from, to time.Time, _, page int, _ fortnox.RequestOptions) (*fortnox.VouchersResponse, error) {
	f.voucherCalls++
	key := monthKey(from)
	if key == f.failAt {
		return nil, f.failErr
	}

	all := f.vouchers[key]
	size := f.pageSize
	if size <= 0 {
		size = 100
	}
	totalPages := (len(all) + size - 1) / size
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}

	return &fortnox.VouchersResponse{
		Vouchers: all[start:end],
		MetaInformation: fortnox.MetaInformation{
			TotalResources: len(all),
			TotalPages:     totalPages,
			CurrentPage:    page,
		},
	}, nil
}

func (f *fakeAPI) VoucherDetail(_ context.Context, series string, number, _ int, _ fortnox.RequestOptions) (*fortnox.Voucher, error) {
	f.detailCalls++
	v, ok := f.details[fmt.Sprintf("%s/%d", series, number)]
	if !ok {
		return nil, &domain.HTTPError{Status: 404, Body: "no such voucher"}
	}
	return &v, nil
}

type memSummaryRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.MonthlySummary
	upserts int
}

func newMemSummaryRepo() *memSummaryRepo {
	return &memSummaryRepo{rows: make(map[string]*domain.MonthlySummary)}
}

func summaryKey(company string, year, month int) string {
	return fmt.Sprintf("%s/%d/%d", company, year, month)
}

func (r *memSummaryRepo) UpsertSummary(_ context.Context, s *domain.MonthlySummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.rows[summaryKey(s.Company, s.Year, s.Month)] = &cp
	r.upserts++
	return nil
}

func (r *memSummaryRepo) GetSummary(_ context.Context, company string, year, month int) (*domain.MonthlySummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[summaryKey(company, year, month)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSummaryRepo) ListSummaries(_ context.Context, company string, year int) ([]*domain.MonthlySummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.MonthlySummary
	for m := 1; m <= 12; m++ {
		if s, ok := r.rows[summaryKey(company, year, m)]; ok {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSummaryRepo) DeleteZeroSummary(_ context.Context, company string, year, month int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := summaryKey(company, year, month)
	if s, ok := r.rows[key]; ok && s.IsZero() {
		delete(r.rows, key)
	}
	return nil
}

func voucher(series string, number int, rows ...fortnox.VoucherRow) fortnox.Voucher {
	return fortnox.Voucher{
		VoucherSeries: series,
		VoucherNumber: number,
		VoucherRows:   rows,
	}
}

func row(account int, debit, credit int64) fortnox.VoucherRow {
	return fortnox.VoucherRow{
		Account: account,
		Debit:   decimal.NewFromInt(debit),
		Credit:  decimal.NewFromInt(credit),
	}
}

func calendarYear(id, year int) fortnox.FinancialYear {
	return fortnox.FinancialYear{
		ID:       id,
		FromDate: fmt.Sprintf("%d-01-01", year),
		ToDate:   fmt.Sprintf("%d-12-31", year),
	}
}

func TestSyncRangeImportsMonth(t *testing.T) {
	api := &fakeAPI{
		years: []fortnox.FinancialYear{calendarYear(1, 2025)},
		vouchers: map[string][]fortnox.Voucher{
			"2025-03": {
				voucher("A", 1, row(3010, 0, 1000), row(1930, 1000, 0)),
				voucher("A", 2, row(4010, 400, 0), row(1930, 0, 400)),
			},
		},
	}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	res, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.MonthsImported)
	assert.Equal(t, 2, res.Stats.VouchersTotal)
	assert.Equal(t, 0, res.MonthsSkipped)
	require.Len(t, res.Stats.PerYear, 1)
	assert.Equal(t, 2025, res.Stats.PerYear[0].Year)
	assert.Equal(t, 1, res.Stats.PerYear[0].Months)

	got, err := repo.GetSummary(context.Background(), "acme", 2025, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	// Credit-negative revenue comes out positive; 1930 is unclassified.
	assert.True(t, got.Revenue.Equal(decimal.NewFromInt(1000)), "revenue %s", got.Revenue)
	assert.True(t, got.COGS.Equal(decimal.NewFromInt(400)), "cogs %s", got.COGS)
	assert.True(t, got.GrossProfit.Equal(decimal.NewFromInt(600)), "gross profit %s", got.GrossProfit)

	// Empty months never materialize rows.
	empty, err := repo.GetSummary(context.Background(), "acme", 2025, 4)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestSyncRangeFetchesDetailWhenRowsOmitted(t *testing.T) {
	api := &fakeAPI{
		years: []fortnox.FinancialYear{calendarYear(1, 2025)},
		vouchers: map[string][]fortnox.Voucher{
			"2025-01": {voucher("B", 7)},
		},
		details: map[string]fortnox.Voucher{
			"B/7": voucher("B", 7, row(7010, 250, 0)),
		},
	}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	_, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, api.detailCalls)

	got, err := repo.GetSummary(context.Background(), "acme", 2025, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Personnel.Equal(decimal.NewFromInt(250)))
}

func TestSyncRangeFollowsPagination(t *testing.T) {
	var many []fortnox.Voucher
	for i := 1; i <= 5; i++ {
		many = append(many, voucher("A", i, row(5010, 10, 0)))
	}
	api := &fakeAPI{
		years:    []fortnox.FinancialYear{calendarYear(1, 2025)},
		vouchers: map[string][]fortnox.Voucher{"2025-02": many},
		pageSize: 2,
	}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	res, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Stats.VouchersTotal)

	got, err := repo.GetSummary(context.Background(), "acme", 2025, 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Office.Equal(decimal.NewFromInt(50)))
}

func TestSyncRangeSkipsUncoveredMonths(t *testing.T) {
	// The financial year only covers the second half of 2025.
	api := &fakeAPI{
		years: []fortnox.FinancialYear{{ID: 1, FromDate: "2025-07-01", ToDate: "2026-06-30"}},
		vouchers: map[string][]fortnox.Voucher{
			"2025-09": {voucher("A", 1, row(3010, 0, 100))},
		},
	}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	res, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, res.MonthsSkipped)
	assert.Equal(t, 1, res.Stats.MonthsImported)
}

func TestSyncRangeAbortsOnSessionExpiry(t *testing.T) {
	api := &fakeAPI{
		years: []fortnox.FinancialYear{calendarYear(1, 2025)},
		vouchers: map[string][]fortnox.Voucher{
			"2025-01": {voucher("A", 1, row(3010, 0, 500))},
		},
		failAt:  "2025-03",
		failErr: fmt.Errorf("GetJSON /vouchers: %w", domain.ErrSessionExpired),
	}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	res, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	// January landed before the abort and stays persisted.
	assert.Equal(t, 1, res.Stats.MonthsImported)
	got, gerr := repo.GetSummary(context.Background(), "acme", 2025, 1)
	require.NoError(t, gerr)
	require.NotNil(t, got)
}

func TestSyncRangeZeroMonthPreservesExistingRow(t *testing.T) {
	repo := newMemSummaryRepo()
	prior := &domain.MonthlySummary{
		Company: "acme", Year: 2025, Month: 5,
		Revenue: decimal.NewFromInt(9000),
	}
	require.NoError(t, repo.UpsertSummary(context.Background(), prior))
	repo.upserts = 0

	// Vouchers whose rows all touch unclassified accounts sum to zero.
	api := &fakeAPI{
		years: []fortnox.FinancialYear{calendarYear(1, 2025)},
		vouchers: map[string][]fortnox.Voucher{
			"2025-05": {voucher("A", 1, row(1930, 100, 0), row(2440, 0, 100))},
		},
	}
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	res, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.MonthsImported)
	assert.Equal(t, 0, repo.upserts)

	got, err := repo.GetSummary(context.Background(), "acme", 2025, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Revenue.Equal(decimal.NewFromInt(9000)))
}

func TestSyncRangeReportsProgress(t *testing.T) {
	store := inmemory.NewStore()
	job := &jobs.ImportJob{ID: "j1", UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025}
	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, store.MarkRunning(context.Background(), "j1"))

	api := &fakeAPI{
		years: []fortnox.FinancialYear{calendarYear(1, 2025)},
		vouchers: map[string][]fortnox.Voucher{
			"2025-01": {voucher("A", 1, row(3010, 0, 100))},
		},
	}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, store, nil, zerolog.Nop())

	_, err := eng.SyncRange(context.Background(), Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025, JobID: "j1",
	})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	// 100 is reserved for the terminal transition.
	assert.Equal(t, 99, got.Progress)
	assert.Equal(t, 1, got.Stats.MonthsImported)
	assert.Equal(t, 1, got.Stats.VouchersTotal)
	require.NotEmpty(t, got.Stats.PerYear)
	assert.Equal(t, 2025, got.Stats.PerYear[0].Year)
}

func TestSyncRangeCancelledContext(t *testing.T) {
	api := &fakeAPI{years: []fortnox.FinancialYear{calendarYear(1, 2025)}}
	repo := newMemSummaryRepo()
	eng := NewEngine(api, staticTokens{}, repo, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.SyncRange(ctx, Request{
		UserID: "user-1", Company: "acme", StartYear: 2025, EndYear: 2025,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyncRangeRejectsInvertedRange(t *testing.T) {
	eng := NewEngine(&fakeAPI{}, staticTokens{}, newMemSummaryRepo(), nil, nil, zerolog.Nop())
	_, err := eng.SyncRange(context.Background(), Request{StartYear: 2026, EndYear: 2024})
	require.Error(t, err)
}
