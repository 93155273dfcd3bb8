// Package aggregate folds classified ledger amounts into per-month category
// totals. Folding is addition only, so aggregation is associative and
// commutative: the sync path aggregates page by page and must end up with the
// same summary a single pass would produce.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mkarlsson/budgetsync/internal/domain"
	"github.com/mkarlsson/budgetsync/internal/ledger"
)

// Accumulator collects category totals for one (company, year, month) key.
// It is an explicit value owned by its caller; nothing in this package keeps
// shared state between runs.
type Accumulator struct {
	company string
	year    int
	month   int

	totals map[domain.Category]decimal.Decimal

	// TransactionsAdded counts amounts that landed in a bucket, not the
	// unclassified ones that were dropped.
	TransactionsAdded int
}

// NewAccumulator creates an empty accumulator for the given summary key.
func NewAccumulator(company string, year, month int) *Accumulator {
	return &Accumulator{
		company: company,
		year:    year,
		month:   month,
		totals:  make(map[domain.Category]decimal.Decimal),
	}
}

// AddTransaction classifies and folds one SIE ledger transaction. Amounts on
// unclassified accounts are dropped. Revenue accounts are stored
// credit-negative in SIE, so their amounts are negated to yield positive
// revenue.
func (a *Accumulator) AddTransaction(tx domain.LedgerTransaction) {
	a.AddAmount(tx.Account, tx.Amount)
}

// AddAmount folds one signed amount for the given account. The sync path
// calls this directly with voucher-row amounts (debit minus credit).
func (a *Accumulator) AddAmount(account int, amount decimal.Decimal) {
	cat, ok := ledger.Classify(account)
	if !ok {
		return
	}
	if cat == domain.CategoryRevenue {
		amount = amount.Neg()
	}
	a.totals[cat] = a.totals[cat].Add(amount)
	a.TransactionsAdded++
}

// Merge folds another accumulator for the same key into this one,
// field by field. Used by chunked aggregation.
func (a *Accumulator) Merge(other *Accumulator) {
	for cat, amount := range other.totals {
		a.totals[cat] = a.totals[cat].Add(amount)
	}
	a.TransactionsAdded += other.TransactionsAdded
}

// Summary materializes the accumulated totals. GrossProfit is always derived
// as revenue minus COGS, never carried independently.
func (a *Accumulator) Summary() *domain.MonthlySummary {
	s := &domain.MonthlySummary{
		Company:   a.company,
		Year:      a.year,
		Month:     a.month,
		Revenue:   a.totals[domain.CategoryRevenue],
		COGS:      a.totals[domain.CategoryCOGS],
		Personnel: a.totals[domain.CategoryPersonnel],
		Marketing: a.totals[domain.CategoryMarketing],
		Office:    a.totals[domain.CategoryOffice],
		OtherOpex: a.totals[domain.CategoryOtherOpex],
		UpdatedAt: time.Now().UTC(),
	}
	s.GrossProfit = s.Revenue.Sub(s.COGS)
	return s
}

// ByMonth partitions a transaction list into per-month accumulators keyed by
// year and month. The SIE path uses this to turn one document into many
// monthly summaries.
func ByMonth(company string, txs []domain.LedgerTransaction) map[MonthKey]*Accumulator {
	out := make(map[MonthKey]*Accumulator)
	for _, tx := range txs {
		key := MonthKey{Year: tx.Date.Year(), Month: int(tx.Date.Month())}
		acc, ok := out[key]
		if !ok {
			acc = NewAccumulator(company, key.Year, key.Month)
			out[key] = acc
		}
		acc.AddTransaction(tx)
	}
	return out
}

// MonthKey identifies one calendar month.
type MonthKey struct {
	Year  int
	Month int
}
