// Package ledger maps BAS account numbers onto the fixed P&L buckets.
// Both ingestion paths (SIE upload and Fortnox sync) classify through this
// single table so the same account can never land in two different buckets
// depending on where it came from.
package ledger

import "github.com/mkarlsson/budgetsync/internal/domain"

// accountRange is a half of the classification table: an inclusive BAS
// account interval and its bucket.
type accountRange struct {
	lo, hi   int
	category domain.Category
}

// ranges is evaluated in order, first match wins. The order is part of the
// contract: 6000-6099 must be checked before the wider 6100-6999 office span.
var ranges = []accountRange{
	{3000, 3999, domain.CategoryRevenue},
	{4000, 4999, domain.CategoryCOGS},
	{7000, 7699, domain.CategoryPersonnel},
	{6000, 6099, domain.CategoryMarketing},
	{5000, 5999, domain.CategoryOffice},
	{6100, 6999, domain.CategoryOffice},
	{7700, 7999, domain.CategoryOtherOpex},
}

// Classify returns the P&L bucket for a BAS account number. The second
// return is false for accounts outside every range (balance-sheet accounts,
// financial items); those amounts contribute to no bucket.
func Classify(account int) (domain.Category, bool) {
	for _, r := range ranges {
		if account >= r.lo && account <= r.hi {
			return r.category, true
		}
	}
	return "", false
}

// IsRevenueAccount reports whether the account belongs to the revenue range.
// SIE stores revenue credit-negative, so aggregation negates these amounts.
func IsRevenueAccount(account int) bool {
	return account >= 3000 && account <= 3999
}
