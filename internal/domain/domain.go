// Package domain holds the core types shared by both ingestion paths:
// SIE file uploads and Fortnox voucher sync.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is a fixed P&L bucket. Every classified ledger amount lands in
// exactly one of these.
type Category string

const (
	CategoryRevenue   Category = "REVENUE"
	CategoryCOGS      Category = "COGS"
	CategoryPersonnel Category = "PERSONNEL"
	CategoryMarketing Category = "MARKETING"
	CategoryOffice    Category = "OFFICE"
	CategoryOtherOpex Category = "OTHER_OPEX"
)

// Categories lists all buckets in presentation order.
var Categories = []Category{
	CategoryRevenue,
	CategoryCOGS,
	CategoryPersonnel,
	CategoryMarketing,
	CategoryOffice,
	CategoryOtherOpex,
}

// ValidCategory reports whether c is one of the fixed buckets.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// LedgerTransaction is one dated ledger line extracted from a SIE document.
// Amounts keep the SIE sign convention: revenue accounts are credit-negative,
// expense accounts debit-positive. The aggregator applies the revenue flip.
type LedgerTransaction struct {
	Account int
	Amount  decimal.Decimal
	Date    time.Time
}

// MonthlySummary is the converged data model of both ingestion paths:
// per-month category totals for one company. Identity key is
// (Company, Year, Month) with upsert semantics.
type MonthlySummary struct {
	Company string    `json:"company"`
	Year    int       `json:"year"`
	Month   int       `json:"month"` // 1..12

	Revenue     decimal.Decimal `json:"revenue"`
	COGS        decimal.Decimal `json:"cogs"`
	GrossProfit decimal.Decimal `json:"gross_profit"`
	Personnel   decimal.Decimal `json:"personnel"`
	Marketing   decimal.Decimal `json:"marketing"`
	Office      decimal.Decimal `json:"office"`
	OtherOpex   decimal.Decimal `json:"other_opex"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether every category total is zero. Zero summaries are
// never persisted over existing non-zero rows.
func (s *MonthlySummary) IsZero() bool {
	return s.Revenue.IsZero() &&
		s.COGS.IsZero() &&
		s.Personnel.IsZero() &&
		s.Marketing.IsZero() &&
		s.Office.IsZero() &&
		s.OtherOpex.IsZero()
}

// OAuthToken is the stored Fortnox credential set for one (UserID, Company)
// pair. It is owned by the token manager and mutated in place on refresh.
type OAuthToken struct {
	UserID       string
	Company      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}
