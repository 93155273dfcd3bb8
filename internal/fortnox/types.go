// Package fortnox implements the client side of the Fortnox REST API:
// OAuth token lifecycle, resilient paginated fetching, and the voucher and
// financial-year resources the sync engine consumes.
package fortnox

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fortnox dates are plain YYYY-MM-DD strings.
const dateLayout = "2006-01-02"

// MetaInformation is the pagination envelope on Fortnox list responses.
type MetaInformation struct {
	TotalResources int `json:"@TotalResources"`
	TotalPages     int `json:"@TotalPages"`
	CurrentPage    int `json:"@CurrentPage"`
}

// FinancialYear is one company-defined accounting year.
type FinancialYear struct {
	ID       int    `json:"Id"`
	FromDate string `json:"FromDate"`
	ToDate   string `json:"ToDate"`
}

// Contains reports whether the given date falls inside the year's range,
// boundaries inclusive.
func (fy FinancialYear) Contains(date time.Time) bool {
	from, err := time.Parse(dateLayout, fy.FromDate)
	if err != nil {
		return false
	}
	to, err := time.Parse(dateLayout, fy.ToDate)
	if err != nil {
		return false
	}
	return !date.Before(from) && !date.After(to)
}

// VoucherRow is one debit/credit line on a voucher.
type VoucherRow struct {
	Account int             `json:"Account"`
	Debit   decimal.Decimal `json:"Debit"`
	Credit  decimal.Decimal `json:"Credit"`
}

// SignedAmount is debit minus credit, the convention both the classifier
// and aggregator expect.
func (row VoucherRow) SignedAmount() decimal.Decimal {
	return row.Debit.Sub(row.Credit)
}

// Voucher is one journal entry. List responses omit VoucherRows; the detail
// endpoint fills them in.
type Voucher struct {
	VoucherSeries   string       `json:"VoucherSeries"`
	VoucherNumber   int          `json:"VoucherNumber"`
	TransactionDate string       `json:"TransactionDate"`
	Year            int          `json:"Year"`
	VoucherRows     []VoucherRow `json:"VoucherRows"`
}

// FinancialYearsResponse is the /financialyears listing.
type FinancialYearsResponse struct {
	FinancialYears  []FinancialYear `json:"FinancialYears"`
	MetaInformation MetaInformation `json:"MetaInformation"`
}

// VouchersResponse is one page of the /vouchers listing.
type VouchersResponse struct {
	Vouchers        []Voucher       `json:"Vouchers"`
	MetaInformation MetaInformation `json:"MetaInformation"`
}

// VoucherDetailResponse wraps the /vouchers/{series}/{number} resource.
type VoucherDetailResponse struct {
	Voucher Voucher `json:"Voucher"`
}

// tokenResponse is the OAuth token endpoint payload for both the
// authorization-code and refresh-token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}
