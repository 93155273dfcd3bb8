package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mkarlsson/budgetsync/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		account int
		want    domain.Category
		wantOK  bool
	}{
		{"sales account", 3010, domain.CategoryRevenue, true},
		{"revenue lower bound", 3000, domain.CategoryRevenue, true},
		{"revenue upper bound", 3999, domain.CategoryRevenue, true},
		{"purchases", 4010, domain.CategoryCOGS, true},
		{"cogs upper bound", 4999, domain.CategoryCOGS, true},
		{"rent", 5010, domain.CategoryOffice, true},
		{"office upper of first span", 5999, domain.CategoryOffice, true},
		{"advertising", 6050, domain.CategoryMarketing, true},
		{"marketing lower bound", 6000, domain.CategoryMarketing, true},
		{"marketing upper bound", 6099, domain.CategoryMarketing, true},
		{"office second span lower bound", 6100, domain.CategoryOffice, true},
		{"consultant fees", 6550, domain.CategoryOffice, true},
		{"office second span upper bound", 6999, domain.CategoryOffice, true},
		{"salaries", 7210, domain.CategoryPersonnel, true},
		{"personnel upper bound", 7699, domain.CategoryPersonnel, true},
		{"depreciation", 7830, domain.CategoryOtherOpex, true},
		{"other opex upper bound", 7999, domain.CategoryOtherOpex, true},
		{"bank account unclassified", 1930, "", false},
		{"equity unclassified", 2081, "", false},
		{"financial income unclassified", 8310, "", false},
		{"below chart", 999, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.account)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestClassifyPartition walks the whole BAS chart and checks that every
// account matches at most one range, i.e. the table has no overlaps and the
// boundary between the marketing and office spans is exact.
func TestClassifyPartition(t *testing.T) {
	for account := 1000; account <= 9999; account++ {
		matches := 0
		for _, r := range ranges {
			if account >= r.lo && account <= r.hi {
				matches++
			}
		}
		if matches > 1 {
			t.Fatalf("account %d matches %d ranges, want at most 1", account, matches)
		}

		cat, ok := Classify(account)
		if ok {
			assert.True(t, domain.ValidCategory(cat), "account %d classified to unknown category %q", account, cat)
		}
		assert.Equal(t, matches == 1, ok, "account %d", account)
	}
}

func TestIsRevenueAccount(t *testing.T) {
	assert.True(t, IsRevenueAccount(3000))
	assert.True(t, IsRevenueAccount(3999))
	assert.False(t, IsRevenueAccount(2999))
	assert.False(t, IsRevenueAccount(4000))
}
