// Package sie parses SIE plaintext exports (the Swedish standard accounting
// interchange format) into dated ledger transactions.
//
// Only the voucher structure is read: #VER lines establish the current
// voucher date, #TRANS lines carry account and amount. Everything else in
// the file (#KONTO, #IB, #UB, dimensions, ...) is ignored. Malformed lines
// are skipped and counted, never fatal.
package sie

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/mkarlsson/budgetsync/internal/domain"
)

var (
	amountPattern = regexp.MustCompile(`^-?\d+([.,]\d+)?$`)
	datePattern   = regexp.MustCompile(`^\d{8}$`)
)

// Result is the outcome of parsing one SIE document. An empty transaction
// list is a soft success, not an error.
type Result struct {
	Transactions []domain.LedgerTransaction
	VouchersSeen int
	LinesSkipped int
}

// Parse reads a SIE document and extracts every ledger transaction that has
// a resolvable date. The input must already be UTF-8; use Decode for raw
// uploaded bytes.
func Parse(r io.Reader) (*Result, error) {
	res := &Result{}

	var voucherDate time.Time
	var haveVoucherDate bool

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#VER"):
			res.VouchersSeen++
			if d, ok := firstDateToken(line); ok {
				voucherDate = d
				haveVoucherDate = true
			} else {
				haveVoucherDate = false
			}

		case strings.HasPrefix(line, "#TRANS"):
			tx, ok := parseTransLine(line, voucherDate, haveVoucherDate)
			if !ok {
				res.LinesSkipped++
				continue
			}
			res.Transactions = append(res.Transactions, tx)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return res, nil
}

// parseTransLine extracts one transaction from a #TRANS line. The account is
// the first token after the line tag, the amount is the first token that
// reads as a signed decimal, and an 8-digit date token directly after the
// amount overrides the voucher date.
func parseTransLine(line string, voucherDate time.Time, haveVoucherDate bool) (domain.LedgerTransaction, bool) {
	// Strip quotes only. Object-list fragments like `{1` or `100}` keep their
	// braces so they can never be mistaken for the amount token.
	cleaned := strings.ReplaceAll(line, `"`, "")
	fields := strings.Fields(cleaned)
	if len(fields) < 3 {
		return domain.LedgerTransaction{}, false
	}

	account, err := strconv.Atoi(fields[1])
	if err != nil {
		return domain.LedgerTransaction{}, false
	}

	for i := 2; i < len(fields); i++ {
		if !amountPattern.MatchString(fields[i]) {
			continue
		}

		amount, err := decimal.NewFromString(strings.ReplaceAll(fields[i], ",", "."))
		if err != nil {
			return domain.LedgerTransaction{}, false
		}

		date := voucherDate
		haveDate := haveVoucherDate
		if i+1 < len(fields) && datePattern.MatchString(fields[i+1]) {
			if d, err := time.Parse("20060102", fields[i+1]); err == nil {
				date = d
				haveDate = true
			}
		}
		if !haveDate {
			return domain.LedgerTransaction{}, false
		}

		return domain.LedgerTransaction{Account: account, Amount: amount, Date: date}, true
	}

	return domain.LedgerTransaction{}, false
}

// firstDateToken returns the first 8-digit YYYYMMDD token on the line.
func firstDateToken(line string) (time.Time, bool) {
	for _, tok := range strings.Fields(strings.ReplaceAll(line, `"`, "")) {
		if !datePattern.MatchString(tok) {
			continue
		}
		if d, err := time.Parse("20060102", tok); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// Decode normalizes raw uploaded SIE bytes to UTF-8. SIE files are IBM PC8
// (code page 437) per the format standard, but exports in UTF-8 exist in the
// wild; valid UTF-8 passes through untouched.
func Decode(raw []byte) ([]byte, error) {
	if utf8.Valid(raw) {
		return raw, nil
	}
	return charmap.CodePage437.NewDecoder().Bytes(raw)
}
