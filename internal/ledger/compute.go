package ledger

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// LoanCoverage is the fraction of a requested loan that at least one
	// existing movement must reach.
	LoanCoverage = decimal.RequireFromString("0.1")
)

// Accepted scale of caller-supplied amounts. Values outside it are rejected
// before any arithmetic.
const (
	MinAmountExponent = -8
	MaxAmountExponent = 12
	MaxAmountDigits   = 24
)

// CheckAmount returns ErrInvalidAmount unless amount is positive and within
// the accepted scale.
func CheckAmount(amount decimal.Decimal) error {
	if !InRange(amount) || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// InRange reports whether amount's exponent and coefficient digits are within
// the accepted scale. It never rescales amount.
func InRange(amount decimal.Decimal) bool {
	exp := amount.Exponent()
	return exp >= MinAmountExponent && exp <= MaxAmountExponent && amount.NumDigits() <= MaxAmountDigits
}

// FormatAmount renders amount for logs and events without expanding values
// that are out of range.
func FormatAmount(amount decimal.Decimal) string {
	if !InRange(amount) {
		return "out_of_range"
	}
	return amount.String()
}

// Username derives the login name from an owner's full name: the first letter
// of every whitespace-separated token, lowercased.
func Username(owner string) string {
	var b strings.Builder
	for _, token := range strings.Fields(owner) {
		r, _ := utf8.DecodeRuneInString(token)
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Balance sums all movement amounts.
func Balance(movements []Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range movements {
		total = total.Add(m.Amount)
	}
	return total
}

// Summarize computes income, expense and interest for an account. Interest is
// paid per deposit and only when that deposit's interest exceeds one unit.
func Summarize(acc Account) Summary {
	income, expense, interest := decimal.Zero, decimal.Zero, decimal.Zero
	for _, m := range acc.Movements {
		switch {
		case m.Amount.IsPositive():
			income = income.Add(m.Amount)
			if i := m.Amount.Mul(acc.InterestRate).Div(hundred); i.GreaterThan(one) {
				interest = interest.Add(i)
			}
		case m.Amount.IsNegative():
			expense = expense.Add(m.Amount)
		}
	}
	return Summary{Income: income, Expense: expense.Abs(), Interest: interest}
}

// SortedView returns a copy of movements, ordered ascending by amount when
// sorted is true and chronologically otherwise. The input is never reordered.
func SortedView(movements []Movement, sorted bool) []Movement {
	out := slices.Clone(movements)
	if out == nil {
		out = []Movement{}
	}
	if sorted {
		slices.SortStableFunc(out, func(a, b Movement) int {
			return a.Amount.Cmp(b.Amount)
		})
	}
	return out
}

// LoanEligible reports whether any movement covers LoanCoverage of amount.
func LoanEligible(movements []Movement, amount decimal.Decimal) bool {
	required := amount.Mul(LoanCoverage)
	for _, m := range movements {
		if m.Amount.GreaterThanOrEqual(required) {
			return true
		}
	}
	return false
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
