package normalize

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errAmbiguousNumber = errors.New("ambiguous decimal separators")
	errNotANumber      = errors.New("not a number")
	errVATOutOfRange   = errors.New("vat rate out of range")
)

var hundred = decimal.NewFromInt(100)

// Polish fiscal printer VAT classes.
var vatClasses = map[string]decimal.Decimal{
	"A":  decimal.NewFromInt(23),
	"B":  decimal.NewFromInt(8),
	"C":  decimal.NewFromInt(5),
	"D":  decimal.Zero,
	"E":  decimal.Zero,
	"ZW": decimal.Zero,
}

// ParseDecimal reads a locale-formatted number. It accepts a decimal comma or
// dot, space thousands separators ("1 234,56") and a trailing currency. It
// reports present=false for blank input. Mixed separators are resolved only
// when unambiguous; anything else is an error.
func ParseDecimal(s string) (d decimal.Decimal, present bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false, nil
	}
	lower := strings.ToLower(s)
	for _, suffix := range []string{"zł", "zl", "pln"} {
		lower = strings.TrimSpace(strings.TrimSuffix(lower, suffix))
	}
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "'", "").Replace(lower)
	if s == "" {
		return decimal.Zero, true, errNotANumber
	}

	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		// The later separator is the decimal one; the other must only group thousands.
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			if commas > 1 {
				return decimal.Zero, true, errAmbiguousNumber
			}
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			if dots > 1 {
				return decimal.Zero, true, errAmbiguousNumber
			}
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas > 1 || dots > 1:
		return decimal.Zero, true, errAmbiguousNumber
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true, errNotANumber
	}
	return d, true, nil
}

// ParseVATRate returns the rate as a percentage. It accepts "23", "23%",
// "0,23" and fiscal class letters.
func ParseVATRate(s string) (rate decimal.Decimal, present bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false, nil
	}
	if r, ok := vatClasses[strings.ToUpper(s)]; ok {
		return r, true, nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	rate, _, err = ParseDecimal(s)
	if err != nil {
		return decimal.Zero, true, err
	}
	if rate.IsPositive() && rate.LessThan(decimal.NewFromInt(1)) {
		rate = rate.Mul(hundred)
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return decimal.Zero, true, errVATOutOfRange
	}
	return rate, true, nil
}
