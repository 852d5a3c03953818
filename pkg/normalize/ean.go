package normalize

import "strings"

// CleanEAN undoes the usual spreadsheet damage: surrounding space, internal
// spaces or dashes, and a float suffix ("5901234123457.0").
func CleanEAN(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, ".,"); i > 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	s = strings.NewReplacer(" ", "", "-", "").Replace(s)
	return s
}

// ValidEAN reports whether code is a GTIN-8/12/13/14 with a correct GS1
// check digit. All-zero codes are placeholders and never valid.
func ValidEAN(code string) bool {
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return false
	}
	if strings.Trim(code, "0") == "" {
		return false
	}
	sum := 0
	weight := 3
	for i := len(code) - 2; i >= 0; i-- {
		c := code[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * weight
		weight = 4 - weight
	}
	last := code[len(code)-1]
	if last < '0' || last > '9' {
		return false
	}
	return (10-sum%10)%10 == int(last-'0')
}
