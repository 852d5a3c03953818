package normalize

import (
	"fmt"
	"strings"
	"time"
)

// Day-first layouts first; ISO after.
var dateLayouts = []string{
	"2.1.2006",
	"2/1/2006",
	"2-1-2006",
	"2006-1-2",
	"2006/1/2",
	"2006.1.2",
	"2.1.06",
}

var timeLayouts = []string{
	"15:4:5",
	"15:4",
}

// normalizeTimeToken accepts messy tokens: "8:5", "815", "0815", "123045".
func normalizeTimeToken(x string) string {
	if strings.Contains(x, ":") || !isNumeric(x) {
		return x
	}
	switch len(x) {
	case 1, 2:
		return "00:" + x
	case 3:
		return "0" + x[:1] + ":" + x[1:]
	case 4:
		return x[:2] + ":" + x[2:]
	case 6:
		return x[:2] + ":" + x[2:4] + ":" + x[4:]
	}
	return x
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseClock(s string) (time.Time, error) {
	s = normalizeTimeToken(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// splitDateTime handles a date column that already carries the time
// ("2025-09-15 12:30", "2025-09-15T12:30:00").
func splitDateTime(date string) (string, string) {
	date = strings.TrimSpace(date)
	if i := strings.IndexAny(date, " T"); i > 0 {
		rest := strings.TrimSpace(date[i+1:])
		rest = strings.TrimSuffix(rest, "Z")
		if j := strings.IndexAny(rest, "+."); j > 0 {
			rest = rest[:j]
		}
		return date[:i], rest
	}
	return date, ""
}
