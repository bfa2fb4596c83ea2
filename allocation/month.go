package allocation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// MONTH - Canonical first-of-month key
// =============================================================================
// Source data presents months as free text, timestamps or ISO dates. Every
// month is normalized here before it is compared or stored, otherwise the
// aggregation silently fragments across representations.

type Month struct {
	year  int
	month time.Month
}

func NewMonth(year int, month time.Month) Month {
	// time.Date normalizes out-of-range months (13 -> next January)
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Month{year: t.Year(), month: t.Month()}
}

// MonthOf returns the month containing t (in t's own location).
func MonthOf(t time.Time) Month {
	return NewMonth(t.Year(), t.Month())
}

func (m Month) Year() int               { return m.year }
func (m Month) Month() time.Month       { return m.month }
func (m Month) IsZero() bool            { return m.year == 0 && m.month == 0 }
func (m Month) Time() time.Time         { return time.Date(m.year, m.month, 1, 0, 0, 0, 0, time.UTC) }
func (m Month) Before(other Month) bool { return m.Time().Before(other.Time()) }
func (m Month) AddMonths(n int) Month   { return MonthOf(m.Time().AddDate(0, n, 0)) }

// String renders the canonical YYYY-MM-01 form.
func (m Month) String() string {
	if m.IsZero() {
		return ""
	}
	return m.Time().Format("2006-01-02")
}

func (m Month) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Month) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*m = Month{}
		return nil
	}
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

var monthLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006-1-2",
	"2006-01",
	"2006-1",
	"2006/01/02",
	"2006/01",
	"2006/1",
	"01/2006",
	"1/2006",
	"01-2006",
	"200601",
	"Jan 2006",
	"January 2006",
	"Jan-2006",
	"January-2006",
	"Jan-06",
	"Jan 06",
	"2006 Jan",
	"2006 January",
	"2006-Jan",
}

// ParseMonth normalizes a free-form month representation.
// Accepts ISO dates and months, RFC3339 timestamps, slash forms,
// month names, compact YYYYMM and unix-seconds timestamps.
func ParseMonth(s string) (Month, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Month{}, fmt.Errorf("empty month")
	}

	if isDigits(s) && len(s) >= 9 {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return MonthOf(time.Unix(secs, 0).UTC()), nil
		}
	}

	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return MonthOf(t), nil
		}
	}

	// Month names in any case ("JAN 2024", "january 2024")
	if t, err := time.Parse("January 2006", titleCase(s)); err == nil {
		return MonthOf(t), nil
	}
	if t, err := time.Parse("Jan 2006", titleCase(s)); err == nil {
		return MonthOf(t), nil
	}

	return Month{}, fmt.Errorf("unrecognized month %q", s)
}

// MustParseMonth panics on malformed input. Tests and fixtures only.
func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// UniqueMonths returns the distinct non-zero months in ascending order.
func UniqueMonths(months []Month) []Month {
	seen := make(map[Month]bool, len(months))
	out := make([]Month, 0, len(months))
	for _, m := range months {
		if m.IsZero() || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func titleCase(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		fields[i] = strings.ToUpper(f[:1]) + f[1:]
	}
	return strings.Join(fields, " ")
}
