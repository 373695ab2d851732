package domain

import (
	"strings"
	"time"
)

// Date is a calendar date with "YYYY-MM-DD" wire/storage encoding, used by
// ForesightRecord's validity window.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

func NewDate(t time.Time) Date { return Date{t.UTC().Truncate(24 * time.Hour)} }

func ParseDate(s string) (Date, bool) {
	s = SanitizeDateString(s)
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, false
	}
	return Date{t}, true
}

// SanitizeDateString strips everything but digits and hyphens, the
// "sanitize date fields" rule applied before parsing.
func SanitizeDateString(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (d Date) String() string {
	if d.Time.IsZero() {
		return ""
	}
	return d.Time.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.Time.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		d.Time = time.Time{}
		return nil
	}
	parsed, ok := ParseDate(s)
	if !ok {
		d.Time = time.Time{}
		return nil
	}
	*d = parsed
	return nil
}

// DaysBetween returns the integer day count between two dates, end - start.
func DaysBetween(start, end Date) int {
	return int(end.Time.Sub(start.Time).Hours() / 24)
}
