package model

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the wire format for calendar days (ISO 8601 date, no zone).
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned when a value is not a YYYY-MM-DD calendar day.
var ErrInvalidDate = errors.New("invalid calendar date")

// Date is a timezone-naive calendar day.
//
// Internally it is a time.Time pinned to midnight UTC, so two Dates for the
// same day compare equal with == and arithmetic never crosses a DST edge.
type Date struct {
	t time.Time
}

// NewDate returns the calendar day y-m-d. Out of range values normalize the
// same way time.Date does.
func NewDate(y int, m time.Month, d int) Date {
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{t: t}, nil
}

// MustParseDate is ParseDate for constants and tests.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) IsZero() bool { return d.t.IsZero() }

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int { return d.t.Compare(o.t) }

func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }

// DaysUntil returns the number of days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.t.Sub(d.t).Hours() / 24)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start Date `json:"startDate"`
	End   Date `json:"endDate"`
}

// ErrInvertedRange is returned by DateRange.Validate when Start is after End.
var ErrInvertedRange = errors.New("startDate must not be after endDate")

// Validate reports whether r is a usable range.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: missing start or end", ErrInvalidDate)
	}
	if r.Start.After(r.End) {
		return fmt.Errorf("%w: %s > %s", ErrInvertedRange, r.Start, r.End)
	}
	return nil
}

// Days returns the number of days covered, inclusive.
func (r DateRange) Days() int {
	return r.Start.DaysUntil(r.End) + 1
}

// Contains reports whether day falls within r.
func (r DateRange) Contains(day Date) bool {
	return !day.Before(r.Start) && !day.After(r.End)
}
