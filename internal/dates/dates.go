// Package dates turns the date encodings found in the city's CSV exports
// into calendar dates.
package dates

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	layoutYMD = "2006-01-02"
	layoutDMY = "02-01-2006"
)

var (
	// ErrNoDate is returned when a row carries neither a date nor a year.
	ErrNoDate = errors.New("no date or year value")
	// ErrUnparseable is returned when a value is present but cannot be read.
	ErrUnparseable = errors.New("unparseable date")
)

// Field is one optional raw column value.
type Field struct {
	Value   string
	Present bool
}

// Some returns a present field.
func Some(v string) Field { return Field{Value: v, Present: true} }

func (f Field) usable() bool {
	return f.Present && strings.TrimSpace(f.Value) != ""
}

// Normalize resolves a row's date. A date column wins over a year column.
// A bare year becomes January 1st. A year column holding a full date is
// read day-month-year first and then year-month-day.
func Normalize(date, year Field) (time.Time, error) {
	switch {
	case date.usable():
		s := separators(date.Value)
		if t, err := parse(layoutYMD, s); err == nil {
			return t, nil
		}
		if t, err := parse(layoutDMY, s); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("%w: date %q", ErrUnparseable, date.Value)
	case year.usable():
		return fromYear(year.Value)
	default:
		return time.Time{}, ErrNoDate
	}
}

func fromYear(raw string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if strings.ContainsAny(v, "_-") || len(v) > 4 {
		s := separators(v)
		if t, err := parse(layoutDMY, s); err == nil {
			return t, nil
		}
		if t, err := parse(layoutYMD, s); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("%w: year %q", ErrUnparseable, raw)
	}
	if len(v) != 4 {
		return time.Time{}, fmt.Errorf("%w: year %q", ErrUnparseable, raw)
	}
	t, err := parse("2006", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: year %q", ErrUnparseable, raw)
	}
	return t, nil
}

func separators(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "_", "-")
}

func parse(layout, s string) (time.Time, error) {
	return time.ParseInLocation(layout, s, time.UTC)
}

// Format renders t in the canonical layout.
func Format(t time.Time) string {
	return t.Format(layoutYMD)
}
