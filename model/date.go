package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDate is returned when a value cannot be read as a calendar day.
var ErrInvalidDate = errors.New("invalid date")

// Date is a calendar day encoded as YYYYMMDD. The zero value means unset.
type Date int32

// DateFromInt validates an 8-digit integer form.
func DateFromInt(n int) (Date, error) {
	d := Date(n)
	if !d.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDate, n)
	}
	return d, nil
}

// DateFromString accepts the compact form 20240102 and the hyphenated
// form 2024-01-02.
func DateFromString(s string) (Date, error) {
	var layout string
	switch len(s) {
	case 8:
		layout = "20060102"
	case 10:
		layout = "2006-01-02"
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}

	t, err := time.ParseInLocation(layout, s, time.Local)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateFromTime(t), nil
}

// ParseDate accepts either encoding used at the system boundary.
func ParseDate(v interface{}) (Date, error) {
	switch value := v.(type) {
	case Date:
		return DateFromInt(int(value))
	case int:
		return DateFromInt(value)
	case int32:
		return DateFromInt(int(value))
	case int64:
		return DateFromInt(int(value))
	case string:
		return DateFromString(value)
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidDate, v)
	}
}

// DateFromTime truncates a time to its local calendar day.
func DateFromTime(t time.Time) Date {
	return Date(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// DateFromTimestamp converts epoch seconds to the local calendar day.
func DateFromTimestamp(sec int64) Date {
	return DateFromTime(time.Unix(sec, 0))
}

// Today returns the current local calendar day.
func Today() Date {
	return DateFromTime(time.Now())
}

func (d Date) split() (year int, month int, day int) {
	return int(d) / 10000, int(d) / 100 % 100, int(d) % 100
}

// Valid reports whether d is a real calendar day in 8-digit form.
func (d Date) Valid() bool {
	if d < 10000101 || d > 99991231 {
		return false
	}
	year, month, day := d.split()
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

// Int returns the 8-digit integer form.
func (d Date) Int() int {
	return int(d)
}

// Compact returns the 8-digit string form, e.g. "20240102".
func (d Date) Compact() string {
	return fmt.Sprintf("%08d", int(d))
}

// String returns the hyphenated form, e.g. "2024-01-02".
func (d Date) String() string {
	year, month, day := d.split()
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// Time returns midnight of the day in local time.
func (d Date) Time() time.Time {
	year, month, day := d.split()
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
}

// Timestamp returns epoch seconds at local midnight. Exact inverse of
// DateFromTimestamp for midnight values.
func (d Date) Timestamp() int64 {
	return d.Time().Unix()
}

func (d Date) Year() int {
	year, _, _ := d.split()
	return year
}

func (d Date) Month() time.Month {
	_, month, _ := d.split()
	return time.Month(month)
}

func (d Date) Day() int {
	_, _, day := d.split()
	return day
}

func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

// Weekend reports whether the day falls on Saturday or Sunday.
func (d Date) Weekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// AddDays walks the calendar by n days in either direction.
func (d Date) AddDays(n int) Date {
	return DateFromTime(d.Time().AddDate(0, 0, n))
}

// EndOfYear returns December 31 of the year of d.
func (d Date) EndOfYear() Date {
	return Date(d.Year()*10000 + 1231)
}

// StartOfYear returns January 1 of the year of d.
func (d Date) StartOfYear() Date {
	return Date(d.Year()*10000 + 101)
}
