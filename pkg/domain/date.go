package domain

import (
	"errors"
	"strconv"
)

// ErrInvalidDate reports a date that is not a valid 8-digit YYYYMMDD value.
var ErrInvalidDate = errors.New("date must be an 8-digit number (YYYYMMDD)")

// ParseDate splits an 8-digit YYYYMMDD date into (year, month, day).
// It only checks digit count and field ranges (month 1-12, day 1-31);
// calendar validity is intentionally not enforced.
func ParseDate(date int) (year, month, day int, err error) {
	s := strconv.Itoa(date)
	if len(s) != 8 {
		return 0, 0, 0, ErrInvalidDate
	}
	year = date / 10000
	month = date / 100 % 100
	day = date % 100
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, 0, ErrInvalidDate
	}
	return year, month, day, nil
}

// ValidDate reports whether date decodes cleanly.
func ValidDate(date int) bool {
	_, _, _, err := ParseDate(date)
	return err == nil
}
