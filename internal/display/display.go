// Package display converts ledger numerics to and from what people type
// and read: e8s amounts and nanosecond timestamps.
package display

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// Scale is the number of e8s in one unit of the settlement asset.
	Scale = 100_000_000
	// Decimals is the fixed precision amounts are rendered with.
	Decimals = 4

	scaleDigits   = 8
	nanosPerMilli = 1_000_000
)

var (
	ErrEmpty     = errors.New("value is empty")
	ErrMalformed = errors.New("value is malformed")
	ErrRange     = errors.New("value is out of range")
)

// FormatAmount renders e8s with Decimals fractional digits, rounding half up.
func FormatAmount(e8s uint64) string {
	const step = Scale / 10_000 // 10^(scaleDigits-Decimals)
	units := e8s / step
	if e8s%step >= step/2 {
		units++
	}
	return fmt.Sprintf("%d.%04d", units/10_000, units%10_000)
}

// ParseAmount reads a non-negative decimal amount ("1", "0.25", "12.5")
// into e8s. More than 8 fractional digits is malformed.
func ParseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) || (frac != "" && !digits(frac)) || len(frac) > scaleDigits {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil || w > math.MaxUint64/Scale {
		return 0, fmt.Errorf("%w: %q", ErrRange, s)
	}
	var f uint64
	if frac != "" {
		f, _ = strconv.ParseUint(frac+strings.Repeat("0", scaleDigits-len(frac)), 10, 64)
	}
	total := w*Scale + f
	if total < w*Scale {
		return 0, fmt.Errorf("%w: %q", ErrRange, s)
	}
	return total, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Millis converts a ledger timestamp to milliseconds since epoch.
func Millis(ns uint64) int64 { return int64(ns / nanosPerMilli) }

// Time converts a ledger timestamp at millisecond precision.
func Time(ns uint64) time.Time { return time.UnixMilli(Millis(ns)) }

// FormatTime renders a ledger timestamp in loc (local time when nil).
func FormatTime(ns uint64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return Time(ns).In(loc).Format("2006-01-02 15:04")
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// latest is the last instant a nanosecond timestamp can hold.
var latest = time.Unix(0, math.MaxInt64)

// ParseTime reads a date or date-time in loc (local time when nil) into a
// ledger timestamp.
func ParseTime(s string, loc *time.Location) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if t.Before(time.Unix(0, 0)) {
			return 0, fmt.Errorf("%w: %q is before 1970", ErrRange, s)
		}
		if t.After(latest) {
			return 0, fmt.Errorf("%w: %q is after %s", ErrRange, s, latest.UTC().Format(time.DateOnly))
		}
		return uint64(t.UnixNano()), nil
	}
	return 0, fmt.Errorf("%w: %q is not a date (use YYYY-MM-DD or YYYY-MM-DD HH:MM)", ErrMalformed, s)
}
