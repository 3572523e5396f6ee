package display

import (
	"errors"
	"testing"
	"time"
)

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		e8s  uint64
		want string
	}{
		{0, "0.0000"},
		{150_000_000, "1.5000"},
		{100_000_000, "1.0000"},
		{12_345, "0.0001"},
		{4_999, "0.0000"},
		{5_000, "0.0001"},
		{99_999_999, "1.0000"},
		{450_000_000, "4.5000"},
	}
	for _, tc := range cases {
		if got := FormatAmount(tc.e8s); got != tc.want {
			t.Fatalf("FormatAmount(%d) = %q, want %q", tc.e8s, got, tc.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		err  error
	}{
		{in: "1.5", want: 150_000_000},
		{in: "2", want: 200_000_000},
		{in: ".25", want: 25_000_000},
		{in: " 0.00000001 ", want: 1},
		{in: "", err: ErrEmpty},
		{in: "-1", err: ErrMalformed},
		{in: "1.2.3", err: ErrMalformed},
		{in: "0.000000001", err: ErrMalformed},
		{in: "abc", err: ErrMalformed},
		{in: "999999999999999999999", err: ErrRange},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAmount(tc.in)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("ParseAmount(%q) error = %v, want %v", tc.in, err, tc.err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseAmount(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestTimeConversion(t *testing.T) {
	at := time.Date(2026, 6, 1, 18, 30, 0, 0, time.UTC)
	ns := uint64(at.UnixNano()) + 999_999
	if got := Millis(ns); got != at.UnixMilli() {
		t.Fatalf("Millis = %d, want %d", got, at.UnixMilli())
	}
	if got := FormatTime(ns, time.UTC); got != "2026-06-01 18:30" {
		t.Fatalf("FormatTime = %q", got)
	}

	parsed, err := ParseTime("2026-06-01 18:30", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != uint64(at.UnixNano()) {
		t.Fatalf("ParseTime = %d, want %d", parsed, at.UnixNano())
	}
	if _, err := ParseTime("June 1st", time.UTC); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	for _, in := range []string{"1960-01-01", "2300-01-01", "2262-04-12"} {
		if _, err := ParseTime(in, time.UTC); !errors.Is(err, ErrRange) {
			t.Fatalf("ParseTime(%q): expected ErrRange, got %v", in, err)
		}
	}
	if _, err := ParseTime("2262-04-11", time.UTC); err != nil {
		t.Fatalf("last representable day rejected: %v", err)
	}
}
