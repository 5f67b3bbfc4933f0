package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses an RFC 5545 DURATION value such as "-PT15M",
// "P1D" or "P1W". Years and months are not allowed by the RFC.
func ParseDuration(s string) (time.Duration, error) {
	in := strings.TrimSpace(s)
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(in, "-"):
		sign, in = -1, in[1:]
	case strings.HasPrefix(in, "+"):
		in = in[1:]
	}
	if !strings.HasPrefix(in, "P") || len(in) < 3 {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	in = in[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range in {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("bad duration %q", s)
			}
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("bad duration %q: %w", s, err)
		}
		num = ""
		unit, ok := durationUnit(r, inTime)
		if !ok {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		total += time.Duration(n) * unit
	}
	if num != "" {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return sign * total, nil
}

func durationUnit(r rune, inTime bool) (time.Duration, bool) {
	if inTime {
		switch r {
		case 'H':
			return time.Hour, true
		case 'M':
			return time.Minute, true
		case 'S':
			return time.Second, true
		}
		return 0, false
	}
	switch r {
	case 'W':
		return 7 * 24 * time.Hour, true
	case 'D':
		return 24 * time.Hour, true
	}
	return 0, false
}

// FormatDuration renders d as an RFC 5545 DURATION value.
func FormatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	if days := d / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		d -= days * 24 * time.Hour
	}
	if d == 0 {
		if b.Len() <= 2 {
			b.WriteString("T0S")
		}
		return b.String()
	}
	b.WriteByte('T')
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if sec := d / time.Second; sec > 0 {
		fmt.Fprintf(&b, "%dS", sec)
	}
	return b.String()
}
