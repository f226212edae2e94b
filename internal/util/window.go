package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is RFC 3339 with a fixed nine-digit fraction, so formatted UTC
// instants sort lexically in time order and parse back with time.RFC3339Nano.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// Floor returns the start of the bucket containing t.
func Floor(t time.Time, width time.Duration) time.Time {
	if width <= 0 { width = time.Minute }
	return t.UTC().Truncate(width)
}

// ParseSince accepts "30m", "2h", "7d" or anything time.ParseDuration understands.
func ParseSince(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n < 0 { return 0, fmt.Errorf("invalid duration %q", s) }
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 { return 0, fmt.Errorf("invalid duration %q", s) }
	return d, nil
}
