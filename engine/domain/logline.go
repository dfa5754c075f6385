package domain

import (
	"fmt"
	"strings"
	"time"
)

// logTimestampLayouts mirrors the two timestamp shapes a kubelet log line's
// prefix can take: with or without a fractional-seconds component. Both are
// always UTC, hence the trailing 'Z' the caller has already split off.
var logTimestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseLogRecord parses a raw log line of the form "<RFC3339-ish>Z<body>"
// (e.g. "2024-01-01T00:00:00Z stderr F hello world") into a LogRecord. On
// parse failure (no 'Z' found, or the prefix isn't a recognized timestamp
// layout), ok is false and the returned record carries a zero timestamp and
// the original line as its message, so the caller can log a warning while
// still forwarding the record instead of dropping it.
func ParseLogRecord(raw string) (rec LogRecord, ok bool) {
	prefix, body, found := strings.Cut(raw, "Z")
	if !found {
		return NewLogRecord(0, raw, ""), false
	}
	ts, err := parseLogTimestamp(prefix)
	if err != nil {
		return NewLogRecord(0, body, ""), false
	}
	return NewLogRecord(ts, body, ""), true
}

func parseLogTimestamp(s string) (int64, error) {
	for _, layout := range logTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("domain: invalid log timestamp %q", s)
}
