package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is how timestamps are written: UTC and fixed width, so string
// comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02 15:04:05.000000"

var parseLayouts = []string{
	TimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime converts whatever the driver returned for a timestamp column
// (time.Time for declared TIMESTAMP columns, text or unix seconds otherwise).
func ParseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case float64:
		return time.Unix(int64(x), 0).UTC(), nil
	case []byte:
		return ParseTime(string(x))
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(x), "Z")
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range parseLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

type timeScanner time.Time

func (ts *timeScanner) Scan(v any) error {
	t, err := ParseTime(v)
	if err != nil {
		return err
	}
	*ts = timeScanner(t)
	return nil
}

// ScanTime adapts dst for use as a rows.Scan destination.
func ScanTime(dst *time.Time) sql.Scanner {
	return (*timeScanner)(dst)
}
