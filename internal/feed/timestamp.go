package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnparseableTimestamp = errors.New("unparseable timestamp")

// numericLayouts carry an explicit UTC offset.
var numericLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04 -0700",
	time.RFC3339,
	time.RFC3339Nano,
}

// zonelessLayouts are tried after a trailing zone name has been cut off.
var zonelessLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04:05",
	"02 Jan 2006 15:04:05",
	"Mon, 02 Jan 2006 15:04",
}

// zoneOffsets resolves the abbreviations RSS feeds actually emit. Anything
// else is read as UTC.
var zoneOffsets = map[string]int{
	"UT": 0, "UTC": 0, "GMT": 0, "Z": 0,
	"EST": -5 * 3600, "EDT": -4 * 3600,
	"CST": -6 * 3600, "CDT": -5 * 3600,
	"MST": -7 * 3600, "MDT": -6 * 3600,
	"PST": -8 * 3600, "PDT": -7 * 3600,
}

// ParseTimestamp reads an RFC 822 style date with either a numeric offset
// ("-0500") or a zone name ("GMT", "EST"). The two feeds differ here, so
// both forms go through one parser.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrUnparseableTimestamp)
	}
	for _, layout := range numericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	head, zone := s, ""
	if i := strings.LastIndexByte(s, ' '); i > 0 {
		head, zone = s[:i], strings.ToUpper(s[i+1:])
	}
	if !isZoneName(zone) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTimestamp, raw)
	}
	offset := zoneOffsets[zone]
	loc := time.UTC
	if offset != 0 {
		loc = time.FixedZone(zone, offset)
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, head, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTimestamp, raw)
}

func isZoneName(s string) bool {
	if len(s) == 0 || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
