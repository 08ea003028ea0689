package cloudevents

import (
	"time"
)

const (
	// TimeFormat is the canonical timestamp format written by the mediator.
	TimeFormat = time.RFC3339

	// TimeFormatNano is the RFC3339 format with nanosecond precision.
	TimeFormatNano = time.RFC3339Nano
)

// layouts are tried in order. The compact forms cover HL7-style dates.
var layouts = []string{
	TimeFormatNano,
	TimeFormat,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102150405",
	"20060102",
	time.RFC1123Z,
	time.RFC1123,
	"01/02/2006",
}

// ParseTime parses the timestamp shapes upstream producers are known to send.
// Values without a zone are read as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{
		Layout:  TimeFormat,
		Value:   s,
		Message: ": unrecognised timestamp format",
	}
}

// FormatTime renders t in the canonical UTC form, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}
