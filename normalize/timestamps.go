package normalize

import "time"

// Absolute timestamp layouts tried in order.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"02/Jan/2006:15:04:05 -0700", // Apache common log format
}

const syslogLayout = "Jan _2 15:04:05"

// ParseTimestamp parses the extracted timestamp string, falling back to the
// event's receipt time when nothing matches. Syslog timestamps carry no year;
// the year is inferred from the receipt time, rolling back one year when the
// result would land in the future (events logged in late December, received
// in early January).
func ParseTimestamp(value string, receivedAt time.Time) time.Time {
	if value == "" {
		return receivedAt.UTC()
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}

	if ts, err := time.Parse(syslogLayout, value); err == nil {
		ts = ts.AddDate(receivedAt.Year(), 0, 0)
		if ts.After(receivedAt.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		return ts.UTC()
	}

	return receivedAt.UTC()
}
