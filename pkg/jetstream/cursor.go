package jetstream

import (
	"time"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// Timestamp layouts accepted from callers, tried in order.
var timestampLayouts = []string{
	"2006-01-02-15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a caller-supplied timestamp in YYYY-MM-DD or
// YYYY-MM-DD-HH:MM:SS form. Timestamps are interpreted as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeValidation,
		"invalid timestamp %q, expected YYYY-MM-DD or YYYY-MM-DD-HH:MM:SS", value)
}

// CursorFromTimestamp converts a caller-supplied timestamp to a stream
// cursor. An empty value yields the zero cursor.
func CursorFromTimestamp(value string) (models.Cursor, error) {
	if value == "" {
		return 0, nil
	}
	t, err := ParseTimestamp(value)
	if err != nil {
		return 0, err
	}
	return models.CursorFromTime(t), nil
}
