package share

import (
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-docview/internal/xerrors"
)

// ISO-8601 forms with a basic-format offset (+0530, +05) that RFC 3339
// rejects. Fractional seconds parse without a layout of their own.
var zonedLayouts = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
}

// zone-less layouts, interpreted as UTC
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseExpiry parses an ISO-8601 timestamp. Values carrying a zone
// designator are absolute; values without one are read as UTC.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, xerrors.Newf("unrecognized expiry timestamp %q", s)
}

// IsExpired reports whether expiry is set and now is at or after it.
func IsExpired(expiry *time.Time, now time.Time) bool {
	if expiry == nil {
		return false
	}
	return !now.Before(*expiry)
}

// Expired is IsExpired for the record's own expiry.
func (r Record) Expired(now time.Time) bool { return IsExpired(r.Expiry, now) }
