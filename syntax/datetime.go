package syntax

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// Preferred datetime layout when rendering timestamps.
	DatetimeLayout = "2006-01-02T15:04:05.999Z"
)

var datetimeRegex = regexp.MustCompile(`^[0-9]{4}-[01][0-9]-[0-3][0-9]T[0-2][0-9]:[0-6][0-9]:[0-6][0-9](.[0-9]{1,20})?(Z|([+-][0-2][0-9]:[0-5][0-9]))$`)

// Parses a record timestamp: the intersection of RFC-3339 and ISO-8601 syntax. Results are normalized to UTC.
func ParseDatetime(raw string) (time.Time, error) {
	if len(raw) > 64 {
		return time.Time{}, fmt.Errorf("datetime too long (max 64 chars)")
	}
	if !datetimeRegex.MatchString(raw) {
		return time.Time{}, fmt.Errorf("datetime syntax didn't validate via regex")
	}
	if strings.HasSuffix(raw, "-00:00") {
		return time.Time{}, fmt.Errorf("datetime can't use '-00:00' for UTC timezone")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func FormatDatetime(t time.Time) string {
	return t.UTC().Format(DatetimeLayout)
}
