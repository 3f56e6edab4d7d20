package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimeExpression resolves a point in time relative to now. It accepts
// RFC3339 and a few shorter local layouts, "tomorrow", Go durations such as
// "90m" or "48h", and day or week counts such as "3d" or "2w".
func ParseTimeExpression(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	for _, layout := range absoluteLayouts {
		if ts, err := time.ParseInLocation(layout, value, now.Location()); err == nil {
			return ts, nil
		}
	}

	lower := strings.ToLower(strings.TrimPrefix(value, "+"))
	if lower == "tomorrow" {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return today.AddDate(0, 0, 1), nil
	}
	if offset, ok := parseRelativeOffset(lower); ok {
		return now.Add(offset), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339, YYYY-MM-DD, or an offset like 48h or 3d", value)
}

func parseRelativeOffset(value string) (time.Duration, bool) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, d > 0
	}
	if len(value) < 2 {
		return 0, false
	}
	var unit time.Duration
	switch value[len(value)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	amount, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || amount <= 0 {
		return 0, false
	}
	return time.Duration(amount) * unit, true
}
