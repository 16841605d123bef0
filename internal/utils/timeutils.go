package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseWindow interprets a lookback window such as "15m" or "2h", falling
// back to the provided default when the value is empty. Negative and zero
// windows are rejected.
func ParseWindow(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %s", d)
	}
	return d, nil
}
