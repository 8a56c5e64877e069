package timeparser

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// MillisecondThreshold separates second and millisecond epoch values
const MillisecondThreshold int64 = 1_000_000_000_000

var digitRun = regexp.MustCompile(`\d+`)

// ExtractEpochDigits returns the first run of digits in s, e.g. the
// milliseconds inside "Date(1700000000000)" or "/Date(1700000000000-0500)/"
func ExtractEpochDigits(s string) (int64, error) {
	match := digitRun.FindString(s)
	if match == "" {
		return 0, fmt.Errorf("no digits in timestamp '%s'", s)
	}
	v, err := strconv.ParseInt(match, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse timestamp '%s': %w", s, err)
	}
	return v, nil
}

// EpochToTime converts a seconds-or-milliseconds epoch value to UTC,
// truncating milliseconds to whole seconds
func EpochToTime(v int64) time.Time {
	if v > MillisecondThreshold {
		v = v / 1000
	}
	return time.Unix(v, 0).UTC()
}

// MillisToTime converts a value known to be epoch milliseconds to UTC,
// truncating to whole seconds
func MillisToTime(ms int64) time.Time {
	return time.Unix(ms/1000, 0).UTC()
}

// ParseEpochString parses a numeric epoch string. Strings that are not a
// plain integer fall back to their first ten characters.
func ParseEpochString(s string) (time.Time, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return EpochToTime(v), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return EpochToTime(int64(f)), nil
	}
	if len(s) >= 10 {
		if v, err := strconv.ParseInt(s[:10], 10, 64); err == nil {
			return EpochToTime(v), nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse epoch timestamp '%s'", s)
}

// ParseLoopTimestamp parses the device status timestamp format
func ParseLoopTimestamp(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		time.RFC3339,
		time.RFC3339Nano,
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of received time
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
