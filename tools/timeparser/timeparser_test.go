package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/cgm-display-worker/tools/timeparser"
)

func TestExtractEpochDigits_DateEnvelope(t *testing.T) {
	v, err := timeparser.ExtractEpochDigits("Date(1700000000000)")
	if err != nil {
		t.Fatalf("Failed to extract digits: %v", err)
	}
	if v != 1700000000000 {
		t.Errorf("Expected 1700000000000, got %d", v)
	}
}

func TestExtractEpochDigits_OffsetEnvelope(t *testing.T) {
	v, err := timeparser.ExtractEpochDigits("/Date(1700000000000-0500)/")
	if err != nil {
		t.Fatalf("Failed to extract digits: %v", err)
	}
	if v != 1700000000000 {
		t.Errorf("Expected first digit run only, got %d", v)
	}
}

func TestExtractEpochDigits_NoDigits(t *testing.T) {
	if _, err := timeparser.ExtractEpochDigits("Date()"); err == nil {
		t.Error("Expected error for envelope without digits")
	}
}

func TestEpochToTime_Milliseconds(t *testing.T) {
	got := timeparser.EpochToTime(1700000000999)
	if got.Unix() != 1700000000 {
		t.Errorf("Expected truncation to 1700000000, got %d", got.Unix())
	}
	if got.Location() != time.UTC {
		t.Errorf("Expected UTC, got %v", got.Location())
	}
}

func TestEpochToTime_Seconds(t *testing.T) {
	got := timeparser.EpochToTime(1700000000)
	if got.Unix() != 1700000000 {
		t.Errorf("Expected 1700000000, got %d", got.Unix())
	}
}

func TestEpochToTime_ExactThresholdIsSeconds(t *testing.T) {
	got := timeparser.EpochToTime(timeparser.MillisecondThreshold)
	if got.Unix() != timeparser.MillisecondThreshold {
		t.Errorf("Expected threshold value to be read as seconds, got %d", got.Unix())
	}
}

func TestMillisToTime_AlwaysDivides(t *testing.T) {
	for _, ms := range []int64{1700000000000, 1000000000000, 999999999999, 1700000000, 999} {
		if got := timeparser.MillisToTime(ms).Unix(); got != ms/1000 {
			t.Errorf("MillisToTime(%d): expected %d, got %d", ms, ms/1000, got)
		}
	}
}

func TestParseEpochString(t *testing.T) {
	cases := map[string]int64{
		"1700000000":      1700000000,
		"1700000000000":   1700000000,
		"1700000000.5":    1700000000,
		"1700000000abcde": 1700000000,
	}
	for in, want := range cases {
		got, err := timeparser.ParseEpochString(in)
		if err != nil {
			t.Errorf("ParseEpochString(%q) failed: %v", in, err)
			continue
		}
		if got.Unix() != want {
			t.Errorf("ParseEpochString(%q) = %d, want %d", in, got.Unix(), want)
		}
	}

	if _, err := timeparser.ParseEpochString("soon"); err == nil {
		t.Error("Expected error for non-numeric epoch")
	}
}

func TestParseLoopTimestamp(t *testing.T) {
	got, err := timeparser.ParseLoopTimestamp("2023-11-14T22:13:20Z")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}
	expected := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	if !got.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}

	got, err = timeparser.ParseLoopTimestamp("2023-11-14T23:13:20+01:00")
	if err != nil {
		t.Fatalf("Failed to parse offset timestamp: %v", err)
	}
	if !got.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}

	if _, err := timeparser.ParseLoopTimestamp("yesterday"); err == nil {
		t.Error("Expected error for invalid timestamp")
	}
}

func TestIsWithinTolerance_WithinRange(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2025, 12, 29, 10, 33, 0, 0, time.UTC)

	if !timeparser.IsWithinTolerance(readingTime, receivedTime, 5) {
		t.Error("Expected timestamp to be within tolerance")
	}
}

func TestIsWithinTolerance_OutsideRange(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2025, 12, 29, 10, 36, 0, 0, time.UTC)

	if timeparser.IsWithinTolerance(readingTime, receivedTime, 5) {
		t.Error("Expected timestamp to be outside tolerance")
	}
}
