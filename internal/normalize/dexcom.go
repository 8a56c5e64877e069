package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/tools/timeparser"
)

type dexcomEntry struct {
	WT    string          `json:"WT"`
	ST    string          `json:"ST"`
	DT    string          `json:"DT"`
	Value *float64        `json:"Value"`
	Trend json.RawMessage `json:"Trend"`
}

// ParseDexcom parses a ReadPublisherLatestGlucoseValues response, a one
// element array whose ST field wraps epoch milliseconds, e.g. "Date(1700000000000)"
func ParseDexcom(body []byte) (*cgm.Reading, error) {
	var entries []dexcomEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, parseError(cgm.SourceDexcom, body, "invalid json", err)
	}
	if len(entries) == 0 {
		return nil, parseError(cgm.SourceDexcom, body, "empty reading list", nil)
	}

	entry := entries[0]
	if entry.Value == nil {
		return nil, parseError(cgm.SourceDexcom, body, "missing Value", nil)
	}

	stamp := entry.ST
	if stamp == "" {
		stamp = entry.WT
	}
	// ST is always milliseconds, whatever its magnitude
	millis, err := timeparser.ExtractEpochDigits(stamp)
	if err != nil {
		return nil, parseError(cgm.SourceDexcom, body, "invalid ST", err)
	}

	return &cgm.Reading{
		ValueMgdl: int(*entry.Value),
		Timestamp: timeparser.MillisToTime(millis),
		Trend:     dexcomTrend(entry.Trend),
		Source:    cgm.SourceDexcom,
	}, nil
}

// dexcomTrend accepts both the numeric code and the name form of Trend
func dexcomTrend(raw json.RawMessage) cgm.Direction {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return cgm.DirectionUnknown
	}
	if code, err := strconv.Atoi(text); err == nil {
		return cgm.DirectionFromCode(code)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return cgm.ParseDirection(name)
	}
	return cgm.DirectionUnknown
}
