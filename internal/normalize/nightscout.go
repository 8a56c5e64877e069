package normalize

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/tools/timeparser"
)

type nightscoutEntry struct {
	Sgv        *float64        `json:"sgv"`
	Date       json.RawMessage `json:"date"`
	DateString string          `json:"dateString"`
	Direction  *string         `json:"direction"`
}

type nightscoutDeviceStatus struct {
	Loop *struct {
		Timestamp string `json:"timestamp"`
	} `json:"loop"`
}

// ParseNightscout parses /api/v1/entries/sgv?count=2: index 0 is the current
// reading and index 1, when present, the previous one
func ParseNightscout(body []byte) (*cgm.Reading, error) {
	var entries []nightscoutEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, parseError(cgm.SourceNightscout, body, "invalid json", err)
	}
	if len(entries) == 0 {
		return nil, parseError(cgm.SourceNightscout, body, "empty reading list", nil)
	}

	current := entries[0]
	if current.Sgv == nil {
		return nil, parseError(cgm.SourceNightscout, body, "missing sgv", nil)
	}
	ts, err := current.timestamp()
	if err != nil {
		return nil, parseError(cgm.SourceNightscout, body, "invalid date", err)
	}

	trend := cgm.DirectionUnknown
	if current.Direction != nil {
		trend = cgm.ParseDirection(*current.Direction)
	}

	reading := &cgm.Reading{
		ValueMgdl: roundMgdl(*current.Sgv),
		Timestamp: ts,
		Trend:     trend,
		Source:    cgm.SourceNightscout,
	}

	if len(entries) > 1 && entries[1].Sgv != nil {
		prevTS, err := entries[1].timestamp()
		if err == nil && !prevTS.Equal(ts) {
			reading.PreviousValueMgdl = cgm.IntPtr(roundMgdl(*entries[1].Sgv))
		}
	}

	return reading, nil
}

// ParseLoopStatus extracts the loop timestamp from /api/v1/devicestatus.
// A response without loop data yields nil and no error.
func ParseLoopStatus(body []byte) (*time.Time, error) {
	var statuses []nightscoutDeviceStatus
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, parseError(cgm.SourceNightscout, body, "invalid devicestatus json", err)
	}
	if len(statuses) == 0 || statuses[0].Loop == nil || statuses[0].Loop.Timestamp == "" {
		return nil, nil
	}
	ts, err := timeparser.ParseLoopTimestamp(statuses[0].Loop.Timestamp)
	if err != nil {
		return nil, parseError(cgm.SourceNightscout, body, "invalid loop timestamp", err)
	}
	return &ts, nil
}

func (e nightscoutEntry) timestamp() (time.Time, error) {
	raw := strings.TrimSpace(string(e.Date))
	if raw != "" && raw != "null" {
		var n json.Number
		if err := json.Unmarshal(e.Date, &n); err == nil {
			return timeparser.ParseEpochString(n.String())
		}
		var s string
		if err := json.Unmarshal(e.Date, &s); err == nil {
			return timeparser.ParseEpochString(s)
		}
	}
	if e.DateString != "" {
		return timeparser.ParseLoopTimestamp(e.DateString)
	}
	return time.Time{}, errors.New("missing date")
}

func roundMgdl(v float64) int {
	return int(math.Round(v))
}
