package normalize

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/classify"
	"github.com/septivank/cgm-display-worker/tools/timeparser"
)

type sugarmateLatest struct {
	Value       *float64 `json:"value"`
	X           *int64   `json:"x"`
	TimeMs      *int64   `json:"time_ms"`
	Time        string   `json:"time"`
	TrendWords  string   `json:"trend_words"`
	TrendSymbol string   `json:"trend_symbol"`
	Change      *float64 `json:"change"`
	Reading     string   `json:"reading"`
}

// readingText is the free-text "reading" field, e.g. "120 → +3"
type readingText struct {
	value  *int
	symbol string
	change *int
}

// ParseSugarmate parses /api/v1/<key>/latest.json. Structured fields win over
// the values embedded in the free-text reading field.
func ParseSugarmate(body []byte) (*cgm.Reading, error) {
	var latest sugarmateLatest
	if err := json.Unmarshal(body, &latest); err != nil {
		return nil, parseError(cgm.SourceSugarmate, body, "invalid json", err)
	}

	text := parseReadingText(latest.Reading)

	var value int
	switch {
	case latest.Value != nil:
		value = roundMgdl(*latest.Value)
	case text.value != nil:
		value = *text.value
	default:
		return nil, parseError(cgm.SourceSugarmate, body, "missing value", nil)
	}

	ts, err := latest.timestamp()
	if err != nil {
		return nil, parseError(cgm.SourceSugarmate, body, "invalid timestamp", err)
	}

	trend := cgm.DirectionUnknown
	if latest.TrendWords != "" {
		trend = cgm.ParseDirection(latest.TrendWords)
	}
	if trend == cgm.DirectionUnknown && latest.TrendSymbol != "" {
		trend = classify.DirectionForSymbol(latest.TrendSymbol)
	}
	if trend == cgm.DirectionUnknown && text.symbol != "" {
		trend = classify.DirectionForSymbol(text.symbol)
	}

	reading := &cgm.Reading{
		ValueMgdl: value,
		Timestamp: ts,
		Trend:     trend,
		Source:    cgm.SourceSugarmate,
	}

	var change *int
	switch {
	case latest.Change != nil:
		c := roundMgdl(*latest.Change)
		change = &c
	case text.change != nil:
		change = text.change
	}
	if change != nil {
		reading.PreviousValueMgdl = cgm.IntPtr(value - *change)
	}

	return reading, nil
}

func (l sugarmateLatest) timestamp() (time.Time, error) {
	switch {
	case l.X != nil:
		return timeparser.EpochToTime(*l.X), nil
	case l.TimeMs != nil:
		return timeparser.MillisToTime(*l.TimeMs), nil
	case l.Time != "":
		return timeparser.ParseLoopTimestamp(l.Time)
	}
	return time.Time{}, errors.New("missing x")
}

func parseReadingText(s string) readingText {
	var out readingText
	fields := strings.Fields(s)
	if len(fields) > 0 {
		if v, err := strconv.Atoi(fields[0]); err == nil {
			out.value = &v
		}
	}
	if len(fields) > 1 {
		out.symbol = fields[1]
	}
	if len(fields) > 2 {
		if c, err := strconv.Atoi(strings.TrimPrefix(fields[2], "+")); err == nil {
			out.change = &c
		}
	}
	return out
}
