package classify

import (
	"fmt"
	"math"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
)

// Placeholder is shown instead of a value once a reading is stale
const Placeholder = "---"

// UnknownSymbol is the glyph for a direction outside the known set
const UnknownSymbol = ""

// DefaultMaxLag is the default staleness threshold (7.5 minutes)
const DefaultMaxLag = 450 * time.Second

var trendSymbols = map[cgm.Direction]string{
	cgm.DirectionNone:           "·",
	cgm.DirectionDoubleUp:       "⇑",
	cgm.DirectionSingleUp:       "↑",
	cgm.DirectionFortyFiveUp:    "↗",
	cgm.DirectionFlat:           "→",
	cgm.DirectionFortyFiveDown:  "↘",
	cgm.DirectionSingleDown:     "↓",
	cgm.DirectionDoubleDown:     "⇓",
	cgm.DirectionNotComputable:  "??",
	cgm.DirectionRateOutOfRange: "??",
}

// Freshness classifies the age of the loop status
type Freshness string

const (
	LoopNoStatus Freshness = "no_status"
	LoopFresh    Freshness = "fresh"
	LoopAging    Freshness = "aging"
	LoopStale    Freshness = "stale"
)

// Classifier derives display-ready fields with a configurable staleness threshold
type Classifier struct {
	maxLag time.Duration
}

// NewClassifier creates a new classifier; a non-positive maxLag uses DefaultMaxLag
func NewClassifier(maxLag time.Duration) *Classifier {
	if maxLag <= 0 {
		maxLag = DefaultMaxLag
	}
	return &Classifier{maxLag: maxLag}
}

// MaxLag returns the configured staleness threshold
func (c *Classifier) MaxLag() time.Duration {
	return c.maxLag
}

// IsReadingStale checks the reading's age against the threshold
func (c *Classifier) IsReadingStale(r *cgm.Reading, now time.Time) bool {
	if r == nil {
		return true
	}
	return IsStale(r.Lag(now), c.maxLag)
}

// DisplayValue returns "<value><arrow>" or the placeholder when stale
func (c *Classifier) DisplayValue(r *cgm.Reading, now time.Time) string {
	if c.IsReadingStale(r, now) {
		return Placeholder
	}
	return fmt.Sprintf("%d%s", r.ValueMgdl, TrendSymbol(r.Trend))
}

// ElapsedMinutes rounds the time since ts to whole minutes, halves to even
func ElapsedMinutes(ts, now time.Time) int {
	return int(math.RoundToEven(now.Sub(ts).Minutes()))
}

// TimeAgo buckets the age of a reading
func TimeAgo(ts, now time.Time) string {
	minutes := ElapsedMinutes(ts, now)
	switch {
	case minutes <= 0:
		return "Just Now"
	case minutes == 1:
		return "1 Minute Ago"
	default:
		return fmt.Sprintf("%d Minutes Ago", minutes)
	}
}

// IsStale reports whether elapsed exceeds threshold
func IsStale(elapsed, threshold time.Duration) bool {
	return elapsed > threshold
}

// TrendSymbol maps a direction to its glyph; unknown directions map to UnknownSymbol
func TrendSymbol(d cgm.Direction) string {
	if s, ok := trendSymbols[d]; ok {
		return s
	}
	return UnknownSymbol
}

// DirectionForSymbol is the inverse of TrendSymbol for the unambiguous arrows
func DirectionForSymbol(symbol string) cgm.Direction {
	if symbol == "" {
		return cgm.DirectionUnknown
	}
	for _, d := range cgm.AllDirections() {
		if d == cgm.DirectionNotComputable || d == cgm.DirectionRateOutOfRange {
			continue
		}
		if trendSymbols[d] == symbol {
			return d
		}
	}
	return cgm.DirectionUnknown
}

// FormatDelta renders a signed change, e.g. "+10", "-4", "0"
func FormatDelta(delta int) string {
	if delta > 0 {
		return fmt.Sprintf("+%d", delta)
	}
	return fmt.Sprintf("%d", delta)
}

// LoopFreshness classifies the loop status age: fresh up to 5 minutes,
// aging from 6 to 10, stale beyond. A nil timestamp means no status.
func LoopFreshness(loopTS *time.Time, now time.Time) Freshness {
	if loopTS == nil || loopTS.IsZero() {
		return LoopNoStatus
	}
	minutes := ElapsedMinutes(*loopTS, now)
	switch {
	case minutes <= 5:
		return LoopFresh
	case minutes <= 10:
		return LoopAging
	default:
		return LoopStale
	}
}
