package cgm

import "strings"

// Direction is the trend of the glucose value
type Direction int

const (
	DirectionUnknown        Direction = -1
	DirectionNone           Direction = 0
	DirectionDoubleUp       Direction = 1
	DirectionSingleUp       Direction = 2
	DirectionFortyFiveUp    Direction = 3
	DirectionFlat           Direction = 4
	DirectionFortyFiveDown  Direction = 5
	DirectionSingleDown     Direction = 6
	DirectionDoubleDown     Direction = 7
	DirectionNotComputable  Direction = 8
	DirectionRateOutOfRange Direction = 9
)

// AllDirections lists every known direction, excluding DirectionUnknown
func AllDirections() []Direction {
	return []Direction{
		DirectionNone,
		DirectionDoubleUp,
		DirectionSingleUp,
		DirectionFortyFiveUp,
		DirectionFlat,
		DirectionFortyFiveDown,
		DirectionSingleDown,
		DirectionDoubleDown,
		DirectionNotComputable,
		DirectionRateOutOfRange,
	}
}

var directionNames = map[Direction]string{
	DirectionNone:           "None",
	DirectionDoubleUp:       "DoubleUp",
	DirectionSingleUp:       "SingleUp",
	DirectionFortyFiveUp:    "FortyFiveUp",
	DirectionFlat:           "Flat",
	DirectionFortyFiveDown:  "FortyFiveDown",
	DirectionSingleDown:     "SingleDown",
	DirectionDoubleDown:     "DoubleDown",
	DirectionNotComputable:  "NotComputable",
	DirectionRateOutOfRange: "RateOutOfRange",
}

// Aliases seen across Dexcom Share, Nightscout and Sugarmate. Keys are
// normalized with normalizeDirectionName.
var directionAliases = map[string]Direction{
	"none":           DirectionNone,
	"nodir":          DirectionNone,
	"notcomputable":  DirectionNotComputable,
	"rateoutofrange": DirectionRateOutOfRange,
	"doubleup":       DirectionDoubleUp,
	"singleup":       DirectionSingleUp,
	"fortyfiveup":    DirectionFortyFiveUp,
	"flat":           DirectionFlat,
	"fortyfivedown":  DirectionFortyFiveDown,
	"singledown":     DirectionSingleDown,
	"doubledown":     DirectionDoubleDown,
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether d is one of the known directions
func (d Direction) Valid() bool {
	_, ok := directionNames[d]
	return ok
}

// DirectionFromCode maps a numeric trend code; out-of-range codes are unknown
func DirectionFromCode(code int) Direction {
	d := Direction(code)
	if d.Valid() {
		return d
	}
	return DirectionUnknown
}

// ParseDirection maps a trend name such as "Flat", "FORTY_FIVE_UP" or
// "NOT COMPUTABLE" onto a Direction. Unrecognised names are unknown.
func ParseDirection(name string) Direction {
	if d, ok := directionAliases[normalizeDirectionName(name)]; ok {
		return d
	}
	return DirectionUnknown
}

func normalizeDirectionName(name string) string {
	replacer := strings.NewReplacer("_", "", " ", "", "-", "")
	return strings.ToLower(replacer.Replace(strings.TrimSpace(name)))
}
