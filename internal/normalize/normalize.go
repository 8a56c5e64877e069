package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/validator"
)

// ErrUnsupportedSource is returned for a payload tagged with an unknown backend
var ErrUnsupportedSource = errors.New("unsupported source")

// ParseError reports a malformed or empty backend payload
type ParseError struct {
	Source cgm.Source
	Reason string
	Body   []byte
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s payload: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s payload: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(source cgm.Source, body []byte, reason string, err error) *ParseError {
	return &ParseError{Source: source, Reason: reason, Body: body, Err: err}
}

// Normalizer turns raw payloads into validated canonical readings
type Normalizer struct {
	validator *validator.Validator
}

// NewNormalizer creates a normalizer
func NewNormalizer(v *validator.Validator) *Normalizer {
	return &Normalizer{validator: v}
}

// Parse dispatches on the payload's source tag. It never returns a
// partially populated reading: either a reading or an error.
func Parse(raw *cgm.RawPayload) (*cgm.Reading, error) {
	if raw == nil {
		return nil, errors.New("nil payload")
	}
	switch raw.Source {
	case cgm.SourceDexcom:
		return ParseDexcom(raw.Body)
	case cgm.SourceNightscout:
		return ParseNightscout(raw.Body)
	case cgm.SourceSugarmate:
		return ParseSugarmate(raw.Body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, raw.Source)
	}
}

// Normalize parses raw, fills the previous value from prior where the
// backend does not supply one, and validates the result
func (n *Normalizer) Normalize(raw *cgm.RawPayload, prior *cgm.Reading, now time.Time) (*cgm.Reading, error) {
	reading, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	// Nightscout delivers the previous reading itself
	if raw.Source != cgm.SourceNightscout {
		reading.WithPrevious(prior)
	}

	if n.validator != nil {
		if result := n.validator.ValidateReading(reading, now); !result.IsValid {
			return nil, parseError(raw.Source, raw.Body, result.Reason, nil)
		}
	}
	return reading, nil
}
