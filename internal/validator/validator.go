package validator

import (
	"fmt"
	"time"

	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// Validator checks that a normalized reading is complete and consistent
type Validator struct {
	futureToleranceMinutes int
}

// NewValidator creates a new validator with the specified clock-skew tolerance
func NewValidator(futureToleranceMinutes int) *Validator {
	return &Validator{
		futureToleranceMinutes: futureToleranceMinutes,
	}
}

// ValidateReading validates a single normalized reading
func (v *Validator) ValidateReading(r *cgm.Reading, now time.Time) ValidationResult {
	if r == nil {
		return ValidationResult{Reason: "missing reading"}
	}

	if r.ValueMgdl < 0 {
		return ValidationResult{Reason: "negative value detected"}
	}

	if r.Timestamp.IsZero() {
		return ValidationResult{Reason: "missing timestamp"}
	}

	// readings from the future are only tolerated within the skew window
	if r.Timestamp.After(now) && !timeparser.IsWithinTolerance(r.Timestamp, now, v.futureToleranceMinutes) {
		return ValidationResult{
			Reason: fmt.Sprintf("timestamp in the future beyond tolerance (%d minutes)", v.futureToleranceMinutes),
		}
	}

	if r.PreviousValueMgdl != nil && *r.PreviousValueMgdl < 0 {
		return ValidationResult{Reason: "negative previous value detected"}
	}

	if r.Source == "" {
		return ValidationResult{Reason: "missing source"}
	}

	return ValidationResult{IsValid: true}
}
