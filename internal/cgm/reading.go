package cgm

import (
	"time"
)

// Source identifies the backend that produced a payload or reading
type Source string

const (
	SourceDexcom     Source = "dexcom"
	SourceNightscout Source = "nightscout"
	SourceSugarmate  Source = "sugarmate"
)

// RawPayload is an unparsed backend response
type RawPayload struct {
	Source     Source
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// Reading is the canonical, backend-agnostic glucose reading
type Reading struct {
	ValueMgdl         int
	Timestamp         time.Time
	Trend             Direction
	PreviousValueMgdl *int
	Source            Source
}

// Delta returns the change from the previous reading, if one is known
func (r *Reading) Delta() (int, bool) {
	if r == nil || r.PreviousValueMgdl == nil {
		return 0, false
	}
	return r.ValueMgdl - *r.PreviousValueMgdl, true
}

// Lag returns how long ago the measurement was captured
func (r *Reading) Lag(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// WithPrevious populates PreviousValueMgdl from the prior accepted reading.
// A prior reading with the same timestamp is the same sample, so its own
// previous value is carried over instead of producing a zero delta.
func (r *Reading) WithPrevious(prior *Reading) *Reading {
	if r == nil || prior == nil || r.PreviousValueMgdl != nil {
		return r
	}
	if !r.Timestamp.Equal(prior.Timestamp) {
		v := prior.ValueMgdl
		r.PreviousValueMgdl = &v
		return r
	}
	if prior.PreviousValueMgdl != nil {
		v := *prior.PreviousValueMgdl
		r.PreviousValueMgdl = &v
	}
	return r
}

// IntPtr is a small helper for optional values
func IntPtr(v int) *int {
	return &v
}
