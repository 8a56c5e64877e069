package cgm

import (
	"sync"
	"time"
)

// Snapshot is a consistent copy of the last known state
type Snapshot struct {
	Reading    *Reading
	LoopStatus *time.Time
	UpdatedAt  time.Time
}

// HasReading reports whether a reading was ever accepted
func (s Snapshot) HasReading() bool {
	return s.Reading != nil
}

// LastKnown holds the most recently accepted reading. The poll cycle is the
// only writer; the refresh cycle only reads.
type LastKnown struct {
	mu         sync.RWMutex
	reading    *Reading
	loopStatus *time.Time
	updatedAt  time.Time
}

// NewLastKnown creates an empty slot
func NewLastKnown() *LastKnown {
	return &LastKnown{}
}

// Store replaces the current reading
func (l *LastKnown) Store(r *Reading, at time.Time) {
	if r == nil {
		return
	}
	cp := *r
	if r.PreviousValueMgdl != nil {
		cp.PreviousValueMgdl = IntPtr(*r.PreviousValueMgdl)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reading = &cp
	l.updatedAt = at
}

// StoreLoopStatus records the last loop update time; nil clears it
func (l *LastKnown) StoreLoopStatus(ts *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts == nil {
		l.loopStatus = nil
		return
	}
	t := *ts
	l.loopStatus = &t
}

// Reading returns a copy of the current reading, or nil
func (l *LastKnown) Reading() *Reading {
	return l.Load().Reading
}

// Load returns a snapshot that is safe to use without holding the lock
func (l *LastKnown) Load() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := Snapshot{UpdatedAt: l.updatedAt}
	if l.reading != nil {
		cp := *l.reading
		if l.reading.PreviousValueMgdl != nil {
			cp.PreviousValueMgdl = IntPtr(*l.reading.PreviousValueMgdl)
		}
		snap.Reading = &cp
	}
	if l.loopStatus != nil {
		t := *l.loopStatus
		snap.LoopStatus = &t
	}
	return snap
}
