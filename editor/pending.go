package editor

import (
	"sync"
	"time"
)

// WriteState is the acknowledgment state of one element save.
type WriteState string

const (
	// WritePending means the save has been issued but not acknowledged.
	WritePending WriteState = "pending"
	// WriteConfirmed means the save was acknowledged.
	WriteConfirmed WriteState = "confirmed"
	// WriteFailed means the save errored; the element exists only locally.
	WriteFailed WriteState = "failed"
)

// PendingWrite is the tracked state of one element save.
type PendingWrite struct {
	// ElementID is the element being saved.
	ElementID string
	// State is the current acknowledgment state.
	State WriteState
	// Err is the save error, set when State is WriteFailed.
	Err error
	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time
}

// WriteLedger tracks the acknowledgment state of element saves so callers
// can tell which locally visible elements other clients may never see.
// Confirmed entries are dropped; only in-flight and failed writes are kept.
type WriteLedger struct {
	// writes is keyed by element id.
	writes map[string]*PendingWrite
	// mutex protects the writes map.
	mutex sync.RWMutex
}

// NewWriteLedger creates an empty WriteLedger.
func NewWriteLedger() *WriteLedger {
	return &WriteLedger{
		writes: make(map[string]*PendingWrite),
	}
}

// Track records a save as in flight.
func (l *WriteLedger) Track(elementID string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.writes[elementID] = &PendingWrite{
		ElementID: elementID,
		State:     WritePending,
		UpdatedAt: time.Now(),
	}
}

// Confirm marks a save as acknowledged and drops it from the ledger.
func (l *WriteLedger) Confirm(elementID string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.writes, elementID)
}

// Fail marks a save as failed, keeping it for retry.
func (l *WriteLedger) Fail(elementID string, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.writes[elementID] = &PendingWrite{
		ElementID: elementID,
		State:     WriteFailed,
		Err:       err,
		UpdatedAt: time.Now(),
	}
}

// Failed returns the element ids of failed saves.
func (l *WriteLedger) Failed() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var failed []string
	for id, w := range l.writes {
		if w.State == WriteFailed {
			failed = append(failed, id)
		}
	}
	return failed
}

// Lookup returns the tracked state of one save, if present.
func (l *WriteLedger) Lookup(elementID string) (PendingWrite, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	w, ok := l.writes[elementID]
	if !ok {
		return PendingWrite{}, false
	}
	return *w, true
}

// Len returns the number of tracked (in-flight or failed) saves.
func (l *WriteLedger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.writes)
}
