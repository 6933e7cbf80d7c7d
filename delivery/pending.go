package delivery

import (
	"sync"
	"time"

	"github.com/itskum47/MechForge/observability"
)

// defaultStaleness is how long a pending entry blocks new submissions
// before it is presumed abandoned.
const defaultStaleness = 180 * time.Second

// PendingEntry is one in-flight delivery submission.
type PendingEntry struct {
	TxHash    string
	Timestamp time.Time
}

// Tracker holds the per-request pending-delivery map. It exists to
// defend against retries and restarts, not to allow parallel
// deliveries.
type Tracker struct {
	cache     sync.Map
	staleness time.Duration
	now       func() time.Time
}

// NewTracker creates a tracker with the 180s default staleness window.
func NewTracker() *Tracker {
	return &Tracker{staleness: defaultStaleness, now: time.Now}
}

// SetStaleness overrides the staleness window. Used in tests.
func (t *Tracker) SetStaleness(d time.Duration) { t.staleness = d }

// SetClock overrides the clock. Used in tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Get returns the pending entry for a request, expiring it if stale.
func (t *Tracker) Get(requestID string) (PendingEntry, bool) {
	val, ok := t.cache.Load(requestID)
	if !ok {
		return PendingEntry{}, false
	}
	entry := val.(PendingEntry)
	if t.now().Sub(entry.Timestamp) > t.staleness {
		t.Clear(requestID)
		return PendingEntry{}, false
	}
	return entry, true
}

// Put records a submission for a request.
func (t *Tracker) Put(requestID, txHash string) {
	t.cache.Store(requestID, PendingEntry{TxHash: txHash, Timestamp: t.now()})
	observability.PendingDeliveries.Inc()
}

// Clear removes a request's pending entry.
func (t *Tracker) Clear(requestID string) {
	if _, ok := t.cache.LoadAndDelete(requestID); ok {
		observability.PendingDeliveries.Dec()
	}
}

// Sweep drops every stale entry. Called before each delivery attempt.
func (t *Tracker) Sweep() {
	cutoff := t.now().Add(-t.staleness)
	t.cache.Range(func(key, val interface{}) bool {
		if val.(PendingEntry).Timestamp.Before(cutoff) {
			t.Clear(key.(string))
		}
		return true
	})
}
