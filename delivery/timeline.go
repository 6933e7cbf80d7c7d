package delivery

import (
	"sync"
	"time"
)

// Delivery stages recorded on the timeline.
const (
	StagePrepared    = "PREPARED"
	StagePreflighted = "PREFLIGHTED"
	StageSubmitted   = "SUBMITTED"
	StageVerified    = "VERIFIED"
	StageDone        = "DONE"
	StageFailed      = "FAILED"
	StageRevoked     = "REVOKED"
)

// Event is one observable state transition of a delivery attempt.
type Event struct {
	RequestID    string            `json:"request_id"`
	Stage        string            `json:"stage"`
	Timestamp    time.Time         `json:"timestamp"`
	WorkstreamID string            `json:"workstream_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Timeline is an in-memory append-only event log, capped so a
// long-lived worker does not grow without bound.
type Timeline struct {
	mu     sync.RWMutex
	events []Event
	cap    int
}

// NewTimeline creates a timeline keeping the last 4096 events.
func NewTimeline() *Timeline {
	return &Timeline{cap: 4096}
}

// Record appends an event, stamping the time if unset.
func (t *Timeline) Record(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	t.events = append(t.events, e)
	if len(t.events) > t.cap {
		t.events = t.events[len(t.events)-t.cap:]
	}
}

// Events returns the transitions recorded for one request.
func (t *Timeline) Events(requestID string) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Event
	for _, e := range t.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}

// All returns a copy of the full log, for the liveness snapshot.
func (t *Timeline) All() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}
