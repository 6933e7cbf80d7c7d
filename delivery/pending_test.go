package delivery

import (
	"testing"
	"time"
)

func TestTrackerStaleEntriesExpire(t *testing.T) {
	tracker := NewTracker()
	clock := time.Unix(1_700_000_000, 0)
	tracker.SetClock(func() time.Time { return clock })

	tracker.Put("0x01", "0xbeef")
	if _, ok := tracker.Get("0x01"); !ok {
		t.Fatal("fresh entry should be visible")
	}

	clock = clock.Add(181 * time.Second)
	if _, ok := tracker.Get("0x01"); ok {
		t.Fatal("entry older than 180s must expire")
	}
}

func TestTrackerSweep(t *testing.T) {
	tracker := NewTracker()
	clock := time.Unix(1_700_000_000, 0)
	tracker.SetClock(func() time.Time { return clock })

	tracker.Put("0x01", "0xbeef")
	clock = clock.Add(100 * time.Second)
	tracker.Put("0x02", "0xcafe")

	clock = clock.Add(100 * time.Second)
	tracker.Sweep()

	if _, ok := tracker.Get("0x01"); ok {
		t.Error("0x01 is 200s old and should be swept")
	}
	if _, ok := tracker.Get("0x02"); !ok {
		t.Error("0x02 is 100s old and should survive")
	}
}

func TestTrackerClearIdempotent(t *testing.T) {
	tracker := NewTracker()
	tracker.Put("0x01", "0xbeef")
	tracker.Clear("0x01")
	tracker.Clear("0x01")
	if _, ok := tracker.Get("0x01"); ok {
		t.Fatal("cleared entry should be gone")
	}
}

func TestTimelineRecordsPerRequest(t *testing.T) {
	timeline := NewTimeline()
	timeline.Record(Event{RequestID: "0x01", Stage: StagePrepared})
	timeline.Record(Event{RequestID: "0x02", Stage: StagePrepared})
	timeline.Record(Event{RequestID: "0x01", Stage: StageSubmitted})

	events := timeline.Events("0x01")
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Stage != StagePrepared || events[1].Stage != StageSubmitted {
		t.Errorf("stage order wrong: %s, %s", events[0].Stage, events[1].Stage)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be stamped on record")
	}
}
