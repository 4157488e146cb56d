package triallog

import (
	"testing"
	"time"

	"github.com/grasplab/reach.report/internal/trial"
)

func TestWriterPersistsFullTimeline(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 0)
	defer w.Close()

	tr := &trial.Trial{ID: "t-1", Phase: trial.PreReveal}
	if err := w.BeginTrial(tr); err != nil {
		t.Fatalf("BeginTrial() error = %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := w.AppendFrame("t-1", testFrame(uint32(i), time.Duration(i)*8*time.Millisecond)); err != nil {
			t.Fatalf("AppendFrame() error = %v", err)
		}
	}
	if err := w.AppendEvent("t-1", trial.TriggerEvent{
		Kind: trial.EventReveal, FrameNum: 4, Timestamp: 32 * time.Millisecond,
	}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := w.Finalize("t-1", trial.Completed, trial.ReasonNone); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	rec, err := db.TrialRecord("t-1")
	if err != nil {
		t.Fatalf("TrialRecord() error = %v", err)
	}
	if rec.Trial.Outcome != "completed" {
		t.Errorf("outcome = %s, want completed", rec.Trial.Outcome)
	}
	if rec.Trial.FrameCount != 10 {
		t.Errorf("frame_count = %d, want 10", rec.Trial.FrameCount)
	}
	if len(rec.Events) != 1 || rec.Events[0].Kind != "reveal" {
		t.Errorf("events = %+v, want one reveal", rec.Events)
	}
}

// A saturated queue spills frames rather than dropping them; finalize
// flushes everything the trial ingested.
func TestWriterBackpressureNeverDrops(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 1)
	defer w.Close()

	tr := &trial.Trial{ID: "t-1", Phase: trial.PreReveal}
	if err := w.BeginTrial(tr); err != nil {
		t.Fatal(err)
	}
	const n = 200
	for i := 1; i <= n; i++ {
		if err := w.AppendFrame("t-1", testFrame(uint32(i), time.Duration(i)*8*time.Millisecond)); err != nil {
			t.Fatalf("AppendFrame() error = %v", err)
		}
	}
	if err := w.Finalize("t-1", trial.Aborted, trial.ReasonMovementTimeout); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	rec, err := db.TrialRecord("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Trial.FrameCount != n {
		t.Errorf("frame_count = %d, want %d", rec.Trial.FrameCount, n)
	}
	if rec.Trial.Outcome != "aborted" || rec.Trial.Reason != "movement_timeout" {
		t.Errorf("outcome = %s/%s, want aborted/movement_timeout", rec.Trial.Outcome, rec.Trial.Reason)
	}
}

func TestWriterCloseFlushes(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 4)

	tr := &trial.Trial{ID: "t-1", Phase: trial.FullKnowledge}
	if err := w.BeginTrial(tr); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 20; i++ {
		if err := w.AppendFrame("t-1", testFrame(uint32(i), time.Duration(i)*8*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rec, err := db.TrialRecord("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Trial.FrameCount != 20 {
		t.Errorf("frame_count = %d, want all frames flushed on close", rec.Trial.FrameCount)
	}
}
