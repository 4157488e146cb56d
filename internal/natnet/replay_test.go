package natnet

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/grasplab/reach.report/internal/timeutil"
)

func TestFixtureRoundTrip(t *testing.T) {
	frames := []Frame{
		testFrame(1, 10*time.Millisecond),
		testFrame(2, 18*time.Millisecond),
		testFrame(3, 26*time.Millisecond),
	}

	var buf bytes.Buffer
	if err := WriteFixture(&buf, frames); err != nil {
		t.Fatalf("WriteFixture: %v", err)
	}

	got, err := ReadFixture(&buf)
	if err != nil {
		t.Fatalf("ReadFixture: %v", err)
	}
	if diff := cmp.Diff(frames, got); diff != "" {
		t.Errorf("fixture mismatch (-want +got):\n%s", diff)
	}
}

func TestReadFixtureTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFixture(&buf, []Frame{testFrame(1, time.Millisecond)}); err != nil {
		t.Fatalf("WriteFixture: %v", err)
	}
	b := buf.Bytes()[:buf.Len()-3]

	if _, err := ReadFixture(bytes.NewReader(b)); err == nil {
		t.Error("ReadFixture on truncated input should fail")
	}
}

func collectEvents(t *testing.T, src Source) []Event {
	t.Helper()
	_, ch := src.Subscribe()
	done := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev := range ch {
			events = append(events, ev)
		}
		done <- events
	}()
	if err := src.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	return <-done
}

func TestReplayerDeliversInOrder(t *testing.T) {
	frames := []Frame{
		testFrame(1, 10*time.Millisecond),
		testFrame(2, 18*time.Millisecond),
		testFrame(3, 26*time.Millisecond),
	}
	r := NewReplayer(frames, timeutil.RealClock{}, false)

	events := collectEvents(t, r)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Kind != EventFrame {
			t.Errorf("event %d kind = %v, want frame", i, ev.Kind)
		}
		if ev.Frame.FrameNum != uint32(i+1) {
			t.Errorf("event %d frame num = %d, want %d", i, ev.Frame.FrameNum, i+1)
		}
	}
}

func TestReplayerFaultsOutOfOrderFrames(t *testing.T) {
	frames := []Frame{
		testFrame(1, 20*time.Millisecond),
		testFrame(2, 10*time.Millisecond), // regresses
		testFrame(3, 30*time.Millisecond),
	}
	r := NewReplayer(frames, timeutil.RealClock{}, false)

	events := collectEvents(t, r)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Kind != EventFault || !errors.Is(events[1].Err, ErrOutOfOrder) {
		t.Errorf("event 1 = %+v, want out-of-order fault", events[1])
	}
	if events[2].Kind != EventFrame || events[2].Frame.FrameNum != 3 {
		t.Errorf("event 2 = %+v, want frame 3", events[2])
	}
}

func TestReplayerPacingUsesClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	frames := []Frame{
		testFrame(1, 0),
		testFrame(2, 8*time.Millisecond),
		testFrame(3, 16*time.Millisecond),
	}
	r := NewReplayer(frames, clock, true)

	events := collectEvents(t, r)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 8*time.Millisecond || sleeps[1] != 8*time.Millisecond {
		t.Errorf("sleeps = %v, want two 8ms gaps", sleeps)
	}
}
