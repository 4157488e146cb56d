package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClockAdvanceFiresTimer(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	timer := c.NewTimer(500 * time.Millisecond)

	select {
	case <-timer.C():
		t.Fatal("timer fired before clock advanced")
	default:
	}

	c.Advance(time.Second)

	select {
	case fired := <-timer.C():
		if !fired.Equal(base.Add(time.Second)) {
			t.Errorf("timer fired at %v, want %v", fired, base.Add(time.Second))
		}
	default:
		t.Fatal("timer did not fire after advance past deadline")
	}
}

func TestMockClockStoppedTimerDoesNotFire(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	timer := c.NewTimer(time.Second)

	if !timer.Stop() {
		t.Fatal("Stop on active timer should return true")
	}

	c.Advance(2 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClockSleepRecords(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	c.Sleep(50 * time.Millisecond)
	c.Sleep(100 * time.Millisecond)

	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 50*time.Millisecond || sleeps[1] != 100*time.Millisecond {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
}

func TestMockClockTicker(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)

	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not tick after one interval")
	}
}
