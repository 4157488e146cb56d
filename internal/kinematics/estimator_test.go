package kinematics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/grasplab/reach.report/internal/natnet"
)

const frameInterval = 8333 * time.Microsecond // 120 Hz

// singleMarkerFrame builds a frame with one valid marker at x (meters).
func singleMarkerFrame(num uint32, x float64) natnet.Frame {
	return natnet.Frame{
		FrameNum:  num,
		Timestamp: time.Duration(num) * frameInterval,
		Markers:   []natnet.Marker{{ID: 1, X: x, Valid: true}},
	}
}

// occludedFrame builds a frame with every marker occluded.
func occludedFrame(num uint32) natnet.Frame {
	return natnet.Frame{
		FrameNum:  num,
		Timestamp: time.Duration(num) * frameInterval,
		Markers:   []natnet.Marker{{ID: 1, Valid: false}},
	}
}

func TestNewEstimatorValidation(t *testing.T) {
	if _, err := NewEstimator(1, 3); err == nil {
		t.Error("window of 1 should be rejected")
	}
	if _, err := NewEstimator(5, 0); err == nil {
		t.Error("stale limit of 0 should be rejected")
	}
	if _, err := NewEstimator(2, 1); err != nil {
		t.Errorf("minimal config rejected: %v", err)
	}
}

func TestEstimatorWarmup(t *testing.T) {
	e, _ := NewEstimator(5, 3)

	if _, err := e.Step(singleMarkerFrame(1, 0)); !errors.Is(err, ErrWarmup) {
		t.Fatalf("first frame err = %v, want warmup", err)
	}
	if _, err := e.Step(singleMarkerFrame(2, 0.001)); err != nil {
		t.Fatalf("second frame err = %v, want sample", err)
	}
}

func TestEstimatorFiniteDifferenceSpeed(t *testing.T) {
	e, _ := NewEstimator(5, 3)

	// 1mm per frame at 120Hz = 0.12 m/s.
	e.Step(singleMarkerFrame(1, 0.000))
	s, err := e.Step(singleMarkerFrame(2, 0.001))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := 0.001 / frameInterval.Seconds()
	if math.Abs(s.Speed-want) > 1e-9 {
		t.Errorf("Speed = %v, want %v", s.Speed, want)
	}
	if math.Abs(s.Vel[0]-want) > 1e-9 || s.Vel[1] != 0 || s.Vel[2] != 0 {
		t.Errorf("Vel = %v, want [%v 0 0]", s.Vel, want)
	}
}

func TestEstimatorSmoothedSpeedAfterWindowFull(t *testing.T) {
	e, _ := NewEstimator(4, 3)

	// Constant velocity: smoothed estimate must agree with instantaneous.
	var s Sample
	var err error
	for i := uint32(1); i <= 4; i++ {
		s, err = e.Step(singleMarkerFrame(i, float64(i)*0.001))
	}
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if s.Smoothed == 0 {
		t.Fatal("Smoothed = 0 with a full window")
	}
	if math.Abs(s.Smoothed-s.Speed) > 1e-9 {
		t.Errorf("Smoothed = %v, Speed = %v, want equal under constant velocity", s.Smoothed, s.Speed)
	}
}

func TestEstimatorHoldsStaleSample(t *testing.T) {
	e, _ := NewEstimator(5, 3)

	e.Step(singleMarkerFrame(1, 0.000))
	valid, _ := e.Step(singleMarkerFrame(2, 0.001))

	s, err := e.Step(occludedFrame(3))
	if err != nil {
		t.Fatalf("occluded frame err = %v, want held sample", err)
	}
	if !s.Stale {
		t.Error("held sample not marked stale")
	}
	if s.Speed != valid.Speed {
		t.Errorf("held Speed = %v, want %v", s.Speed, valid.Speed)
	}
	if s.FrameNum != 3 {
		t.Errorf("held FrameNum = %d, want 3", s.FrameNum)
	}
}

func TestEstimatorDataLossAfterStaleLimit(t *testing.T) {
	e, _ := NewEstimator(5, 2)

	e.Step(singleMarkerFrame(1, 0.000))
	e.Step(singleMarkerFrame(2, 0.001))

	// Two stale frames tolerated, third is data loss.
	for num := uint32(3); num <= 4; num++ {
		if _, err := e.Step(occludedFrame(num)); err != nil {
			t.Fatalf("frame %d err = %v, want held sample", num, err)
		}
	}
	if _, err := e.Step(occludedFrame(5)); !errors.Is(err, ErrDataLoss) {
		t.Fatalf("frame 5 err = %v, want data loss", err)
	}
	// Loss persists while occlusion persists.
	if _, err := e.Step(occludedFrame(6)); !errors.Is(err, ErrDataLoss) {
		t.Fatalf("frame 6 err = %v, want persistent data loss", err)
	}
}

func TestEstimatorRecoversWithWarmupAfterDataLoss(t *testing.T) {
	e, _ := NewEstimator(5, 1)

	e.Step(singleMarkerFrame(1, 0.000))
	e.Step(singleMarkerFrame(2, 0.050))
	e.Step(occludedFrame(3))
	if _, err := e.Step(occludedFrame(4)); !errors.Is(err, ErrDataLoss) {
		t.Fatal("expected data loss")
	}

	// Recovery does not difference across the gap: first valid frame
	// warms up rather than producing a huge spurious velocity.
	if _, err := e.Step(singleMarkerFrame(10, 0.300)); !errors.Is(err, ErrWarmup) {
		t.Fatalf("recovery frame err = %v, want warmup", err)
	}
	s, err := e.Step(singleMarkerFrame(11, 0.300))
	if err != nil {
		t.Fatalf("post-recovery frame err = %v", err)
	}
	if s.Speed != 0 {
		t.Errorf("post-recovery Speed = %v, want 0 for stationary hand", s.Speed)
	}
}

func TestEstimatorAccel(t *testing.T) {
	e, _ := NewEstimator(5, 3)

	e.Step(singleMarkerFrame(1, 0.000))
	e.Step(singleMarkerFrame(2, 0.001)) // 0.12 m/s
	s, _ := e.Step(singleMarkerFrame(3, 0.003))

	v1 := 0.001 / frameInterval.Seconds()
	v2 := 0.002 / frameInterval.Seconds()
	wantAccel := (v2 - v1) / frameInterval.Seconds()
	if math.Abs(s.Accel-wantAccel) > 1e-6 {
		t.Errorf("Accel = %v, want %v", s.Accel, wantAccel)
	}
}
