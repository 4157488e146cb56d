// Package kinematics derives effector velocity from the marker frame stream.
//
// Speed is the finite difference of the effector centroid between the two
// most recent valid frames. A fixed sliding window additionally yields a
// half-window-mean smoothed speed for logging and plotting. Occluded frames
// never contribute positions: the estimator holds the last sample, marks it
// stale, and reports data loss once the stale run exceeds its limit.
package kinematics

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/grasplab/reach.report/internal/natnet"
)

var (
	// ErrWarmup indicates the estimator has not yet seen enough valid
	// frames to produce a velocity sample.
	ErrWarmup = errors.New("kinematics: window not yet populated")

	// ErrDataLoss indicates the marker has been occluded beyond the stale
	// limit. The estimator will not extrapolate; the window resets and
	// warms up again on recovery.
	ErrDataLoss = errors.New("kinematics: marker occluded beyond stale limit")
)

// Sample is one velocity estimate, produced per incoming frame once the
// estimator is warm.
type Sample struct {
	FrameNum  uint32
	Timestamp time.Duration

	// Speed is the instantaneous scalar speed in m/s, finite-differenced
	// over the two most recent valid frames.
	Speed float64

	// Vel is the per-axis velocity in m/s.
	Vel [3]float64

	// Smoothed is the half-window-mean speed in m/s; zero until the
	// window is full. Diagnostic only, detectors consume Speed.
	Smoothed float64

	// Accel is the first difference of Speed in m/s².
	Accel float64

	// Stale is set when this sample repeats the last valid estimate
	// because the current frame was fully occluded.
	Stale bool
}

// Estimator maintains the sliding window of effector positions.
type Estimator struct {
	window     int
	staleLimit int

	positions [][3]float64 // newest last
	times     []time.Duration

	staleRun  int
	lost      bool
	last      Sample
	haveLast  bool
	prevSpeed float64
	prevTS    time.Duration
	havePrev  bool
}

// NewEstimator creates an estimator over a window of the given size.
// The window must cover at least two frames; staleLimit is the number of
// consecutive occluded frames tolerated before data loss is reported.
func NewEstimator(window, staleLimit int) (*Estimator, error) {
	if window < 2 {
		return nil, fmt.Errorf("kinematics: window must cover at least two frames, got %d", window)
	}
	if staleLimit < 1 {
		return nil, fmt.Errorf("kinematics: stale limit must be positive, got %d", staleLimit)
	}
	return &Estimator{window: window, staleLimit: staleLimit}, nil
}

// Step consumes one frame and returns the velocity sample for it.
// It returns ErrWarmup until two valid frames have been seen, and
// ErrDataLoss once occlusion has persisted past the stale limit.
func (e *Estimator) Step(f natnet.Frame) (Sample, error) {
	pos, ok := f.Centroid()
	if !ok {
		return e.stepStale(f)
	}

	e.staleRun = 0
	e.lost = false
	e.positions = append(e.positions, pos)
	e.times = append(e.times, f.Timestamp)
	if len(e.positions) > e.window {
		e.positions = e.positions[1:]
		e.times = e.times[1:]
	}

	if len(e.positions) < 2 {
		return Sample{}, ErrWarmup
	}

	n := len(e.positions)
	prev, curr := e.positions[n-2], e.positions[n-1]
	dt := (e.times[n-1] - e.times[n-2]).Seconds()

	s := Sample{
		FrameNum:  f.FrameNum,
		Timestamp: f.Timestamp,
	}
	s.Speed = floats.Distance(prev[:], curr[:], 2) / dt
	for i := 0; i < 3; i++ {
		s.Vel[i] = (curr[i] - prev[i]) / dt
	}
	if len(e.positions) == e.window {
		s.Smoothed = e.smoothedSpeed()
	}
	if e.havePrev {
		if d := (f.Timestamp - e.prevTS).Seconds(); d > 0 {
			s.Accel = (s.Speed - e.prevSpeed) / d
		}
	}

	e.prevSpeed = s.Speed
	e.prevTS = f.Timestamp
	e.havePrev = true
	e.last = s
	e.haveLast = true
	return s, nil
}

func (e *Estimator) stepStale(f natnet.Frame) (Sample, error) {
	e.staleRun++
	if e.staleRun > e.staleLimit {
		// Entering data loss discards the window so recovery warms up
		// fresh rather than differencing across the occlusion gap.
		if !e.lost {
			e.lost = true
			e.reset()
		}
		return Sample{}, ErrDataLoss
	}
	if !e.haveLast {
		return Sample{}, ErrWarmup
	}
	s := e.last
	s.FrameNum = f.FrameNum
	s.Timestamp = f.Timestamp
	s.Stale = true
	return s, nil
}

// smoothedSpeed estimates speed from the distance between the mean
// positions of the older and newer half-windows, divided by the gap
// between the halves' mean timestamps.
func (e *Estimator) smoothedSpeed() float64 {
	d := len(e.positions) / 2

	prevMean := colwiseMeans(e.positions[:d])
	currMean := colwiseMeans(e.positions[d:])

	dt := meanTime(e.times[d:]) - meanTime(e.times[:d])
	if dt <= 0 {
		return 0
	}
	return floats.Distance(prevMean[:], currMean[:], 2) / dt.Seconds()
}

func colwiseMeans(positions [][3]float64) [3]float64 {
	var out [3]float64
	axis := make([]float64, len(positions))
	for i := 0; i < 3; i++ {
		for j, p := range positions {
			axis[j] = p[i]
		}
		out[i] = stat.Mean(axis, nil)
	}
	return out
}

func meanTime(ts []time.Duration) time.Duration {
	var sum time.Duration
	for _, t := range ts {
		sum += t
	}
	return sum / time.Duration(len(ts))
}

func (e *Estimator) reset() {
	e.positions = e.positions[:0]
	e.times = e.times[:0]
	e.haveLast = false
	e.havePrev = false
	e.last = Sample{}
}
