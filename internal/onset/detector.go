// Package onset classifies the effector as static or moving from the
// velocity stream using a hysteretic two-state machine. Transitions require
// the speed to sit on the far side of the relevant threshold for a sustained
// run of samples, so noise at the boundary cannot chatter the state.
package onset

import (
	"fmt"
	"time"

	"github.com/grasplab/reach.report/internal/kinematics"
)

// State is the movement classification of the effector.
type State int

const (
	// Static means the effector is at rest.
	Static State = iota
	// Moving means a reach is in progress.
	Moving
)

func (s State) String() string {
	switch s {
	case Static:
		return "static"
	case Moving:
		return "moving"
	default:
		return "unknown"
	}
}

// Config holds the calibrated detection thresholds. These are experiment
// inputs, not constants: sensible values depend on marker placement and
// participant population.
type Config struct {
	// Threshold is the speed (m/s) at or above which the effector is
	// considered to be moving.
	Threshold float64

	// HysteresisMargin widens the band below Threshold inside which no
	// transition occurs. The moving→static boundary is
	// Threshold - HysteresisMargin.
	HysteresisMargin float64

	// SustainedSamples is how many consecutive qualifying samples a
	// transition requires. Values below 1 are treated as 1.
	SustainedSamples int
}

// Validate rejects configurations that cannot classify soundly.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("onset: threshold must be positive, got %v", c.Threshold)
	}
	if c.HysteresisMargin < 0 {
		return fmt.Errorf("onset: hysteresis margin must be non-negative, got %v", c.HysteresisMargin)
	}
	if c.HysteresisMargin >= c.Threshold {
		return fmt.Errorf("onset: hysteresis margin %v must be below threshold %v", c.HysteresisMargin, c.Threshold)
	}
	return nil
}

// Transition reports one state change, stamped with the sample that
// completed the sustained run.
type Transition struct {
	From      State
	To        State
	FrameNum  uint32
	Timestamp time.Duration
	Speed     float64
}

// Detector is the hysteretic movement state machine. The transition logic
// is pure: hardware side effects belong to the caller.
type Detector struct {
	cfg   Config
	state State

	aboveRun int
	belowRun int
	onsets   int
}

// New creates a detector in the Static state.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SustainedSamples < 1 {
		cfg.SustainedSamples = 1
	}
	return &Detector{cfg: cfg}, nil
}

// State returns the current movement classification.
func (d *Detector) State() State { return d.state }

// Onsets returns how many static→moving transitions have occurred.
func (d *Detector) Onsets() int { return d.onsets }

// Step consumes one velocity sample. It returns the transition and true
// when the sample completes a sustained run across a boundary. Stale
// samples freeze the machine entirely: no transition can occur on data
// that merely repeats the last valid estimate.
func (d *Detector) Step(s kinematics.Sample) (Transition, bool) {
	if s.Stale {
		return Transition{}, false
	}

	switch {
	case s.Speed >= d.cfg.Threshold:
		d.aboveRun++
		d.belowRun = 0
	case s.Speed < d.cfg.Threshold-d.cfg.HysteresisMargin:
		d.belowRun++
		d.aboveRun = 0
	default:
		// Inside the hysteresis band: neither run accumulates.
		d.aboveRun = 0
		d.belowRun = 0
	}

	if d.state == Static && d.aboveRun >= d.cfg.SustainedSamples {
		d.state = Moving
		d.aboveRun = 0
		d.onsets++
		return Transition{
			From:      Static,
			To:        Moving,
			FrameNum:  s.FrameNum,
			Timestamp: s.Timestamp,
			Speed:     s.Speed,
		}, true
	}
	if d.state == Moving && d.belowRun >= d.cfg.SustainedSamples {
		d.state = Static
		d.belowRun = 0
		return Transition{
			From:      Moving,
			To:        Static,
			FrameNum:  s.FrameNum,
			Timestamp: s.Timestamp,
			Speed:     s.Speed,
		}, true
	}
	return Transition{}, false
}
