// Package trial orchestrates the per-trial lifecycle of the reach paradigm:
// it validates configuration, arms the detectors relevant to the trial
// phase, drives the kinematic pipeline over the live frame stream, enforces
// the movement-insurance timeouts, and seals the trial with its outcome.
package trial

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grasplab/reach.report/internal/onset"
	"github.com/grasplab/reach.report/internal/zones"
)

// Phase selects which detectors and triggers are armed for a trial.
type Phase string

const (
	// PreReveal trials begin with the goggles occluded; the target is
	// revealed only once movement onset is detected.
	PreReveal Phase = "pre_reveal"
	// FullKnowledge trials reveal the target at the go signal, before
	// the reach begins. No onset-contingent trigger is armed.
	FullKnowledge Phase = "full_knowledge"
)

// Outcome is the terminal result of a trial.
type Outcome string

const (
	// Pending means the trial has not reached a terminal state.
	Pending Outcome = "pending"
	// Completed means the reach terminated in an end-zone and the settle
	// window elapsed.
	Completed Outcome = "completed"
	// Aborted means the trial was cut short without a system fault:
	// a timeout or experimenter intervention.
	Aborted Outcome = "aborted"
	// Errored means a system fault invalidated the trial.
	Errored Outcome = "errored"
)

// Reason qualifies a non-completed outcome.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonMovementTimeout: no onset (or, full-knowledge, no zone
	// entry) before the movement insurance deadline.
	ReasonMovementTimeout Reason = "movement_timeout"
	// ReasonReachTimeout: onset occurred but no end-zone entry within
	// the reach window.
	ReasonReachTimeout Reason = "reach_timeout"
	// ReasonExperimenterAbort: the trial was aborted from outside.
	ReasonExperimenterAbort Reason = "experimenter_abort"
	// ReasonStreamStall: the capture stream stalled past its budget.
	ReasonStreamStall Reason = "stream_stall"
	// ReasonStreamLost: the capture stream was lost entirely.
	ReasonStreamLost Reason = "stream_lost"
	// ReasonDataLoss: marker occlusion persisted past the configured limit.
	ReasonDataLoss Reason = "data_loss"
	// ReasonHardwareFault: the goggle controller failed to acknowledge
	// the reveal after retries.
	ReasonHardwareFault Reason = "hardware_fault"
)

// EventKind labels an entry in a trial's trigger event sequence.
type EventKind string

const (
	// EventReveal marks the goggle de-occlusion command, stamped with
	// the triggering velocity sample's capture timestamp.
	EventReveal EventKind = "reveal"
	// EventEndZoneEntry marks the first entry into an end-zone.
	EventEndZoneEntry EventKind = "end_zone_entry"
	// EventTrialTimeout marks the movement insurance firing.
	EventTrialTimeout EventKind = "trial_timeout"
)

// TriggerEvent is one immutable entry in a trial's event timeline.
// Timestamps are capture-clock, matching the frame stream.
type TriggerEvent struct {
	Kind      EventKind
	FrameNum  uint32
	Timestamp time.Duration
	// Detail carries the zone label for end-zone entries and the
	// detection-to-acknowledgement latency for reveals.
	Detail string
}

// Trial is the record of one trial: its configuration, the events it
// produced, and its terminal outcome. Sealed on reaching a terminal state.
type Trial struct {
	ID      string
	Phase   Phase
	Config  Config
	Outcome Outcome
	Reason  Reason
	Events  []TriggerEvent

	// FrameCount is how many frames were ingested while Active.
	FrameCount int

	sealed bool
}

func newTrial(cfg Config) *Trial {
	return &Trial{
		ID:      uuid.NewString(),
		Phase:   cfg.Phase,
		Config:  cfg,
		Outcome: Pending,
	}
}

// Sealed reports whether the trial has reached a terminal state.
func (t *Trial) Sealed() bool { return t.sealed }

func (t *Trial) appendEvent(ev TriggerEvent) error {
	if t.sealed {
		return fmt.Errorf("trial %s: cannot append event to sealed trial", t.ID)
	}
	t.Events = append(t.Events, ev)
	return nil
}

func (t *Trial) seal(outcome Outcome, reason Reason) {
	if t.sealed {
		return
	}
	t.Outcome = outcome
	t.Reason = reason
	t.sealed = true
}

// EventsOfKind returns the trial's events of one kind, in order.
func (t *Trial) EventsOfKind(kind EventKind) []TriggerEvent {
	var out []TriggerEvent
	for _, ev := range t.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Config holds everything one trial needs: phase, detection thresholds,
// zone geometry, and the timeout policy. Values come from the session
// configuration; zero durations and counts take the documented defaults.
type Config struct {
	Phase Phase

	// Onset holds the movement detection thresholds.
	Onset onset.Config

	// Zones are the end-zone volumes for this trial.
	Zones []zones.Zone

	// WindowFrames is the estimator smoothing window. Defaults to 5.
	WindowFrames int

	// StaleLimit is how many occluded frames the estimator bridges by
	// holding its last estimate. Defaults to 6.
	StaleLimit int

	// DataLossLimit is how many consecutive data-loss frames are
	// tolerated before the trial errors. Defaults to 24 (200ms at 120Hz).
	DataLossLimit int

	// MovementTimeout is the movement insurance deadline, measured on
	// the capture clock from the first Active frame. Defaults to 1s.
	MovementTimeout time.Duration

	// ReachWindow bounds the time from onset to end-zone entry.
	// Defaults to 1s.
	ReachWindow time.Duration

	// SettleWindow is the post-entry settle period before the trial
	// completes. Defaults to 300ms.
	SettleWindow time.Duration

	// StallBudget bounds, on the wall clock, how long a stream stall
	// may last before the trial errors. Defaults to 2s.
	StallBudget time.Duration
}

// Validate rejects configurations that cannot run a sound trial. It is
// called before a trial may enter Armed.
func (c Config) Validate() error {
	switch c.Phase {
	case PreReveal, FullKnowledge:
	default:
		return fmt.Errorf("trial: unknown phase %q", c.Phase)
	}
	if err := c.Onset.Validate(); err != nil {
		return err
	}
	if _, err := zones.NewDetector(c.Zones); err != nil {
		return err
	}
	if c.WindowFrames < 0 || c.WindowFrames == 1 {
		return fmt.Errorf("trial: window must be at least 2 frames, got %d", c.WindowFrames)
	}
	for name, d := range map[string]time.Duration{
		"movement_timeout": c.MovementTimeout,
		"reach_window":     c.ReachWindow,
		"settle_window":    c.SettleWindow,
		"stall_budget":     c.StallBudget,
	} {
		if d < 0 {
			return fmt.Errorf("trial: %s must not be negative, got %v", name, d)
		}
	}
	return nil
}

// GetWindowFrames returns the configured smoothing window or the default.
func (c Config) GetWindowFrames() int {
	if c.WindowFrames <= 0 {
		return 5
	}
	return c.WindowFrames
}

// GetStaleLimit returns the configured stale limit or the default.
func (c Config) GetStaleLimit() int {
	if c.StaleLimit <= 0 {
		return 6
	}
	return c.StaleLimit
}

// GetDataLossLimit returns the configured data-loss limit or the default.
func (c Config) GetDataLossLimit() int {
	if c.DataLossLimit <= 0 {
		return 24
	}
	return c.DataLossLimit
}

// GetMovementTimeout returns the movement insurance deadline or the default.
func (c Config) GetMovementTimeout() time.Duration {
	if c.MovementTimeout <= 0 {
		return time.Second
	}
	return c.MovementTimeout
}

// GetReachWindow returns the reach window or the default.
func (c Config) GetReachWindow() time.Duration {
	if c.ReachWindow <= 0 {
		return time.Second
	}
	return c.ReachWindow
}

// GetSettleWindow returns the settle window or the default.
func (c Config) GetSettleWindow() time.Duration {
	if c.SettleWindow <= 0 {
		return 300 * time.Millisecond
	}
	return c.SettleWindow
}

// GetStallBudget returns the stall budget or the default.
func (c Config) GetStallBudget() time.Duration {
	if c.StallBudget <= 0 {
		return 2 * time.Second
	}
	return c.StallBudget
}
