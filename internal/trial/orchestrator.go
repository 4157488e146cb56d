package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grasplab/reach.report/internal/kinematics"
	"github.com/grasplab/reach.report/internal/monitoring"
	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/onset"
	"github.com/grasplab/reach.report/internal/timeutil"
	"github.com/grasplab/reach.report/internal/zones"
)

// ErrSessionFatal marks faults in shared infrastructure. A trial that ends
// with this error must stop the session loop rather than be skipped.
var ErrSessionFatal = errors.New("trial: session-fatal fault")

// State is the orchestrator's lifecycle position.
type State int

const (
	Configuring State = iota
	Armed
	Active
	Terminal
)

func (s State) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case Armed:
		return "armed"
	case Active:
		return "active"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Hardware is the goggle controller surface the orchestrator drives.
type Hardware interface {
	// BeginTrial re-arms the at-most-once reveal latch.
	BeginTrial()
	// Reveal opens the goggles; at most one call per trial issues the
	// command.
	Reveal(ctx context.Context) (fired bool, err error)
	// Open makes the goggles transparent unconditionally.
	Open(ctx context.Context) error
	// Occlude makes the goggles opaque.
	Occlude(ctx context.Context) error
}

// Recorder is the kinematic logger surface. Append calls happen on the
// frame path as data arrives, not batched at trial end.
type Recorder interface {
	BeginTrial(t *Trial) error
	AppendFrame(trialID string, f natnet.Frame) error
	AppendEvent(trialID string, ev TriggerEvent) error
	Finalize(trialID string, outcome Outcome, reason Reason) error
}

// Orchestrator runs one trial. New validates the configuration and arms
// the phase-appropriate detectors; Run drives the frame loop to a terminal
// outcome. The frame path is a single goroutine: estimator, detectors, and
// trigger run synchronously per frame, so no sample can overtake another.
type Orchestrator struct {
	cfg    Config
	trial  *Trial
	source natnet.Source
	hw     Hardware
	rec    Recorder
	clock  timeutil.Clock

	est *kinematics.Estimator
	od  *onset.Detector
	zd  *zones.Detector

	state State
	abort chan struct{}
}

// New validates cfg and returns an orchestrator in the Armed state.
// Configuration errors reject the trial before it starts.
func New(cfg Config, source natnet.Source, hw Hardware, rec Recorder, clock timeutil.Clock) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	est, err := kinematics.NewEstimator(cfg.GetWindowFrames(), cfg.GetStaleLimit())
	if err != nil {
		return nil, err
	}
	zd, err := zones.NewDetector(cfg.Zones)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:    cfg,
		trial:  newTrial(cfg),
		source: source,
		hw:     hw,
		rec:    rec,
		clock:  clock,
		est:    est,
		zd:     zd,
		state:  Armed,
		abort:  make(chan struct{}),
	}
	// Only pre-reveal trials watch for onset; full-knowledge trials have
	// already revealed by the go signal and need only the end-zones.
	if cfg.Phase == PreReveal {
		od, err := onset.New(cfg.Onset)
		if err != nil {
			return nil, err
		}
		o.od = od
	}
	return o, nil
}

// Trial returns the trial record. It is safe to read after Run returns.
func (o *Orchestrator) Trial() *Trial { return o.trial }

// State returns the orchestrator's lifecycle position.
func (o *Orchestrator) State() State { return o.state }

// Abort ends the trial from outside with the ExperimenterAbort reason.
// Safe to call at most once, from any goroutine.
func (o *Orchestrator) Abort() {
	close(o.abort)
}

// timeline tracks the capture-clock deadlines of one trial. All insurance
// timeouts are evaluated against frame timestamps, so a recorded stream
// replays to the identical outcome.
type timeline struct {
	started bool
	start   time.Duration

	onsetAt   time.Duration
	onsetSeen bool

	entryAt   time.Duration
	entrySeen bool
}

// Run executes the trial to a terminal outcome. The returned error is nil
// for every trial-local outcome, including Errored; it wraps
// ErrSessionFatal only when shared infrastructure failed.
func (o *Orchestrator) Run(ctx context.Context) (*Trial, error) {
	if o.state != Armed {
		return o.trial, fmt.Errorf("trial %s: Run called in state %s", o.trial.ID, o.state)
	}
	o.state = Active

	o.hw.BeginTrial()
	if err := o.rec.BeginTrial(o.trial); err != nil {
		o.finish(Errored, ReasonNone)
		return o.trial, fmt.Errorf("%w: recorder unavailable: %v", ErrSessionFatal, err)
	}

	id, events := o.source.Subscribe()
	defer o.source.Unsubscribe(id)

	// The stall budget runs on the wall clock: frame timestamps cannot
	// measure an interval in which no frames arrive.
	var stallTimer timeutil.Timer
	var stallC <-chan time.Time

	var tl timeline
	lossRun := 0

	for {
		select {
		case <-ctx.Done():
			o.finish(Aborted, ReasonExperimenterAbort)
			return o.trial, ctx.Err()

		case <-o.abort:
			o.finish(Aborted, ReasonExperimenterAbort)
			return o.trial, nil

		case <-stallC:
			o.finish(Errored, ReasonStreamStall)
			return o.trial, fmt.Errorf("%w: stream stalled past %v", ErrSessionFatal, o.cfg.GetStallBudget())

		case ev, ok := <-events:
			if !ok {
				o.finish(Errored, ReasonStreamLost)
				return o.trial, fmt.Errorf("%w: frame source closed mid-trial", ErrSessionFatal)
			}
			switch ev.Kind {
			case natnet.EventFrame:
				if stallC != nil {
					stallTimer.Stop()
					select {
					case <-stallC:
					default:
					}
					stallC = nil
				}
				done, err := o.step(ctx, ev.Frame, &tl, &lossRun)
				if done || err != nil {
					return o.trial, err
				}

			case natnet.EventStall:
				monitoring.Logf("trial %s: stream stall: %v", o.trial.ID, ev.Err)
				if stallC == nil {
					if stallTimer == nil {
						stallTimer = o.clock.NewTimer(o.cfg.GetStallBudget())
					} else {
						stallTimer.Reset(o.cfg.GetStallBudget())
					}
					stallC = stallTimer.C()
				}

			case natnet.EventLost:
				o.finish(Errored, ReasonStreamLost)
				return o.trial, fmt.Errorf("%w: %v", ErrSessionFatal, ev.Err)

			case natnet.EventFault:
				// Malformed or out-of-order data never reaches the
				// detectors; note it and keep the trial running.
				monitoring.Logf("trial %s: stream fault: %v", o.trial.ID, ev.Err)
			}
		}
	}
}

// step processes one frame: log it, advance the estimator, run the armed
// detectors, and evaluate the capture-clock deadlines. It returns done
// when the trial reached a terminal state.
func (o *Orchestrator) step(ctx context.Context, f natnet.Frame, tl *timeline, lossRun *int) (done bool, err error) {
	// The frame is logged before any detector runs: detector faults
	// must never cost log completeness.
	if err := o.rec.AppendFrame(o.trial.ID, f); err != nil {
		monitoring.Logf("trial %s: frame %d not persisted: %v", o.trial.ID, f.FrameNum, err)
	}
	o.trial.FrameCount++

	if !tl.started {
		tl.started = true
		tl.start = f.Timestamp
	}

	sample, estErr := o.est.Step(f)
	switch {
	case estErr == nil:
		*lossRun = 0
	case errors.Is(estErr, kinematics.ErrDataLoss):
		*lossRun++
		if *lossRun > o.cfg.GetDataLossLimit() {
			o.finish(Errored, ReasonDataLoss)
			return true, nil
		}
	case errors.Is(estErr, kinematics.ErrWarmup):
		// Deadlines still advance during warmup.
	}

	if estErr == nil {
		if done := o.dispatch(ctx, sample, f, tl); done {
			return true, nil
		}
	}

	return o.checkDeadlines(f, tl), nil
}

// dispatch feeds one velocity sample to the armed detectors and fires the
// reveal trigger on the onset transition.
func (o *Orchestrator) dispatch(ctx context.Context, sample kinematics.Sample, f natnet.Frame, tl *timeline) (done bool) {
	if o.od != nil && !tl.onsetSeen {
		if tr, ok := o.od.Step(sample); ok && tr.To == onset.Moving {
			tl.onsetSeen = true
			tl.onsetAt = tr.Timestamp
			if o.reveal(ctx, tr) {
				o.finish(Errored, ReasonHardwareFault)
				return true
			}
		}
	}

	if pos, ok := f.Centroid(); ok && !tl.entrySeen {
		if entry, ok := o.zd.Check(pos, f.FrameNum, f.Timestamp); ok {
			tl.entrySeen = true
			tl.entryAt = entry.Timestamp
			o.record(TriggerEvent{
				Kind:      EventEndZoneEntry,
				FrameNum:  entry.FrameNum,
				Timestamp: entry.Timestamp,
				Detail:    string(entry.Zone.Label),
			})
			// Logged invariant: a reveal always precedes the entry
			// that ends the same reach.
			if revs := o.trial.EventsOfKind(EventReveal); len(revs) > 0 && revs[0].Timestamp > entry.Timestamp {
				monitoring.Logf("trial %s: reveal at %v after zone entry at %v",
					o.trial.ID, revs[0].Timestamp, entry.Timestamp)
			}
		}
	}
	return false
}

// reveal issues the at-most-once goggle command and records the event with
// the triggering sample's capture timestamp. It returns true on a hardware
// fault, which is fatal for the trial.
func (o *Orchestrator) reveal(ctx context.Context, tr onset.Transition) (fault bool) {
	issued := o.clock.Now()
	fired, err := o.hw.Reveal(ctx)
	if err != nil {
		monitoring.Logf("trial %s: reveal failed: %v", o.trial.ID, err)
		return true
	}
	if !fired {
		// The latch was already taken this trial. The detector emits one
		// onset per trial, so this indicates a wiring bug upstream.
		monitoring.Logf("trial %s: duplicate reveal suppressed at frame %d", o.trial.ID, tr.FrameNum)
		return false
	}
	o.record(TriggerEvent{
		Kind:      EventReveal,
		FrameNum:  tr.FrameNum,
		Timestamp: tr.Timestamp,
		Detail:    fmt.Sprintf("cmd_latency=%s", o.clock.Since(issued)),
	})
	return false
}

// checkDeadlines evaluates the movement insurance, reach window, and
// settle window against the current frame timestamp.
func (o *Orchestrator) checkDeadlines(f natnet.Frame, tl *timeline) (done bool) {
	ts := f.Timestamp

	if tl.entrySeen {
		if ts >= tl.entryAt+o.cfg.GetSettleWindow() {
			o.finish(Completed, ReasonNone)
			return true
		}
		return false
	}

	if tl.onsetSeen {
		if ts >= tl.onsetAt+o.cfg.GetReachWindow() {
			o.timeout(f, ReasonReachTimeout)
			return true
		}
		return false
	}

	// Movement insurance: pre-reveal trials wait for onset, full-knowledge
	// trials wait directly for a zone entry.
	if ts >= tl.start+o.cfg.GetMovementTimeout() {
		o.timeout(f, ReasonMovementTimeout)
		return true
	}
	return false
}

func (o *Orchestrator) timeout(f natnet.Frame, reason Reason) {
	o.record(TriggerEvent{
		Kind:      EventTrialTimeout,
		FrameNum:  f.FrameNum,
		Timestamp: f.Timestamp,
		Detail:    string(reason),
	})
	o.finish(Aborted, reason)
}

func (o *Orchestrator) record(ev TriggerEvent) {
	if err := o.trial.appendEvent(ev); err != nil {
		monitoring.Logf("trial %s: %v", o.trial.ID, err)
		return
	}
	if err := o.rec.AppendEvent(o.trial.ID, ev); err != nil {
		monitoring.Logf("trial %s: event %s not persisted: %v", o.trial.ID, ev.Kind, err)
	}
}

// finish seals the trial and finalizes its record. Idempotent.
func (o *Orchestrator) finish(outcome Outcome, reason Reason) {
	if o.state == Terminal {
		return
	}
	o.state = Terminal
	o.trial.seal(outcome, reason)
	if err := o.rec.Finalize(o.trial.ID, outcome, reason); err != nil {
		monitoring.Logf("trial %s: finalize failed: %v", o.trial.ID, err)
	}
	monitoring.Logf("trial %s: %s %s/%s after %d frames",
		o.trial.ID, o.trial.Phase, outcome, reason, o.trial.FrameCount)
}
