package trial

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/grasplab/reach.report/internal/monitoring"
	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/timeutil"
)

// SessionConfig holds the session-level timing policy.
type SessionConfig struct {
	// GoSignalMin and GoSignalMax bound the jittered foreperiod between
	// trial setup and the go signal. Defaults: 500ms to 2s.
	GoSignalMin time.Duration
	GoSignalMax time.Duration
}

// GetGoSignalMin returns the minimum foreperiod or the default.
func (c SessionConfig) GetGoSignalMin() time.Duration {
	if c.GoSignalMin <= 0 {
		return 500 * time.Millisecond
	}
	return c.GoSignalMin
}

// GetGoSignalMax returns the maximum foreperiod or the default.
func (c SessionConfig) GetGoSignalMax() time.Duration {
	if c.GoSignalMax <= 0 {
		return 2 * time.Second
	}
	return c.GoSignalMax
}

// Session runs a sequence of trials against shared infrastructure. Faults
// local to one trial never stop the session; faults in the stream or the
// goggle link do.
type Session struct {
	cfg    SessionConfig
	source natnet.Source
	hw     Hardware
	rec    Recorder
	clock  timeutil.Clock

	snapMu sync.Mutex
	snap   Snapshot
}

// Snapshot is a point-in-time view of session progress for the status API.
type Snapshot struct {
	State          string
	CurrentTrialID string
	TrialsRun      int
	TrialsTotal    int
}

// Snapshot returns the current session progress. Safe from any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap
}

func (s *Session) update(fn func(*Snapshot)) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	fn(&s.snap)
}

// NewSession wires a session to its frame source, goggle hardware, and
// kinematic recorder. A nil clock uses the real clock.
func NewSession(cfg SessionConfig, source natnet.Source, hw Hardware, rec Recorder, clock timeutil.Clock) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Session{
		cfg:    cfg,
		source: source,
		hw:     hw,
		rec:    rec,
		clock:  clock,
		snap:   Snapshot{State: "idle"},
	}
}

// Run executes the trial sequence in order. It returns the records of
// every trial that started, and the first session-fatal error if one
// occurred. Trial-local outcomes, Errored included, do not stop the run.
func (s *Session) Run(ctx context.Context, trials []Config) ([]*Trial, error) {
	s.update(func(sn *Snapshot) {
		sn.State = "running"
		sn.TrialsTotal = len(trials)
	})
	defer s.update(func(sn *Snapshot) {
		sn.State = "finished"
		sn.CurrentTrialID = ""
	})

	var results []*Trial
	for i, tc := range trials {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		orch, err := New(tc, s.source, s.hw, s.rec, s.clock)
		if err != nil {
			// Configuration errors never start a trial; the session list
			// is static, so a bad entry means the session file is wrong.
			return results, fmt.Errorf("session: trial %d rejected: %w", i+1, err)
		}

		// Inter-trial reset: occlude, then hold through the jittered
		// foreperiod so the participant cannot anticipate the go signal.
		if err := s.hw.Occlude(ctx); err != nil {
			return results, fmt.Errorf("%w: goggle occlude before trial %d: %v", ErrSessionFatal, i+1, err)
		}
		s.clock.Sleep(s.goSignalDelay())

		// Full-knowledge trials reveal the target at the go signal,
		// before any movement.
		if tc.Phase == FullKnowledge {
			if err := s.hw.Open(ctx); err != nil {
				return results, fmt.Errorf("%w: goggle open at go signal of trial %d: %v", ErrSessionFatal, i+1, err)
			}
		}

		s.update(func(sn *Snapshot) { sn.CurrentTrialID = orch.Trial().ID })
		t, err := orch.Run(ctx)
		results = append(results, t)
		s.update(func(sn *Snapshot) { sn.TrialsRun++ })
		if err != nil {
			if errors.Is(err, ErrSessionFatal) || errors.Is(err, context.Canceled) {
				return results, err
			}
			return results, fmt.Errorf("session: trial %d: %w", i+1, err)
		}
		monitoring.Logf("session: trial %d/%d %s", i+1, len(trials), t.Outcome)
	}
	return results, nil
}

// goSignalDelay draws the jittered foreperiod for one trial.
func (s *Session) goSignalDelay() time.Duration {
	lo, hi := s.cfg.GetGoSignalMin(), s.cfg.GetGoSignalMax()
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}
