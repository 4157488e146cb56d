package natnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/grasplab/reach.report/internal/monitoring"
	"github.com/grasplab/reach.report/internal/timeutil"
)

// Fixture files hold a sequence of length-prefixed frame records in the
// same binary layout as the UDP wire format, so recordings and synthetic
// fixtures replay through the identical parse path.

// WriteFixture writes frames to w as length-prefixed records.
func WriteFixture(w io.Writer, frames []Frame) error {
	var buf []byte
	for _, f := range frames {
		buf = buf[:0]
		buf = AppendFrame(buf, f)
		var lenPrefix [2]byte
		binary.LittleEndian.PutUint16(lenPrefix[:], uint16(len(buf)))
		if _, err := w.Write(lenPrefix[:]); err != nil {
			return fmt.Errorf("failed to write fixture record: %w", err)
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write fixture record: %w", err)
		}
	}
	return nil
}

// ReadFixture reads all length-prefixed frame records from r.
func ReadFixture(r io.Reader) ([]Frame, error) {
	var frames []Frame
	var lenPrefix [2]byte
	for {
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return nil, fmt.Errorf("failed to read fixture record length: %w", err)
		}
		rec := make([]byte, binary.LittleEndian.Uint16(lenPrefix[:]))
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("failed to read fixture record: %w", err)
		}
		f, err := ParseFrame(rec)
		if err != nil {
			return nil, fmt.Errorf("bad fixture record %d: %w", len(frames), err)
		}
		frames = append(frames, f)
	}
}

// LoadFixtureFile reads a fixture file from disk.
func LoadFixtureFile(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture file: %w", err)
	}
	defer f.Close()
	return ReadFixture(f)
}

// Replayer replays a pre-recorded frame sequence through the same
// subscription interface as the live listener. Replay is deterministic:
// frames are delivered in order with their recorded capture timestamps.
type Replayer struct {
	frames []Frame
	mux    *Mux
	clock  timeutil.Clock
	pace   bool
	ord    ordering
}

// NewReplayer creates a replayer over the given frames. When pace is true,
// Monitor sleeps the recorded inter-frame interval between deliveries using
// clock; otherwise frames are delivered as fast as the subscriber drains
// them (the Block overflow policy keeps delivery lossless).
func NewReplayer(frames []Frame, clock timeutil.Clock, pace bool) *Replayer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Replayer{
		frames: frames,
		mux:    NewMux(64, Block),
		clock:  clock,
		pace:   pace,
	}
}

// Subscribe creates a new channel for receiving replayed events.
func (r *Replayer) Subscribe() (string, chan Event) { return r.mux.Subscribe() }

// Unsubscribe removes a subscriber.
func (r *Replayer) Unsubscribe(id string) { r.mux.Unsubscribe(id) }

// Monitor replays every frame, then closes all subscriber channels. Frames
// violating timestamp order are dropped and surfaced as faults, exactly as
// the live listener does.
func (r *Replayer) Monitor(ctx context.Context) error {
	defer r.mux.Close()
	for i, f := range r.frames {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.pace && i > 0 {
			gap := f.Timestamp - r.frames[i-1].Timestamp
			if gap > 0 {
				r.clock.Sleep(gap)
			}
		}
		if !r.ord.admit(f) {
			r.mux.Publish(Event{Kind: EventFault, Err: fmt.Errorf("%w: frame %d at %v", ErrOutOfOrder, f.FrameNum, f.Timestamp)})
			continue
		}
		r.mux.Publish(Event{Kind: EventFrame, Frame: f})
	}
	monitoring.Logf("replay finished: %d frames", len(r.frames))
	return nil
}

// Close closes all subscriber channels.
func (r *Replayer) Close() error {
	r.mux.Close()
	return nil
}
