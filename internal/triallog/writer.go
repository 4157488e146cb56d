package triallog

import (
	"fmt"
	"sync"

	"github.com/grasplab/reach.report/internal/monitoring"
	"github.com/grasplab/reach.report/internal/natnet"
	"github.com/grasplab/reach.report/internal/trial"
)

// defaultQueueSize buffers about two seconds of frames at 120Hz.
const defaultQueueSize = 256

// Writer persists trial data off the frame path. Frames flow through a
// bounded queue to a dedicated goroutine; when the queue fills, frames
// spill to an unbounded overflow list instead of being dropped, and the
// writer logs that persistence is lagging. Trigger events and lifecycle
// rows are small and written synchronously.
type Writer struct {
	db    *DB
	queue chan job

	mu       sync.Mutex
	overflow []job
	degraded bool

	wg sync.WaitGroup
}

type job struct {
	trialID string
	frame   natnet.Frame

	// flushed, when set, marks a flush barrier instead of a frame.
	flushed chan struct{}
}

// NewWriter starts a writer over an open database. queueSize <= 0 uses
// the default. Close the writer before closing the database.
func NewWriter(db *DB, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &Writer{
		db:    db,
		queue: make(chan job, queueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// BeginTrial creates the trial's persistent record.
func (w *Writer) BeginTrial(t *trial.Trial) error {
	return w.db.insertTrial(t)
}

// AppendFrame queues one frame for persistence. It never blocks the frame
// path and never drops: a full queue spills to the overflow list.
func (w *Writer) AppendFrame(trialID string, f natnet.Frame) error {
	j := job{trialID: trialID, frame: f}

	w.mu.Lock()
	if len(w.overflow) > 0 {
		// Keep insertion order: once anything has spilled, everything
		// spills until the worker catches up.
		w.overflow = append(w.overflow, j)
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	select {
	case w.queue <- j:
		return nil
	default:
	}

	w.mu.Lock()
	w.overflow = append(w.overflow, j)
	if !w.degraded {
		w.degraded = true
		monitoring.Logf("triallog: writer backpressure, frame persistence lagging (queue %d full)", cap(w.queue))
	}
	w.mu.Unlock()
	return nil
}

// AppendEvent persists one trigger event synchronously.
func (w *Writer) AppendEvent(trialID string, ev trial.TriggerEvent) error {
	return w.db.insertEvent(trialID, ev)
}

// Finalize flushes every queued frame and marks the trial record
// complete. Idempotent.
func (w *Writer) Finalize(trialID string, outcome trial.Outcome, reason trial.Reason) error {
	if err := w.flush(); err != nil {
		return err
	}
	return w.db.finalizeTrial(trialID, outcome, reason)
}

// flush blocks until every frame queued so far has been written. The
// barrier send may wait for queue room; the worker is draining, so it
// always frees up.
func (w *Writer) flush() error {
	barrier := make(chan struct{})
	w.queue <- job{flushed: barrier}
	<-barrier
	return nil
}

// Close flushes outstanding work and stops the worker. The writer must
// not be used afterwards.
func (w *Writer) Close() error {
	if err := w.flush(); err != nil {
		return fmt.Errorf("triallog: flush on close: %w", err)
	}
	close(w.queue)
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()
	for j := range w.queue {
		if j.flushed != nil {
			// Spilled frames must reach the database before the
			// barrier lifts.
			w.drainOverflow()
			close(j.flushed)
			continue
		}
		w.write(j)
		w.drainOverflow()
	}
}

func (w *Writer) write(j job) {
	if err := w.db.insertFrame(j.trialID, j.frame); err != nil {
		monitoring.Logf("triallog: %v", err)
	}
}

// drainOverflow writes spilled jobs until the list is empty, then clears
// the degraded flag.
func (w *Writer) drainOverflow() {
	for {
		w.mu.Lock()
		if len(w.overflow) == 0 {
			if w.degraded {
				w.degraded = false
				monitoring.Logf("triallog: writer caught up")
			}
			w.mu.Unlock()
			return
		}
		batch := w.overflow
		w.overflow = nil
		w.mu.Unlock()

		for _, j := range batch {
			w.write(j)
		}
	}
}
