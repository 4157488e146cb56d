package natnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grasplab/reach.report/internal/monitoring"
)

// ListenerConfig contains configuration options for the UDP frame listener.
type ListenerConfig struct {
	// Address is the UDP address the capture system streams to.
	Address string

	// RcvBuf is the socket receive buffer size in bytes. Zero keeps the
	// system default.
	RcvBuf int

	// ReadTimeout bounds each socket read so context cancellation and
	// stall detection are checked regularly. Defaults to 100ms.
	ReadTimeout time.Duration

	// MissedFrameTimeout is how long the stream may be silent before a
	// Stall event is emitted. Defaults to 500ms.
	MissedFrameTimeout time.Duration

	// SubscriberBuffer is the per-subscriber event buffer size.
	// Defaults to 256.
	SubscriberBuffer int

	// Overflow selects the buffer overflow policy. Defaults to DropOldest.
	Overflow OverflowPolicy
}

func (c *ListenerConfig) withDefaults() ListenerConfig {
	out := *c
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 100 * time.Millisecond
	}
	if out.MissedFrameTimeout <= 0 {
		out.MissedFrameTimeout = 500 * time.Millisecond
	}
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = 256
	}
	return out
}

// Listener receives marker frame datagrams from the capture system over UDP
// and fans them out to subscribers. It never buffers unboundedly: each
// subscriber has a bounded channel governed by the configured overflow
// policy.
type Listener struct {
	cfg ListenerConfig
	mux *Mux
	ord ordering

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewListener creates a UDP frame listener with the provided configuration.
func NewListener(cfg ListenerConfig) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg: cfg,
		mux: NewMux(cfg.SubscriberBuffer, cfg.Overflow),
	}
}

// Subscribe creates a new channel for receiving stream events.
func (l *Listener) Subscribe() (string, chan Event) { return l.mux.Subscribe() }

// Unsubscribe removes a subscriber.
func (l *Listener) Unsubscribe(id string) { l.mux.Unsubscribe(id) }

// Monitor listens for frame datagrams until the context is cancelled or the
// socket fails. Silent gaps longer than MissedFrameTimeout emit a single
// Stall event per gap; a terminal socket error emits Lost before returning.
func (l *Listener) Monitor(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("warning: failed to set UDP receive buffer to %d: %v", l.cfg.RcvBuf, err)
		}
	}

	monitoring.Logf("capture listener started on %s", conn.LocalAddr())

	buffer := make([]byte, maxDatagram)
	lastFrame := time.Now()
	stalled := false

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("capture listener stopping: context cancelled")
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if !stalled && time.Since(lastFrame) > l.cfg.MissedFrameTimeout {
					stalled = true
					l.mux.Publish(Event{Kind: EventStall, Err: ErrStreamStall})
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.mux.Publish(Event{Kind: EventLost, Err: fmt.Errorf("%w: %v", ErrStreamLost, err)})
			return fmt.Errorf("capture stream read failed: %w", err)
		}

		lastFrame = time.Now()
		stalled = false

		frame, err := ParseFrame(buffer[:n])
		if err != nil {
			l.mux.Publish(Event{Kind: EventFault, Err: err})
			continue
		}
		if !l.ord.admit(frame) {
			l.mux.Publish(Event{Kind: EventFault, Err: fmt.Errorf("%w: frame %d at %v", ErrOutOfOrder, frame.FrameNum, frame.Timestamp)})
			continue
		}
		l.mux.Publish(Event{Kind: EventFrame, Frame: frame})
	}
}

// Addr returns the bound socket address, or nil before Monitor has opened
// the socket. Useful when listening on port 0 in tests.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close closes the socket and all subscriber channels.
func (l *Listener) Close() error {
	l.mux.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
