package natnet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// startListener runs Monitor on a loopback socket and waits for the socket
// to be bound, returning the subscriber channel and the bound address.
func startListener(t *testing.T, cfg ListenerConfig) (*Listener, chan Event, net.Addr, context.CancelFunc) {
	t.Helper()

	cfg.Address = "127.0.0.1:0"
	l := NewListener(cfg)
	_, ch := l.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		l.Monitor(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("listener did not bind within deadline")
		}
		time.Sleep(time.Millisecond)
	}
	return l, ch, l.Addr(), cancel
}

func TestListenerDeliversFrames(t *testing.T) {
	l, ch, addr, cancel := startListener(t, ListenerConfig{})
	defer cancel()
	defer l.Close()

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := uint32(1); i <= 3; i++ {
		b := AppendFrame(nil, testFrame(i, time.Duration(i)*8*time.Millisecond))
		if _, err := conn.Write(b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for want := uint32(1); want <= 3; want++ {
		select {
		case ev := <-ch:
			if ev.Kind != EventFrame || ev.Frame.FrameNum != want {
				t.Fatalf("got %+v, want frame %d", ev, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", want)
		}
	}
}

func TestListenerDeliversMaximumSizedFrame(t *testing.T) {
	l, ch, addr, cancel := startListener(t, ListenerConfig{})
	defer cancel()
	defer l.Close()

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The count byte allows 255 markers; the read buffer must admit the
	// whole datagram rather than truncating it into a parse fault.
	full := Frame{FrameNum: 1, Timestamp: 8 * time.Millisecond}
	for i := 0; i < 255; i++ {
		full.Markers = append(full.Markers, Marker{ID: uint16(i), X: float64(i), Valid: true})
	}
	b := AppendFrame(nil, full)
	if len(b) != maxDatagram {
		t.Fatalf("encoded size = %d, want %d", len(b), maxDatagram)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventFrame {
			t.Fatalf("got %v (%v), want frame", ev.Kind, ev.Err)
		}
		if len(ev.Frame.Markers) != 255 || ev.Frame.Markers[254].ID != 254 {
			t.Fatalf("markers = %d, want 255 intact", len(ev.Frame.Markers))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for full-size frame")
	}
}

func TestListenerFaultsBadAndStaleDatagrams(t *testing.T) {
	l, ch, addr, cancel := startListener(t, ListenerConfig{})
	defer cancel()
	defer l.Close()

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Garbage datagram: parse fault.
	conn.Write([]byte("not a frame"))
	// Valid frame, then a duplicate timestamp: ordering fault.
	conn.Write(AppendFrame(nil, testFrame(1, 10*time.Millisecond)))
	conn.Write(AppendFrame(nil, testFrame(2, 10*time.Millisecond)))

	var kinds []EventKind
	var errs []error
	for len(kinds) < 3 {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
			errs = append(errs, ev.Err)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; got %v", kinds)
		}
	}

	if kinds[0] != EventFault || !errors.Is(errs[0], ErrBadMagic) {
		t.Errorf("event 0 = %v (%v), want parse fault", kinds[0], errs[0])
	}
	if kinds[1] != EventFrame {
		t.Errorf("event 1 = %v, want frame", kinds[1])
	}
	if kinds[2] != EventFault || !errors.Is(errs[2], ErrOutOfOrder) {
		t.Errorf("event 2 = %v (%v), want ordering fault", kinds[2], errs[2])
	}
}

func TestListenerEmitsStall(t *testing.T) {
	l, ch, _, cancel := startListener(t, ListenerConfig{
		ReadTimeout:        10 * time.Millisecond,
		MissedFrameTimeout: 30 * time.Millisecond,
	})
	defer cancel()
	defer l.Close()

	select {
	case ev := <-ch:
		if ev.Kind != EventStall || !errors.Is(ev.Err, ErrStreamStall) {
			t.Fatalf("got %+v, want stall", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stall event")
	}
}
