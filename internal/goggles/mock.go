package goggles

import (
	"bytes"
	"errors"
	"sync"
)

// TestablePort implements Porter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, and error injection.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than requested
	ShortWrite bool

	// AutoAck makes every successful Write queue an "ok" acknowledgement
	// line, simulating a healthy controller board
	AutoAck bool

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// readCond signals blocked readers when data arrives or the port closes
	readCond *sync.Cond
}

// NewTestablePort creates a TestablePort whose reads block until data is
// queued, matching real serial port semantics.
func NewTestablePort() *TestablePort {
	tp := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tp.readCond = sync.NewCond(&tp.mu)
	return tp
}

// Read blocks until data is available or the port is closed.
func (t *TestablePort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errors.New("port closed")
	}
	return t.ReadBuffer.Read(p)
}

// Write captures written data, injecting errors when configured.
func (t *TestablePort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite {
		t.ShortWrite = false
		n, _ = t.WriteBuffer.Write(p[:len(p)-1])
		return n, nil
	}

	n, err = t.WriteBuffer.Write(p)
	if err == nil && t.AutoAck {
		t.ReadBuffer.WriteString(ackLine + "\n")
		t.readCond.Signal()
	}
	return n, err
}

// Close marks the port as closed and wakes any blocked readers.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// WrittenData returns all data written to the port.
func (t *TestablePort) WrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// MockFactory implements Factory for testing.
type MockFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port Porter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *Mode
}

// Open returns the configured port or error.
func (f *MockFactory) Open(path string, mode *Mode) (Porter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}
