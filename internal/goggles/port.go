package goggles

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Porter defines the minimal interface needed for the goggle serial link.
// This abstraction enables unit testing without the physical controller.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Mode defines serial link configuration parameters.
type Mode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// Parity defines serial parity options.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// StopBits defines serial stop bit options.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// DefaultMode returns the link settings for the occlusion goggle
// controller board (9600 8N1).
func DefaultMode() *Mode {
	return &Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   NoParity,
		StopBits: OneStopBit,
	}
}

// Factory defines an interface for opening goggle ports, enabling
// dependency injection in tests and dev mode.
type Factory interface {
	// Open opens the goggle link at the specified path with the given mode.
	Open(path string, mode *Mode) (Porter, error)
}

// SerialFactory opens real serial ports.
type SerialFactory struct{}

// Open opens a serial port at path using the provided mode.
func (SerialFactory) Open(path string, mode *Mode) (Porter, error) {
	m := &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
	}
	switch mode.Parity {
	case NoParity:
		m.Parity = serial.NoParity
	case OddParity:
		m.Parity = serial.OddParity
	case EvenParity:
		m.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("goggles: unknown parity %d", mode.Parity)
	}
	switch mode.StopBits {
	case OneStopBit:
		m.StopBits = serial.OneStopBit
	case TwoStopBits:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("goggles: unknown stop bits %d", mode.StopBits)
	}

	port, err := serial.Open(path, m)
	if err != nil {
		return nil, fmt.Errorf("goggles: failed to open port %s: %w", path, err)
	}
	return port, nil
}
