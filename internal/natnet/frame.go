// Package natnet ingests streaming marker frames from the motion-capture
// system. The capture host multicasts one datagram per resolved frame; this
// package parses the wire format, enforces timestamp ordering, and fans
// frames out to subscribers without unbounded buffering.
package natnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Wire format constants. The leading magic and version pin the frame layout
// so recorded fixtures stay readable across paradigm versions.
const (
	frameMagic   uint16 = 0x4e46 // "NF"
	frameVersion uint8  = 1

	headerSize = 2 + 1 + 1 + 4 + 8 // magic, version, marker count, frame num, timestamp
	markerSize = 2 + 1 + 3*8       // id, validity, xyz float64

	// maxDatagram is the largest frame the count byte allows.
	maxDatagram = headerSize + 255*markerSize
)

var (
	// ErrShortPacket indicates a datagram too small to hold the declared payload.
	ErrShortPacket = errors.New("natnet: packet shorter than declared layout")
	// ErrBadMagic indicates a datagram that is not a marker frame.
	ErrBadMagic = errors.New("natnet: bad frame magic")
	// ErrBadVersion indicates an unsupported frame layout version.
	ErrBadVersion = errors.New("natnet: unsupported frame version")
)

// Marker is a single resolved marker position in the capture frame of
// reference. Positions are meters. Valid is false while the marker is
// occluded; position fields are then stale and must not be used.
type Marker struct {
	ID    uint16
	X     float64
	Y     float64
	Z     float64
	Valid bool
}

// Frame is one capture-system sample: a monotonic capture timestamp plus the
// resolved positions of every tracked marker. Frames are immutable once
// received.
type Frame struct {
	FrameNum  uint32
	Timestamp time.Duration // capture clock, monotonic within a session
	Markers   []Marker
}

// ValidCount returns the number of markers with a usable position.
func (f *Frame) ValidCount() int {
	n := 0
	for _, m := range f.Markers {
		if m.Valid {
			n++
		}
	}
	return n
}

// Centroid returns the mean position of all valid markers, which stands in
// for the effector position. ok is false when every marker is occluded.
func (f *Frame) Centroid() (pos [3]float64, ok bool) {
	n := 0
	for _, m := range f.Markers {
		if !m.Valid {
			continue
		}
		pos[0] += m.X
		pos[1] += m.Y
		pos[2] += m.Z
		n++
	}
	if n == 0 {
		return [3]float64{}, false
	}
	pos[0] /= float64(n)
	pos[1] /= float64(n)
	pos[2] /= float64(n)
	return pos, true
}

// ParseFrame decodes a single frame datagram.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return Frame{}, ErrShortPacket
	}
	if binary.LittleEndian.Uint16(b[0:2]) != frameMagic {
		return Frame{}, ErrBadMagic
	}
	if b[2] != frameVersion {
		return Frame{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, b[2], frameVersion)
	}

	count := int(b[3])
	if len(b) < headerSize+count*markerSize {
		return Frame{}, fmt.Errorf("%w: %d bytes for %d markers", ErrShortPacket, len(b), count)
	}

	f := Frame{
		FrameNum:  binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: time.Duration(binary.LittleEndian.Uint64(b[8:16])),
		Markers:   make([]Marker, count),
	}

	off := headerSize
	for i := 0; i < count; i++ {
		f.Markers[i] = Marker{
			ID:    binary.LittleEndian.Uint16(b[off : off+2]),
			Valid: b[off+2] != 0,
			X:     math.Float64frombits(binary.LittleEndian.Uint64(b[off+3 : off+11])),
			Y:     math.Float64frombits(binary.LittleEndian.Uint64(b[off+11 : off+19])),
			Z:     math.Float64frombits(binary.LittleEndian.Uint64(b[off+19 : off+27])),
		}
		off += markerSize
	}
	return f, nil
}

// AppendFrame encodes f onto dst and returns the extended slice. It is the
// inverse of ParseFrame and is used by fixture generation and the replayer.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, frameMagic)
	dst = append(dst, frameVersion, uint8(len(f.Markers)))
	dst = binary.LittleEndian.AppendUint32(dst, f.FrameNum)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(f.Timestamp))
	for _, m := range f.Markers {
		dst = binary.LittleEndian.AppendUint16(dst, m.ID)
		if m.Valid {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.X))
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.Y))
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.Z))
	}
	return dst
}
