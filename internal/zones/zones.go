// Package zones classifies effector position against the spatial regions of
// a trial: the target and distractor end-zones, and optionally the home
// position. Zone entry marks the end of a reach; it is a spatial criterion,
// deliberately independent of the movement state machine, so a slow creeping
// reach still terminates.
package zones

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Label identifies a zone's role in the trial.
type Label string

const (
	Target     Label = "target"
	Distractor Label = "distractor"
	Home       Label = "home"
)

// Zone is a spherical region in the capture frame of reference, meters.
type Zone struct {
	Label  Label
	Center [3]float64
	Radius float64
}

// Contains reports whether pos lies within the zone volume.
func (z Zone) Contains(pos [3]float64) bool {
	return floats.Distance(z.Center[:], pos[:], 2) <= z.Radius
}

// Entry records the first crossing into a zone.
type Entry struct {
	Zone      Zone
	FrameNum  uint32
	Timestamp time.Duration
}

// Detector latches the first entry into each configured zone for one trial.
type Detector struct {
	zones   []Zone
	entered map[Label]bool
}

// NewDetector validates the zone set and returns a detector with no entries
// latched. Zones must have positive radius and unique labels.
func NewDetector(zs []Zone) (*Detector, error) {
	if len(zs) == 0 {
		return nil, fmt.Errorf("zones: at least one zone is required")
	}
	seen := make(map[Label]bool, len(zs))
	for _, z := range zs {
		if z.Radius <= 0 {
			return nil, fmt.Errorf("zones: %s radius must be positive, got %v", z.Label, z.Radius)
		}
		if z.Label == "" {
			return nil, fmt.Errorf("zones: zone label must not be empty")
		}
		if seen[z.Label] {
			return nil, fmt.Errorf("zones: duplicate label %q", z.Label)
		}
		seen[z.Label] = true
	}
	return &Detector{
		zones:   zs,
		entered: make(map[Label]bool, len(zs)),
	}, nil
}

// Check tests pos against every zone not yet entered this trial. The first
// crossing into a zone returns its Entry; re-entries into the same zone are
// ignored for the remainder of the trial.
func (d *Detector) Check(pos [3]float64, frameNum uint32, ts time.Duration) (Entry, bool) {
	for _, z := range d.zones {
		if d.entered[z.Label] || !z.Contains(pos) {
			continue
		}
		d.entered[z.Label] = true
		return Entry{Zone: z, FrameNum: frameNum, Timestamp: ts}, true
	}
	return Entry{}, false
}

// Entered reports whether the labelled zone has been entered this trial.
func (d *Detector) Entered(l Label) bool { return d.entered[l] }
