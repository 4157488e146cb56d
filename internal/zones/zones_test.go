package zones

import (
	"testing"
	"time"
)

func pair() []Zone {
	return []Zone{
		{Label: Target, Center: [3]float64{-0.10, 0, 0.30}, Radius: 0.045},
		{Label: Distractor, Center: [3]float64{0.10, 0, 0.30}, Radius: 0.045},
	}
}

func TestZoneContains(t *testing.T) {
	z := Zone{Label: Target, Center: [3]float64{0, 0, 0.30}, Radius: 0.05}

	tests := []struct {
		name string
		pos  [3]float64
		want bool
	}{
		{"center", [3]float64{0, 0, 0.30}, true},
		{"inside", [3]float64{0.03, 0, 0.30}, true},
		{"on boundary", [3]float64{0.05, 0, 0.30}, true},
		{"outside", [3]float64{0.06, 0, 0.30}, false},
		{"off axis outside", [3]float64{0.04, 0.04, 0.34}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := z.Contains(tt.pos); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.pos, got, tt.want)
			}
		})
	}
}

func TestNewDetectorValidation(t *testing.T) {
	if _, err := NewDetector(nil); err == nil {
		t.Error("empty zone set should be rejected")
	}
	if _, err := NewDetector([]Zone{{Label: Target, Radius: 0}}); err == nil {
		t.Error("zero radius should be rejected")
	}
	if _, err := NewDetector([]Zone{{Radius: 0.05}}); err == nil {
		t.Error("empty label should be rejected")
	}
	if _, err := NewDetector([]Zone{
		{Label: Target, Radius: 0.05},
		{Label: Target, Center: [3]float64{1, 0, 0}, Radius: 0.05},
	}); err == nil {
		t.Error("duplicate labels should be rejected")
	}
	if _, err := NewDetector(pair()); err != nil {
		t.Errorf("valid pair rejected: %v", err)
	}
}

func TestFirstEntryLatches(t *testing.T) {
	d, err := NewDetector(pair())
	if err != nil {
		t.Fatal(err)
	}

	outside := [3]float64{0, 0, 0}
	if _, ok := d.Check(outside, 1, 8*time.Millisecond); ok {
		t.Fatal("entry reported outside all zones")
	}

	inTarget := [3]float64{-0.10, 0, 0.30}
	entry, ok := d.Check(inTarget, 2, 16*time.Millisecond)
	if !ok {
		t.Fatal("entry into target not reported")
	}
	if entry.Zone.Label != Target || entry.FrameNum != 2 {
		t.Errorf("entry = %+v, want target at frame 2", entry)
	}

	// Re-entry into the same zone is ignored for the trial.
	if _, ok := d.Check(inTarget, 3, 24*time.Millisecond); ok {
		t.Error("re-entry into target reported")
	}
	if !d.Entered(Target) {
		t.Error("Entered(target) = false after entry")
	}

	// A different zone still latches its own first entry.
	inDistractor := [3]float64{0.10, 0, 0.30}
	entry, ok = d.Check(inDistractor, 4, 32*time.Millisecond)
	if !ok || entry.Zone.Label != Distractor {
		t.Errorf("distractor entry = %+v ok=%v, want first distractor entry", entry, ok)
	}
}
