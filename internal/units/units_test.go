package units

import "testing"

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("IsValid(%q) = false, want true", u)
		}
	}
	if IsValid("furlongs") {
		t.Error("IsValid(furlongs) = true, want false")
	}
	if IsValid("") {
		t.Error("IsValid(\"\") = true, want false")
	}
}

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name  string
		speed float64
		units string
		want  float64
	}{
		{"mps passthrough", 0.05, MPS, 0.05},
		{"cmps", 0.05, CMPS, 5.0},
		{"mmps", 0.05, MMPS, 50.0},
		{"unknown unit passthrough", 1.2, "knots", 1.2},
		{"zero", 0, CMPS, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConvertSpeed(tt.speed, tt.units); got != tt.want {
				t.Errorf("ConvertSpeed(%v, %q) = %v, want %v", tt.speed, tt.units, got, tt.want)
			}
		})
	}
}
