// Package units provides shared constants and validation for speed units.
//
// The capture system reports marker positions in meters, so all internal
// speeds are meters per second. Reach kinematics are conventionally reported
// in centimeters per second in the aperture literature, so conversion is
// applied only at display/export boundaries.
package units

// Unit constants
const (
	MPS  = "mps"
	CMPS = "cmps"
	MMPS = "mmps"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, CMPS, MMPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, cmps, mmps"
}

// ConvertSpeed converts a speed from meters per second to the target units.
// The trial record stores speeds in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedMPS
	case CMPS:
		return speedMPS * 100
	case MMPS:
		return speedMPS * 1000
	default:
		return speedMPS
	}
}
