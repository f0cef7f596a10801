// Package units converts plan lengths for display. Plan lengths are in
// millimetres, the unit sensor readings are scaled to by default.
package units

import "strings"

// Unit constants
const (
	M  = "m"
	MM = "mm"
	UM = "um"
	IN = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{M, MM, UM, IN}

var perMillimetre = map[string]float64{
	M:  1e-3,
	MM: 1,
	UM: 1e3,
	IN: 1 / 25.4,
}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	_, ok := perMillimetre[unit]
	return ok
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertLength converts millimetres to the target unit. Unknown units leave
// the value in millimetres.
func ConvertLength(mm float64, targetUnits string) float64 {
	f, ok := perMillimetre[targetUnits]
	if !ok {
		return mm
	}
	return mm * f
}
