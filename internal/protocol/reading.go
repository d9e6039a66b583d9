package protocol

import "fmt"

// Reading is one bike sample. Resistance is the last level reported by
// the device and carries over across telemetry frames.
type Reading struct {
	Resistance    uint8   `json:"resistance" cbor:"resistance"`
	TimerSeconds  uint32  `json:"timer" cbor:"timer"`
	SpeedMph      float64 `json:"speed" cbor:"speed"`
	RPM           uint8   `json:"rpm" cbor:"rpm"`
	DistanceMiles float64 `json:"distance" cbor:"distance"`
	Calories      float64 `json:"calories" cbor:"calories"`
	Watts         float64 `json:"watts" cbor:"watts"`
}

// Next derives the reading that follows r given a decoded telemetry frame.
// Power uses the resistance held by r, calories accumulate one second of
// that power.
func (r Reading) Next(t TelemetryFrame) Reading {
	watts := Power(t.RPM, r.Resistance)
	return Reading{
		Resistance:    r.Resistance,
		TimerSeconds:  uint32(t.TimerSeconds),
		SpeedMph:      SpeedMph(t.RPM),
		RPM:           t.RPM,
		DistanceMiles: DistanceMiles(t.DistanceRaw),
		Calories:      r.Calories + watts/1000,
		Watts:         watts,
	}
}

func SpeedMph(rpm uint8) float64 {
	return float64(rpm) / RPMPerTenMph * 10
}

// Power is the device's empirical power curve at the given cadence and
// resistance level
func Power(rpm uint8, resistance uint8) float64 {
	r := float64(resistance)
	return (float64(rpm) / RPMPerTenMph) * (powerC0 + powerC1*r + powerC2*r*r + powerC3*r*r*r)
}

func DistanceMiles(raw int32) float64 {
	return float64(raw) * distanceNumerator / distanceDenominator
}

// FormatElapsed renders seconds as H:MM:SS
func FormatElapsed(seconds uint32) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
