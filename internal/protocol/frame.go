package protocol

import (
	"bytes"
	"encoding/hex"
)

type FrameKind int

const (
	Unclassified FrameKind = iota
	Telemetry
	Resistance
)

func (k FrameKind) String() string {
	switch k {
	case Telemetry:
		return "Telemetry"
	case Resistance:
		return "Resistance"
	default:
		return "Unclassified"
	}
}

// Classify identifies a raw notification by its opcode and returns the
// header length that precedes the payload. Unclassified frames have a
// header length of 0.
func Classify(frame []byte) (FrameKind, int) {
	switch {
	case len(frame) >= 4 && bytes.Equal(frame[:4], opTelemetryLong):
		return Telemetry, 4
	case bytes.HasPrefix(frame, opTelemetryShort):
		return Telemetry, 2
	case len(frame) >= 4 && bytes.Equal(frame[:4], opResistanceLong):
		return Resistance, 4
	case bytes.HasPrefix(frame, opResistShort):
		return Resistance, 2
	}
	return Unclassified, 0
}

// FormatHex renders a frame as lowercase hex, the form used in log lines
func FormatHex(frame []byte) string {
	return hex.EncodeToString(frame)
}
